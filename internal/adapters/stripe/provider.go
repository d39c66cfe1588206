// Package stripe implements the card-processor port against the provider's
// REST API. Only the two calls the engine makes are implemented; settlement
// confirmation arrives over webhooks, not through this client.
package stripe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/JacobCoffee/registrar/internal/domain"
	"github.com/JacobCoffee/registrar/internal/payment"
)

const baseURL = "https://api.stripe.com/v1"

type Provider struct {
	key    string
	client *http.Client
}

func NewProvider(secretKey string) *Provider {
	return &Provider{
		key:    secretKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *Provider) CreateIntent(ctx context.Context, amount decimal.Decimal, currency, orderReference string) (*payment.Intent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(domain.AmountToCents(amount), 10))
	form.Set("currency", currency)
	form.Set("metadata[order_reference]", orderReference)

	var out struct {
		ID           string `json:"id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := p.post(ctx, "/payment_intents", form, &out); err != nil {
		return nil, err
	}
	return &payment.Intent{ID: out.ID, ClientSecret: out.ClientSecret}, nil
}

func (p *Provider) Refund(ctx context.Context, chargeID string, amount decimal.Decimal) (*payment.RefundResult, error) {
	form := url.Values{}
	form.Set("charge", chargeID)
	form.Set("amount", strconv.FormatInt(domain.AmountToCents(amount), 10))

	var out struct {
		ID string `json:"id"`
	}
	if err := p.post(ctx, "/refunds", form, &out); err != nil {
		return nil, err
	}
	return &payment.RefundResult{ID: out.ID}, nil
}

func (p *Provider) post(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.key, "")

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(body, &apiErr)
		return errors.Newf("stripe %s: %d %s", path, res.StatusCode, apiErr.Error.Message)
	}
	return json.Unmarshal(body, out)
}
