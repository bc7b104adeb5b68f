package stripe

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultBaseURL = "https://api.stripe.com/v1"

type Config struct {
	BaseURL   string
	SecretKey string
}

func ConfigFromEnv() Config {
	base := strings.TrimSpace(os.Getenv("STRIPE_API_BASE_URL"))
	if base == "" {
		base = defaultBaseURL
	}
	return Config{
		BaseURL:   strings.TrimRight(base, "/"),
		SecretKey: os.Getenv("STRIPE_SECRET_KEY"),
	}
}

// Client covers the small slice of the Stripe API the cancellation flow and
// attribute sync need. Stripe takes form-encoded bodies and returns JSON.
type Client struct {
	http *resty.Client
}

func NewClient(cfg Config) *Client {
	http := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetAuthToken(cfg.SecretKey).
		SetHeader("Accept", "application/json").
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	return &Client{http: http}
}

type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type Subscription struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	CustomerID string `json:"customer"`
	CanceledAt int64  `json:"canceled_at"`
}

type listResponse[T any] struct {
	Data    []T  `json:"data"`
	HasMore bool `json:"has_more"`
}

// SearchCustomerByEmail returns the first customer with the exact email, or
// nil when none exists.
func (c *Client) SearchCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	var out listResponse[Customer]
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("query", fmt.Sprintf("email:%q", strings.ToLower(strings.TrimSpace(email)))).
		SetResult(&out).
		Get("/customers/search")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, apiError("search customer", resp)
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return &out.Data[0], nil
}

// ListActiveSubscriptions returns the customer's active subscriptions.
func (c *Client) ListActiveSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	var out listResponse[Subscription]
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("customer", customerID).
		SetQueryParam("status", "active").
		SetResult(&out).
		Get("/subscriptions")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, apiError("list subscriptions", resp)
	}
	return out.Data, nil
}

// CancelSubscription cancels immediately.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var out Subscription
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Delete("/subscriptions/" + subscriptionID)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, apiError("cancel subscription", resp)
	}
	return &out, nil
}

// UpdateCustomerMetadata sets metadata keys on the customer record.
func (c *Client) UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error {
	form := map[string]string{}
	for k, v := range metadata {
		form["metadata["+k+"]"] = v
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(form).
		Post("/customers/" + customerID)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return apiError("update customer metadata", resp)
	}
	return nil
}

func apiError(op string, resp *resty.Response) error {
	return fmt.Errorf("stripe: %s: status %d: %s", op, resp.StatusCode(), strings.TrimSpace(resp.String()))
}
