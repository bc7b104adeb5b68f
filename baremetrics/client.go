package baremetrics

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	liveBaseURL    = "https://api.baremetrics.com/v1"
	sandboxBaseURL = "https://api-sandbox.baremetrics.com/v1"
)

// Config selects the environment explicitly at construction time.
// Clients are never reconfigured mid-request.
type Config struct {
	BaseURL string
	APIKey  string
	// PageDelay is the fixed pause between paginated calls to respect
	// Baremetrics rate limits.
	PageDelay time.Duration
}

// ConfigFromEnv builds a Config from the environment. BAREMETRICS_ENV=sandbox
// selects the sandbox API and key; anything else selects live.
func ConfigFromEnv() Config {
	cfg := Config{PageDelay: 100 * time.Millisecond}

	if base := strings.TrimSpace(os.Getenv("BAREMETRICS_API_BASE_URL")); base != "" {
		cfg.BaseURL = strings.TrimRight(base, "/")
	} else if strings.EqualFold(strings.TrimSpace(os.Getenv("BAREMETRICS_ENV")), "sandbox") {
		cfg.BaseURL = sandboxBaseURL
	} else {
		cfg.BaseURL = liveBaseURL
	}

	if strings.EqualFold(strings.TrimSpace(os.Getenv("BAREMETRICS_ENV")), "sandbox") {
		cfg.APIKey = os.Getenv("BAREMETRICS_SANDBOX_API_KEY")
	} else {
		cfg.APIKey = os.Getenv("BAREMETRICS_LIVE_API_KEY")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("BAREMETRICS_API_KEY")
	}
	return cfg
}

// Client is a thin wrapper over the Baremetrics REST API.
type Client struct {
	http      *resty.Client
	pageDelay time.Duration
}

func NewClient(cfg Config) *Client {
	http := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetAuthToken(cfg.APIKey).
		SetHeader("Accept", "application/json").
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	return &Client{http: http, pageDelay: cfg.PageDelay}
}

// PageDelay is the configured pause the caller should apply between pages.
func (c *Client) PageDelay() time.Duration {
	return c.pageDelay
}

type Source struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
}

type Customer struct {
	OID      string `json:"oid"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	SourceID string `json:"source_id"`
	IsActive bool   `json:"is_active"`
}

type PlanAmount struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type Plan struct {
	OID           string       `json:"oid"`
	Name          string       `json:"name"`
	Interval      string       `json:"interval"`
	IntervalCount int          `json:"interval_count"`
	Amounts       []PlanAmount `json:"amounts"`
	Active        bool         `json:"active"`
}

type Subscription struct {
	OID      string `json:"oid"`
	Status   string `json:"status"`
	Plan     *Plan  `json:"plan"`
	Customer *struct {
		OID string `json:"oid"`
	} `json:"customer"`
}

type CustomersPage struct {
	Customers []Customer `json:"customers"`
	Meta      struct {
		Pagination struct {
			Page    int  `json:"page"`
			HasMore bool `json:"has_more"`
		} `json:"pagination"`
	} `json:"meta"`
}

func (c *Client) ListSources(ctx context.Context) ([]Source, error) {
	var out struct {
		Sources []Source `json:"sources"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/sources")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, apiError("list sources", resp)
	}
	return out.Sources, nil
}

// ListCustomers fetches one page of customers for a source. Paging continues
// while meta.pagination.has_more is true.
func (c *Client) ListCustomers(ctx context.Context, sourceID string, page int) (*CustomersPage, error) {
	var out CustomersPage
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("page", fmt.Sprintf("%d", page)).
		SetQueryParam("per_page", "200").
		SetResult(&out).
		Get("/" + sourceID + "/customers")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, apiError("list customers", resp)
	}
	return &out, nil
}

type NewCustomer struct {
	OID   string `json:"oid,omitempty"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

func (c *Client) CreateCustomer(ctx context.Context, sourceID string, input NewCustomer) (*Customer, error) {
	var out struct {
		Customer Customer `json:"customer"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(input).
		SetResult(&out).
		Post("/" + sourceID + "/customers")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, apiError("create customer", resp)
	}
	return &out.Customer, nil
}

func (c *Client) ListPlans(ctx context.Context, sourceID string) ([]Plan, error) {
	var out struct {
		Plans []Plan `json:"plans"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/" + sourceID + "/plans")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, apiError("list plans", resp)
	}
	return out.Plans, nil
}

type NewPlan struct {
	OID           string `json:"oid"`
	Name          string `json:"name"`
	Interval      string `json:"interval"`
	IntervalCount int    `json:"interval_count"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Active        bool   `json:"active"`
}

func (c *Client) CreatePlan(ctx context.Context, sourceID string, input NewPlan) (*Plan, error) {
	var out struct {
		Plan Plan `json:"plan"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(input).
		SetResult(&out).
		Post("/" + sourceID + "/plans")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, apiError("create plan", resp)
	}
	return &out.Plan, nil
}

type NewSubscription struct {
	OID         string `json:"oid"`
	CustomerOID string `json:"customer_oid"`
	PlanOID     string `json:"plan_oid"`
	StartedAt   int64  `json:"started_at"`
}

func (c *Client) CreateSubscription(ctx context.Context, sourceID string, input NewSubscription) (*Subscription, error) {
	var out struct {
		Subscription Subscription `json:"subscription"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(input).
		SetResult(&out).
		Post("/" + sourceID + "/subscriptions")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, apiError("create subscription", resp)
	}
	return &out.Subscription, nil
}

func (c *Client) DeleteSubscription(ctx context.Context, sourceID, subscriptionOID string) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/" + sourceID + "/subscriptions/" + subscriptionOID)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return apiError("delete subscription", resp)
	}
	return nil
}

// ListCustomerSubscriptions returns the subscriptions of one customer oid
// within a source.
func (c *Client) ListCustomerSubscriptions(ctx context.Context, sourceID, customerOID string) ([]Subscription, error) {
	var out struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("customer_oid", customerOID).
		SetResult(&out).
		Get("/" + sourceID + "/subscriptions")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, apiError("list subscriptions", resp)
	}
	return out.Subscriptions, nil
}

type AttributeUpdate struct {
	CustomerOID string `json:"customer_oid"`
	FieldID     string `json:"field_id"`
	Value       string `json:"value"`
}

// UpdateCustomerAttributes writes arbitrary attribute values keyed by field id.
func (c *Client) UpdateCustomerAttributes(ctx context.Context, updates []AttributeUpdate) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"attributes": updates}).
		Post("/attributes")
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return apiError("update attributes", resp)
	}
	return nil
}

// FindCustomerByEmail scans the given sources for a customer whose email
// matches (normalized) and returns the first hit.
func (c *Client) FindCustomerByEmail(ctx context.Context, sourceIDs []string, email string) (*Customer, error) {
	needle := strings.ToLower(strings.TrimSpace(email))
	for _, sourceID := range sourceIDs {
		var out CustomersPage
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("search", needle).
			SetResult(&out).
			Get("/" + sourceID + "/customers")
		if err != nil {
			return nil, err
		}
		if !resp.IsSuccess() {
			return nil, apiError("search customers", resp)
		}
		for i := range out.Customers {
			if strings.ToLower(strings.TrimSpace(out.Customers[i].Email)) == needle {
				found := out.Customers[i]
				if found.SourceID == "" {
					found.SourceID = sourceID
				}
				return &found, nil
			}
		}
	}
	return nil, nil
}

func apiError(op string, resp *resty.Response) error {
	return fmt.Errorf("baremetrics: %s: status %d: %s", op, resp.StatusCode(), strings.TrimSpace(resp.String()))
}
