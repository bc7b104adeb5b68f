package paypal

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	liveBaseURL    = "https://api-m.paypal.com"
	sandboxBaseURL = "https://api-m.sandbox.paypal.com"
)

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
}

// ConfigFromEnv builds a Config from the environment. PAYPAL_ENV=sandbox
// selects the sandbox API; anything else selects live.
func ConfigFromEnv() Config {
	cfg := Config{
		ClientID:     os.Getenv("PAYPAL_CLIENT_ID"),
		ClientSecret: os.Getenv("PAYPAL_CLIENT_SECRET"),
	}
	if base := strings.TrimSpace(os.Getenv("PAYPAL_API_BASE_URL")); base != "" {
		cfg.BaseURL = strings.TrimRight(base, "/")
	} else if strings.EqualFold(strings.TrimSpace(os.Getenv("PAYPAL_ENV")), "sandbox") {
		cfg.BaseURL = sandboxBaseURL
	} else {
		cfg.BaseURL = liveBaseURL
	}
	return cfg
}

// Client wraps the PayPal Subscriptions API. Access tokens come from the
// client-credentials grant and are cached until shortly before expiry.
type Client struct {
	http         *resty.Client
	clientID     string
	clientSecret string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(cfg Config) *Client {
	http := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	return &Client{
		http:         http,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
	}
}

func (c *Client) getAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.clientID, c.clientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&out).
		Post("/v1/oauth2/token")
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", apiError("oauth token", resp)
	}

	c.accessToken = out.AccessToken
	// renew a minute early so in-flight requests never carry a stale token
	c.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn-60) * time.Second)
	return c.accessToken, nil
}

type Subscriber struct {
	EmailAddress string `json:"email_address"`
	Name         struct {
		GivenName string `json:"given_name"`
		Surname   string `json:"surname"`
	} `json:"name"`
}

type Subscription struct {
	ID             string     `json:"id"`
	PlanID         string     `json:"plan_id"`
	Status         string     `json:"status"`
	StatusUpdateAt string     `json:"status_update_time"`
	Subscriber     Subscriber `json:"subscriber"`
	CreateTime     string     `json:"create_time"`
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var out Subscription
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		Get("/v1/billing/subscriptions/" + subscriptionID)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, apiError("get subscription", resp)
	}
	return &out, nil
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]string{"reason": reason}).
		Post("/v1/billing/subscriptions/" + subscriptionID + "/cancel")
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return apiError("cancel subscription", resp)
	}
	return nil
}

func apiError(op string, resp *resty.Response) error {
	return fmt.Errorf("paypal: %s: status %d: %s", op, resp.StatusCode(), strings.TrimSpace(resp.String()))
}
