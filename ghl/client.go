package ghl

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultBaseURL = "https://rest.gohighlevel.com/v1"

type Config struct {
	BaseURL string
	APIKey  string
	// PageDelay is the fixed pause between paginated calls.
	PageDelay time.Duration
}

func ConfigFromEnv() Config {
	base := strings.TrimSpace(os.Getenv("GHL_API_BASE_URL"))
	if base == "" {
		base = defaultBaseURL
	}
	return Config{
		BaseURL:   strings.TrimRight(base, "/"),
		APIKey:    os.Getenv("GHL_API_KEY"),
		PageDelay: 100 * time.Millisecond,
	}
}

// Client talks to the GoHighLevel v1 REST API.
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

func (c *Client) PageDelay() time.Duration {
	return c.pageDelay
}

type Contact struct {
	ID           string   `json:"id"`
	Email        string   `json:"email"`
	FirstName    string   `json:"firstName"`
	LastName     string   `json:"lastName"`
	ContactName  string   `json:"contactName"`
	Phone        string   `json:"phone"`
	CompanyName  string   `json:"companyName"`
	Tags         []string `json:"tags"`
	DateAdded    string   `json:"dateAdded"`
	DateUpdated  string   `json:"dateUpdated"`
	LastActivity string   `json:"lastActivity"`
}

// Name returns the best available display name for the contact.
func (c *Contact) Name() string {
	if c.ContactName != "" {
		return c.ContactName
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

type ContactsPage struct {
	Contacts []Contact `json:"contacts"`
	Meta     struct {
		Total       int    `json:"total"`
		CurrentPage int    `json:"currentPage"`
		NextPage    *int   `json:"nextPage"`
		NextPageURL string `json:"nextPageUrl"`
	} `json:"meta"`
}

// HasMore reports whether another page follows this one.
func (p *ContactsPage) HasMore() bool {
	return p.Meta.NextPage != nil || p.Meta.NextPageURL != ""
}

type ListContactsParams struct {
	Query string
	Page  int
	Limit int
}

// ListContacts fetches one page of contacts. Query filters server side
// (GHL matches it against name, email and phone).
func (c *Client) ListContacts(ctx context.Context, params ListContactsParams) (*ContactsPage, error) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Page <= 0 {
		params.Page = 1
	}

	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("page", strconv.Itoa(params.Page)).
		SetQueryParam("limit", strconv.Itoa(params.Limit))
	if params.Query != "" {
		req.SetQueryParam("query", params.Query)
	}

	var out ContactsPage
	resp, err := req.SetResult(&out).Get("/contacts/")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, apiError("list contacts", resp)
	}
	return &out, nil
}

// FindContactByEmail looks a contact up by exact email. Returns nil when no
// contact matches.
func (c *Client) FindContactByEmail(ctx context.Context, email string) (*Contact, error) {
	needle := strings.ToLower(strings.TrimSpace(email))
	page, err := c.ListContacts(ctx, ListContactsParams{Query: needle, Limit: 20})
	if err != nil {
		return nil, err
	}
	for i := range page.Contacts {
		if strings.ToLower(strings.TrimSpace(page.Contacts[i].Email)) == needle {
			return &page.Contacts[i], nil
		}
	}
	return nil, nil
}

// AddContactTag appends tags to an existing contact.
func (c *Client) AddContactTag(ctx context.Context, contactID string, tags ...string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"tags": tags}).
		Post("/contacts/" + contactID + "/tags/")
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return apiError("add contact tag", resp)
	}
	return nil
}

func apiError(op string, resp *resty.Response) error {
	return fmt.Errorf("ghl: %s: status %d: %s", op, resp.StatusCode(), strings.TrimSpace(resp.String()))
}
