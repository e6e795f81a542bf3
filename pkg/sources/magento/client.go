// Package magento fetches orders and customers from the Magento 2 REST API.
package magento

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TFMV/m2sync/pkg/core"
)

const (
	// DefaultPageSize is the searchCriteria page size.
	DefaultPageSize = 50

	// DefaultPageDelay is the pause between page requests.
	DefaultPageDelay = time.Second

	authPath = "/rest/V1/tfa/provider/google/authenticate"
)

// Config holds the Magento connection settings.
type Config struct {
	BaseURL     string
	AccessToken string
	Username    string
	Password    string
	OTP         string
	PageSize    int
	PageDelay   time.Duration
	Timeout     time.Duration
}

// APIError is returned for non-200 responses.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("magento %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// OTPPrompt asks the operator for a one-time password.
type OTPPrompt func(ctx context.Context) (string, error)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithClock replaces the time source used for derived fields.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithOTPPrompt sets the fallback used when no OTP is configured.
func WithOTPPrompt(p OTPPrompt) Option {
	return func(c *Client) {
		c.prompt = p
	}
}

// Client talks to one Magento store. Tokens are obtained lazily.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time
	prompt OTPPrompt

	mu    sync.Mutex
	token string
}

// NewClient creates a Client. A nil logger discards output.
func NewClient(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("magento base URL is required")
	}
	if cfg.AccessToken == "" && (cfg.Username == "" || cfg.Password == "") {
		return nil, errors.New("magento access token or username and password are required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PageDelay < 0 {
		cfg.PageDelay = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("source", "magento")),
		now:    time.Now,
		token:  cfg.AccessToken,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Authenticate obtains an admin token with username, password and OTP unless
// a token is already available.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return nil
	}

	otp := c.cfg.OTP
	if otp == "" {
		if c.prompt == nil {
			return errors.New("magento OTP is required for username/password authentication")
		}
		var err error
		if otp, err = c.prompt(ctx); err != nil {
			return fmt.Errorf("failed to read OTP: %w", err)
		}
	}

	payload, err := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
		"otp":      strings.TrimSpace(otp),
	})
	if err != nil {
		return fmt.Errorf("failed to encode auth payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+authPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var token string
	if err := c.do(req, &token); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	if token == "" {
		return errors.New("authentication returned an empty token")
	}

	c.token = token
	c.logger.Info("Access token received")
	return nil
}

// get performs an authenticated GET and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.Authenticate(ctx); err != nil {
		return err
	}

	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+c.token)
	c.mu.Unlock()
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			Method:     req.Method,
			URL:        req.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// searchResult is the envelope of Magento search endpoints.
type searchResult[T any] struct {
	Items      []T `json:"items"`
	TotalCount int `json:"total_count"`
}

// searchCriteria filters field between the window's first and last second.
func searchCriteria(field string, w core.Window, pageSize, page int) url.Values {
	q := url.Values{}
	q.Set("searchCriteria[filter_groups][0][filters][0][field]", field)
	q.Set("searchCriteria[filter_groups][0][filters][0][value]", w.From.Format(core.DateLayout)+" 00:00:00")
	q.Set("searchCriteria[filter_groups][0][filters][0][condition_type]", "from")
	q.Set("searchCriteria[filter_groups][1][filters][0][field]", field)
	q.Set("searchCriteria[filter_groups][1][filters][0][value]", w.To.Format(core.DateLayout)+" 23:59:59")
	q.Set("searchCriteria[filter_groups][1][filters][0][condition_type]", "to")
	q.Set("searchCriteria[pageSize]", strconv.Itoa(pageSize))
	q.Set("searchCriteria[currentPage]", strconv.Itoa(page))
	return q
}

// fetchAll pages through a search endpoint until an empty page or until
// total_count items have been read.
func fetchAll[T any](ctx context.Context, c *Client, path, field string, w core.Window) ([]T, error) {
	var all []T
	for page := 1; ; page++ {
		c.logger.Info("Fetching page",
			zap.String("path", path),
			zap.String("window", w.String()),
			zap.Int("page", page))

		var result searchResult[T]
		if err := c.get(ctx, path, searchCriteria(field, w, c.cfg.PageSize, page), &result); err != nil {
			return nil, err
		}
		if len(result.Items) == 0 {
			break
		}
		all = append(all, result.Items...)

		if result.TotalCount > 0 && page*c.cfg.PageSize >= result.TotalCount {
			break
		}
		if err := c.sleep(ctx); err != nil {
			return nil, err
		}
	}

	c.logger.Info("Fetch complete", zap.String("path", path), zap.Int("items", len(all)))
	return all, nil
}

// sleep waits PageDelay or until ctx is done.
func (c *Client) sleep(ctx context.Context) error {
	if c.cfg.PageDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.cfg.PageDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
