package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/poncho/poncho/pkg/annotations"
	"github.com/poncho/poncho/pkg/engine"
)

// ComputeClient talks to the compute API. It lists and deletes instances
// and disables compute services.
type ComputeClient struct {
	baseURL     string
	identityURL string
	token       string
	client      *http.Client
	maxRetries  uint64
	retryWait   time.Duration
	retryBudget time.Duration
	logger      zerolog.Logger

	emailMu sync.Mutex
	emails  map[string]string
}

// ComputeOption configures a ComputeClient.
type ComputeOption func(*ComputeClient)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) ComputeOption {
	return func(cc *ComputeClient) { cc.client = c }
}

// WithRetryWait sets the initial retry interval.
func WithRetryWait(d time.Duration) ComputeOption {
	return func(cc *ComputeClient) { cc.retryWait = d }
}

// WithRetryBudget caps the total time one call spends retrying. Calls run
// inside a step transaction, so the budget should stay below the poll
// interval. Zero leaves only MaxRetries.
func WithRetryBudget(d time.Duration) ComputeOption {
	return func(cc *ComputeClient) { cc.retryBudget = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ComputeOption {
	return func(cc *ComputeClient) { cc.logger = l }
}

// NewComputeClient creates a client for cfg.ComputeURL.
func NewComputeClient(cfg Config, opts ...ComputeOption) (*ComputeClient, error) {
	if cfg.ComputeURL == "" {
		return nil, fmt.Errorf("compute_url is required")
	}
	if _, err := url.Parse(cfg.ComputeURL); err != nil {
		return nil, fmt.Errorf("invalid compute_url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	c := &ComputeClient{
		baseURL:     strings.TrimRight(cfg.ComputeURL, "/"),
		identityURL: strings.TrimRight(cfg.IdentityURL, "/"),
		token:       cfg.Token,
		client:      &http.Client{Timeout: timeout},
		maxRetries:  uint64(retries),
		retryWait:   500 * time.Millisecond,
		logger:      zerolog.Nop(),
		emails:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// server is the subset of the compute API server representation we read.
type server struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Status     string            `json:"status"`
	TaskState  *string           `json:"OS-EXT-STS:task_state"`
	Host       string            `json:"OS-EXT-SRV-ATTR:host"`
	TenantID   string            `json:"tenant_id"`
	UserID     string            `json:"user_id"`
	Metadata   map[string]string `json:"metadata"`
	LaunchedAt string            `json:"OS-SRV-USG:launched_at"`
	Created    string            `json:"created"`
}

type serverList struct {
	Servers []server `json:"servers"`
}

// launchLayouts covers the compute API's zone-less microsecond format and
// RFC 3339.
var launchLayouts = []string{
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

func parseLaunched(values ...string) time.Time {
	for _, v := range values {
		if v == "" {
			continue
		}
		for _, layout := range launchLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

func (c *ComputeClient) toInstance(ctx context.Context, s server) engine.Instance {
	inst := engine.Instance{
		UUID:     s.ID,
		Name:     s.Name,
		Status:   s.Status,
		Host:     s.Host,
		TenantID: s.TenantID,
		Launched: parseLaunched(s.LaunchedAt, s.Created),
		Metadata: s.Metadata,
	}
	if s.TaskState != nil {
		inst.TaskState = *s.TaskState
	}
	if s.UserID != "" {
		inst.OwnerEmail = c.ownerEmail(ctx, s.UserID)
	}
	return inst
}

// ListInstancesOnHost returns every instance scheduled on host.
func (c *ComputeClient) ListInstancesOnHost(ctx context.Context, host string) ([]engine.Instance, error) {
	q := url.Values{}
	q.Set("all_tenants", "1")
	q.Set("host", host)
	// The host filter is re-checked so a server that ignores it cannot
	// widen a deletion to other hosts.
	return c.listServers(ctx, q, func(s server) bool { return s.Host == host })
}

// ListInstancesInGroup returns every instance annotated with ha_group_id
// groupID, across hosts.
func (c *ComputeClient) ListInstancesInGroup(ctx context.Context, groupID string) ([]engine.Instance, error) {
	q := url.Values{}
	q.Set("all_tenants", "1")
	return c.listServers(ctx, q, func(s server) bool {
		return s.Metadata[annotations.KeyHAGroupID] == groupID
	})
}

func (c *ComputeClient) listServers(ctx context.Context, q url.Values, keep func(server) bool) ([]engine.Instance, error) {
	var list serverList
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/servers/detail?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}
	out := make([]engine.Instance, 0, len(list.Servers))
	for _, s := range list.Servers {
		if keep(s) {
			out = append(out, c.toInstance(ctx, s))
		}
	}
	return out, nil
}

// DeleteInstance requests deletion. An instance that no longer exists
// counts as deleted.
func (c *ComputeClient) DeleteInstance(ctx context.Context, uuid string) error {
	err := c.do(ctx, http.MethodDelete, c.baseURL+"/servers/"+url.PathEscape(uuid), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.NotFound() {
		c.logger.Debug().Str("instance_uuid", uuid).Msg("Instance already gone")
		return nil
	}
	return err
}

// DisableHost disables the compute service on host.
func (c *ComputeClient) DisableHost(ctx context.Context, host string) error {
	body := map[string]string{"host": host, "binary": ComputeService}
	return c.do(ctx, http.MethodPut, c.baseURL+"/os-services/disable", body, nil)
}

// Ping checks that the compute API answers.
func (c *ComputeClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.baseURL+"/", nil, nil)
}

// ownerEmail resolves a user's email through the identity API. Lookups
// failing for any reason leave the owner without email.
func (c *ComputeClient) ownerEmail(ctx context.Context, userID string) string {
	if c.identityURL == "" {
		return ""
	}
	c.emailMu.Lock()
	email, ok := c.emails[userID]
	c.emailMu.Unlock()
	if ok {
		return email
	}

	var resp struct {
		User struct {
			Email string `json:"email"`
		} `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, c.identityURL+"/users/"+url.PathEscape(userID), nil, &resp); err != nil {
		c.logger.Debug().Err(err).Str("user_id", userID).Msg("Owner lookup failed")
		return ""
	}

	c.emailMu.Lock()
	c.emails[userID] = resp.User.Email
	c.emailMu.Unlock()
	return resp.User.Email
}

// do sends one request, retrying network errors, 5xx and 429, and decodes
// a JSON response into out when out is non-nil. A 409 is not retried here;
// it is returned as a conflict for the next step to retry.
func (c *ComputeClient) do(ctx context.Context, method, target string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	operation := func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("X-Auth-Token", c.token)
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return err
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{
				Method:     method,
				URL:        target,
				StatusCode: resp.StatusCode,
				Message:    strings.TrimSpace(string(data)),
			}
			if apiErr.Temporary() {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode %s %s: %w", method, target, err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.retryWait),
		backoff.WithMaxElapsedTime(c.retryBudget),
	)
	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx),
		func(err error, next time.Duration) {
			c.logger.Debug().Err(err).Str("method", method).Str("url", target).Dur("retry_in", next).Msg("Compute API call failed, retrying")
		})
	return classify(method+" "+target, err)
}
