package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ci-exporter/internal/circuitbreaker"
	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/ci-exporter/internal/retry"
	"github.com/ci-exporter/internal/types"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// ClientOptions configures a provider HTTP client
type ClientOptions struct {
	Token   string
	Timeout time.Duration
	// RPS caps the request rate to the provider; zero disables the limit
	RPS   float64
	Retry *retry.RetryConfig
	// Breaker guards the provider; nil creates a default one
	Breaker *circuitbreaker.CircuitBreaker
	// HTTPClient is the base client the bearer token transport wraps
	HTTPClient *http.Client
	// Headers are added to every request
	Headers map[string]string
}

// restClient performs paginated, authenticated GET requests against a
// provider REST API and classifies failures into fetch errors.
type restClient struct {
	provider types.ProviderID
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *circuitbreaker.CircuitBreaker
	retry    *retry.RetryConfig
	headers  map[string]string
}

func newRestClient(provider types.ProviderID, opts ClientOptions) *restClient {
	ctx := context.Background()
	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}

	var httpClient *http.Client
	if opts.Token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}))
	} else if opts.HTTPClient != nil {
		httpClient = &http.Client{Transport: opts.HTTPClient.Transport}
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = opts.Timeout
	if httpClient.Timeout == 0 {
		httpClient.Timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RPS > 0 {
		burst := int(opts.RPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}

	breaker := opts.Breaker
	if breaker == nil {
		breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(string(provider)))
	}

	retryConfig := opts.Retry
	if retryConfig == nil {
		retryConfig = retry.DefaultRetryConfig()
	}

	return &restClient{
		provider: provider,
		http:     httpClient,
		limiter:  limiter,
		breaker:  breaker,
		retry:    retryConfig,
		headers:  opts.Headers,
	}
}

// getJSON fetches url into out and returns the URL of the next page, or ""
// on the last page.
func (c *restClient) getJSON(ctx context.Context, project, url string, out interface{}) (string, error) {
	var next string
	err := retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			n, err := c.get(ctx, project, url, out)
			next = n
			return err
		})
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return "", apperrors.NewFetchError(string(c.provider), project, apperrors.FetchUnavailable, err)
	}
	return next, err
}

func (c *restClient) get(ctx context.Context, project, url string, out interface{}) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", c.transportError(ctx, project, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", c.transportError(ctx, project, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", c.transportError(ctx, project, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", apperrors.NewHTTPStatusError(string(c.provider), project, resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return "", apperrors.NewFetchError(string(c.provider), project, apperrors.FetchDecode, err)
	}

	return nextLink(resp.Header.Get("Link")), nil
}

// transportError classifies a failure that produced no HTTP response.
// Cancellation of the caller's context is returned as is.
func (c *restClient) transportError(ctx context.Context, project string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperrors.NewFetchError(string(c.provider), project, apperrors.FetchTimeout, err)
	}
	return apperrors.NewFetchError(string(c.provider), project, apperrors.FetchNetwork, err)
}

// nextLink extracts the rel="next" target of an RFC 8288 Link header
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		target := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, param := range segments[1:] {
			param = strings.TrimSpace(param)
			if param == `rel="next"` || param == "rel=next" {
				return target[1 : len(target)-1]
			}
		}
	}
	return ""
}
