package fabric

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fabricsight/fabricsight/pkg/auth"
	"github.com/fabricsight/fabricsight/pkg/backoff"
	"github.com/fabricsight/fabricsight/pkg/config"
	"github.com/fabricsight/fabricsight/pkg/errors"
	"github.com/fabricsight/fabricsight/pkg/metrics"
)

const userAgent = "fabricsight-collector/1.0"

// Client is the HTTP client for the Fabric and Power BI admin APIs. One
// instance is shared by discovery and all page readers in a run.
type Client struct {
	apiBase    string
	adminBase  string
	httpClient *http.Client
	tokens     *auth.Manager
	policy     *backoff.Policy

	retryAfterDefault time.Duration
	maxPages          int

	logger *zap.Logger
}

// NewClient creates an API client from configuration
func NewClient(cfg *config.Config, tokens *auth.Manager, logger *zap.Logger) *Client {
	return &Client{
		apiBase:   strings.TrimRight(cfg.Collection.APIBaseURL, "/"),
		adminBase: strings.TrimRight(cfg.Collection.AdminBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Collection.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tokens: tokens,
		policy: &backoff.Policy{
			MaxAttempts:     cfg.Reliability.RetryAttempts,
			InitialDelay:    cfg.Reliability.RetryDelay,
			MaxDelay:        cfg.Reliability.MaxRetryDelay,
			Multiplier:      cfg.Reliability.RetryMultiplier,
			RandomizeFactor: 0.25,
		},
		retryAfterDefault: cfg.Reliability.RetryAfterDefault,
		maxPages:          cfg.Collection.MaxPages,
		logger:            logger.With(zap.String("component", "fabric_client")),
	}
}

// pageEnvelope is the common shape of one API page. The activity events
// family returns its records under a different key than everything else.
type pageEnvelope struct {
	Value             []RawRecord `json:"value"`
	ActivityEvents    []RawRecord `json:"activityEventEntities"`
	ContinuationToken string      `json:"continuationToken"`
	ContinuationURI   string      `json:"continuationUri"`
}

// records returns the page's records regardless of API family
func (p *pageEnvelope) records() []RawRecord {
	if len(p.ActivityEvents) > 0 {
		return p.ActivityEvents
	}
	return p.Value
}

// getPage fetches one page, handling throttling, transient failures, and a
// single token refresh on 401. Throttling suspends the calling goroutine
// for the server-suggested Retry-After (or the configured default) and
// retries the same page, up to the policy's attempt bound.
func (c *Client) getPage(ctx context.Context, rawURL string, query url.Values) (*pageEnvelope, error) {
	var lastErr error
	refreshed := false

	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		env, status, hint, err := c.doGet(ctx, rawURL, query)
		switch {
		case err == nil && status == http.StatusOK:
			metrics.APIRequests.WithLabelValues("success").Inc()
			return env, nil

		case err != nil:
			// Transport-level failure
			metrics.APIRequests.WithLabelValues("error").Inc()
			lastErr = errors.Wrap(err, errors.ErrorTypeConnection, "page request failed")

		case status == http.StatusTooManyRequests:
			metrics.APIRequests.WithLabelValues("throttled").Inc()
			metrics.ThrottleEvents.Inc()
			delay := c.retryAfter(hint)
			c.logger.Warn("throttled by source API",
				zap.Duration("retry_after", delay),
				zap.Int("attempt", attempt+1))
			lastErr = errors.New(errors.ErrorTypeRateLimit, "source API throttled the request")
			if attempt < c.policy.MaxAttempts-1 {
				if err := backoff.Sleep(ctx, delay); err != nil {
					return nil, err
				}
			}
			continue

		case status == http.StatusUnauthorized && !refreshed:
			// One refresh-and-retry cycle, not counted against the
			// attempt bound.
			c.tokens.Invalidate()
			refreshed = true
			attempt--
			continue

		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return nil, errors.Newf(errors.ErrorTypePermission, "source API rejected credentials with status %d", status)

		case status >= 500:
			metrics.APIRequests.WithLabelValues("error").Inc()
			lastErr = errors.Newf(errors.ErrorTypeConnection, "source API returned status %d", status)

		default:
			metrics.APIRequests.WithLabelValues("error").Inc()
			return nil, errors.Newf(errors.ErrorTypeData, "source API returned status %d", status)
		}

		if attempt < c.policy.MaxAttempts-1 {
			if err := backoff.Sleep(ctx, c.policy.Delay(attempt)); err != nil {
				return nil, err
			}
		}
	}

	return nil, lastErr
}

// doGet performs a single page request. hint carries the raw Retry-After
// header for throttled responses.
func (c *Client) doGet(ctx context.Context, rawURL string, query url.Values) (env *pageEnvelope, status int, hint string, err error) {
	full := rawURL
	if len(query) > 0 {
		full = rawURL + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, 0, "", err
	}

	token, err := c.tokens.Get(ctx)
	if err != nil {
		return nil, 0, "", err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, resp.StatusCode, resp.Header.Get("Retry-After"), nil
	}

	env = &pageEnvelope{}
	if err := gojson.NewDecoder(resp.Body).Decode(env); err != nil {
		return nil, resp.StatusCode, "", errors.Wrap(err, errors.ErrorTypeData, "failed to decode API response")
	}

	return env, resp.StatusCode, "", nil
}

// retryAfter converts a 429's Retry-After hint into a delay
func (c *Client) retryAfter(hint string) time.Duration {
	if hint != "" {
		if secs, err := strconv.Atoi(hint); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(hint); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	return c.retryAfterDefault
}
