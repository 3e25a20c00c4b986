// Package ingest delivers normalized records to the Logs Ingestion
// endpoint. Records buffer per stream until a count or byte threshold
// trips, then go out as one atomic JSON-array batch; the endpoint either
// accepts the whole batch or rejects it, so the client never splits a
// batch on failure. Delivery is at-least-once: a retried batch that was
// actually accepted the first time may be ingested twice.
package ingest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fabricsight/fabricsight/pkg/auth"
	"github.com/fabricsight/fabricsight/pkg/backoff"
	"github.com/fabricsight/fabricsight/pkg/config"
	"github.com/fabricsight/fabricsight/pkg/errors"
	"github.com/fabricsight/fabricsight/pkg/metrics"
	"github.com/fabricsight/fabricsight/pkg/schema"
)

const apiVersion = "2023-01-01"

// StreamStats is the delivery outcome for one stream
type StreamStats struct {
	Sent   int64
	Failed int64
	Errors []string
}

// Client buffers and delivers batches per stream. Buffers live for the
// duration of one run only; FlushAll drains them at end-of-run.
type Client struct {
	endpoint   string
	ruleID     string
	httpClient *http.Client
	tokens     *auth.Manager
	policy     *backoff.Policy

	maxRecords int
	maxBytes   int

	logger *zap.Logger

	mu      sync.RWMutex
	buffers map[string]*streamBuffer

	statsMu sync.Mutex
	stats   map[string]*StreamStats
}

// streamBuffer holds one stream's pending records. Each buffer has its own
// lock so workers producing for different streams never contend.
type streamBuffer struct {
	mu      sync.Mutex
	records []gojson.RawMessage
	bytes   int
}

// NewClient creates an ingestion client from configuration
func NewClient(cfg *config.Config, tokens *auth.Manager, logger *zap.Logger) *Client {
	return &Client{
		endpoint: strings.TrimRight(cfg.Ingestion.EndpointURL, "/"),
		ruleID:   cfg.Ingestion.RuleID,
		httpClient: &http.Client{
			Timeout: cfg.Ingestion.RequestTimeout,
		},
		tokens: tokens,
		policy: &backoff.Policy{
			MaxAttempts:     cfg.Reliability.RetryAttempts,
			InitialDelay:    cfg.Reliability.RetryDelay,
			MaxDelay:        cfg.Reliability.MaxRetryDelay,
			Multiplier:      cfg.Reliability.RetryMultiplier,
			RandomizeFactor: 0.25,
		},
		maxRecords: cfg.Ingestion.BatchMaxRecords,
		maxBytes:   cfg.Ingestion.BatchMaxBytes,
		logger:     logger.With(zap.String("component", "ingest_client")),
		buffers:    make(map[string]*streamBuffer),
		stats:      make(map[string]*StreamStats),
	}
}

// Submit validates and buffers one record for a stream, flushing the
// stream's buffer when a threshold trips. Only record-scoped problems
// (schema mismatch, marshal failure) are returned; batch delivery
// failures are recorded in the stream's stats and never abort the caller.
func (c *Client) Submit(ctx context.Context, stream string, rec schema.NormalizedRecord) error {
	s, ok := schema.Get(stream)
	if !ok {
		return errors.Newf(errors.ErrorTypeConfig, "unknown stream %q", stream)
	}

	if err := s.Validate(rec); err != nil {
		c.recordFailure(stream, 1, err)
		return err
	}

	data, err := gojson.Marshal(rec)
	if err != nil {
		wrapped := errors.Wrap(err, errors.ErrorTypeData, "failed to serialize record")
		c.recordFailure(stream, 1, wrapped)
		return wrapped
	}

	buf := c.buffer(stream)

	// The serialized body is the per-record tally plus one framing byte, so
	// the buffer is at capacity once bytes+1 reaches maxBytes. A record that
	// would push an occupied buffer past the cap flushes the buffer before
	// being appended; no batch exceeds maxBytes on the wire unless a single
	// record alone does.
	incoming := len(data) + 1

	var spill, full []gojson.RawMessage
	buf.mu.Lock()
	if len(buf.records) > 0 && buf.bytes+incoming+1 > c.maxBytes {
		spill = buf.records
		buf.records = nil
		buf.bytes = 0
	}
	buf.records = append(buf.records, data)
	buf.bytes += incoming
	if len(buf.records) >= c.maxRecords || buf.bytes+1 >= c.maxBytes {
		full = buf.records
		buf.records = nil
		buf.bytes = 0
	}
	buf.mu.Unlock()

	for _, batch := range [][]gojson.RawMessage{spill, full} {
		if batch == nil {
			continue
		}
		if err := c.send(ctx, stream, batch); err != nil {
			c.logger.Error("batch delivery failed",
				zap.String("stream", stream),
				zap.Int("records", len(batch)),
				zap.Error(err))
		}
	}

	return nil
}

// Flush drains one stream's buffer unconditionally
func (c *Client) Flush(ctx context.Context, stream string) error {
	buf := c.buffer(stream)

	buf.mu.Lock()
	batch := buf.records
	buf.records = nil
	buf.bytes = 0
	buf.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	return c.send(ctx, stream, batch)
}

// FlushAll drains every non-empty buffer. All streams are attempted; the
// first error is returned after the sweep completes.
func (c *Client) FlushAll(ctx context.Context) error {
	c.mu.RLock()
	names := make([]string, 0, len(c.buffers))
	for name := range c.buffers {
		names = append(names, name)
	}
	c.mu.RUnlock()

	var firstErr error
	for _, name := range names {
		if err := c.Flush(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Buffered returns the number of records currently held for a stream
func (c *Client) Buffered(stream string) int {
	buf := c.buffer(stream)
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return len(buf.records)
}

// Results returns a copy of per-stream delivery stats
func (c *Client) Results() map[string]StreamStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	out := make(map[string]StreamStats, len(c.stats))
	for name, s := range c.stats {
		copied := StreamStats{Sent: s.Sent, Failed: s.Failed}
		copied.Errors = append(copied.Errors, s.Errors...)
		out[name] = copied
	}
	return out
}

// send delivers one batch, all-or-nothing. Transient failures (429, 5xx,
// connection errors) retry under the backoff policy; an expired token gets
// exactly one refresh-and-retry cycle outside the attempt bound; 400 and
// post-refresh 401/403 fail the batch immediately.
func (c *Client) send(ctx context.Context, stream string, batch []gojson.RawMessage) error {
	body := encodeBatch(batch)
	start := time.Now()

	refreshed := false
	post := func() (int, string, error) {
		status, detail, err := c.post(ctx, stream, body)
		if err == nil && status == http.StatusUnauthorized && !refreshed {
			// One refresh-and-retry cycle, outside the attempt bound.
			refreshed = true
			c.tokens.Invalidate()
			return c.post(ctx, stream, body)
		}
		return status, detail, err
	}

	err := c.policy.ExecuteWithCondition(ctx, func() error {
		status, detail, err := post()
		switch {
		case err != nil:
			return errors.Wrap(err, errors.ErrorTypeConnection, "ingestion request failed")

		case status >= 200 && status < 300:
			return nil

		case status == http.StatusBadRequest:
			// Schema mismatch; the endpoint names the offending field.
			return errors.Newf(errors.ErrorTypeSchema,
				"ingestion endpoint rejected batch for stream %s: %s", stream, detail)

		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return errors.Newf(errors.ErrorTypePermission,
				"ingestion endpoint rejected credentials with status %d", status)

		case status == http.StatusTooManyRequests:
			return errors.Newf(errors.ErrorTypeRateLimit, "ingestion endpoint throttled the batch")

		case status >= 500:
			return errors.Newf(errors.ErrorTypeConnection, "ingestion endpoint returned status %d", status)

		default:
			return errors.Newf(errors.ErrorTypeData, "ingestion endpoint returned status %d", status)
		}
	}, errors.IsRetryable)

	if err != nil {
		c.recordFailure(stream, len(batch), err)
		return err
	}

	c.recordSuccess(stream, len(batch))
	metrics.FlushDuration.WithLabelValues(stream).Observe(time.Since(start).Seconds())
	c.logger.Debug("batch delivered",
		zap.String("stream", stream),
		zap.Int("records", len(batch)),
		zap.Int("bytes", len(body)))
	return nil
}

// post performs one ingestion call
func (c *Client) post(ctx context.Context, stream string, body []byte) (int, string, error) {
	url := c.endpoint + "/dataCollectionRules/" + c.ruleID + "/streams/" + stream + "?api-version=" + apiVersion

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}

	token, err := c.tokens.Get(ctx)
	if err != nil {
		return 0, "", err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return resp.StatusCode, "", nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(detail), nil
}

// encodeBatch frames the pre-serialized records as one JSON array
func encodeBatch(batch []gojson.RawMessage) []byte {
	var buf bytes.Buffer
	buf.Grow(sumLen(batch) + len(batch) + 2)
	buf.WriteByte('[')
	for i, rec := range batch {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(rec)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

func sumLen(batch []gojson.RawMessage) int {
	n := 0
	for _, rec := range batch {
		n += len(rec)
	}
	return n
}

func (c *Client) buffer(stream string) *streamBuffer {
	c.mu.RLock()
	buf, ok := c.buffers[stream]
	c.mu.RUnlock()
	if ok {
		return buf
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if buf, ok = c.buffers[stream]; ok {
		return buf
	}
	buf = &streamBuffer{}
	c.buffers[stream] = buf
	return buf
}

func (c *Client) streamStats(stream string) *StreamStats {
	s, ok := c.stats[stream]
	if !ok {
		s = &StreamStats{}
		c.stats[stream] = s
	}
	return s
}

func (c *Client) recordSuccess(stream string, n int) {
	c.statsMu.Lock()
	c.streamStats(stream).Sent += int64(n)
	c.statsMu.Unlock()

	metrics.RecordsSent.WithLabelValues(stream).Add(float64(n))
	metrics.BatchesSent.WithLabelValues(stream).Inc()
}

func (c *Client) recordFailure(stream string, n int, err error) {
	c.statsMu.Lock()
	s := c.streamStats(stream)
	s.Failed += int64(n)
	if err != nil {
		s.Errors = append(s.Errors, err.Error())
	}
	c.statsMu.Unlock()

	metrics.RecordsFailed.WithLabelValues(stream).Add(float64(n))
}
