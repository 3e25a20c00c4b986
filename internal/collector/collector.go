// Package collector orchestrates one collection run: discover entities for
// the configured streams, read their operational records concurrently,
// normalize, and hand off to the ingestion client. Failures are isolated at
// the narrowest sensible scope: a bad record fails alone, a failing entity
// skips only itself, a kind whose discovery fails is skipped whole, and the
// run reports PartiallyFailed instead of aborting.
package collector

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fabricsight/fabricsight/pkg/auth"
	"github.com/fabricsight/fabricsight/pkg/config"
	"github.com/fabricsight/fabricsight/pkg/errors"
	"github.com/fabricsight/fabricsight/pkg/fabric"
	"github.com/fabricsight/fabricsight/pkg/ingest"
	"github.com/fabricsight/fabricsight/pkg/logger"
	"github.com/fabricsight/fabricsight/pkg/metrics"
	"github.com/fabricsight/fabricsight/pkg/observability"
	"github.com/fabricsight/fabricsight/pkg/schema"
)

// flushGrace bounds the best-effort final flush when the run context is
// already expired.
const flushGrace = 30 * time.Second

// Collector runs collection cycles against one configured tenant
type Collector struct {
	cfg *config.Config

	sourceTokens *auth.Manager
	ingestTokens *auth.Manager

	client    *fabric.Client
	discovery *fabric.Discovery
	sink      *ingest.Client

	logger *zap.Logger

	// workspaces resolved once per run and shared by every kind that
	// needs workspace scoping
	wsOnce sync.Once
	wsRefs []fabric.EntityRef
	wsErr  error
}

// task is one unit of collection work: one entity feeding one stream
type task struct {
	stream    string
	entity    fabric.EntityRef
	normalize schema.Normalizer
}

// New builds a collector and its clients from configuration. The same
// credential chain backs both token scopes.
func New(cfg *config.Config, provider auth.CredentialProvider, log *zap.Logger) *Collector {
	sourceTokens := auth.NewManager(provider, cfg.Auth.Scope, log)
	ingestTokens := auth.NewManager(provider, cfg.Ingestion.Scope, log)

	client := fabric.NewClient(cfg, sourceTokens, log)

	return &Collector{
		cfg:          cfg,
		sourceTokens: sourceTokens,
		ingestTokens: ingestTokens,
		client:       client,
		discovery:    fabric.NewDiscovery(client, log),
		sink:         ingest.NewClient(cfg, ingestTokens, log),
		logger:       log.With(zap.String("component", "collector")),
	}
}

// Run executes one collection run. A returned error is fatal (bad
// configuration, no credentials); everything else is reported through the
// RunResult status.
func (c *Collector) Run(ctx context.Context) (*RunResult, error) {
	result := &RunResult{
		RunID:     uuid.NewString(),
		Status:    StateInit,
		Mode:      c.cfg.Collection.Mode,
		StartedAt: time.Now(),
		Streams:   make(map[string]*StreamResult),
	}

	ctx = context.WithValue(ctx, logger.RunIDKey, result.RunID)
	log := logger.Fields(ctx, c.logger)

	ctx, span := observability.Tracer().Start(ctx, "collector.run")
	span.SetAttributes(
		attribute.String("run.id", result.RunID),
		attribute.String("run.mode", result.Mode),
	)
	defer span.End()

	if err := c.cfg.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid configuration")
	}

	// Acquire both tokens up front so a run that cannot authenticate
	// fails before any collection work starts.
	if _, err := c.sourceTokens.Get(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "source token acquisition failed")
	}
	if _, err := c.ingestTokens.Get(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "ingestion token acquisition failed")
	}

	window := fabric.NewWindow(
		fabric.Mode(c.cfg.Collection.Mode),
		c.cfg.Collection.Lookback,
		time.Now(),
	)
	result.Window = window

	log.Info("run started",
		zap.String("mode", result.Mode),
		zap.Time("window_start", window.Start),
		zap.Time("window_end", window.End),
		zap.Strings("streams", c.cfg.Collection.Streams))

	result.Status = StateDiscovering
	tasks := c.discover(ctx, result, log)

	result.Status = StateCollecting
	agg := c.collect(ctx, window, tasks)

	result.Status = StateFlushing
	flushErr := c.flush(ctx, log)

	c.finish(result, agg, flushErr)

	log.Info("run finished",
		zap.String("status", string(result.Status)),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)))
	if result.Status == StatePartiallyFailed {
		span.SetStatus(codes.Error, "run partially failed")
	}

	return result, nil
}

// discover resolves every configured stream to its concrete entity tasks.
// A kind whose discovery fails is recorded in SkippedKinds and the rest
// keep going.
func (c *Collector) discover(ctx context.Context, result *RunResult, log *zap.Logger) []task {
	var tasks []task

	for _, stream := range c.cfg.Collection.Streams {
		sr := &StreamResult{}
		result.Streams[stream] = sr

		kind, ok := schema.KindForStream(stream)
		if !ok {
			sr.Errors = append(sr.Errors, "no entity kind mapped for stream "+stream)
			result.SkippedKinds = append(result.SkippedKinds, stream)
			continue
		}

		normalize, _, err := schema.ForKind(kind)
		if err != nil {
			sr.Errors = append(sr.Errors, err.Error())
			result.SkippedKinds = append(result.SkippedKinds, string(kind))
			continue
		}

		refs, err := c.resolveKind(ctx, kind)
		if err != nil {
			log.Warn("discovery failed, skipping kind",
				zap.String("kind", string(kind)),
				zap.Error(err))
			sr.Errors = append(sr.Errors, err.Error())
			result.SkippedKinds = append(result.SkippedKinds, string(kind))
			continue
		}

		sr.Entities = len(refs)
		for _, ref := range refs {
			tasks = append(tasks, task{stream: stream, entity: ref, normalize: normalize})
		}

		log.Info("entities resolved",
			zap.String("stream", stream),
			zap.String("kind", string(kind)),
			zap.Int("entities", len(refs)))
	}

	return tasks
}

// resolveKind expands one kind's configured scope into entity references
func (c *Collector) resolveKind(ctx context.Context, kind fabric.EntityKind) ([]fabric.EntityRef, error) {
	ids := c.cfg.Collection.Entities[string(kind)]

	switch kind {
	case fabric.KindPipeline, fabric.KindDataflow:
		// Item kinds live inside workspaces. Explicit IDs use the
		// workspace/item form; the implicit scope walks every workspace.
		if len(ids) > 0 {
			refs := make([]fabric.EntityRef, 0, len(ids))
			for _, id := range ids {
				ws, item, found := strings.Cut(id, "/")
				if !found {
					return nil, errors.Newf(errors.ErrorTypeConfig,
						"%s id %q must use the workspace/item form", kind, id)
				}
				refs = append(refs, fabric.EntityRef{ID: item, Kind: kind, Workspace: ws})
			}
			return refs, nil
		}

		workspaces, err := c.workspaces(ctx)
		if err != nil {
			return nil, err
		}
		var refs []fabric.EntityRef
		for _, ws := range workspaces {
			items, err := c.discovery.Resolve(ctx, kind, fabric.ScopeAll(), ws.ID)
			if err != nil {
				return nil, err
			}
			refs = append(refs, items...)
		}
		return refs, nil

	case fabric.KindWorkspace:
		if len(ids) > 0 {
			return c.discovery.Resolve(ctx, kind, fabric.ScopeExplicit(ids), "")
		}
		return c.workspaces(ctx)

	default:
		scope := fabric.ScopeAll()
		if len(ids) > 0 {
			scope = fabric.ScopeExplicit(ids)
		}
		return c.discovery.Resolve(ctx, kind, scope, "")
	}
}

// workspaces resolves the workspace set once per run
func (c *Collector) workspaces(ctx context.Context) ([]fabric.EntityRef, error) {
	c.wsOnce.Do(func() {
		ids := c.cfg.Collection.Entities[string(fabric.KindWorkspace)]
		scope := fabric.ScopeAll()
		if len(ids) > 0 {
			scope = fabric.ScopeExplicit(ids)
		}
		c.wsRefs, c.wsErr = c.discovery.Resolve(ctx, fabric.KindWorkspace, scope, "")
	})
	return c.wsRefs, c.wsErr
}

// collect processes every task on a bounded worker pool. Each entity is
// isolated: its failure is recorded and the pool moves on.
func (c *Collector) collect(ctx context.Context, window fabric.Window, tasks []task) *aggregate {
	agg := newAggregate()

	sem := make(chan struct{}, c.cfg.Collection.Workers)
	var wg sync.WaitGroup

	for _, t := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(t task) {
			defer wg.Done()
			defer func() { <-sem }()
			c.processEntity(ctx, window, t, agg)
		}(t)
	}

	wg.Wait()
	return agg
}

// processEntity drains one entity's reader into the ingestion client. The
// context carries the run, stream, and entity identifiers so every log
// line from this unit of work is attributable.
func (c *Collector) processEntity(ctx context.Context, window fabric.Window, t task, agg *aggregate) {
	ctx = context.WithValue(ctx, logger.StreamKey, t.stream)
	ctx = context.WithValue(ctx, logger.EntityKey, t.entity.ID)
	log := logger.Fields(ctx, c.logger)

	ctx, span := observability.Tracer().Start(ctx, "collector.entity")
	span.SetAttributes(
		attribute.String("entity.kind", string(t.entity.Kind)),
		attribute.String("entity.id", t.entity.ID),
		attribute.String("stream", t.stream),
	)
	defer span.End()

	collectedAt := time.Now()
	reader := c.client.Read(t.entity, window, fabric.DetailLevel(c.cfg.Collection.DetailLevel))

	var collected int64
	for {
		raw, ok, err := reader.Next(ctx)
		if err != nil {
			log.Warn("entity read failed",
				zap.Int64("records_before_failure", collected),
				zap.Error(err))
			agg.entityFailed(t.stream, err)
			metrics.EntitiesProcessed.WithLabelValues(string(t.entity.Kind), "error").Inc()
			span.SetStatus(codes.Error, err.Error())
			return
		}
		if !ok {
			break
		}

		rec, err := t.normalize(raw, t.entity, collectedAt)
		if err != nil {
			log.Warn("record normalization failed", zap.Error(err))
			agg.recordFailed(t.stream)
			metrics.RecordsFailed.WithLabelValues(t.stream).Inc()
			continue
		}

		collected++
		agg.recordCollected(t.stream)
		metrics.RecordsCollected.WithLabelValues(t.stream).Inc()

		// Submit errors are record-scoped and already counted by the
		// ingestion client.
		if err := c.sink.Submit(ctx, t.stream, rec); err != nil {
			log.Debug("record rejected at submit", zap.Error(err))
		}
	}

	metrics.EntitiesProcessed.WithLabelValues(string(t.entity.Kind), "success").Inc()
	span.SetAttributes(attribute.Int64("records", collected))
}

// flush drains every buffer. When the run context has already expired the
// flush still gets a bounded grace window so buffered records are not
// silently dropped.
func (c *Collector) flush(ctx context.Context, log *zap.Logger) error {
	flushCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(context.Background(), flushGrace)
		defer cancel()
		log.Warn("run deadline reached, flushing remaining buffers best-effort")
	}

	return c.sink.FlushAll(flushCtx)
}

// finish folds delivery stats into the result and decides the final state
func (c *Collector) finish(result *RunResult, agg *aggregate, flushErr error) {
	delivery := c.sink.Results()

	clean := len(result.SkippedKinds) == 0 && flushErr == nil

	for stream, sr := range result.Streams {
		counts := agg.stream(stream)
		sr.Collected = counts.Collected

		if stats, ok := delivery[stream]; ok {
			sr.Sent = stats.Sent
			sr.Failed = stats.Failed
			sr.Errors = append(sr.Errors, stats.Errors...)
		}
		sr.Failed += counts.NormFailed
		sr.Errors = append(sr.Errors, counts.Errors...)

		if sr.Failed > 0 || counts.EntityFailures > 0 {
			clean = false
		}
	}

	if flushErr != nil {
		c.logger.Error("final flush failed", zap.Error(flushErr))
	}

	result.FinishedAt = time.Now()
	if clean {
		result.Status = StateCompleted
	} else {
		result.Status = StatePartiallyFailed
	}
}
