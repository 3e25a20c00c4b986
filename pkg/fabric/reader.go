package fabric

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/fabricsight/fabricsight/pkg/errors"
)

// PageReader is a lazy, finite, non-restartable sequence of raw records
// for one entity. Each underlying API call happens on a page boundary;
// records outside the window are dropped client-side. At DetailFull,
// pipeline runs additionally yield their activity runs as child records.
type PageReader struct {
	client *Client
	entity EntityRef
	window Window
	detail DetailLevel

	cursor string
	page   int
	done   bool

	buf     []RawRecord
	idx     int
	pending []RawRecord
}

// Read creates a reader over one entity's records within the window
func (c *Client) Read(entity EntityRef, window Window, detail DetailLevel) *PageReader {
	return &PageReader{
		client: c,
		entity: entity,
		window: window,
		detail: detail,
	}
}

// Next returns the next in-window record. ok is false when the sequence is
// exhausted. Errors are entity-scoped: the caller isolates them and moves
// on to other entities.
func (r *PageReader) Next(ctx context.Context) (RawRecord, bool, error) {
	for {
		// Child records from a sub-resource fetch are served before
		// advancing past their parent.
		if len(r.pending) > 0 {
			rec := r.pending[0]
			r.pending = r.pending[1:]
			return rec, true, nil
		}

		if r.idx < len(r.buf) {
			rec := r.buf[r.idx]
			r.idx++

			if t, ok := RecordTime(r.entity.Kind, rec); ok && !r.window.Contains(t) {
				continue
			}

			if r.detail == DetailFull && r.entity.Kind == KindPipeline {
				children, err := r.client.activityRuns(ctx, r.entity, rec)
				if err != nil {
					return nil, false, err
				}
				r.pending = children
			}

			return rec, true, nil
		}

		if r.done {
			return nil, false, nil
		}

		if err := r.fetchPage(ctx); err != nil {
			return nil, false, err
		}
	}
}

// fetchPage loads the next page into the buffer
func (r *PageReader) fetchPage(ctx context.Context) error {
	if r.page >= r.client.maxPages {
		return errors.Newf(errors.ErrorTypePagination,
			"entity %s exceeded the %d page safety cap", r.entity.ID, r.client.maxPages)
	}

	endpoint, query := r.client.recordsEndpoint(r.entity, r.window)
	if r.cursor != "" {
		query.Set("continuationToken", r.cursor)
	}

	env, err := r.client.getPage(ctx, endpoint, query)
	if err != nil {
		return err
	}

	r.page++
	r.buf = env.records()
	r.idx = 0
	r.cursor = env.ContinuationToken
	r.done = r.cursor == ""

	return nil
}

// recordsEndpoint returns the listing URL and server-side time filter for
// one entity's operational records
func (c *Client) recordsEndpoint(entity EntityRef, window Window) (string, url.Values) {
	query := url.Values{}

	switch entity.Kind {
	case KindPipeline, KindDataflow:
		query.Set("startDateTime", window.Start.UTC().Format(time.RFC3339))
		query.Set("endDateTime", window.End.UTC().Format(time.RFC3339))
		return fmt.Sprintf("%s/workspaces/%s/items/%s/jobs/instances",
			c.apiBase, entity.Workspace, entity.ID), query

	case KindDataset:
		return fmt.Sprintf("%s/datasets/%s/refreshes", c.adminBase, entity.ID), query

	case KindWorkspace:
		// Activity events are tenant-level; the workspace filter narrows
		// them server-side and normalization records the workspace again.
		query.Set("startDateTime", "'"+window.Start.UTC().Format(time.RFC3339)+"'")
		query.Set("endDateTime", "'"+window.End.UTC().Format(time.RFC3339)+"'")
		query.Set("$filter", fmt.Sprintf("WorkspaceId eq '%s'", entity.ID))
		return c.adminBase + "/admin/activityevents", query

	case KindCapacity:
		query.Set("startDateTime", window.Start.UTC().Format(time.RFC3339))
		query.Set("endDateTime", window.End.UTC().Format(time.RFC3339))
		return fmt.Sprintf("%s/capacities/%s/metrics", c.apiBase, entity.ID), query

	default:
		return c.apiBase, query
	}
}

// activityRuns fetches the per-activity detail for one pipeline run. The
// sub-call paginates like any other listing; child records inherit the
// parent run ID so they land in the same stream.
func (c *Client) activityRuns(ctx context.Context, entity EntityRef, run RawRecord) ([]RawRecord, error) {
	runID, _ := run["id"].(string)
	if runID == "" {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s/workspaces/%s/items/%s/jobs/instances/%s/activities",
		c.apiBase, entity.Workspace, entity.ID, runID)

	var children []RawRecord
	cursor := ""
	for page := 0; page < c.maxPages; page++ {
		query := url.Values{}
		if cursor != "" {
			query.Set("continuationToken", cursor)
		}

		env, err := c.getPage(ctx, endpoint, query)
		if err != nil {
			return nil, err
		}

		for _, child := range env.records() {
			if _, ok := child["pipelineRunId"]; !ok {
				child["pipelineRunId"] = runID
			}
			children = append(children, child)
		}

		cursor = env.ContinuationToken
		if cursor == "" {
			return children, nil
		}
	}

	return nil, errors.Newf(errors.ErrorTypePagination,
		"activity detail for run %s exceeded the %d page safety cap", runID, c.maxPages)
}
