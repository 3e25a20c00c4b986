package fabric

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/fabricsight/fabricsight/pkg/errors"
)

// Discovery expands an implicit "all accessible" scope into concrete
// entity references via the listing endpoints. Explicit configuration is
// returned verbatim, with no existence check.
type Discovery struct {
	client *Client
	logger *zap.Logger
}

// NewDiscovery creates a discovery resolver over the shared API client
func NewDiscovery(client *Client, logger *zap.Logger) *Discovery {
	return &Discovery{
		client: client,
		logger: logger.With(zap.String("component", "discovery")),
	}
}

// Resolve returns the entity references for one kind. parent scopes
// item-level kinds (pipelines, dataflows) to a workspace and is ignored
// for tenant-level kinds. A failure after the retry policy is exhausted
// surfaces as a kind-scoped discovery error; other kinds keep going.
func (d *Discovery) Resolve(ctx context.Context, kind EntityKind, scope Scope, parent string) ([]EntityRef, error) {
	if !scope.All {
		refs := make([]EntityRef, 0, len(scope.IDs))
		for _, id := range scope.IDs {
			refs = append(refs, EntityRef{ID: id, Kind: kind, Workspace: parent})
		}
		return refs, nil
	}

	endpoint, query, err := d.listingEndpoint(kind, parent)
	if err != nil {
		return nil, err
	}

	var refs []EntityRef
	cursor := ""
	for page := 0; page < d.client.maxPages; page++ {
		q := cloneValues(query)
		if cursor != "" {
			q.Set("continuationToken", cursor)
		}

		env, err := d.client.getPage(ctx, endpoint, q)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDiscovery,
				fmt.Sprintf("listing %s entities failed", kind))
		}

		for _, rec := range env.records() {
			id, _ := rec["id"].(string)
			if id == "" {
				continue
			}
			name, _ := rec["displayName"].(string)
			if name == "" {
				name, _ = rec["name"].(string)
			}
			refs = append(refs, EntityRef{ID: id, Name: name, Kind: kind, Workspace: parent})
		}

		cursor = env.ContinuationToken
		if cursor == "" {
			d.logger.Debug("discovery complete",
				zap.String("kind", string(kind)),
				zap.Int("entities", len(refs)),
				zap.Int("pages", page+1))
			return refs, nil
		}
	}

	return nil, errors.Newf(errors.ErrorTypeDiscovery,
		"listing %s entities exceeded the %d page safety cap", kind, d.client.maxPages)
}

// listingEndpoint maps a kind to its listing URL
func (d *Discovery) listingEndpoint(kind EntityKind, parent string) (string, url.Values, error) {
	query := url.Values{}

	switch kind {
	case KindWorkspace:
		return d.client.apiBase + "/workspaces", query, nil

	case KindPipeline:
		if parent == "" {
			return "", nil, errors.New(errors.ErrorTypeDiscovery, "pipeline discovery requires a workspace scope")
		}
		query.Set("type", "DataPipeline")
		return fmt.Sprintf("%s/workspaces/%s/items", d.client.apiBase, parent), query, nil

	case KindDataflow:
		if parent == "" {
			return "", nil, errors.New(errors.ErrorTypeDiscovery, "dataflow discovery requires a workspace scope")
		}
		query.Set("type", "Dataflow")
		return fmt.Sprintf("%s/workspaces/%s/items", d.client.apiBase, parent), query, nil

	case KindDataset:
		return d.client.adminBase + "/datasets", query, nil

	case KindCapacity:
		return d.client.apiBase + "/capacities", query, nil

	default:
		return "", nil, errors.Newf(errors.ErrorTypeDiscovery, "unknown entity kind %q", kind)
	}
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vals := range v {
		for _, val := range vals {
			out.Add(k, val)
		}
	}
	return out
}
