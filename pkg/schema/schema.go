// Package schema defines the fixed stream schemas the collector emits and
// the per-kind normalizers that map raw API records onto them. Schemas are
// provisioned externally together with their destination tables; the
// collector only needs name and column list for validation before send.
package schema

import (
	"time"

	"github.com/fabricsight/fabricsight/pkg/errors"
	"github.com/fabricsight/fabricsight/pkg/fabric"
)

// ColumnType is the destination column type
type ColumnType string

const (
	TypeString   ColumnType = "string"
	TypeDatetime ColumnType = "datetime"
	TypeLong     ColumnType = "long"
	TypeReal     ColumnType = "real"
	TypeBool     ColumnType = "boolean"
)

// Column is one named, typed column of a stream schema
type Column struct {
	Name string
	Type ColumnType
}

// StreamSchema is the ordered column set of one provisioned stream
type StreamSchema struct {
	// Name is the stream identifier used on the ingestion call
	Name string
	// Table is the destination table the stream is bound to
	Table string
	// Columns in provisioned order
	Columns []Column
}

// NormalizedRecord conforms exactly to one StreamSchema: every schema
// column is present (nil when unknown) and no extra keys exist. It is
// consumed once by the ingestion client and not retained after a flush.
type NormalizedRecord map[string]interface{}

// Stream names, matching the externally provisioned ingestion target
const (
	StreamPipelineRun    = "Custom-FabricPipelineRun"
	StreamDataflowRun    = "Custom-FabricDataflowRun"
	StreamDatasetRefresh = "Custom-FabricDatasetRefresh"
	StreamUserActivity   = "Custom-FabricUserActivity"
	StreamCapacityMetric = "Custom-FabricCapacityMetric"
)

var streams = map[string]*StreamSchema{
	StreamPipelineRun: {
		Name:  StreamPipelineRun,
		Table: "FabricPipelineRun_CL",
		Columns: []Column{
			{"TimeGenerated", TypeDatetime},
			{"WorkspaceId", TypeString},
			{"ItemId", TypeString},
			{"ItemName", TypeString},
			{"RunId", TypeString},
			{"JobType", TypeString},
			{"Status", TypeString},
			{"InvokeType", TypeString},
			{"StartTimeUtc", TypeDatetime},
			{"EndTimeUtc", TypeDatetime},
			{"DurationMs", TypeLong},
			{"FailureReason", TypeString},
			{"ActivityRunId", TypeString},
			{"ActivityName", TypeString},
			{"ActivityType", TypeString},
			{"ActivityStatus", TypeString},
		},
	},
	StreamDataflowRun: {
		Name:  StreamDataflowRun,
		Table: "FabricDataflowRun_CL",
		Columns: []Column{
			{"TimeGenerated", TypeDatetime},
			{"WorkspaceId", TypeString},
			{"DataflowId", TypeString},
			{"DataflowName", TypeString},
			{"RunId", TypeString},
			{"RefreshType", TypeString},
			{"Status", TypeString},
			{"StartTimeUtc", TypeDatetime},
			{"EndTimeUtc", TypeDatetime},
			{"DurationMs", TypeLong},
			{"FailureReason", TypeString},
		},
	},
	StreamDatasetRefresh: {
		Name:  StreamDatasetRefresh,
		Table: "FabricDatasetRefresh_CL",
		Columns: []Column{
			{"TimeGenerated", TypeDatetime},
			{"DatasetId", TypeString},
			{"DatasetName", TypeString},
			{"RequestId", TypeString},
			{"RefreshType", TypeString},
			{"Status", TypeString},
			{"StartTimeUtc", TypeDatetime},
			{"EndTimeUtc", TypeDatetime},
			{"DurationMs", TypeLong},
			{"ServiceExceptionJson", TypeString},
		},
	},
	StreamUserActivity: {
		Name:  StreamUserActivity,
		Table: "FabricUserActivity_CL",
		Columns: []Column{
			{"TimeGenerated", TypeDatetime},
			{"ActivityId", TypeString},
			{"CreationTime", TypeDatetime},
			{"Operation", TypeString},
			{"UserId", TypeString},
			{"UserAgent", TypeString},
			{"WorkspaceId", TypeString},
			{"WorkspaceName", TypeString},
			{"ItemName", TypeString},
			{"ObjectId", TypeString},
			{"IsSuccess", TypeBool},
			{"RequestId", TypeString},
		},
	},
	StreamCapacityMetric: {
		Name:  StreamCapacityMetric,
		Table: "FabricCapacityMetric_CL",
		Columns: []Column{
			{"TimeGenerated", TypeDatetime},
			{"CapacityId", TypeString},
			{"CapacityName", TypeString},
			{"Sku", TypeString},
			{"State", TypeString},
			{"CpuPercent", TypeReal},
			{"MemoryPercent", TypeReal},
			{"ActiveWorkloads", TypeLong},
			{"OverloadedMinutes", TypeLong},
		},
	},
}

// kindByStream binds each stream to the entity kind that feeds it
var kindByStream = map[string]fabric.EntityKind{
	StreamPipelineRun:    fabric.KindPipeline,
	StreamDataflowRun:    fabric.KindDataflow,
	StreamDatasetRefresh: fabric.KindDataset,
	StreamUserActivity:   fabric.KindWorkspace,
	StreamCapacityMetric: fabric.KindCapacity,
}

// Get returns the schema for a stream name
func Get(stream string) (*StreamSchema, bool) {
	s, ok := streams[stream]
	return s, ok
}

// Names returns all provisioned stream names in stable order
func Names() []string {
	return []string{
		StreamPipelineRun,
		StreamDataflowRun,
		StreamDatasetRefresh,
		StreamUserActivity,
		StreamCapacityMetric,
	}
}

// KindForStream returns the entity kind a stream collects from
func KindForStream(stream string) (fabric.EntityKind, bool) {
	kind, ok := kindByStream[stream]
	return kind, ok
}

// StreamForKind returns the stream an entity kind feeds
func StreamForKind(kind fabric.EntityKind) (string, bool) {
	for stream, k := range kindByStream {
		if k == kind {
			return stream, true
		}
	}
	return "", false
}

// Validate checks a record against the schema: every column present, no
// extra fields, values of the column's type or nil. The first offending
// field is named in the error.
func (s *StreamSchema) Validate(rec NormalizedRecord) error {
	if len(rec) != len(s.Columns) {
		for name := range rec {
			if !s.hasColumn(name) {
				return errors.Newf(errors.ErrorTypeSchema,
					"stream %s: unexpected field %q", s.Name, name)
			}
		}
	}

	for _, col := range s.Columns {
		v, ok := rec[col.Name]
		if !ok {
			return errors.Newf(errors.ErrorTypeSchema,
				"stream %s: missing field %q", s.Name, col.Name)
		}
		if v == nil {
			continue
		}
		if !typeMatches(col.Type, v) {
			return errors.Newf(errors.ErrorTypeSchema,
				"stream %s: field %q has incompatible value type %T", s.Name, col.Name, v)
		}
	}

	return nil
}

func (s *StreamSchema) hasColumn(name string) bool {
	for _, col := range s.Columns {
		if col.Name == name {
			return true
		}
	}
	return false
}

func typeMatches(t ColumnType, v interface{}) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeDatetime:
		switch tv := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339Nano, tv)
			if err != nil {
				_, err = time.Parse(time.RFC3339, tv)
			}
			return err == nil
		default:
			return false
		}
	case TypeLong:
		switch v.(type) {
		case int, int32, int64:
			return true
		default:
			return false
		}
	case TypeReal:
		switch v.(type) {
		case float32, float64, int, int64:
			return true
		default:
			return false
		}
	case TypeBool:
		_, ok := v.(bool)
		return ok
	default:
		return false
	}
}
