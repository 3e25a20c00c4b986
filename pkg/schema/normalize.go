package schema

import (
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/fabricsight/fabricsight/pkg/errors"
	"github.com/fabricsight/fabricsight/pkg/fabric"
)

// Normalizer maps one raw source record onto a fixed stream schema. Pure
// function, no I/O; the raw record is discarded afterwards.
type Normalizer func(raw fabric.RawRecord, entity fabric.EntityRef, collectedAt time.Time) (NormalizedRecord, error)

// ForKind returns the normalizer and target stream for an entity kind
func ForKind(kind fabric.EntityKind) (Normalizer, string, error) {
	stream, ok := StreamForKind(kind)
	if !ok {
		return nil, "", errors.Newf(errors.ErrorTypeData, "no stream mapped for entity kind %q", kind)
	}

	switch kind {
	case fabric.KindPipeline:
		return normalizePipelineRun, stream, nil
	case fabric.KindDataflow:
		return normalizeDataflowRun, stream, nil
	case fabric.KindDataset:
		return normalizeDatasetRefresh, stream, nil
	case fabric.KindWorkspace:
		return normalizeActivityEvent, stream, nil
	case fabric.KindCapacity:
		return normalizeCapacityMetric, stream, nil
	default:
		return nil, "", errors.Newf(errors.ErrorTypeData, "no normalizer for entity kind %q", kind)
	}
}

// newRecord seeds every schema column with nil so unknown fields arrive as
// explicit nulls, never as missing keys
func newRecord(s *StreamSchema) NormalizedRecord {
	rec := make(NormalizedRecord, len(s.Columns))
	for _, col := range s.Columns {
		rec[col.Name] = nil
	}
	return rec
}

func normalizePipelineRun(raw fabric.RawRecord, entity fabric.EntityRef, collectedAt time.Time) (NormalizedRecord, error) {
	s := streams[StreamPipelineRun]
	rec := newRecord(s)

	rec["TimeGenerated"] = collectedAt.UTC()
	rec["WorkspaceId"] = stringValue(entity.Workspace)
	rec["ItemId"] = stringValue(entity.ID)
	rec["ItemName"] = stringValue(entity.Name)
	rec["JobType"] = getString(raw, "jobType")
	rec["Status"] = getString(raw, "status")
	rec["InvokeType"] = getString(raw, "invokeType")
	rec["FailureReason"] = failureReason(raw)

	// Activity-level child records carry their parent's run ID; top-level
	// run records carry their own.
	if activityID := getString(raw, "activityRunId", "activityId"); activityID != nil {
		rec["RunId"] = getString(raw, "pipelineRunId")
		rec["ActivityRunId"] = activityID
		rec["ActivityName"] = getString(raw, "activityName")
		rec["ActivityType"] = getString(raw, "activityType")
		rec["ActivityStatus"] = getString(raw, "status")
	} else {
		rec["RunId"] = getString(raw, "id")
	}

	start := getTime(raw, "startTimeUtc", "startTime", "activityRunStart")
	end := getTime(raw, "endTimeUtc", "endTime", "activityRunEnd")
	setTimes(rec, "StartTimeUtc", "EndTimeUtc", "DurationMs", start, end)

	return rec, s.Validate(rec)
}

func normalizeDataflowRun(raw fabric.RawRecord, entity fabric.EntityRef, collectedAt time.Time) (NormalizedRecord, error) {
	s := streams[StreamDataflowRun]
	rec := newRecord(s)

	rec["TimeGenerated"] = collectedAt.UTC()
	rec["WorkspaceId"] = stringValue(entity.Workspace)
	rec["DataflowId"] = stringValue(entity.ID)
	rec["DataflowName"] = stringValue(entity.Name)
	rec["RunId"] = getString(raw, "id")
	rec["RefreshType"] = getString(raw, "refreshType", "invokeType")
	rec["Status"] = getString(raw, "status")
	rec["FailureReason"] = failureReason(raw)

	start := getTime(raw, "startTime", "startTimeUtc")
	end := getTime(raw, "endTime", "endTimeUtc")
	setTimes(rec, "StartTimeUtc", "EndTimeUtc", "DurationMs", start, end)

	return rec, s.Validate(rec)
}

func normalizeDatasetRefresh(raw fabric.RawRecord, entity fabric.EntityRef, collectedAt time.Time) (NormalizedRecord, error) {
	s := streams[StreamDatasetRefresh]
	rec := newRecord(s)

	rec["TimeGenerated"] = collectedAt.UTC()
	rec["DatasetId"] = stringValue(entity.ID)
	rec["DatasetName"] = stringValue(entity.Name)
	rec["RequestId"] = getString(raw, "requestId", "id")
	rec["RefreshType"] = getString(raw, "refreshType")
	rec["Status"] = getString(raw, "status")
	rec["ServiceExceptionJson"] = getString(raw, "serviceExceptionJson")

	start := getTime(raw, "startTime")
	end := getTime(raw, "endTime")
	setTimes(rec, "StartTimeUtc", "EndTimeUtc", "DurationMs", start, end)

	return rec, s.Validate(rec)
}

func normalizeActivityEvent(raw fabric.RawRecord, entity fabric.EntityRef, collectedAt time.Time) (NormalizedRecord, error) {
	s := streams[StreamUserActivity]
	rec := newRecord(s)

	rec["TimeGenerated"] = collectedAt.UTC()
	rec["ActivityId"] = getString(raw, "Id", "id")
	rec["Operation"] = getString(raw, "Operation", "Activity")
	rec["UserId"] = getString(raw, "UserId", "UserKey")
	rec["UserAgent"] = getString(raw, "UserAgent")
	rec["WorkspaceId"] = stringValue(entity.ID)
	rec["WorkspaceName"] = getString(raw, "WorkSpaceName", "WorkspaceName")
	rec["ItemName"] = getString(raw, "ItemName", "DatasetName", "ReportName")
	rec["ObjectId"] = getString(raw, "ObjectId")
	rec["RequestId"] = getString(raw, "RequestId")

	if creation := getTime(raw, "CreationTime", "creationTime"); creation != nil {
		rec["CreationTime"] = *creation
	}
	if success, ok := raw["IsSuccess"].(bool); ok {
		rec["IsSuccess"] = success
	}

	return rec, s.Validate(rec)
}

func normalizeCapacityMetric(raw fabric.RawRecord, entity fabric.EntityRef, collectedAt time.Time) (NormalizedRecord, error) {
	s := streams[StreamCapacityMetric]
	rec := newRecord(s)

	ts := collectedAt.UTC()
	if t := getTime(raw, "timestamp", "timeGenerated"); t != nil {
		ts = t.UTC()
	}

	rec["TimeGenerated"] = ts
	rec["CapacityId"] = stringValue(entity.ID)
	rec["CapacityName"] = getString(raw, "displayName", "name")
	if rec["CapacityName"] == nil {
		rec["CapacityName"] = stringValue(entity.Name)
	}
	rec["Sku"] = getString(raw, "sku")
	rec["State"] = getString(raw, "state")
	rec["CpuPercent"] = getReal(raw, "cpuPercentage", "cpuPercent")
	rec["MemoryPercent"] = getReal(raw, "memoryPercentage", "memoryPercent")
	rec["ActiveWorkloads"] = getLong(raw, "activeWorkloads")
	rec["OverloadedMinutes"] = getLong(raw, "overloadedMinutes")

	return rec, s.Validate(rec)
}

// failureReason flattens the error payload some run records carry
func failureReason(raw fabric.RawRecord) interface{} {
	if v := getString(raw, "failureReason", "errorMessage"); v != nil {
		return v
	}
	if obj, ok := raw["failureReason"].(map[string]interface{}); ok {
		if data, err := gojson.Marshal(obj); err == nil {
			return string(data)
		}
	}
	if obj, ok := raw["error"].(map[string]interface{}); ok {
		if data, err := gojson.Marshal(obj); err == nil {
			return string(data)
		}
	}
	return nil
}

// setTimes fills start/end/duration columns from parsed timestamps
func setTimes(rec NormalizedRecord, startCol, endCol, durationCol string, start, end *time.Time) {
	if start != nil {
		rec[startCol] = start.UTC()
	}
	if end != nil {
		rec[endCol] = end.UTC()
	}
	if start != nil && end != nil && !end.Before(*start) {
		rec[durationCol] = end.Sub(*start).Milliseconds()
	}
}

func stringValue(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func getString(raw fabric.RawRecord, keys ...string) interface{} {
	for _, key := range keys {
		if v, ok := raw[key].(string); ok && v != "" {
			return v
		}
	}
	return nil
}

func getTime(raw fabric.RawRecord, keys ...string) *time.Time {
	for _, key := range keys {
		s, ok := raw[key].(string)
		if !ok || s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return &t
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return &t
		}
	}
	return nil
}

func getLong(raw fabric.RawRecord, keys ...string) interface{} {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case float64:
			return int64(v)
		case int64:
			return v
		case int:
			return int64(v)
		}
	}
	return nil
}

func getReal(raw fabric.RawRecord, keys ...string) interface{} {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		case int:
			return float64(v)
		}
	}
	return nil
}
