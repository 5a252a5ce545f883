package logger

// Common field keys.
const (
	FieldComponent = "component"
	FieldTraceID   = "trace_id"
	FieldSpanID    = "span_id"
	FieldRequestID = "request_id"
	FieldOperation = "operation"
	FieldStatus    = "status"
	FieldError     = "error"
	FieldDuration  = "duration_ms"
)

// Directory field keys.
const (
	FieldParticipantID  = "participant_id"
	FieldParticipantIDs = "participant_ids"
	FieldDomain         = "domain"
	FieldDomains        = "domains"
	FieldInterface      = "interface"
	FieldScope          = "scope"
	FieldGBID           = "gbid"
	FieldGBIDs          = "gbids"
	FieldTaskID         = "task_id"
	FieldTaskType       = "task_type"
)

// Fields pairs up alternating keys and values. Non-string keys and a
// trailing key without value are dropped.
//
//	log.Info("provider added", logger.Fields(logger.FieldParticipantID, id))
func Fields(kvs ...any) map[string]any {
	m := make(map[string]any, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		if key, ok := kvs[i].(string); ok {
			m[key] = kvs[i+1]
		}
	}
	return m
}

// MergeWithError adds err under FieldError. A nil map is allocated.
func MergeWithError(fields map[string]any, err error) map[string]any {
	if fields == nil {
		fields = make(map[string]any, 1)
	}
	if err != nil {
		fields[FieldError] = err.Error()
	}
	return fields
}
