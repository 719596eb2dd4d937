package logging

import "log/slog"

// Common field names for consistent logging across the collector.
const (
	FieldService       = "service"
	FieldSource        = "source"
	FieldEventID       = "event_id"
	FieldSubject       = "subject"
	FieldCorrelationID = "correlation_id"
	FieldReason        = "reason"
	FieldStage         = "stage"
	FieldError         = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Source returns a slog attribute for the event source URI.
func Source(uri string) slog.Attr {
	return slog.String(FieldSource, uri)
}

// EventID returns a slog attribute for the CloudEvents id.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// Subject returns a slog attribute for the event subject.
func Subject(s string) slog.Attr {
	return slog.String(FieldSubject, s)
}

// CorrelationID returns a slog attribute for the correlation id.
func CorrelationID(id string) slog.Attr {
	return slog.String(FieldCorrelationID, id)
}

// Reason returns a slog attribute for a rejection reason.
func Reason(r string) slog.Attr {
	return slog.String(FieldReason, r)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}
