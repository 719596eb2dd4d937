// Package model defines the domain records that flow through the collector:
// the inbound audit row, the outbox row, the dead-letter row, and the source
// registry entry, together with their status enums.
package model

import (
	"time"

	"github.com/google/uuid"
)

// InboundStatus tracks an inbound event through the ingestion pipeline.
type InboundStatus string

const (
	InboundReceived InboundStatus = "RECEIVED"
	InboundAccepted InboundStatus = "ACCEPTED"
	InboundRejected InboundStatus = "REJECTED"
)

// PublishStatus is the broker delivery state of an outbox row.
type PublishStatus string

const (
	PublishPending   PublishStatus = "PENDING"
	PublishPublished PublishStatus = "PUBLISHED"
	PublishFailed    PublishStatus = "FAILED"
)

// RejectionReason classifies why an event was dead-lettered.
type RejectionReason string

const (
	ReasonInvalidEnvelope      RejectionReason = "INVALID_ENVELOPE"
	ReasonInvalidPayload       RejectionReason = "INVALID_PAYLOAD"
	ReasonDuplicate            RejectionReason = "DUPLICATE"
	ReasonMissingSubject       RejectionReason = "MISSING_SUBJECT"
	ReasonPayloadTooLarge      RejectionReason = "PAYLOAD_TOO_LARGE"
	ReasonDeserializationError RejectionReason = "DESERIALIZATION_ERROR"
	ReasonBrokerPublishFailure RejectionReason = "BROKER_PUBLISH_FAILURE"
)

// ParseRejectionReason validates a reason string from an API filter.
func ParseRejectionReason(s string) (RejectionReason, bool) {
	switch RejectionReason(s) {
	case ReasonInvalidEnvelope, ReasonInvalidPayload, ReasonDuplicate,
		ReasonMissingSubject, ReasonPayloadTooLarge,
		ReasonDeserializationError, ReasonBrokerPublishFailure:
		return RejectionReason(s), true
	}
	return "", false
}

// FailureStage is the pipeline stage at which an event was dead-lettered.
type FailureStage string

const (
	StageValidation FailureStage = "VALIDATION"
	StageProcessing FailureStage = "PROCESSING"
	StagePublish    FailureStage = "PUBLISH"
)

// InboundEvent is the audit row written for every received envelope.
// The (Source, EventID) pair is unique in the store and is the authoritative
// deduplication anchor.
type InboundEvent struct {
	ID              uuid.UUID      `json:"id"`
	EventID         string         `json:"event_id"`
	Source          string         `json:"source"`
	Type            string         `json:"type"`
	SpecVersion     string         `json:"spec_version"`
	Subject         string         `json:"subject"`
	EventTime       *time.Time     `json:"event_time,omitempty"`
	DataContentType string         `json:"data_content_type,omitempty"`
	FacilityID      string         `json:"facility_id,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	SourceEventID   string         `json:"source_event_id,omitempty"`
	RawPayload      map[string]any `json:"raw_payload"`
	Status          InboundStatus  `json:"status"`
	RejectionReason *string        `json:"rejection_reason,omitempty"`
	ReceivedAt      time.Time      `json:"received_at"`
}

// OutboxEvent is one normalized event awaiting (or having completed) broker
// delivery. Created in the same transaction that marks the inbound row
// accepted, so an accepted event always has an outbox row.
type OutboxEvent struct {
	ID                   uuid.UUID      `json:"id"`
	InboundEventID       uuid.UUID      `json:"inbound_event_id"`
	EventID              string         `json:"event_id"`
	Source               string         `json:"source"`
	SourceEventID        string         `json:"source_event_id,omitempty"`
	Subject              string         `json:"subject"`
	Type                 string         `json:"type"`
	EventTime            time.Time      `json:"event_time"`
	ReceivedAt           time.Time      `json:"received_at"`
	CorrelationID        string         `json:"correlation_id"`
	Data                 map[string]any `json:"data"`
	DataContentType      string         `json:"data_content_type"`
	ProtocolInstanceID   *uuid.UUID     `json:"protocol_instance_id,omitempty"`
	ProtocolDefinitionID *uuid.UUID     `json:"protocol_definition_id,omitempty"`
	ActionID             string         `json:"action_id,omitempty"`
	FacilityID           string         `json:"facility_id,omitempty"`
	PublishStatus        PublishStatus  `json:"publish_status"`
	PublishedAt          *time.Time     `json:"published_at,omitempty"`
	BrokerTopic          *string        `json:"broker_topic,omitempty"`
	BrokerPartition      *int32         `json:"broker_partition,omitempty"`
	BrokerOffset         *int64         `json:"broker_offset,omitempty"`
}

// DeadLetterEvent records an event that was rejected or could not be
// delivered, retained for audit and manual remediation.
type DeadLetterEvent struct {
	ID             uuid.UUID       `json:"id"`
	InboundEventID *uuid.UUID      `json:"inbound_event_id,omitempty"`
	EventID        string          `json:"event_id,omitempty"`
	Source         string          `json:"source,omitempty"`
	Type           string          `json:"type,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	RawPayload     map[string]any  `json:"raw_payload"`
	Reason         RejectionReason `json:"rejection_reason"`
	Stage          FailureStage    `json:"failure_stage"`
	ErrorDetails   string          `json:"error_details,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	FacilityID     string          `json:"facility_id,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
	RetryCount     int             `json:"retry_count"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	Resolved       bool            `json:"resolved"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// SourceRegistration is an allow-listed event source.
type SourceRegistration struct {
	ID           uuid.UUID `json:"id"`
	SourceURI    string    `json:"source_uri"`
	DisplayName  string    `json:"display_name"`
	Description  string    `json:"description,omitempty"`
	Active       bool      `json:"active"`
	APIKeyHash   string    `json:"-"`
	AllowedTypes []string  `json:"allowed_types"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
