package model

import (
	"encoding/json"
	"time"
)

// SpecVersion is the only CloudEvents version the collector accepts.
const SpecVersion = "1.0"

// FHIRContentType marks the data field as a FHIR R4 resource and triggers
// payload validation.
const FHIRContentType = "application/fhir+json"

// EventEnvelope is the inbound CloudEvents v1.0 envelope. Attribute names
// are lowercase per the CloudEvents JSON format; extension attributes not
// modeled explicitly are preserved in Extensions.
type EventEnvelope struct {
	SpecVersion     string         `json:"specversion"`
	ID              string         `json:"id"`
	Source          string         `json:"source"`
	Type            string         `json:"type"`
	Subject         string         `json:"subject"`
	Time            string         `json:"time,omitempty"`
	DataContentType string         `json:"datacontenttype,omitempty"`
	FacilityID      string         `json:"facilityid,omitempty"`
	CorrelationID   string         `json:"correlationid,omitempty"`
	SourceEventID   string         `json:"sourceeventid,omitempty"`
	ProtocolInstID  string         `json:"protocolinstanceid,omitempty"`
	ProtocolDefID   string         `json:"protocoldefinitionid,omitempty"`
	ActionID        string         `json:"actionid,omitempty"`
	Data            map[string]any `json:"data"`

	Extensions map[string]any `json:"-"`
}

// envelopeAlias avoids UnmarshalJSON recursion.
type envelopeAlias EventEnvelope

// UnmarshalJSON decodes the envelope and captures unmodeled extension
// attributes into Extensions.
func (e *EventEnvelope) UnmarshalJSON(data []byte) error {
	var a envelopeAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, known := range []string{
		"specversion", "id", "source", "type", "subject", "time",
		"datacontenttype", "facilityid", "correlationid", "sourceeventid",
		"protocolinstanceid", "protocoldefinitionid", "actionid", "data",
	} {
		delete(all, known)
	}
	if len(all) > 0 {
		a.Extensions = all
	}

	*e = EventEnvelope(a)
	return nil
}

// RawPayload builds the full map form of the envelope for raw_payload
// storage, extension attributes included.
func (e *EventEnvelope) RawPayload() map[string]any {
	p := map[string]any{
		"specversion": e.SpecVersion,
		"id":          e.ID,
		"source":      e.Source,
		"type":        e.Type,
		"subject":     e.Subject,
		"data":        e.Data,
	}
	setIfPresent := func(key, val string) {
		if val != "" {
			p[key] = val
		}
	}
	setIfPresent("time", e.Time)
	setIfPresent("datacontenttype", e.DataContentType)
	setIfPresent("facilityid", e.FacilityID)
	setIfPresent("correlationid", e.CorrelationID)
	setIfPresent("sourceeventid", e.SourceEventID)
	setIfPresent("protocolinstanceid", e.ProtocolInstID)
	setIfPresent("protocoldefinitionid", e.ProtocolDefID)
	setIfPresent("actionid", e.ActionID)
	for k, v := range e.Extensions {
		p[k] = v
	}
	return p
}

// OutboundMessage is the canonical message published to the broker. Field
// names are camelCase, matching the downstream consumer contract.
type OutboundMessage struct {
	ID                   string         `json:"id"`
	Source               string         `json:"source"`
	Type                 string         `json:"type"`
	SpecVersion          string         `json:"specVersion"`
	Subject              string         `json:"subject"`
	Time                 time.Time      `json:"time"`
	DataContentType      string         `json:"dataContentType,omitempty"`
	CorrelationID        string         `json:"correlationId,omitempty"`
	SourceEventID        string         `json:"sourceEventId,omitempty"`
	ProtocolInstanceID   string         `json:"protocolInstanceId,omitempty"`
	ProtocolDefinitionID string         `json:"protocolDefinitionId,omitempty"`
	ActionID             string         `json:"actionId,omitempty"`
	FacilityID           string         `json:"facilityId,omitempty"`
	Data                 map[string]any `json:"data"`
}

// IngestionResponse is the per-event API result.
type IngestionResponse struct {
	EventID        string    `json:"eventId"`
	Status         string    `json:"status"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	PublishedTopic string    `json:"publishedTopic,omitempty"`
	ReceivedAt     time.Time `json:"receivedAt"`
	Reason         string    `json:"reason,omitempty"`
	Details        string    `json:"details,omitempty"`
}

// Ingestion response status values.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

// IsDuplicate reports whether this response represents an already-processed
// event rather than a new acceptance.
func (r *IngestionResponse) IsDuplicate() bool {
	return r.Status == StatusDuplicate
}

// BatchResponse summarizes a batch ingestion with per-item results.
type BatchResponse struct {
	Total    int                 `json:"total"`
	Accepted int                 `json:"accepted"`
	Rejected int                 `json:"rejected"`
	Results  []IngestionResponse `json:"results"`
}
