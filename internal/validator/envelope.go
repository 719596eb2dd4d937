// Package validator performs structural validation of inbound CloudEvents
// v1.0 envelopes. Validation is pure and fails fast: rules run in order and
// the first violation wins.
package validator

import (
	"fmt"

	"github.com/openphc/cce-collector/internal/model"
)

const maxIDLength = 256

// EnvelopeError reports an envelope that violated a CloudEvents structural
// rule, tagged with the offending attribute name.
type EnvelopeError struct {
	Field   string
	Message string
}

func (e *EnvelopeError) Error() string {
	return e.Message
}

// Envelope validates the CloudEvents envelope structure. It returns an
// *EnvelopeError on the first violated rule and has no side effects.
func Envelope(env *model.EventEnvelope) error {
	if env.SpecVersion == "" {
		return &EnvelopeError{Field: "specversion", Message: "missing required CloudEvents field: 'specversion'"}
	}
	if env.SpecVersion != model.SpecVersion {
		return &EnvelopeError{
			Field:   "specversion",
			Message: fmt.Sprintf("specversion must be %q, got %q", model.SpecVersion, env.SpecVersion),
		}
	}
	if env.ID == "" {
		return &EnvelopeError{Field: "id", Message: "missing required CloudEvents field: 'id'"}
	}
	if len(env.ID) > maxIDLength {
		return &EnvelopeError{
			Field:   "id",
			Message: fmt.Sprintf("CloudEvents 'id' exceeds max length of %d characters", maxIDLength),
		}
	}
	if env.Source == "" {
		return &EnvelopeError{Field: "source", Message: "missing required CloudEvents field: 'source'"}
	}
	if env.Type == "" {
		return &EnvelopeError{Field: "type", Message: "missing required CloudEvents field: 'type'"}
	}
	if env.Subject == "" {
		return &EnvelopeError{Field: "subject", Message: "missing required CloudEvents field: 'subject' (patient UPID)"}
	}
	if len(env.Data) == 0 {
		return &EnvelopeError{Field: "data", Message: "missing required CloudEvents field: 'data'"}
	}
	return nil
}

// Reason maps an envelope validation failure to its dead-letter rejection
// reason. A missing subject gets its own code so operators can spot events
// that lack a patient identifier.
func Reason(err *EnvelopeError) model.RejectionReason {
	if err.Field == "subject" {
		return model.ReasonMissingSubject
	}
	return model.ReasonInvalidEnvelope
}
