package fhir

import (
	"context"
	"log/slog"
	"strings"

	"github.com/openphc/cce-collector/internal/model"
)

// ValidationError carries the validator's issue list verbatim. In strict
// mode it may carry warnings rather than errors.
type ValidationError struct {
	Message string
	Issues  []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Issues, "; ")
}

// GateConfig controls whether and how strictly payloads are validated.
type GateConfig struct {
	Enabled bool
	// Strict escalates validator warnings to rejections.
	Strict bool
}

// Gate invokes the payload validator for FHIR-typed payloads and applies the
// deployment's warning-escalation policy.
type Gate struct {
	validator PayloadValidator
	cfg       GateConfig
	logger    *slog.Logger
}

// NewGate builds a payload validation gate around the given validator.
func NewGate(validator PayloadValidator, cfg GateConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{validator: validator, cfg: cfg, logger: logger}
}

// Check validates the envelope's data field when its declared content type
// is FHIR. Non-FHIR content types and disabled validation are a no-op pass.
// Returns *ValidationError when the payload must be rejected.
func (g *Gate) Check(ctx context.Context, env *model.EventEnvelope) error {
	if !g.cfg.Enabled {
		g.logger.DebugContext(ctx, "payload validation disabled, skipping", slog.String("event_id", env.ID))
		return nil
	}
	if env.DataContentType != model.FHIRContentType {
		g.logger.DebugContext(ctx, "datacontenttype is not FHIR, skipping payload validation",
			slog.String("event_id", env.ID))
		return nil
	}

	res, err := g.validator.Validate(ctx, env.Data, env.Subject)
	if err != nil {
		// Validator infrastructure failure, not a payload verdict.
		return &ValidationError{Message: "payload validator unavailable", Issues: []string{err.Error()}}
	}

	if !res.Valid {
		return &ValidationError{Message: "FHIR R4 payload validation failed", Issues: res.Errors}
	}

	if len(res.Warnings) > 0 {
		if g.cfg.Strict {
			return &ValidationError{Message: "FHIR R4 payload validation warnings (strict mode)", Issues: res.Warnings}
		}
		for _, w := range res.Warnings {
			g.logger.WarnContext(ctx, "FHIR validation warning",
				slog.String("event_id", env.ID), slog.String("warning", w))
		}
	}

	return nil
}
