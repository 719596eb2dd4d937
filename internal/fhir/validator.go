// Package fhir gates ingestion on FHIR R4 payload validation. The heavyweight
// profile/terminology validation lives in an external validator; this package
// defines the contract, a structural default implementation, and the gate
// that decides when validation applies and how warnings escalate.
package fhir

import (
	"context"
	"fmt"
	"strings"
)

// Result is the outcome of validating one FHIR payload.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// PayloadValidator validates a FHIR resource carried in the CloudEvents data
// field. The subject hint is the patient UPID from the envelope, used for
// cross-checks.
type PayloadValidator interface {
	Validate(ctx context.Context, data map[string]any, subject string) (Result, error)
}

// StructuralValidator is the built-in PayloadValidator. It checks resource
// shape only, not clinical profile conformance.
type StructuralValidator struct{}

// Validate performs structural checks: resourceType present and well formed,
// and a subject cross-check against the resource's subject reference when
// one exists (mismatch is a warning, not an error).
func (StructuralValidator) Validate(_ context.Context, data map[string]any, subject string) (Result, error) {
	var res Result

	rt, ok := data["resourceType"].(string)
	if !ok || rt == "" {
		res.Errors = append(res.Errors, "data.resourceType is missing or empty")
		return res, nil
	}
	if strings.ToUpper(rt[:1]) != rt[:1] {
		res.Errors = append(res.Errors, fmt.Sprintf("resourceType %q is not a valid FHIR R4 resource type", rt))
		return res, nil
	}

	if ref := subjectReference(data); ref != "" && subject != "" && !strings.Contains(ref, subject) {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("resource subject reference %q does not match envelope subject %q", ref, subject))
	}

	res.Valid = true
	return res, nil
}

func subjectReference(data map[string]any) string {
	subj, ok := data["subject"].(map[string]any)
	if !ok {
		return ""
	}
	ref, _ := subj["reference"].(string)
	return ref
}
