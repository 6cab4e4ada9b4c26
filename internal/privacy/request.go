package privacy

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatPDF  Format = "pdf"
	FormatXML  Format = "xml"
	FormatFHIR Format = "fhir"
)

type Kind string

const (
	KindExport  Kind = "export"
	KindErasure Kind = "erasure"
)

const (
	// ErasureGrace is how long the fulfillment service waits before erasing,
	// so a mistaken request can still be withdrawn.
	ErasureGrace = 30 * 24 * time.Hour
	// ExportTTL bounds how long a produced export stays downloadable.
	ExportTTL = 7 * 24 * time.Hour

	minReasonLen = 10
	maxReasonLen = 1000
	maxIDLen     = 128
)

var (
	ErrInvalidRequest = errors.New("invalid privacy request")
	ErrNotImplemented = errors.New("privacy fulfillment not implemented")
)

// Rejection codes. Only the code of a rejected request is audited, never
// the caller's input.
const (
	CodeUnsupportedFormat = "unsupported_format"
	CodeMissingPatientID  = "missing_patient_id"
	CodePatientIDTooLong  = "patient_id_too_long"
	CodeReasonLength      = "reason_length"
)

// ValidationError is an invalid request. It matches ErrInvalidRequest.
type ValidationError struct {
	Code   string
	detail string
}

func invalid(code, format string, args ...any) error {
	return &ValidationError{Code: code, detail: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return ErrInvalidRequest.Error() + ": " + e.detail
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

// ParseFormat accepts the export formats case-insensitively. An empty
// value means json.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatPDF, FormatXML, FormatFHIR:
		return f, nil
	default:
		return "", invalid(CodeUnsupportedFormat, "unsupported export format %q", s)
	}
}

// Request is the envelope forwarded to the fulfillment service. The core
// never performs the export or erasure itself.
type Request struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	PatientID   string    `json:"patient_id"`
	Format      Format    `json:"format,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	NotBefore   time.Time `json:"not_before,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

func validatePatientID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return invalid(CodeMissingPatientID, "patient id is required")
	case len(id) > maxIDLen:
		return invalid(CodePatientIDTooLong, "patient id is too long")
	}
	return nil
}

func validateReason(reason string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(reason))
	if n < minReasonLen || n > maxReasonLen {
		return invalid(CodeReasonLength, "reason must be %d to %d characters", minReasonLen, maxReasonLen)
	}
	return nil
}

type Status string

const (
	StatusForwarded      Status = "forwarded"
	StatusRejected       Status = "rejected"
	StatusNotImplemented Status = "not_implemented"
	StatusUnavailable    Status = "unavailable"
)

// Outcome separates "rejected" from "pending external fulfillment". A
// Forwarded outcome never means the request has been carried out.
type Outcome struct {
	RequestID string
	Kind      Kind
	Status    Status
	Detail    string
}
