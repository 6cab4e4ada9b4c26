package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	cases := map[string]string{
		"P-10042":  "P-" + RedactionMarker + "42",
		"abcdef":   "ab" + RedactionMarker + "ef",
		"abcde":    "ab" + RedactionMarker + "de",
		"abcd":     RedactionMarker,
		"ab":       RedactionMarker,
		"":         RedactionMarker,
		"ÄÖÜßéè":   "ÄÖ" + RedactionMarker + "éè",
	}
	for in, want := range cases {
		assert.Equal(t, want, Redact(in), "Redact(%q)", in)
	}
}

func TestIsDenied(t *testing.T) {
	denied := []string{
		"name", "Name", "patient_name", "patientName", "first-name",
		"dateOfBirth", "date_of_birth", "DOB", "birthDate",
		"address", "home_address", "phone", "mobile_phone", "email", "E-Mail",
		"diagnosis", "primaryDiagnosis", "treatment", "medication",
		"health_data", "medicalRecord", "insurance_number", "ssn",
		"password", "access_token", "client_secret", "key", "credentials",
	}
	for _, k := range denied {
		assert.True(t, IsDenied(k), "expected %q to be denied", k)
	}

	allowed := []string{
		"appointment_id", "doctor_id", "kiosk_id", "patient_id", "session_id",
		"source", "reason", "position", "estimated_wait_seconds", "kind",
		"notification_id", "attempts", "payload_digest", "outcome", "format",
	}
	for _, k := range allowed {
		assert.False(t, IsDenied(k), "expected %q to be allowed", k)
	}
}

func TestSanitizeDropsAndRedacts(t *testing.T) {
	in := Metadata{
		"patient_id":     "PAT-123456",
		"patientName":    "Erika Mustermann",
		"DIAGNOSIS_CODE": "J45",
		"appointment_id": "A1",
		"position":       2,
		"nested": map[string]any{
			"email":     "erika@example.org",
			"sessionId": "sess-abcdef",
			"kiosk_id":  "K1",
		},
		"items": []any{
			map[string]any{"phone": "+49 30 1234", "status": "ok"},
		},
	}

	out := Sanitize(in)

	assert.Equal(t, Metadata{
		"patient_id":     "PA" + RedactionMarker + "56",
		"appointment_id": "A1",
		"position":       2,
		"nested": Metadata{
			"sessionId": "se" + RedactionMarker + "ef",
			"kiosk_id":  "K1",
		},
		"items": []any{
			Metadata{"status": "ok"},
		},
	}, out)

	// input is left untouched
	assert.Equal(t, "Erika Mustermann", in["patientName"])
}

type contactCard struct {
	Label    string `json:"label"`
	Email    string `json:"email"`
	Phone    string
	Internal string `json:"-"`
	note     string
}

func TestSanitizeWalksTypedContainers(t *testing.T) {
	in := Metadata{
		"items":    []map[string]any{{"email": "jane@example.com", "diagnosis": "flu", "status": "ok"}},
		"contacts": map[string]int{"phone": 5551234, "retries": 2},
		"nested":   []Metadata{{"patient_name": "Jane Doe", "patient_id": "PAT-778899"}},
		"labels":   map[string]string{"home_address": "Main St 1", "ward": "B"},
		"card":     &contactCard{Label: "primary", Email: "jane@example.com", Phone: "555", Internal: "x", note: "y"},
		"cards":    [1]contactCard{{Label: "backup"}},
		"raw":      json.RawMessage(`{"dob":"1990-01-01","visit":3}`),
		"by_slot":  map[int]string{9: "Jane Doe"},
		"when":     time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}

	out := Sanitize(in)

	assert.Equal(t, Metadata{
		"items":    []any{Metadata{"status": "ok"}},
		"contacts": Metadata{"retries": 2},
		"nested":   []any{Metadata{"patient_id": "PA" + RedactionMarker + "99"}},
		"labels":   Metadata{"ward": "B"},
		"card":     Metadata{"label": "primary"},
		"cards":    []any{Metadata{"label": "backup"}},
		"raw":      Metadata{"visit": float64(3)},
		"by_slot":  "1 entries",
		"when":     time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}, out)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	for _, leaked := range []string{"jane@", "flu", "5551234", "Jane Doe", "Main St", "1990"} {
		assert.NotContains(t, string(raw), leaked)
	}
}

func TestSanitizeNilMetadata(t *testing.T) {
	assert.Empty(t, Sanitize(nil))
}
