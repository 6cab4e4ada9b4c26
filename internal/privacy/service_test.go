package privacy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/patient-flow-orchestrator/internal/audit"
)

type mockFulfiller struct {
	mock.Mock
}

func (m *mockFulfiller) Forward(ctx context.Context, req Request) error {
	return m.Called(ctx, req).Error(0)
}

func newService(f Fulfiller) (*Service, *audit.MemoryStore) {
	store := audit.NewMemoryStore()
	sink := audit.NewSink(store, audit.Retention{Session: time.Hour, Trail: time.Hour})
	s := NewService(f, sink, nil)
	s.now = func() time.Time { return time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC) }
	return s, store
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatJSON, "JSON": FormatJSON, "pdf": FormatPDF, " xml ": FormatXML, "fhir": FormatFHIR} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("docx")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestExportIsForwarded(t *testing.T) {
	f := &mockFulfiller{}
	f.On("Forward", mock.Anything, mock.MatchedBy(func(r Request) bool {
		return r.Kind == KindExport && r.PatientID == "patient-1234" && r.Format == FormatFHIR &&
			r.ExpiresAt.Sub(r.RequestedAt) == ExportTTL
	})).Return(nil).Once()
	s, store := newService(f)

	out := s.RequestExport(context.Background(), "patient-1234", "fhir")
	assert.Equal(t, StatusForwarded, out.Status)
	assert.NotEmpty(t, out.RequestID)
	f.AssertExpectations(t)

	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionPrivacyExportRequested, entries[0].Action)
	assert.Equal(t, "pa***34", entries[0].Metadata["patient_id"])
}

func TestErasureKeepsOnlyReasonDigest(t *testing.T) {
	f := &mockFulfiller{}
	f.On("Forward", mock.Anything, mock.Anything).Return(nil)
	s, store := newService(f)

	reason := "Patient Jane Doe moved abroad and withdrew consent"
	out := s.RequestErasure(context.Background(), "patient-1234", reason)
	assert.Equal(t, StatusForwarded, out.Status)

	req := f.Calls[0].Arguments.Get(1).(Request)
	assert.Equal(t, reason, req.Reason)
	assert.Equal(t, ErasureGrace, req.NotBefore.Sub(req.RequestedAt))

	e := store.Entries()[0]
	assert.Contains(t, e.Metadata, "reason_digest")
	for _, v := range e.Metadata {
		if s, ok := v.(string); ok {
			assert.False(t, strings.Contains(s, "Jane"), "reason leaked into audit")
		}
	}
}

func TestNotImplementedIsDistinctFromRejected(t *testing.T) {
	s, _ := newService(Unfulfilled{})

	out := s.RequestExport(context.Background(), "patient-1234", "json")
	assert.Equal(t, StatusNotImplemented, out.Status)
	assert.NotEmpty(t, out.RequestID)

	out = s.RequestExport(context.Background(), "", "json")
	assert.Equal(t, StatusRejected, out.Status)
	assert.Empty(t, out.RequestID)
}

func TestInvalidRequestsAreRejected(t *testing.T) {
	f := &mockFulfiller{}
	s, store := newService(f)
	ctx := context.Background()

	assert.Equal(t, StatusRejected, s.RequestExport(ctx, "patient-1", "docx").Status)
	assert.Equal(t, StatusRejected, s.RequestExport(ctx, strings.Repeat("x", 200), "json").Status)
	assert.Equal(t, StatusRejected, s.RequestErasure(ctx, "patient-1", "too short").Status)
	assert.Equal(t, StatusRejected, s.RequestErasure(ctx, "patient-1", strings.Repeat("r", 1001)).Status)

	f.AssertNotCalled(t, "Forward", mock.Anything, mock.Anything)
	var codes []any
	for _, e := range store.Entries() {
		assert.Equal(t, audit.ActionPrivacyRequestRejected, e.Action)
		codes = append(codes, e.Metadata["code"])
	}
	assert.Equal(t, []any{CodeUnsupportedFormat, CodePatientIDTooLong, CodeReasonLength, CodeReasonLength}, codes)
}

func TestRejectedInputIsNotAudited(t *testing.T) {
	s, store := newService(&mockFulfiller{})

	out := s.RequestExport(context.Background(), "patient-1", "Jane Doe, born 1990-01-01")
	assert.Equal(t, StatusRejected, out.Status)
	assert.Contains(t, out.Detail, "unsupported export format")

	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.Metadata{"kind": string(KindExport), "code": CodeUnsupportedFormat}, entries[0].Metadata)

	var verr *ValidationError
	_, err := ParseFormat("docx")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeUnsupportedFormat, verr.Code)
}

func TestFulfillerOutageIsReportedAsUnavailable(t *testing.T) {
	f := &mockFulfiller{}
	f.On("Forward", mock.Anything, mock.Anything).Return(errors.New("broker unreachable"))
	s, _ := newService(f)

	out := s.RequestExport(context.Background(), "patient-1234", "")
	assert.Equal(t, StatusUnavailable, out.Status)
}
