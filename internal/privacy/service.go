package privacy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hackgods/patient-flow-orchestrator/internal/audit"
)

// Fulfiller hands a request envelope to the external fulfillment service.
// It returns ErrNotImplemented when no such service exists.
type Fulfiller interface {
	Forward(ctx context.Context, req Request) error
}

// Unfulfilled is used when no fulfillment backend is deployed.
type Unfulfilled struct{}

func (Unfulfilled) Forward(context.Context, Request) error { return ErrNotImplemented }

// KafkaForwarder publishes envelopes to the topic the fulfillment service
// consumes.
type KafkaForwarder struct {
	client *kgo.Client
	topic  string
}

func NewKafkaForwarder(brokers []string, topic string) (*KafkaForwarder, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaForwarder{client: client, topic: topic}, nil
}

func (f *KafkaForwarder) Forward(ctx context.Context, req Request) error {
	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode privacy request: %w", err)
	}
	rec := &kgo.Record{Topic: f.topic, Key: []byte(req.ID), Value: value}
	if err := f.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce privacy request: %w", err)
	}
	return nil
}

func (f *KafkaForwarder) Close() {
	f.client.Close()
}

// Service validates GDPR requests, audits them and forwards the envelope.
type Service struct {
	fulfiller Fulfiller
	recorder  audit.Recorder
	log       *logrus.Entry
	now       func() time.Time
}

func NewService(fulfiller Fulfiller, recorder audit.Recorder, log *logrus.Entry) *Service {
	return &Service{fulfiller: fulfiller, recorder: recorder, log: log, now: time.Now}
}

func (s *Service) RequestExport(ctx context.Context, patientID, format string) Outcome {
	f, err := ParseFormat(format)
	if err == nil {
		err = validatePatientID(patientID)
	}
	if err != nil {
		return s.rejected(ctx, KindExport, err)
	}

	now := s.now().UTC()
	req := Request{
		ID:          uuid.NewString(),
		Kind:        KindExport,
		PatientID:   patientID,
		Format:      f,
		RequestedAt: now,
		ExpiresAt:   now.Add(ExportTTL),
	}
	return s.forward(ctx, req, audit.ActionPrivacyExportRequested, audit.Metadata{"format": string(f)})
}

func (s *Service) RequestErasure(ctx context.Context, patientID, reason string) Outcome {
	err := validatePatientID(patientID)
	if err == nil {
		err = validateReason(reason)
	}
	if err != nil {
		return s.rejected(ctx, KindErasure, err)
	}

	now := s.now().UTC()
	req := Request{
		ID:          uuid.NewString(),
		Kind:        KindErasure,
		PatientID:   patientID,
		Reason:      reason,
		RequestedAt: now,
		NotBefore:   now.Add(ErasureGrace),
	}
	// the free-text reason may name the patient, so only its digest is kept
	sum := sha256.Sum256([]byte(reason))
	return s.forward(ctx, req, audit.ActionPrivacyErasureRequested, audit.Metadata{
		"reason_digest": hex.EncodeToString(sum[:]),
		"not_before":    req.NotBefore.Format(time.RFC3339),
	})
}

func (s *Service) forward(ctx context.Context, req Request, action string, meta audit.Metadata) Outcome {
	out := Outcome{RequestID: req.ID, Kind: req.Kind, Status: StatusForwarded}

	err := s.fulfiller.Forward(ctx, req)
	switch {
	case errors.Is(err, ErrNotImplemented):
		out.Status = StatusNotImplemented
		out.Detail = "no fulfillment service is configured"
	case err != nil:
		out.Status = StatusUnavailable
		out.Detail = "fulfillment service unavailable"
		if s.log != nil {
			s.log.WithContext(ctx).WithError(err).WithField("request_id", req.ID).Error("forward privacy request")
		}
	}

	meta["request_id"] = req.ID
	meta["patient_id"] = req.PatientID
	meta["status"] = string(out.Status)
	s.recorder.Record(ctx, action, meta)
	return out
}

func (s *Service) rejected(ctx context.Context, kind Kind, err error) Outcome {
	code := "invalid"
	var verr *ValidationError
	if errors.As(err, &verr) {
		code = verr.Code
	}
	s.recorder.Record(ctx, audit.ActionPrivacyRequestRejected, audit.Metadata{
		"kind": string(kind),
		"code": code,
	})
	return Outcome{Kind: kind, Status: StatusRejected, Detail: err.Error()}
}
