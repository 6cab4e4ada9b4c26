package api

import (
	"time"

	"github.com/hackgods/patient-flow-orchestrator/internal/notify"
	"github.com/hackgods/patient-flow-orchestrator/internal/queue"
)

type CheckInRequest struct {
	Source          string `json:"source"`
	PatientID       string `json:"patient_id"`
	AppointmentID   string `json:"appointment_id"`
	KioskID         string `json:"kiosk_id"`
	DeviceTimestamp int64  `json:"device_timestamp"`
}

type CheckInResponse struct {
	AppointmentID        string `json:"appointment_id"`
	DoctorID             string `json:"doctor_id"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int64  `json:"estimated_wait_seconds"`
	Priority             string `json:"priority"`
	PointsAwarded        int    `json:"points_awarded"`
}

type QueueEntryResponse struct {
	AppointmentID string     `json:"appointment_id"`
	DoctorID      string     `json:"doctor_id"`
	State         string     `json:"state"`
	Position      int        `json:"position"`
	Priority      string     `json:"priority"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
}

func entryResponse(e queue.Entry) QueueEntryResponse {
	resp := QueueEntryResponse{
		AppointmentID: e.AppointmentID,
		DoctorID:      e.DoctorID,
		State:         string(e.State),
		Position:      e.Position,
		Priority:      string(e.Priority),
		EnqueuedAt:    e.EnqueuedAt,
	}
	if !e.StartedAt.IsZero() {
		started := e.StartedAt
		resp.StartedAt = &started
	}
	return resp
}

type SnapshotItemResponse struct {
	AppointmentID        string `json:"appointment_id"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int64  `json:"estimated_wait_seconds"`
	Priority             string `json:"priority"`
}

type SnapshotResponse struct {
	DoctorID string                 `json:"doctor_id"`
	Entries  []SnapshotItemResponse `json:"entries"`
}

type StatsResponse struct {
	DoctorID                   string `json:"doctor_id"`
	Waiting                    int    `json:"waiting"`
	InProgress                 int    `json:"in_progress"`
	Completed                  int    `json:"completed"`
	Cancelled                  int    `json:"cancelled"`
	AverageConsultationSeconds int64  `json:"average_consultation_seconds"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type LabResultRequest struct {
	ResultDigest string `json:"result_digest"`
}

type NotificationResponse struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	AppointmentID string    `json:"appointment_id"`
	ScheduledFor  time.Time `json:"scheduled_for"`
	Status        string    `json:"status"`
}

func notificationResponse(n notify.Notification) NotificationResponse {
	return NotificationResponse{
		ID:            n.ID,
		Kind:          string(n.Kind),
		AppointmentID: n.AppointmentID,
		ScheduledFor:  n.ScheduledFor,
		Status:        string(n.Status),
	}
}

type ExportRequest struct {
	PatientID string `json:"patient_id"`
	Format    string `json:"format"`
}

type ErasureRequest struct {
	PatientID string `json:"patient_id"`
	Reason    string `json:"reason"`
}

type PrivacyResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
