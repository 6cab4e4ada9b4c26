package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/patient-flow-orchestrator/internal/appointment"
	"github.com/hackgods/patient-flow-orchestrator/internal/checkin"
	"github.com/hackgods/patient-flow-orchestrator/internal/notify"
	"github.com/hackgods/patient-flow-orchestrator/internal/orchestrator"
	"github.com/hackgods/patient-flow-orchestrator/internal/privacy"
	"github.com/hackgods/patient-flow-orchestrator/internal/queue"
)

type handlers struct {
	orch *orchestrator.Orchestrator
	log  *logrus.Entry
}

func (h *handlers) checkIn(w http.ResponseWriter, r *http.Request) {
	var req CheckInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	res, err := h.orch.CheckIn(r.Context(), checkin.Event{
		Source:          checkin.Source(strings.ToUpper(strings.TrimSpace(req.Source))),
		PatientID:       req.PatientID,
		AppointmentID:   req.AppointmentID,
		KioskID:         req.KioskID,
		DeviceTimestamp: req.DeviceTimestamp,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, CheckInResponse{
		AppointmentID:        res.AppointmentID,
		DoctorID:             res.DoctorID,
		Position:             res.Position,
		EstimatedWaitSeconds: seconds(res.EstimatedWait),
		Priority:             string(res.Priority),
		PointsAwarded:        res.PointsAwarded,
	})
}

func (h *handlers) callNext(w http.ResponseWriter, r *http.Request) {
	e, ok := h.orch.CallNext(r.Context(), chi.URLParam(r, "doctorID"))
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, entryResponse(e))
}

func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	e, err := h.orch.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entryResponse(e))
}

func (h *handlers) complete(w http.ResponseWriter, r *http.Request) {
	e, err := h.orch.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entryResponse(e))
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
	}
	e, err := h.orch.Cancel(r.Context(), chi.URLParam(r, "id"), orchestrator.ParseCancelReason(req.Reason))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entryResponse(e))
}

func (h *handlers) scheduleReminder(w http.ResponseWriter, r *http.Request) {
	n, err := h.orch.ScheduleReminder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, notificationResponse(n))
}

func (h *handlers) labResult(w http.ResponseWriter, r *http.Request) {
	var req LabResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ResultDigest == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "result_digest is required")
		return
	}
	n, err := h.orch.NotifyLabResult(r.Context(), chi.URLParam(r, "id"), req.ResultDigest)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, notificationResponse(n))
}

func (h *handlers) notifications(w http.ResponseWriter, r *http.Request) {
	pending := h.orch.PendingNotifications(chi.URLParam(r, "id"))
	resp := make([]NotificationResponse, 0, len(pending))
	for _, n := range pending {
		resp = append(resp, notificationResponse(n))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	doctorID := chi.URLParam(r, "doctorID")
	items := h.orch.QueueSnapshot(r.Context(), doctorID)
	resp := SnapshotResponse{DoctorID: doctorID, Entries: make([]SnapshotItemResponse, 0, len(items))}
	for _, it := range items {
		resp.Entries = append(resp.Entries, SnapshotItemResponse{
			AppointmentID:        it.AppointmentID,
			Position:             it.Position,
			EstimatedWaitSeconds: seconds(it.EstimatedWait),
			Priority:             string(it.Priority),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	st := h.orch.Stats(r.Context(), chi.URLParam(r, "doctorID"))
	writeJSON(w, http.StatusOK, StatsResponse{
		DoctorID:                   st.DoctorID,
		Waiting:                    st.Waiting,
		InProgress:                 st.InProgress,
		Completed:                  st.Completed,
		Cancelled:                  st.Cancelled,
		AverageConsultationSeconds: seconds(st.AverageConsultation),
	})
}

func (h *handlers) requestExport(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	writePrivacyOutcome(w, h.orch.RequestExport(r.Context(), req.PatientID, req.Format))
}

func (h *handlers) requestErasure(w http.ResponseWriter, r *http.Request) {
	var req ErasureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	writePrivacyOutcome(w, h.orch.RequestErasure(r.Context(), req.PatientID, req.Reason))
}

func writePrivacyOutcome(w http.ResponseWriter, out privacy.Outcome) {
	status := http.StatusAccepted
	switch out.Status {
	case privacy.StatusRejected:
		status = http.StatusBadRequest
	case privacy.StatusNotImplemented:
		status = http.StatusNotImplemented
	case privacy.StatusUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, PrivacyResponse{
		RequestID: out.RequestID,
		Kind:      string(out.Kind),
		Status:    string(out.Status),
		Detail:    out.Detail,
	})
}

func (h *handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if reason, ok := checkin.ReasonOf(err); ok {
		switch reason {
		case checkin.ReasonMalformedEvent:
			writeError(w, http.StatusBadRequest, string(reason), err.Error())
		case checkin.ReasonUnknownAppointment:
			writeError(w, http.StatusNotFound, string(reason), err.Error())
		default:
			writeError(w, http.StatusConflict, string(reason), err.Error())
		}
		return
	}

	switch {
	case errors.Is(err, appointment.ErrAppointmentNotFound),
		errors.Is(err, queue.ErrNotQueued):
		writeError(w, http.StatusNotFound, "unknown_appointment", err.Error())
	case errors.Is(err, queue.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, queue.ErrAlreadyQueued):
		writeError(w, http.StatusConflict, "already_queued", err.Error())
	case errors.Is(err, notify.ErrInvalidLeadTime),
		errors.Is(err, notify.ErrMissingAppointment):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		h.log.WithContext(r.Context()).WithError(err).WithField("request_id", GetRequestID(r.Context())).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
