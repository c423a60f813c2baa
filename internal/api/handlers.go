package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/appointment-reassignment/internal/consent"
	"github.com/hackgods/appointment-reassignment/internal/records"
	"github.com/hackgods/appointment-reassignment/internal/workflow"
)

func unavailabilityHandler(wf Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UnavailabilityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		audit, err := wf.Run(r.Context(), workflow.Event{
			ProviderID: strings.TrimSpace(req.ProviderID),
			StartDate:  strings.TrimSpace(req.StartDate),
			EndDate:    strings.TrimSpace(req.EndDate),
			Reason:     req.Reason,
		})
		if err != nil {
			handleRunError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, audit)
	}
}

func acceptHandler(wf Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appt, err := wf.Accept(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			handleAppointmentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func declineHandler(wf Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := wf.HandleDecline(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			handleAppointmentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func cancelHandler(wf Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CancelRequest
		// the body is optional
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
		}

		out, err := wf.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
		if err != nil {
			handleAppointmentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func offerResponseHandler(offers OfferResponder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if offers == nil {
			writeError(w, http.StatusServiceUnavailable, "offers_disabled", "no offer response channel is configured")
			return
		}

		var req OfferResponseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if strings.TrimSpace(req.Response) == "" {
			writeError(w, http.StatusBadRequest, "invalid_response", "response is required")
			return
		}

		offerID := chi.URLParam(r, "id")
		if err := offers.Publish(r.Context(), offerID, req.Response); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, OfferResponseAccepted{
			OfferID:  offerID,
			Response: string(consent.Interpret(req.Response)),
		})
	}
}

func listWaitlistHandler(store records.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := records.WaitlistFilter{
			PatientID:   q.Get("patient_id"),
			WillingOnly: q.Get("willing") == "true",
		}
		if raw := q.Get("min_risk"); raw != "" {
			risk, err := strconv.ParseFloat(raw, 64)
			if err != nil || risk < 0 || risk > 1 {
				writeError(w, http.StatusBadRequest, "invalid_min_risk", "min_risk must be a number in 0..1")
				return
			}
			f.MinRisk = risk
		}

		entries, err := store.ListWaitlist(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		if entries == nil {
			entries = []records.WaitlistEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func backfillMetricsHandler(stats BackfillStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := stats.Metrics(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
	case errors.Is(err, records.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, workflow.ErrRunInProgress):
		writeError(w, http.StatusConflict, "run_in_progress", "a run for this provider is already in progress, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleAppointmentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, records.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, records.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, records.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, workflow.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, workflow.ErrBookingCommit):
		writeError(w, http.StatusBadGateway, "booking_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
