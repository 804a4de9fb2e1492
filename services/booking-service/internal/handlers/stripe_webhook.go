package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// StripeWebhook confirms pending appointments whose PaymentIntent settled after the booking
// request returned. Signature verification is the auth.
func (h *BookingHandler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if strings.TrimSpace(h.cfg.StripeWebhookSecret) == "" {
		http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.cfg.StripeWebhookSecret, h.cfg.StripeWebhookTolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	if string(evt.Type) != "payment_intent.succeeded" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	var pi stripe.PaymentIntent
	if evt.Data == nil || json.Unmarshal(evt.Data.Raw, &pi) != nil {
		http.Error(w, "invalid payment intent payload", http.StatusBadRequest)
		return
	}
	appointmentID := strings.TrimSpace(pi.Metadata["appointment_id"])
	if appointmentID == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	appt, err := h.svc.ConfirmAppointment(r.Context(), appointmentID, pi.ID)
	switch {
	case err == nil:
		h.logger.Info("appointment confirmed by payment webhook", "appointment_id", appt.ID, "provider_event_id", evt.ID)
		writeJSON(w, http.StatusOK, map[string]string{"status": string(appt.Status)})
	case errors.Is(err, apperr.ErrInvalidTransition), errors.Is(err, apperr.ErrPaymentDeclined), errors.Is(err, apperr.ErrNotFound):
		// Money moved but there is no booking to attach it to; a refund has to be issued by hand.
		h.logger.Error("payment succeeded for an appointment that cannot be confirmed",
			"alert", true,
			"appointment_id", appointmentID,
			"payment_intent", pi.ID,
			"provider_event_id", evt.ID,
			"err", err,
		)
		writeJSON(w, http.StatusOK, map[string]string{"status": "unmatched"})
	default:
		// Non-2xx makes Stripe redeliver.
		writeError(w, h.logger, r, err)
	}
}
