// Package payment decides whether a pending appointment may be confirmed.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
)

// Gate is a blocking external authorization. Authorize returns nil, apperr.ErrPaymentDeclined
// or apperr.ErrPaymentUnavailable (possibly wrapped).
type Gate interface {
	Authorize(ctx context.Context, appt model.Appointment) error
}

// Noop authorizes everything; used when no payment provider is configured.
type Noop struct{}

func (Noop) Authorize(context.Context, model.Appointment) error { return nil }

type intentGetter interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGate treats Appointment.PaymentRef as a PaymentIntent id created by the client.
type StripeGate struct {
	intents intentGetter
}

func NewStripeGate(secretKey string) *StripeGate {
	return &StripeGate{intents: &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}}
}

func (g *StripeGate) Authorize(ctx context.Context, appt model.Appointment) error {
	ref := strings.TrimSpace(appt.PaymentRef)
	if ref == "" {
		return fmt.Errorf("%w: payment_ref is required", apperr.ErrPaymentDeclined)
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.intents.Get(ref, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode >= http.StatusBadRequest && se.HTTPStatusCode < http.StatusInternalServerError && se.HTTPStatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s", apperr.ErrPaymentDeclined, se.Msg)
		}
		return fmt.Errorf("%w: %v", apperr.ErrPaymentUnavailable, err)
	}
	if owner := pi.Metadata["client_id"]; owner != "" && owner != appt.ClientID {
		return fmt.Errorf("%w: payment intent belongs to another client", apperr.ErrPaymentDeclined)
	}
	return Decide(pi.Status)
}

// Decide maps a PaymentIntent status onto the gate outcome.
func Decide(status stripe.PaymentIntentStatus) error {
	switch status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
		return nil
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		return fmt.Errorf("%w: intent %s", apperr.ErrPaymentDeclined, status)
	default:
		// processing, requires_action, requires_confirmation: not settled yet.
		return fmt.Errorf("%w: intent %s", apperr.ErrPaymentUnavailable, status)
	}
}
