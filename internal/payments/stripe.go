package payments

import (
	"context"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient places manual-capture PaymentIntents as fare holds: held
// while a booking is pending, captured on confirmation, cancelled on
// failure or cancellation.
type StripeClient struct {
	currency string
}

// NewStripeClient sets the package-level stripe key. currency defaults to inr.
func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	if currency == "" {
		currency = "inr"
	}
	return &StripeClient{currency: currency}
}

// MinorUnits converts a fare to the smallest currency unit.
func MinorUnits(fare float64) int64 {
	return int64(math.Round(fare * 100))
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// ref doubles as the idempotency key so a retried hold is not duplicated.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, fare float64, ref string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(MinorUnits(fare)),
		Currency: stripe.String(s.currency),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	if ref != "" {
		params.SetIdempotencyKey("hold-" + ref)
		params.AddMetadata("booking_request", ref)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, holdID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(holdID, params)
	return err
}

// Release cancels the hold on a PaymentIntent.
func (s *StripeClient) Release(ctx context.Context, holdID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(holdID, params)
	return err
}
