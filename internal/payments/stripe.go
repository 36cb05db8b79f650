package payments

import (
	"context"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient settles ride payments with manual-capture PaymentIntents: the
// fare is held on accept and captured in full on completion, or partially for
// a cancellation fee.
type StripeClient struct {
	currency string
}

func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	if currency == "" {
		currency = "inr"
	}
	return &StripeClient{currency: strings.ToLower(currency)}
}

// MinorUnits converts a major-unit amount to the integer Stripe expects.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// Hold places a hold for amount and returns the PaymentIntent id.
func (s *StripeClient) Hold(ctx context.Context, amount float64, rideID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(MinorUnits(amount)),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("ride_id", rideID)
	params.SetIdempotencyKey("hold-" + rideID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture takes amount from a held PaymentIntent; the rest is released.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string, amount float64) error {
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(MinorUnits(amount))}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Release cancels the hold.
func (s *StripeClient) Release(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}
