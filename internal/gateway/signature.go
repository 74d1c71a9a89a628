package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"rent-ledger-go/internal/store"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	anetSignatureHeader   = "X-Anet-Signature"
)

// SignStripePayload produces a Stripe-Signature header value.
func SignStripePayload(payload []byte, secret string, at time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	}).Header
}

// ConstructStripeEvent checks every v1 signature in header against payload,
// rejects signatures older than tolerance and decodes the event.
func ConstructStripeEvent(header string, payload []byte, secret string, tolerance time.Duration) (stripe.Event, error) {
	if secret == "" {
		return stripe.Event{}, fmt.Errorf("%w: webhook secret not configured", store.ErrWebhookVerificationFailed)
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	event, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", store.ErrWebhookVerificationFailed, err)
	}
	return event, nil
}

// ComputeAuthorizeNetSignature is the upper-case hex HMAC-SHA512 of body.
func ComputeAuthorizeNetSignature(body []byte, signatureKey string) string {
	mac := hmac.New(sha512.New, []byte(signatureKey))
	mac.Write(body)
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// VerifyAuthorizeNetSignature checks an X-Anet-Signature header ("sha512=<hex>").
// The hex comparison is case-insensitive.
func VerifyAuthorizeNetSignature(header string, body []byte, signatureKey string) error {
	if signatureKey == "" {
		return fmt.Errorf("%w: signature key not configured", store.ErrWebhookVerificationFailed)
	}
	if header == "" {
		return fmt.Errorf("%w: missing %s header", store.ErrWebhookVerificationFailed, anetSignatureHeader)
	}
	received := header
	if len(received) > 7 && strings.EqualFold(received[:7], "sha512=") {
		received = received[7:]
	}

	expected := ComputeAuthorizeNetSignature(body, signatureKey)
	if !hmac.Equal([]byte(expected), []byte(strings.ToUpper(received))) {
		return fmt.Errorf("%w: signature mismatch", store.ErrWebhookVerificationFailed)
	}
	return nil
}
