package gateway

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"rent-ledger-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripeSignature_RoundTrip(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	header := SignStripePayload(payload, "whsec_test", time.Now().Add(-time.Minute))

	event, err := ConstructStripeEvent(header, payload, "whsec_test", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
}

func TestStripeSignature_Rejections(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()
	header := SignStripePayload(payload, "whsec_test", now)

	tests := []struct {
		name    string
		header  string
		payload []byte
		secret  string
	}{
		{"wrong secret", header, payload, "whsec_other"},
		{"tampered payload", header, []byte(`{"id":"evt_2"}`), "whsec_test"},
		{"outside tolerance", SignStripePayload(payload, "whsec_test", now.Add(-6*time.Minute)), payload, "whsec_test"},
		{"missing header", "", payload, "whsec_test"},
		{"no v1", fmt.Sprintf("t=%d", now.Unix()), payload, "whsec_test"},
		{"no secret", header, payload, ""},
		{"not json", SignStripePayload([]byte("nope"), "whsec_test", now), []byte("nope"), "whsec_test"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ConstructStripeEvent(tt.header, tt.payload, tt.secret, 5*time.Minute)
			assert.ErrorIs(t, err, store.ErrWebhookVerificationFailed)
		})
	}
}

func TestStripeSignature_AnyV1Matches(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	good := SignStripePayload(payload, "whsec_new", time.Now())
	header := strings.Replace(good, ",v1=", ",v1=deadbeef,v1=", 1)

	_, err := ConstructStripeEvent(header, payload, "whsec_new", 5*time.Minute)
	assert.NoError(t, err)
}

func TestAuthorizeNetSignature(t *testing.T) {
	body := []byte(`{"notificationId":"n1"}`)
	sig := ComputeAuthorizeNetSignature(body, "KEY")

	assert.NoError(t, VerifyAuthorizeNetSignature("sha512="+sig, body, "KEY"))
	assert.NoError(t, VerifyAuthorizeNetSignature("sha512="+strings.ToLower(sig), body, "KEY"))
	assert.NoError(t, VerifyAuthorizeNetSignature(sig, body, "KEY"))

	assert.ErrorIs(t, VerifyAuthorizeNetSignature("sha512="+sig, body, "OTHER"), store.ErrWebhookVerificationFailed)
	assert.ErrorIs(t, VerifyAuthorizeNetSignature("", body, "KEY"), store.ErrWebhookVerificationFailed)
	assert.ErrorIs(t, VerifyAuthorizeNetSignature("sha512="+sig, []byte(`{}`), "KEY"), store.ErrWebhookVerificationFailed)
}
