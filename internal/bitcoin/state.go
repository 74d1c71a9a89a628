package bitcoin

import (
	"fmt"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"
)

// Policy is the per-wallet acceptance rule.
type Policy struct {
	RequiredConfirmations int
	ToleranceSatoshis     int64
}

func PolicyFor(wallet *models.BitcoinWallet) Policy {
	p := Policy{RequiredConfirmations: wallet.RequiredConfirmations, ToleranceSatoshis: wallet.ToleranceSatoshis}
	if p.RequiredConfirmations <= 0 {
		p.RequiredConfirmations = 1
	}
	if p.ToleranceSatoshis < 0 {
		p.ToleranceSatoshis = 0
	}
	return p
}

// Transition is the outcome of evaluating one observation.
type Transition struct {
	Update store.BitcoinStateUpdate
	// Anomaly is the kind to record, empty when none.
	Anomaly string
	Details string
	changed bool
}

func (t Transition) From() string { return t.Update.FromStatus }
func (t Transition) To() string   { return t.Update.ToStatus }

// Changed reports whether anything must be written back.
func (t Transition) Changed() bool { return t.changed }

// StatusChanged reports whether the status moves.
func (t Transition) StatusChanged() bool { return t.Update.FromStatus != t.Update.ToStatus }

// Evaluate is the payment state machine. It has no side effects.
//
//	pending|mempool-seen|underpaid|overpaid -> confirmed  enough confirmations, amount not short
//	pending -> mempool-seen|underpaid|overpaid             tx seen, by amount against tolerance
//	pending|underpaid -> expired                           expiry passed without a qualifying amount
//	confirmed, expired                                     terminal
//
// A payment whose transaction arrived in full before expiry keeps waiting for
// confirmations after the expiry passes.
func Evaluate(p models.BitcoinPayment, obs Observation, now time.Time, policy Policy) Transition {
	now = now.UTC()
	t := Transition{Update: store.BitcoinStateUpdate{
		Id:               p.Id,
		FromStatus:       p.Status,
		ToStatus:         p.Status,
		ReceivedSatoshis: obs.ReceivedSatoshis,
		Confirmations:    obs.Confirmations,
		TxId:             p.TxId,
		MempoolSeenAt:    p.MempoolSeenAt,
		ConfirmedAt:      p.ConfirmedAt,
	}}
	if obs.TxId != "" {
		t.Update.TxId = obs.TxId
	}

	switch p.Status {
	case models.BitcoinConfirmed:
		t.Update.ReceivedSatoshis = p.ReceivedSatoshis
		t.Update.Confirmations = p.Confirmations
		t.Update.TxId = p.TxId
		return t
	case models.BitcoinExpired:
		if obs.Seen() {
			t.Anomaly = models.AnomalyLatePayment
			t.Details = fmt.Sprintf("%d sats received at %s after expiry at %s (txid %s)",
				obs.ReceivedSatoshis, p.Address, p.ExpiresAt.UTC().Format(time.RFC3339), t.Update.TxId)
		}
		t.changed = observationChanged(p, t.Update)
		return t
	}

	expired := !now.Before(p.ExpiresAt)

	if !obs.Seen() {
		if expired {
			t.Update.ToStatus = models.BitcoinExpired
		}
		t.changed = t.StatusChanged() || observationChanged(p, t.Update)
		return t
	}

	if t.Update.MempoolSeenAt == nil {
		seen := now
		t.Update.MempoolSeenAt = &seen
	}

	amountStatus := models.BitcoinMempoolSeen
	switch diff := obs.ReceivedSatoshis - p.ExpectedSatoshis; {
	case diff < -policy.ToleranceSatoshis:
		amountStatus = models.BitcoinUnderpaid
	case diff > policy.ToleranceSatoshis:
		amountStatus = models.BitcoinOverpaid
	}

	switch {
	case amountStatus != models.BitcoinUnderpaid && obs.Confirmations >= policy.RequiredConfirmations:
		t.Update.ToStatus = models.BitcoinConfirmed
		confirmedAt := now
		t.Update.ConfirmedAt = &confirmedAt
		if amountStatus == models.BitcoinOverpaid {
			t.Anomaly = models.AnomalyOverpaid
			t.Details = fmt.Sprintf("received %d sats, expected %d", obs.ReceivedSatoshis, p.ExpectedSatoshis)
		}
	case amountStatus == models.BitcoinUnderpaid && expired:
		t.Update.ToStatus = models.BitcoinExpired
		t.Anomaly = models.AnomalyUnderpaidExpired
		t.Details = fmt.Sprintf("received %d sats of %d before expiry", obs.ReceivedSatoshis, p.ExpectedSatoshis)
	default:
		t.Update.ToStatus = amountStatus
	}

	t.changed = t.StatusChanged() || observationChanged(p, t.Update)
	return t
}

func observationChanged(p models.BitcoinPayment, u store.BitcoinStateUpdate) bool {
	return p.ReceivedSatoshis != u.ReceivedSatoshis ||
		p.Confirmations != u.Confirmations ||
		p.TxId != u.TxId ||
		(p.MempoolSeenAt == nil) != (u.MempoolSeenAt == nil)
}
