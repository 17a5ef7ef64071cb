package sdb

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"
)

type PubKey string

// AccountID is the stable per-peer identifier all ledger and store state
// is keyed by.
type AccountID string

// NewAccountID derives an account id from a peer's routing address.
// Every character outside [A-Za-z0-9._-] is mapped to '-' so the id stays
// usable as a store key prefix.
func NewAccountID(address string) AccountID {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, address)

	return AccountID(id)
}

// Invoice is a payment instruction this node issued for its peer.
type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Timestamp      int64
	Expiry         int64
}

// ExpiresAt returns the instant after which the invoice can no longer be paid.
func (i *Invoice) ExpiresAt() time.Time {
	return time.Unix(i.Timestamp+i.Expiry, 0)
}

// IncomingInvoice is a payment instruction the peer issued for this node.
type IncomingInvoice struct {
	PaymentRequest string
	PaymentHash    string
	Destination    PubKey
	NumSatoshis    int64
	Timestamp      int64
	Expiry         int64
}

func (i *IncomingInvoice) ExpiresAt() time.Time {
	return time.Unix(i.Timestamp+i.Expiry, 0)
}

// Settlement is one item of the payment rail's settlement feed.
type Settlement struct {
	PaymentRequest string
	Settled        bool
	AmtPaidSat     int64
}

// AccountSnapshot is the persisted state of one ledger account.
type AccountSnapshot struct {
	Balance      *big.Int
	PayoutAmount *big.Int
	PeerIdentity PubKey
}

type accountSnapshotJSON struct {
	Balance      string `json:"balance"`
	PayoutAmount string `json:"payoutAmount"`
	PeerIdentity string `json:"peerIdentity,omitempty"`
}

func (s *AccountSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(&accountSnapshotJSON{
		Balance:      s.Balance.String(),
		PayoutAmount: s.PayoutAmount.String(),
		PeerIdentity: string(s.PeerIdentity),
	})
}

func (s *AccountSnapshot) UnmarshalJSON(data []byte) error {
	var raw accountSnapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	balance, ok := new(big.Int).SetString(raw.Balance, 10)
	if !ok {
		return MalformedSnapshotError{Field: "balance", Value: raw.Balance}
	}

	payout, ok := new(big.Int).SetString(raw.PayoutAmount, 10)
	if !ok {
		return MalformedSnapshotError{Field: "payoutAmount", Value: raw.PayoutAmount}
	}

	s.Balance = balance
	s.PayoutAmount = payout
	s.PeerIdentity = PubKey(raw.PeerIdentity)

	return nil
}
