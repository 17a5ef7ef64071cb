package sdb

import (
	"fmt"
	"math/big"

	"github.com/go-errors/errors"
)

// BalanceLimitExceededError is returned by a ledger mutation that would
// push the balance outside its configured bounds. The balance is left
// untouched.
type BalanceLimitExceededError struct {
	Account AccountID
	Balance *big.Int
	Amount  *big.Int
	Limit   *big.Int
}

func (err BalanceLimitExceededError) Error() string {
	return fmt.Sprintf("Balance limit exceeded for account %v: balance %v, amount %v, limit %v",
		err.Account, err.Balance, err.Amount, err.Limit)
}

// PeerIdentityMismatchError is returned when a peer presents a payment
// rail identity different from the one bound earlier in the session.
type PeerIdentityMismatchError struct {
	Bound PubKey
	Got   PubKey
}

func (err PeerIdentityMismatchError) Error() string {
	return fmt.Sprintf("Peer identity %v does not match bound identity %v", err.Got, err.Bound)
}

// MalformedSnapshotError is returned when a persisted account snapshot
// cannot be decoded.
type MalformedSnapshotError struct {
	Field string
	Value string
}

func (err MalformedSnapshotError) Error() string {
	return fmt.Sprintf("Malformed account snapshot field %v: %q", err.Field, err.Value)
}

// amount passed to a ledger mutation was negative
var ErrNegativeAmount = errors.New("Amount must not be negative")

// no queued incoming invoice is left to settle with
var ErrNoInvoiceAvailable = errors.New("No invoice available")

// peer offered an invoice with a fixed amount
var ErrInvoiceAmountFixed = errors.New("Invoice must accept an arbitrary amount")

// peer offered an invoice without a payment hash
var ErrMissingPaymentHash = errors.New("Invoice has no payment hash")

// peer identity was used before the peering handshake bound it
var ErrNoPeerIdentity = errors.New("No peer identity bound yet")

// invoice is already paid
var ErrInvoiceAlreadyPaid = errors.New("Invoice is already paid")
