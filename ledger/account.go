package ledger

import (
	"encoding/json"
	"math/big"
	"sync"

	"github.com/go-errors/errors"
	"github.com/the-lightning-land/settled/sdb"
	"github.com/the-lightning-land/settled/store"
)

// Account tracks the signed balance of one counterparty and enforces the
// configured bounds on every mutation. All mutations are check-then-commit
// under a single lock, so no caller can observe an intermediate state.
// Every committed mutation schedules one persistence write; writes are
// applied in order by a background writer and callers never wait on
// durability.
type Account struct {
	id     sdb.AccountID
	limits *Limits
	store  store.Store
	logger Logger

	mu           sync.Mutex
	balance      *big.Int
	payout       *big.Int
	peerIdentity sdb.PubKey
	pending      *sdb.AccountSnapshot

	dirty chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

type Config struct {
	ID     sdb.AccountID
	Limits *Limits
	Store  store.Store
	Logger Logger
}

// NewAccount creates an account, restoring any state persisted under its
// id. A missing key means a fresh account with a zero balance.
func NewAccount(config *Config) (*Account, error) {
	if err := config.Limits.Validate(); err != nil {
		return nil, errors.Errorf("Could not validate limits: %v", err)
	}

	account := &Account{
		id:      config.ID,
		limits:  config.Limits,
		store:   config.Store,
		logger:  noopLogger{},
		balance: new(big.Int),
		payout:  new(big.Int),
		dirty:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	if config.Logger != nil {
		account.logger = config.Logger
	}

	value, err := config.Store.Get(account.key())
	if err == nil {
		var snapshot sdb.AccountSnapshot
		if err := json.Unmarshal([]byte(value), &snapshot); err != nil {
			return nil, errors.Errorf("Could not restore account %v: %v", account.id, err)
		}

		account.balance = snapshot.Balance
		account.payout = snapshot.PayoutAmount
		account.peerIdentity = snapshot.PeerIdentity

		account.logger.Debugf("Restored account %v with balance %v", account.id, account.balance)
	} else if err != store.ErrNotFound {
		return nil, errors.Errorf("Could not load account %v: %v", account.id, err)
	}

	account.wg.Add(1)
	go account.writeLoop()

	return account, nil
}

func (a *Account) ID() sdb.AccountID {
	return a.id
}

// Balance returns a copy of the current balance.
func (a *Account) Balance() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return new(big.Int).Set(a.balance)
}

// Payout returns a copy of the amount owed to the peer for fulfilled
// outbound requests not yet settled.
func (a *Account) Payout() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return new(big.Int).Set(a.payout)
}

// PeerIdentity returns the bound payment rail identity of the peer, or an
// empty key if the peering handshake hasn't bound one yet.
func (a *Account) PeerIdentity() sdb.PubKey {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.peerIdentity
}

// AddBalance increases the balance, failing without any effect if the
// maximum would be exceeded. A zero amount is a no-op.
func (a *Account) AddBalance(amount *big.Int) error {
	if amount.Sign() < 0 {
		return sdb.ErrNegativeAmount
	}

	if amount.Sign() == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	next := new(big.Int).Add(a.balance, amount)
	if next.Cmp(a.limits.Maximum) > 0 {
		return sdb.BalanceLimitExceededError{
			Account: a.id,
			Balance: new(big.Int).Set(a.balance),
			Amount:  new(big.Int).Set(amount),
			Limit:   new(big.Int).Set(a.limits.Maximum),
		}
	}

	a.balance = next
	a.persistLocked()

	return nil
}

// SubBalance decreases the balance, failing without any effect if it
// would drop below the minimum. A zero amount is a no-op.
func (a *Account) SubBalance(amount *big.Int) error {
	if amount.Sign() < 0 {
		return sdb.ErrNegativeAmount
	}

	if amount.Sign() == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	next := new(big.Int).Sub(a.balance, amount)
	if next.Cmp(a.limits.Minimum) < 0 {
		return sdb.BalanceLimitExceededError{
			Account: a.id,
			Balance: new(big.Int).Set(a.balance),
			Amount:  new(big.Int).Set(amount),
			Limit:   new(big.Int).Set(a.limits.Minimum),
		}
	}

	a.balance = next
	a.persistLocked()

	return nil
}

// AddPayout accrues an amount owed to the peer for a fulfilled outbound
// request.
func (a *Account) AddPayout(amount *big.Int) error {
	if amount.Sign() < 0 {
		return sdb.ErrNegativeAmount
	}

	if amount.Sign() == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.payout = new(big.Int).Add(a.payout, amount)
	a.persistLocked()

	return nil
}

// ReserveSettlement atomically claims the budget for one settlement
// attempt: max(0, min(settleTo − balance, payoutAmount)). The balance is
// credited and the payout debited before this returns, so a concurrent
// reservation can never claim the same budget twice. A zero return means
// there is nothing to settle.
func (a *Account) ReserveSettlement() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()

	zero := new(big.Int)

	if a.limits.SettleThreshold == nil {
		return zero
	}

	if a.balance.Cmp(a.limits.SettleThreshold) >= 0 {
		return zero
	}

	if a.payout.Sign() <= 0 {
		return zero
	}

	budget := new(big.Int).Sub(a.limits.SettleTo, a.balance)
	if budget.Cmp(a.payout) > 0 {
		budget.Set(a.payout)
	}

	if budget.Sign() <= 0 {
		return zero
	}

	a.balance = new(big.Int).Add(a.balance, budget)
	a.payout = new(big.Int).Sub(a.payout, budget)
	a.persistLocked()

	return budget
}

// RefundSettlement reverts a reservation after a failed settlement
// attempt. It is the exact inverse of ReserveSettlement and is applied
// unconditionally, even if the account has been evicted in the meantime.
func (a *Account) RefundSettlement(budget *big.Int) {
	if budget.Sign() <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.balance = new(big.Int).Sub(a.balance, budget)
	a.payout = new(big.Int).Add(a.payout, budget)
	a.persistLocked()
}

// SetPeerIdentity binds the peer's payment rail identity. It can be bound
// at most once per session; a later mismatch is an error, never a silent
// overwrite.
func (a *Account) SetPeerIdentity(identity sdb.PubKey) error {
	if identity == "" {
		return errors.New("Peer identity must not be empty")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.peerIdentity == identity {
		return nil
	}

	if a.peerIdentity != "" {
		return sdb.PeerIdentityMismatchError{Bound: a.peerIdentity, Got: identity}
	}

	a.peerIdentity = identity
	a.persistLocked()

	return nil
}

// Close stops the persistence writer after flushing the latest snapshot.
// The persisted state survives and is restored on the next NewAccount.
func (a *Account) Close() {
	close(a.done)
	a.wg.Wait()
}

func (a *Account) key() string {
	return string(a.id) + ":account"
}

// persistLocked snapshots the current state for the background writer.
// Snapshots are absolute, so a newer one supersedes any not yet written.
func (a *Account) persistLocked() {
	a.pending = &sdb.AccountSnapshot{
		Balance:      new(big.Int).Set(a.balance),
		PayoutAmount: new(big.Int).Set(a.payout),
		PeerIdentity: a.peerIdentity,
	}

	select {
	case <-a.done:
		// The writer is gone after eviction, but a late reversion from an
		// in-flight settlement must still reach the store.
		go a.flush()
	default:
		select {
		case a.dirty <- struct{}{}:
		default:
		}
	}
}

func (a *Account) writeLoop() {
	defer a.wg.Done()

	for {
		select {
		case <-a.dirty:
			a.flush()
		case <-a.done:
			a.flush()
			return
		}
	}
}

func (a *Account) flush() {
	a.mu.Lock()
	snapshot := a.pending
	a.pending = nil
	a.mu.Unlock()

	if snapshot == nil {
		return
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		a.logger.Errorf("Could not encode account %v: %v", a.id, err)
		return
	}

	if err := a.store.Put(a.key(), string(data)); err != nil {
		a.logger.Errorf("Could not persist account %v: %v", a.id, err)
	}
}
