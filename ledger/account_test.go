package ledger

import (
	"math/big"
	"testing"

	"github.com/the-lightning-land/settled/sdb"
	"github.com/the-lightning-land/settled/store"
)

func newTestAccount(t *testing.T, accounts store.Store, limits *Limits) *Account {
	t.Helper()

	account, err := NewAccount(&Config{
		ID:     "test",
		Limits: limits,
		Store:  accounts,
	})
	if err != nil {
		t.Fatalf("Could not create account: %v", err)
	}

	return account
}

func TestBalanceStaysWithinLimits(t *testing.T) {
	account := newTestAccount(t, store.NewMemStore(), &Limits{
		Minimum:  big.NewInt(0),
		Maximum:  big.NewInt(1000),
		SettleTo: big.NewInt(0),
	})
	defer account.Close()

	if err := account.AddBalance(big.NewInt(500)); err != nil {
		t.Errorf("Expected first debit to succeed; got %v", err)
	}

	if err := account.AddBalance(big.NewInt(500)); err != nil {
		t.Errorf("Expected second debit to succeed; got %v", err)
	}

	err := account.AddBalance(big.NewInt(1))
	if _, ok := err.(sdb.BalanceLimitExceededError); !ok {
		t.Errorf("Expected balance limit exceeded; got %v", err)
	}

	if account.Balance().Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("Expected balance of 1000; got %v", account.Balance())
	}

	err = account.SubBalance(big.NewInt(1001))
	if _, ok := err.(sdb.BalanceLimitExceededError); !ok {
		t.Errorf("Expected balance limit exceeded; got %v", err)
	}

	if account.Balance().Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("Expected balance of 1000; got %v", account.Balance())
	}
}

func TestNegativeAmountIsRejected(t *testing.T) {
	account := newTestAccount(t, store.NewMemStore(), &Limits{
		Minimum:  big.NewInt(0),
		Maximum:  big.NewInt(1000),
		SettleTo: big.NewInt(0),
	})
	defer account.Close()

	if err := account.AddBalance(big.NewInt(-1)); err != sdb.ErrNegativeAmount {
		t.Errorf("Expected negative amount error; got %v", err)
	}

	if err := account.SubBalance(big.NewInt(-1)); err != sdb.ErrNegativeAmount {
		t.Errorf("Expected negative amount error; got %v", err)
	}

	if err := account.AddPayout(big.NewInt(-1)); err != sdb.ErrNegativeAmount {
		t.Errorf("Expected negative amount error; got %v", err)
	}
}

func TestZeroAmountIsNoop(t *testing.T) {
	account := newTestAccount(t, store.NewMemStore(), &Limits{
		Minimum:  big.NewInt(0),
		Maximum:  big.NewInt(0),
		SettleTo: big.NewInt(0),
	})
	defer account.Close()

	if err := account.AddBalance(new(big.Int)); err != nil {
		t.Errorf("Expected zero debit to succeed; got %v", err)
	}

	if account.Balance().Sign() != 0 {
		t.Errorf("Expected balance of 0; got %v", account.Balance())
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	accounts := store.NewMemStore()

	limits := &Limits{
		Minimum:  big.NewInt(-1000),
		Maximum:  big.NewInt(1000),
		SettleTo: big.NewInt(0),
	}

	account := newTestAccount(t, accounts, limits)

	if err := account.AddBalance(big.NewInt(250)); err != nil {
		t.Fatalf("Could not add balance: %v", err)
	}

	if err := account.AddPayout(big.NewInt(42)); err != nil {
		t.Fatalf("Could not add payout: %v", err)
	}

	if err := account.SetPeerIdentity("peer-pk"); err != nil {
		t.Fatalf("Could not set peer identity: %v", err)
	}

	// Close flushes the latest snapshot before returning.
	account.Close()

	restored := newTestAccount(t, accounts, limits)
	defer restored.Close()

	if restored.Balance().Cmp(big.NewInt(250)) != 0 {
		t.Errorf("Expected restored balance of 250; got %v", restored.Balance())
	}

	if restored.Payout().Cmp(big.NewInt(42)) != 0 {
		t.Errorf("Expected restored payout of 42; got %v", restored.Payout())
	}

	if restored.PeerIdentity() != "peer-pk" {
		t.Errorf("Expected restored peer identity of peer-pk; got %v", restored.PeerIdentity())
	}
}

func TestReserveAndRefundSettlement(t *testing.T) {
	account := newTestAccount(t, store.NewMemStore(), &Limits{
		Minimum:         big.NewInt(-200000),
		Maximum:         big.NewInt(1000000),
		SettleTo:        big.NewInt(0),
		SettleThreshold: big.NewInt(-100000),
	})
	defer account.Close()

	if err := account.SubBalance(big.NewInt(150000)); err != nil {
		t.Fatalf("Could not sub balance: %v", err)
	}

	if err := account.AddPayout(big.NewInt(200000)); err != nil {
		t.Fatalf("Could not add payout: %v", err)
	}

	budget := account.ReserveSettlement()
	if budget.Cmp(big.NewInt(150000)) != 0 {
		t.Errorf("Expected budget of 150000; got %v", budget)
	}

	if account.Balance().Sign() != 0 {
		t.Errorf("Expected balance of 0 after reservation; got %v", account.Balance())
	}

	if account.Payout().Cmp(big.NewInt(50000)) != 0 {
		t.Errorf("Expected payout of 50000 after reservation; got %v", account.Payout())
	}

	account.RefundSettlement(budget)

	if account.Balance().Cmp(big.NewInt(-150000)) != 0 {
		t.Errorf("Expected balance of -150000 after refund; got %v", account.Balance())
	}

	if account.Payout().Cmp(big.NewInt(200000)) != 0 {
		t.Errorf("Expected payout of 200000 after refund; got %v", account.Payout())
	}
}

func TestReserveSettlementBoundedByPayout(t *testing.T) {
	account := newTestAccount(t, store.NewMemStore(), &Limits{
		Minimum:         big.NewInt(-200000),
		Maximum:         big.NewInt(1000000),
		SettleTo:        big.NewInt(0),
		SettleThreshold: big.NewInt(-100000),
	})
	defer account.Close()

	if err := account.SubBalance(big.NewInt(150000)); err != nil {
		t.Fatalf("Could not sub balance: %v", err)
	}

	if err := account.AddPayout(big.NewInt(60000)); err != nil {
		t.Fatalf("Could not add payout: %v", err)
	}

	budget := account.ReserveSettlement()
	if budget.Cmp(big.NewInt(60000)) != 0 {
		t.Errorf("Expected budget of 60000; got %v", budget)
	}

	if account.Payout().Sign() != 0 {
		t.Errorf("Expected payout of 0 after reservation; got %v", account.Payout())
	}
}

func TestReserveSettlementWithoutThreshold(t *testing.T) {
	account := newTestAccount(t, store.NewMemStore(), &Limits{
		Minimum:  big.NewInt(-200000),
		Maximum:  big.NewInt(1000000),
		SettleTo: big.NewInt(0),
	})
	defer account.Close()

	if err := account.SubBalance(big.NewInt(150000)); err != nil {
		t.Fatalf("Could not sub balance: %v", err)
	}

	if err := account.AddPayout(big.NewInt(200000)); err != nil {
		t.Fatalf("Could not add payout: %v", err)
	}

	if budget := account.ReserveSettlement(); budget.Sign() != 0 {
		t.Errorf("Expected no reservation without a threshold; got %v", budget)
	}
}

func TestPeerIdentityBindsOnce(t *testing.T) {
	account := newTestAccount(t, store.NewMemStore(), &Limits{
		Minimum:  big.NewInt(0),
		Maximum:  big.NewInt(1000),
		SettleTo: big.NewInt(0),
	})
	defer account.Close()

	if err := account.SetPeerIdentity("peer-pk"); err != nil {
		t.Errorf("Expected first bind to succeed; got %v", err)
	}

	if err := account.SetPeerIdentity("peer-pk"); err != nil {
		t.Errorf("Expected rebinding the same identity to succeed; got %v", err)
	}

	err := account.SetPeerIdentity("other-pk")
	if _, ok := err.(sdb.PeerIdentityMismatchError); !ok {
		t.Errorf("Expected peer identity mismatch; got %v", err)
	}

	if account.PeerIdentity() != "peer-pk" {
		t.Errorf("Expected bound identity of peer-pk; got %v", account.PeerIdentity())
	}
}

func TestLimitsValidation(t *testing.T) {
	invalid := &Limits{
		Minimum:  big.NewInt(1000),
		Maximum:  big.NewInt(-1000),
		SettleTo: big.NewInt(0),
	}

	if err := invalid.Validate(); err == nil {
		t.Errorf("Expected inverted limits to be rejected")
	}

	_, err := NewAccount(&Config{
		ID:     "test",
		Limits: invalid,
		Store:  store.NewMemStore(),
	})
	if err == nil {
		t.Errorf("Expected account construction to fail on invalid limits")
	}
}
