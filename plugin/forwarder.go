package plugin

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/the-lightning-land/settled/ledger"
	"github.com/the-lightning-land/settled/sdb"
)

// Forwarder runs the packet state machine for one account: it takes the
// balance debit at receipt, races the registered handler against the
// packet's expiry and settles the ledger according to the terminal
// outcome.
type Forwarder struct {
	account         *ledger.Account
	settler         *Settler
	maxPacketAmount uint64
	handler         func(ctx context.Context, prepare *sdb.Prepare) sdb.Reply
	logger          Logger
}

type ForwarderConfig struct {
	Account         *ledger.Account
	Settler         *Settler
	MaxPacketAmount uint64
	Handler         func(ctx context.Context, prepare *sdb.Prepare) sdb.Reply
	Logger          Logger
}

func NewForwarder(config *ForwarderConfig) *Forwarder {
	forwarder := &Forwarder{
		account:         config.Account,
		settler:         config.Settler,
		maxPacketAmount: config.MaxPacketAmount,
		handler:         config.Handler,
		logger:          noopLogger{},
	}

	if config.Logger != nil {
		forwarder.logger = config.Logger
	}

	return forwarder
}

// Forward handles a value-bearing request the peer sent us and returns
// its terminal outcome. The ledger entry taken at receipt is reverted on
// any rejection, including the synthesized timeout.
func (f *Forwarder) Forward(ctx context.Context, prepare *sdb.Prepare) sdb.Reply {
	if prepare.Amount > f.maxPacketAmount {
		return &sdb.Reject{
			Code:    sdb.CodeAmountTooLarge,
			Message: fmt.Sprintf("Packet amount %v exceeds maximum of %v", prepare.Amount, f.maxPacketAmount),
		}
	}

	amount := new(big.Int).SetUint64(prepare.Amount)

	if err := f.account.AddBalance(amount); err != nil {
		f.logger.Debugf("Could not debit account %v: %v", f.account.ID(), err)

		return &sdb.Reject{
			Code:    sdb.CodeInsufficientLiquidity,
			Message: "Insufficient liquidity",
		}
	}

	timer := time.NewTimer(time.Until(prepare.ExpiresAt))
	defer timer.Stop()

	// Buffered so a late handler result never blocks its goroutine.
	results := make(chan sdb.Reply, 1)

	go func() {
		results <- f.callHandler(ctx, prepare)
	}()

	var reply sdb.Reply

	select {
	case <-timer.C:
		reply = &sdb.Reject{
			Code:    sdb.CodeTransferTimedOut,
			Message: "Transfer timed out",
		}
	case reply = <-results:
	}

	if _, rejected := reply.(*sdb.Reject); rejected {
		if err := f.account.SubBalance(amount); err != nil {
			f.logger.Errorf("Could not revert debit of %v on account %v: %v", amount, f.account.ID(), err)
		}
	}

	return reply
}

func (f *Forwarder) callHandler(ctx context.Context, prepare *sdb.Prepare) sdb.Reply {
	if f.handler == nil {
		return &sdb.Reject{
			Code:    sdb.CodeBadRequest,
			Message: "No handler registered",
		}
	}

	reply := f.handler(ctx, prepare)
	if reply == nil {
		return &sdb.Reject{
			Code:    sdb.CodeInternalError,
			Message: "Handler returned no reply",
		}
	}

	return reply
}

// HandleReply accounts for the outcome of a request we sent. A
// fulfillment accrues the amount owed to the peer; both a fulfillment and
// a capacity-constrained rejection trigger a settlement attempt, the
// latter to resolve the stalemate of a peer withholding forwarding until
// it is paid.
func (f *Forwarder) HandleReply(amount uint64, reply sdb.Reply) {
	switch reply := reply.(type) {
	case *sdb.Fulfill:
		if err := f.account.AddPayout(new(big.Int).SetUint64(amount)); err != nil {
			f.logger.Errorf("Could not accrue payout of %v on account %v: %v", amount, f.account.ID(), err)
			return
		}

		go f.settler.AttemptSettle()
	case *sdb.Reject:
		if reply.Code == sdb.CodeInsufficientLiquidity {
			go f.settler.AttemptSettle()
		}
	}
}
