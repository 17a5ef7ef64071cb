package plugin

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/the-lightning-land/settled/ledger"
	"github.com/the-lightning-land/settled/sdb"
)

const (
	// validity window requested for invoices offered to the peer
	invoiceExpiry = int64(3600)

	// a replacement invoice is issued at 92% of the validity window, so a
	// valid invoice is always in place before the old one lapses
	renewalNumerator   = 92
	renewalDenominator = 100

	// queued invoices expiring within this margin are not paid anymore
	expiryMargin = 60 * time.Second

	paymentTimeout = 30 * time.Second
	messageTimeout = 30 * time.Second
)

// Settler decides when and how much to settle with one peer, keeps the
// pool of invoices exchanged with it and drives the payment rail.
type Settler struct {
	account *ledger.Account
	node    LightningNode
	sender  Sender
	to      sdb.AccountID
	notify  func(amtSat int64)
	logger  Logger

	mu          sync.Mutex
	incoming    []*sdb.IncomingInvoice
	outstanding map[string]*sdb.Invoice
	renewal     *time.Timer
	stopped     bool
}

type SettlerConfig struct {
	Account *ledger.Account
	Node    LightningNode
	Sender  Sender
	To      sdb.AccountID
	Notify  func(amtSat int64)
	Logger  Logger
}

func NewSettler(config *SettlerConfig) *Settler {
	settler := &Settler{
		account:     config.Account,
		node:        config.Node,
		sender:      config.Sender,
		to:          config.To,
		notify:      config.Notify,
		logger:      noopLogger{},
		outstanding: make(map[string]*sdb.Invoice),
	}

	if config.Logger != nil {
		settler.logger = config.Logger
	}

	return settler
}

// AttemptSettle settles accumulated debt if the balance has fallen below
// the configured threshold. Failures revert the optimistic accounting and
// are never surfaced; the next trigger retries.
func (s *Settler) AttemptSettle() {
	budget := s.account.ReserveSettlement()
	if budget.Sign() == 0 {
		return
	}

	if err := s.payOut(budget); err != nil {
		s.account.RefundSettlement(budget)
		s.logger.Errorf("Could not settle %v with account %v: %v", budget, s.account.ID(), err)
		return
	}

	s.logger.Infof("Settled %v with account %v", budget, s.account.ID())
}

func (s *Settler) payOut(budget *big.Int) error {
	// The rail carries at most an int64 of satoshis per payment.
	if !budget.IsInt64() {
		return errors.Errorf("Budget %v exceeds the largest payable amount", budget)
	}

	// Dequeued before the payment is issued, so no concurrent attempt can
	// pay the same invoice.
	invoice, err := s.popInvoice()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), paymentTimeout)
	defer cancel()

	if err := s.node.PayInvoice(ctx, invoice.PaymentRequest, invoice.PaymentHash, budget.Int64()); err != nil {
		return err
	}

	go s.sendProof(invoice.PaymentRequest)

	return nil
}

func (s *Settler) popInvoice() (*sdb.IncomingInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(expiryMargin)

	kept := s.incoming[:0]
	for _, invoice := range s.incoming {
		if invoice.ExpiresAt().After(deadline) {
			kept = append(kept, invoice)
		} else {
			s.logger.Debugf("Dropping invoice %v of account %v expiring at %v",
				invoice.PaymentHash, s.account.ID(), invoice.ExpiresAt())
		}
	}
	s.incoming = kept

	if len(s.incoming) == 0 {
		return nil, sdb.ErrNoInvoiceAvailable
	}

	invoice := s.incoming[0]
	s.incoming = s.incoming[1:]

	return invoice, nil
}

// HandleInvoiceOffer validates and queues invoices the peer offered so
// this instance can pay them. Invalid invoices never enter the queue.
func (s *Settler) HandleInvoiceOffer(offer *sdb.InvoiceOffer) error {
	for _, paymentRequest := range offer.PaymentRequests {
		invoice, err := s.node.DecodeInvoice(paymentRequest)
		if err != nil {
			return errors.Errorf("Could not decode offered invoice: %v", err)
		}

		if err := s.validateInvoice(invoice); err != nil {
			return err
		}

		s.mu.Lock()
		s.incoming = append(s.incoming, invoice)
		s.mu.Unlock()

		s.logger.Debugf("Queued invoice %v of account %v", invoice.PaymentHash, s.account.ID())
	}

	return nil
}

func (s *Settler) validateInvoice(invoice *sdb.IncomingInvoice) error {
	peerIdentity := s.account.PeerIdentity()
	if peerIdentity == "" {
		return sdb.ErrNoPeerIdentity
	}

	if invoice.Destination != peerIdentity {
		return sdb.PeerIdentityMismatchError{Bound: peerIdentity, Got: invoice.Destination}
	}

	if invoice.NumSatoshis != 0 {
		return sdb.ErrInvoiceAmountFixed
	}

	if invoice.PaymentHash == "" {
		return sdb.ErrMissingPaymentHash
	}

	return nil
}

// IssueInvoice requests a fresh invoice from the payment rail, offers it
// to the peer and schedules its replacement.
func (s *Settler) IssueInvoice() error {
	invoice, err := s.node.AddInvoice(invoiceExpiry)
	if err != nil {
		return errors.Errorf("Could not add invoice: %v", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.pruneOutstandingLocked()
	s.outstanding[invoice.PaymentRequest] = invoice
	s.scheduleRenewalLocked(invoice)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()

	_, err = s.sender.SendMessage(ctx, s.to, &sdb.InvoiceOffer{
		PaymentRequests: []string{invoice.PaymentRequest},
	})
	if err != nil {
		return errors.Errorf("Could not offer invoice to peer: %v", err)
	}

	s.logger.Debugf("Offered invoice %v to account %v", invoice.PaymentHash, s.account.ID())

	return nil
}

func (s *Settler) scheduleRenewalLocked(invoice *sdb.Invoice) {
	if s.renewal != nil {
		s.renewal.Stop()
	}

	validity := time.Duration(invoice.Expiry) * time.Second
	renewIn := validity * renewalNumerator / renewalDenominator

	s.renewal = time.AfterFunc(renewIn, func() {
		if err := s.IssueInvoice(); err != nil {
			s.logger.Errorf("Could not renew invoice for account %v: %v", s.account.ID(), err)
		}
	})
}

func (s *Settler) pruneOutstandingLocked() {
	now := time.Now()

	for paymentRequest, invoice := range s.outstanding {
		if invoice.ExpiresAt().Before(now) {
			delete(s.outstanding, paymentRequest)
		}
	}
}

// Credit applies one settlement feed item to this account. It reports
// whether the item belonged here: only a payment request in the
// outstanding set proves it was this peer that paid. The invoice is
// consumed before the balance moves, so it can never be credited twice.
func (s *Settler) Credit(settlement *sdb.Settlement) bool {
	s.mu.Lock()
	_, ok := s.outstanding[settlement.PaymentRequest]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.outstanding, settlement.PaymentRequest)
	s.mu.Unlock()

	amount := big.NewInt(settlement.AmtPaidSat)

	if err := s.account.SubBalance(amount); err != nil {
		// A credit breaching the minimum is dropped, the invoice stays consumed.
		s.logger.Errorf("Could not credit settlement of %v to account %v: %v", amount, s.account.ID(), err)
	} else {
		s.logger.Infof("Credited settlement of %v to account %v", amount, s.account.ID())

		if s.notify != nil {
			s.notify(settlement.AmtPaidSat)
		}
	}

	// Issued off the feed-routing goroutine so a slow peer cannot stall
	// crediting of other accounts.
	go func() {
		if err := s.IssueInvoice(); err != nil {
			s.logger.Errorf("Could not issue replacement invoice for account %v: %v", s.account.ID(), err)
		}
	}()

	return true
}

// Stop cancels the pending replacement timer. In-flight settlements are
// allowed to resolve or fail asynchronously afterward.
func (s *Settler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true

	if s.renewal != nil {
		s.renewal.Stop()
	}
}

func (s *Settler) sendProof(paymentRequest string) {
	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()

	_, err := s.sender.SendMessage(ctx, s.to, &sdb.Proof{PaymentRequest: paymentRequest})
	if err != nil {
		s.logger.Debugf("Could not send settlement proof to account %v: %v", s.account.ID(), err)
	}
}
