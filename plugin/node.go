package plugin

import (
	"context"

	"github.com/the-lightning-land/settled/sdb"
)

// LightningNode is the slice of the payment rail the plugin drives. The
// lndc client implements it against a real lnd node.
type LightningNode interface {
	Identity() (sdb.PubKey, error)
	ConnectPeer(identity sdb.PubKey, host string) error
	AddInvoice(expiry int64) (*sdb.Invoice, error)
	DecodeInvoice(paymentRequest string) (*sdb.IncomingInvoice, error)
	PayInvoice(ctx context.Context, paymentRequest string, paymentHash string, amtSat int64) error
	SubscribeSettlements(ctx context.Context) (<-chan *sdb.Settlement, error)
}

// Sender delivers a sub-protocol message to a peer over the bilateral
// transport and returns the peer's reply.
type Sender interface {
	SendMessage(ctx context.Context, to sdb.AccountID, msg sdb.Message) (sdb.Message, error)
}

// Handler is the registered application callback for inbound value-bearing
// requests.
type Handler func(ctx context.Context, prepare *sdb.Prepare) sdb.Reply

// MoneyHandler is the registered application callback for credited
// settlements.
type MoneyHandler func(amtSat int64)
