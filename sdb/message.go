package sdb

// Message is the closed union of sub-protocol messages exchanged with a
// peer over the bilateral transport. New kinds are added by extending the
// union and every switch over it, never by inserting map entries.
type Message interface {
	message()
}

// PeeringInfo announces the sender's payment rail identity and host,
// exchanged once in each direction during the peering handshake.
type PeeringInfo struct {
	Identity PubKey
	Host     string
}

// InvoiceOffer carries one or more payment requests the sender is willing
// to be paid through.
type InvoiceOffer struct {
	PaymentRequests []string
}

// Packet carries a forwarded value-bearing request.
type Packet struct {
	Prepare *Prepare
}

// PacketReply carries the terminal outcome of a forwarded packet.
type PacketReply struct {
	Reply Reply
}

// Proof notifies the receiver that the sender has settled one of its
// invoices. The settlement feed of the payment rail stays the source of
// truth for crediting; a proof on its own has no ledger effect.
type Proof struct {
	PaymentRequest string
	Preimage       string
}

// Ack acknowledges a message that needs no substantial reply.
type Ack struct{}

func (*PeeringInfo) message()  {}
func (*InvoiceOffer) message() {}
func (*Packet) message()       {}
func (*PacketReply) message()  {}
func (*Proof) message()        {}
func (*Ack) message()          {}
