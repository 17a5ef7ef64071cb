package plugin

import (
	"context"
	"sync"

	"github.com/go-errors/errors"
	"github.com/the-lightning-land/settled/ledger"
	"github.com/the-lightning-land/settled/sdb"
	"github.com/the-lightning-land/settled/store"
)

// Role decides whether the plugin talks to a single peer or serves many.
type Role string

const (
	// RoleClient peers with exactly one counterparty, set up at construction.
	RoleClient Role = "client"

	// RoleServer creates accounts lazily on first contact.
	RoleServer Role = "server"
)

// Plugin is the role-aware entry point wiring the per-peer ledger,
// forwarder and settlement engine to the transport and the payment rail.
type Plugin struct {
	role            Role
	host            string
	maxPacketAmount uint64
	limits          *ledger.Limits
	node            LightningNode
	store           store.Store
	sender          Sender
	logger          Logger

	registry *Registry
	client   *peer
	clientID sdb.AccountID

	handlerMu    sync.RWMutex
	handler      Handler
	moneyHandler MoneyHandler

	cancel context.CancelFunc
}

type Config struct {
	Role Role

	// PeerAddress is the routing address of the single counterparty in
	// the client role. Unused in the server role.
	PeerAddress string

	// Host is the payment rail host announced to peers during the
	// peering handshake.
	Host string

	MaxPacketAmount uint64
	Limits          *ledger.Limits
	Node            LightningNode
	Store           store.Store
	Sender          Sender
	Logger          Logger
}

func NewPlugin(config *Config) (*Plugin, error) {
	if config.Node == nil || config.Store == nil || config.Sender == nil {
		return nil, errors.New("Node, store and sender must be set")
	}

	if config.Limits == nil {
		return nil, errors.New("Limits must be set")
	}

	if err := config.Limits.Validate(); err != nil {
		return nil, errors.Errorf("Could not validate limits: %v", err)
	}

	plugin := &Plugin{
		role:            config.Role,
		host:            config.Host,
		maxPacketAmount: config.MaxPacketAmount,
		limits:          config.Limits,
		node:            config.Node,
		store:           config.Store,
		sender:          config.Sender,
		logger:          noopLogger{},
	}

	if config.Logger != nil {
		plugin.logger = config.Logger
	}

	plugin.registry = NewRegistry(plugin.newPeer, plugin.logger)

	switch config.Role {
	case RoleClient:
		if config.PeerAddress == "" {
			return nil, errors.New("Peer address must be set in the client role")
		}

		plugin.clientID = sdb.NewAccountID(config.PeerAddress)

		client, err := plugin.registry.Get(plugin.clientID)
		if err != nil {
			return nil, errors.Errorf("Could not create peer account: %v", err)
		}

		plugin.client = client
	case RoleServer:
	default:
		return nil, errors.Errorf("Unknown role %v", config.Role)
	}

	return plugin, nil
}

// newPeer builds the {account, settler, forwarder} triple for one
// counterparty, restoring persisted ledger state.
func (p *Plugin) newPeer(id sdb.AccountID) (*peer, error) {
	account, err := ledger.NewAccount(&ledger.Config{
		ID:     id,
		Limits: p.limits,
		Store:  p.store,
		Logger: p.logger,
	})
	if err != nil {
		return nil, err
	}

	settler := NewSettler(&SettlerConfig{
		Account: account,
		Node:    p.node,
		Sender:  p.sender,
		To:      id,
		Notify:  p.notifyMoney,
		Logger:  p.logger,
	})

	forwarder := NewForwarder(&ForwarderConfig{
		Account:         account,
		Settler:         settler,
		MaxPacketAmount: p.maxPacketAmount,
		Handler:         p.callHandler,
		Logger:          p.logger,
	})

	return &peer{
		account:   account,
		forwarder: forwarder,
		settler:   settler,
		state:     stateConnecting,
	}, nil
}

// RegisterHandler installs the callback for inbound value-bearing
// requests.
func (p *Plugin) RegisterHandler(handler Handler) {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()

	p.handler = handler
}

// RegisterMoneyHandler installs the callback invoked on every credited
// settlement.
func (p *Plugin) RegisterMoneyHandler(handler MoneyHandler) {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()

	p.moneyHandler = handler
}

func (p *Plugin) callHandler(ctx context.Context, prepare *sdb.Prepare) sdb.Reply {
	p.handlerMu.RLock()
	handler := p.handler
	p.handlerMu.RUnlock()

	if handler == nil {
		return &sdb.Reject{
			Code:    sdb.CodeBadRequest,
			Message: "No handler registered",
		}
	}

	return handler(ctx, prepare)
}

func (p *Plugin) notifyMoney(amtSat int64) {
	p.handlerMu.RLock()
	handler := p.moneyHandler
	p.handlerMu.RUnlock()

	if handler != nil {
		handler(amtSat)
	}
}

// Start subscribes to the rail's settlement feed and, in the client role,
// performs the peering handshake.
func (p *Plugin) Start(ctx context.Context) error {
	feedCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	settlements, err := p.node.SubscribeSettlements(feedCtx)
	if err != nil {
		cancel()
		return errors.Errorf("Could not subscribe to settlements: %v", err)
	}

	go p.routeSettlements(settlements)

	if p.role == RoleClient {
		if err := p.connect(ctx); err != nil {
			cancel()
			return errors.Errorf("Could not connect to peer: %v", err)
		}
	}

	return nil
}

// connect runs the client side of the peering handshake: exchange payment
// rail identities, connect the rail nodes and offer a first invoice.
func (p *Plugin) connect(ctx context.Context) error {
	identity, err := p.node.Identity()
	if err != nil {
		return errors.Errorf("Could not get own identity: %v", err)
	}

	p.client.setState(stateConnecting)

	reply, err := p.sender.SendMessage(ctx, p.clientID, &sdb.PeeringInfo{
		Identity: identity,
		Host:     p.host,
	})
	if err != nil {
		return errors.Errorf("Could not exchange peering info: %v", err)
	}

	info, ok := reply.(*sdb.PeeringInfo)
	if !ok {
		return errors.Errorf("Expected peering info, got %T", reply)
	}

	if err := p.client.account.SetPeerIdentity(info.Identity); err != nil {
		return err
	}

	if err := p.node.ConnectPeer(info.Identity, info.Host); err != nil {
		return err
	}

	p.client.setState(stateConnected)
	p.logger.Infof("Connected to peer %v", info.Identity)

	go func() {
		if err := p.client.settler.IssueInvoice(); err != nil {
			p.logger.Errorf("Could not offer first invoice: %v", err)
		}
	}()

	return nil
}

// routeSettlements credits each settlement feed item to the one account
// whose outstanding invoice set claims it.
func (p *Plugin) routeSettlements(settlements <-chan *sdb.Settlement) {
	for settlement := range settlements {
		credited := false

		p.registry.Each(func(id sdb.AccountID, peer *peer) bool {
			if peer.settler.Credit(settlement) {
				credited = true
				return false
			}

			return true
		})

		if !credited {
			p.logger.Debugf("Ignoring settlement of %v not tied to any account", settlement.AmtPaidSat)
		}
	}
}

// HandleMessage dispatches one inbound sub-protocol message from a peer
// and returns the reply to send back.
func (p *Plugin) HandleMessage(ctx context.Context, from string, msg sdb.Message) (sdb.Message, error) {
	peer, err := p.resolve(from)
	if err != nil {
		return nil, err
	}

	switch msg := msg.(type) {
	case *sdb.PeeringInfo:
		return p.handlePeering(peer, msg)
	case *sdb.InvoiceOffer:
		if err := peer.settler.HandleInvoiceOffer(msg); err != nil {
			return nil, err
		}

		return &sdb.Ack{}, nil
	case *sdb.Packet:
		if msg.Prepare == nil {
			return nil, errors.New("Packet carries no prepare")
		}

		return &sdb.PacketReply{Reply: peer.forwarder.Forward(ctx, msg.Prepare)}, nil
	case *sdb.Proof:
		// The settlement feed is the source of truth for crediting.
		p.logger.Debugf("Peer %v reports having settled %v", from, msg.PaymentRequest)

		return &sdb.Ack{}, nil
	case *sdb.PacketReply:
		return nil, errors.New("Unexpected packet reply")
	case *sdb.Ack:
		return &sdb.Ack{}, nil
	default:
		return nil, errors.Errorf("Unknown message %T", msg)
	}
}

func (p *Plugin) handlePeering(peer *peer, info *sdb.PeeringInfo) (sdb.Message, error) {
	if err := peer.account.SetPeerIdentity(info.Identity); err != nil {
		return nil, err
	}

	if err := p.node.ConnectPeer(info.Identity, info.Host); err != nil {
		return nil, err
	}

	identity, err := p.node.Identity()
	if err != nil {
		return nil, errors.Errorf("Could not get own identity: %v", err)
	}

	peer.setState(stateConnected)
	p.logger.Infof("Peered with %v", info.Identity)

	go func() {
		if err := peer.settler.IssueInvoice(); err != nil {
			p.logger.Errorf("Could not offer first invoice: %v", err)
		}
	}()

	return &sdb.PeeringInfo{
		Identity: identity,
		Host:     p.host,
	}, nil
}

// SendPrepare forwards a value-bearing request to the peer and accounts
// for its terminal outcome.
func (p *Plugin) SendPrepare(ctx context.Context, to string, prepare *sdb.Prepare) (sdb.Reply, error) {
	peer, err := p.resolve(to)
	if err != nil {
		return nil, err
	}

	reply, err := p.sender.SendMessage(ctx, peer.account.ID(), &sdb.Packet{Prepare: prepare})
	if err != nil {
		return nil, errors.Errorf("Could not forward packet: %v", err)
	}

	packetReply, ok := reply.(*sdb.PacketReply)
	if !ok || packetReply.Reply == nil {
		return nil, errors.Errorf("Expected packet reply, got %T", reply)
	}

	peer.forwarder.HandleReply(prepare.Amount, packetReply.Reply)

	return packetReply.Reply, nil
}

// HandleDisconnect drops the in-memory state of a disconnected peer. The
// persisted ledger survives and is restored on the next connection.
func (p *Plugin) HandleDisconnect(from string) {
	if p.role == RoleClient {
		p.client.setState(stateDisconnected)
		return
	}

	p.registry.Evict(sdb.NewAccountID(from))
}

// Stop tears the plugin down. In-flight settlements may still resolve and
// persist afterward.
func (p *Plugin) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	p.registry.Each(func(id sdb.AccountID, peer *peer) bool {
		p.registry.Evict(id)
		return true
	})
}

func (p *Plugin) resolve(address string) (*peer, error) {
	if p.role == RoleClient {
		return p.client, nil
	}

	peer, err := p.registry.Get(sdb.NewAccountID(address))
	if err != nil {
		return nil, errors.Errorf("Could not resolve account for %v: %v", address, err)
	}

	return peer, nil
}
