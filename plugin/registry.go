package plugin

import (
	"sync"

	"github.com/the-lightning-land/settled/ledger"
	"github.com/the-lightning-land/settled/sdb"
)

type sessionState int

const (
	stateDisconnected sessionState = iota
	stateConnecting
	stateConnected
)

// peer bundles everything the plugin keeps in memory for one
// counterparty.
type peer struct {
	account   *ledger.Account
	forwarder *Forwarder
	settler   *Settler

	mu    sync.Mutex
	state sessionState
}

func (p *peer) setState(state sessionState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = state
}

func (p *peer) getState() sessionState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// Registry lazily creates and evicts the per-peer triple, keyed by the
// stable account id. Persisted ledger state survives eviction and is
// restored on the peer's next connection.
type Registry struct {
	mu     sync.Mutex
	peers  map[sdb.AccountID]*peer
	create func(id sdb.AccountID) (*peer, error)
	logger Logger
}

func NewRegistry(create func(id sdb.AccountID) (*peer, error), logger Logger) *Registry {
	registry := &Registry{
		peers:  make(map[sdb.AccountID]*peer),
		create: create,
		logger: noopLogger{},
	}

	if logger != nil {
		registry.logger = logger
	}

	return registry
}

// Get returns the peer triple for the account, creating and restoring it
// on first contact.
func (r *Registry) Get(id sdb.AccountID) (*peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peer, ok := r.peers[id]; ok {
		return peer, nil
	}

	peer, err := r.create(id)
	if err != nil {
		return nil, err
	}

	r.peers[id] = peer
	r.logger.Infof("Created account %v", id)

	return peer, nil
}

// Evict drops the in-memory entry for the account and cancels its pending
// timers. The persisted ledger state is untouched.
func (r *Registry) Evict(id sdb.AccountID) {
	r.mu.Lock()
	peer, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()

	if !ok {
		return
	}

	peer.setState(stateDisconnected)
	peer.settler.Stop()
	peer.account.Close()

	r.logger.Infof("Evicted account %v", id)
}

// Each visits every live peer until the visitor returns false.
func (r *Registry) Each(visit func(id sdb.AccountID, peer *peer) bool) {
	r.mu.Lock()
	peers := make(map[sdb.AccountID]*peer, len(r.peers))
	for id, peer := range r.peers {
		peers[id] = peer
	}
	r.mu.Unlock()

	for id, peer := range peers {
		if !visit(id, peer) {
			return
		}
	}
}
