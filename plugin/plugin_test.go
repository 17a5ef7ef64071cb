package plugin

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/the-lightning-land/settled/sdb"
	"github.com/the-lightning-land/settled/store"
)

func newTestPlugin(t *testing.T, role Role, accounts store.Store) (*Plugin, *mockNode, *stubSender) {
	t.Helper()

	node := newMockNode()
	sender := &stubSender{}

	plugin, err := NewPlugin(&Config{
		Role:            role,
		PeerAddress:     "g.lightning.peer",
		Host:            "localhost:9735",
		MaxPacketAmount: 1000,
		Limits:          settlingLimits(),
		Node:            node,
		Store:           accounts,
		Sender:          sender,
	})
	if err != nil {
		t.Fatalf("Could not create plugin: %v", err)
	}
	t.Cleanup(plugin.Stop)

	return plugin, node, sender
}

func TestPeeringHandshake(t *testing.T) {
	plugin, node, _ := newTestPlugin(t, RoleServer, store.NewMemStore())

	reply, err := plugin.HandleMessage(context.Background(), "g.lightning.alice", &sdb.PeeringInfo{
		Identity: "alice-pk",
		Host:     "alice:9735",
	})
	if err != nil {
		t.Fatalf("Could not handle peering info: %v", err)
	}

	info, ok := reply.(*sdb.PeeringInfo)
	if !ok {
		t.Fatalf("Expected peering info reply; got %T", reply)
	}

	if info.Identity != "own-pk" {
		t.Errorf("Expected own identity in reply; got %v", info.Identity)
	}

	node.mu.Lock()
	connected := len(node.connected)
	node.mu.Unlock()

	if connected != 1 {
		t.Errorf("Expected one rail peer connection; got %v", connected)
	}

	// A second handshake with a different identity must be refused.
	_, err = plugin.HandleMessage(context.Background(), "g.lightning.alice", &sdb.PeeringInfo{
		Identity: "mallory-pk",
		Host:     "mallory:9735",
	})
	if _, ok := err.(sdb.PeerIdentityMismatchError); !ok {
		t.Errorf("Expected peer identity mismatch; got %v", err)
	}
}

func TestPacketDispatch(t *testing.T) {
	plugin, _, _ := newTestPlugin(t, RoleServer, store.NewMemStore())

	plugin.RegisterHandler(func(ctx context.Context, prepare *sdb.Prepare) sdb.Reply {
		return &sdb.Fulfill{}
	})

	reply, err := plugin.HandleMessage(context.Background(), "g.lightning.alice", &sdb.Packet{
		Prepare: &sdb.Prepare{
			Amount:    500,
			ExpiresAt: time.Now().Add(time.Second),
		},
	})
	if err != nil {
		t.Fatalf("Could not handle packet: %v", err)
	}

	packetReply, ok := reply.(*sdb.PacketReply)
	if !ok {
		t.Fatalf("Expected packet reply; got %T", reply)
	}

	if _, ok := packetReply.Reply.(*sdb.Fulfill); !ok {
		t.Errorf("Expected a fulfillment; got %v", packetReply.Reply)
	}

	peer, err := plugin.registry.Get(sdb.NewAccountID("g.lightning.alice"))
	if err != nil {
		t.Fatalf("Could not resolve account: %v", err)
	}

	if peer.account.Balance().Cmp(big.NewInt(500)) != 0 {
		t.Errorf("Expected balance of 500; got %v", peer.account.Balance())
	}
}

func TestEvictionKeepsPersistedState(t *testing.T) {
	accounts := store.NewMemStore()

	plugin, _, _ := newTestPlugin(t, RoleServer, accounts)

	plugin.RegisterHandler(func(ctx context.Context, prepare *sdb.Prepare) sdb.Reply {
		return &sdb.Fulfill{}
	})

	_, err := plugin.HandleMessage(context.Background(), "g.lightning.alice", &sdb.Packet{
		Prepare: &sdb.Prepare{
			Amount:    500,
			ExpiresAt: time.Now().Add(time.Second),
		},
	})
	if err != nil {
		t.Fatalf("Could not handle packet: %v", err)
	}

	// Eviction flushes the ledger and drops the in-memory entry.
	plugin.HandleDisconnect("g.lightning.alice")

	peer, err := plugin.registry.Get(sdb.NewAccountID("g.lightning.alice"))
	if err != nil {
		t.Fatalf("Could not recreate account: %v", err)
	}

	if peer.account.Balance().Cmp(big.NewInt(500)) != 0 {
		t.Errorf("Expected restored balance of 500; got %v", peer.account.Balance())
	}
}

func TestProofHasNoLedgerEffect(t *testing.T) {
	plugin, _, _ := newTestPlugin(t, RoleServer, store.NewMemStore())

	reply, err := plugin.HandleMessage(context.Background(), "g.lightning.alice", &sdb.Proof{
		PaymentRequest: "some-payreq",
	})
	if err != nil {
		t.Fatalf("Could not handle proof: %v", err)
	}

	if _, ok := reply.(*sdb.Ack); !ok {
		t.Errorf("Expected an ack; got %T", reply)
	}

	peer, err := plugin.registry.Get(sdb.NewAccountID("g.lightning.alice"))
	if err != nil {
		t.Fatalf("Could not resolve account: %v", err)
	}

	if peer.account.Balance().Sign() != 0 {
		t.Errorf("Expected balance of 0; got %v", peer.account.Balance())
	}
}

func TestSettlementFeedRouting(t *testing.T) {
	plugin, node, _ := newTestPlugin(t, RoleServer, store.NewMemStore())

	if err := plugin.Start(context.Background()); err != nil {
		t.Fatalf("Could not start plugin: %v", err)
	}

	_, err := plugin.HandleMessage(context.Background(), "g.lightning.alice", &sdb.PeeringInfo{
		Identity: "alice-pk",
		Host:     "alice:9735",
	})
	if err != nil {
		t.Fatalf("Could not handle peering info: %v", err)
	}

	peer, err := plugin.registry.Get(sdb.NewAccountID("g.lightning.alice"))
	if err != nil {
		t.Fatalf("Could not resolve account: %v", err)
	}

	// The handshake offers the first invoice asynchronously.
	waitFor(t, func() bool {
		peer.settler.mu.Lock()
		defer peer.settler.mu.Unlock()
		return len(peer.settler.outstanding) > 0
	})

	peer.settler.mu.Lock()
	var paymentRequest string
	for paymentRequest = range peer.settler.outstanding {
	}
	peer.settler.mu.Unlock()

	node.settlements <- &sdb.Settlement{
		PaymentRequest: paymentRequest,
		Settled:        true,
		AmtPaidSat:     400,
	}

	waitFor(t, func() bool {
		return peer.account.Balance().Cmp(big.NewInt(-400)) == 0
	})
}

func TestClientRoleConnect(t *testing.T) {
	node := newMockNode()
	sender := &stubSender{
		reply: func(msg sdb.Message) (sdb.Message, error) {
			if _, ok := msg.(*sdb.PeeringInfo); ok {
				return &sdb.PeeringInfo{Identity: "peer-pk", Host: "peer:9735"}, nil
			}

			return &sdb.Ack{}, nil
		},
	}

	plugin, err := NewPlugin(&Config{
		Role:            RoleClient,
		PeerAddress:     "g.lightning.peer",
		Host:            "localhost:9735",
		MaxPacketAmount: 1000,
		Limits:          settlingLimits(),
		Node:            node,
		Store:           store.NewMemStore(),
		Sender:          sender,
	})
	if err != nil {
		t.Fatalf("Could not create plugin: %v", err)
	}
	defer plugin.Stop()

	if err := plugin.Start(context.Background()); err != nil {
		t.Fatalf("Could not start plugin: %v", err)
	}

	if plugin.client.account.PeerIdentity() != "peer-pk" {
		t.Errorf("Expected bound identity of peer-pk; got %v", plugin.client.account.PeerIdentity())
	}

	if plugin.client.getState() != stateConnected {
		t.Errorf("Expected connected state; got %v", plugin.client.getState())
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("Gave up waiting for condition")
}
