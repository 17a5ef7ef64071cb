package transport

import (
	"testing"
	"time"

	"github.com/the-lightning-land/settled/sdb"
)

func TestPacketRoundTrip(t *testing.T) {
	expiresAt := time.Now().Add(30 * time.Second).UTC().Truncate(time.Millisecond)

	kind, data, err := encodeMessage(&sdb.Packet{
		Prepare: &sdb.Prepare{
			Amount:      500,
			ExpiresAt:   expiresAt,
			Destination: "g.lightning.bob",
			Data:        []byte{0xde, 0xad},
		},
	})
	if err != nil {
		t.Fatalf("Could not encode packet: %v", err)
	}

	if kind != kindPacket {
		t.Errorf("Expected kind %v; got %v", kindPacket, kind)
	}

	msg, err := decodeMessage(kind, data)
	if err != nil {
		t.Fatalf("Could not decode packet: %v", err)
	}

	packet, ok := msg.(*sdb.Packet)
	if !ok {
		t.Fatalf("Expected a packet; got %T", msg)
	}

	if packet.Prepare.Amount != 500 {
		t.Errorf("Expected amount of 500; got %v", packet.Prepare.Amount)
	}

	if !packet.Prepare.ExpiresAt.Equal(expiresAt) {
		t.Errorf("Expected expiry of %v; got %v", expiresAt, packet.Prepare.ExpiresAt)
	}

	if packet.Prepare.Destination != "g.lightning.bob" {
		t.Errorf("Expected destination g.lightning.bob; got %v", packet.Prepare.Destination)
	}
}

func TestPacketReplyRoundTrip(t *testing.T) {
	kind, data, err := encodeMessage(&sdb.PacketReply{
		Reply: &sdb.Reject{Code: sdb.CodeInsufficientLiquidity, Message: "exceeds balance limit"},
	})
	if err != nil {
		t.Fatalf("Could not encode packet reply: %v", err)
	}

	msg, err := decodeMessage(kind, data)
	if err != nil {
		t.Fatalf("Could not decode packet reply: %v", err)
	}

	reply, ok := msg.(*sdb.PacketReply)
	if !ok {
		t.Fatalf("Expected a packet reply; got %T", msg)
	}

	reject, ok := reply.Reply.(*sdb.Reject)
	if !ok {
		t.Fatalf("Expected a rejection; got %T", reply.Reply)
	}

	if reject.Code != sdb.CodeInsufficientLiquidity {
		t.Errorf("Expected code %v; got %v", sdb.CodeInsufficientLiquidity, reject.Code)
	}

	kind, data, err = encodeMessage(&sdb.PacketReply{Reply: &sdb.Fulfill{}})
	if err != nil {
		t.Fatalf("Could not encode fulfillment: %v", err)
	}

	msg, err = decodeMessage(kind, data)
	if err != nil {
		t.Fatalf("Could not decode fulfillment: %v", err)
	}

	if _, ok := msg.(*sdb.PacketReply).Reply.(*sdb.Fulfill); !ok {
		t.Errorf("Expected a fulfillment; got %v", msg)
	}
}

func TestEmptyPacketReplyIsRefused(t *testing.T) {
	if _, _, err := encodeMessage(&sdb.PacketReply{}); err == nil {
		t.Errorf("Expected an error for an empty packet reply")
	}

	if _, err := decodeMessage(kindPacketReply, []byte(`{}`)); err == nil {
		t.Errorf("Expected an error for an empty wire packet reply")
	}
}

func TestUnknownKindIsRefused(t *testing.T) {
	if _, err := decodeMessage("gossip", []byte(`{}`)); err == nil {
		t.Errorf("Expected an error for an unknown kind")
	}
}
