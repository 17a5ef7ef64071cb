package transport

import (
	"encoding/json"
	"time"

	"github.com/go-errors/errors"
	"github.com/the-lightning-land/settled/sdb"
)

// envelope frames one sub-protocol message on the wire. Calls carry a
// locally unique id the matching reply or error echoes back.
type envelope struct {
	ID   uint64          `json:"id"`
	Type string          `json:"type"`
	Kind string          `json:"kind,omitempty"`
	Msg  json.RawMessage `json:"msg,omitempty"`
	Err  string          `json:"err,omitempty"`
}

const (
	typeCall  = "call"
	typeReply = "reply"
	typeError = "error"
)

const (
	kindPeering      = "peering"
	kindInvoiceOffer = "invoice_offer"
	kindPacket       = "packet"
	kindPacketReply  = "packet_reply"
	kindProof        = "proof"
	kindAck          = "ack"
)

type wirePeering struct {
	Identity string `json:"identity"`
	Host     string `json:"host"`
}

type wireInvoiceOffer struct {
	PaymentRequests []string `json:"paymentRequests"`
}

type wirePrepare struct {
	Amount      uint64    `json:"amount"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Destination string    `json:"destination"`
	Data        []byte    `json:"data,omitempty"`
}

type wirePacketReply struct {
	Fulfill *wireFulfill `json:"fulfill,omitempty"`
	Reject  *wireReject  `json:"reject,omitempty"`
}

type wireFulfill struct {
	Data []byte `json:"data,omitempty"`
}

type wireReject struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

type wireProof struct {
	PaymentRequest string `json:"paymentRequest"`
	Preimage       string `json:"preimage,omitempty"`
}

func encodeMessage(msg sdb.Message) (string, json.RawMessage, error) {
	switch msg := msg.(type) {
	case *sdb.PeeringInfo:
		return marshalKind(kindPeering, &wirePeering{
			Identity: string(msg.Identity),
			Host:     msg.Host,
		})
	case *sdb.InvoiceOffer:
		return marshalKind(kindInvoiceOffer, &wireInvoiceOffer{
			PaymentRequests: msg.PaymentRequests,
		})
	case *sdb.Packet:
		if msg.Prepare == nil {
			return "", nil, errors.New("Packet carries no prepare")
		}

		return marshalKind(kindPacket, &wirePrepare{
			Amount:      msg.Prepare.Amount,
			ExpiresAt:   msg.Prepare.ExpiresAt,
			Destination: msg.Prepare.Destination,
			Data:        msg.Prepare.Data,
		})
	case *sdb.PacketReply:
		reply := &wirePacketReply{}

		switch inner := msg.Reply.(type) {
		case *sdb.Fulfill:
			reply.Fulfill = &wireFulfill{Data: inner.Data}
		case *sdb.Reject:
			reply.Reject = &wireReject{Code: inner.Code, Message: inner.Message, Data: inner.Data}
		default:
			return "", nil, errors.Errorf("Packet reply carries no outcome")
		}

		return marshalKind(kindPacketReply, reply)
	case *sdb.Proof:
		return marshalKind(kindProof, &wireProof{
			PaymentRequest: msg.PaymentRequest,
			Preimage:       msg.Preimage,
		})
	case *sdb.Ack:
		return kindAck, nil, nil
	default:
		return "", nil, errors.Errorf("Unknown message %T", msg)
	}
}

func marshalKind(kind string, v interface{}) (string, json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", nil, errors.Errorf("Could not encode %v message: %v", kind, err)
	}

	return kind, data, nil
}

func decodeMessage(kind string, data json.RawMessage) (sdb.Message, error) {
	switch kind {
	case kindPeering:
		var raw wirePeering
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.Errorf("Could not decode peering message: %v", err)
		}

		return &sdb.PeeringInfo{Identity: sdb.PubKey(raw.Identity), Host: raw.Host}, nil
	case kindInvoiceOffer:
		var raw wireInvoiceOffer
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.Errorf("Could not decode invoice offer: %v", err)
		}

		return &sdb.InvoiceOffer{PaymentRequests: raw.PaymentRequests}, nil
	case kindPacket:
		var raw wirePrepare
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.Errorf("Could not decode packet: %v", err)
		}

		return &sdb.Packet{Prepare: &sdb.Prepare{
			Amount:      raw.Amount,
			ExpiresAt:   raw.ExpiresAt,
			Destination: raw.Destination,
			Data:        raw.Data,
		}}, nil
	case kindPacketReply:
		var raw wirePacketReply
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.Errorf("Could not decode packet reply: %v", err)
		}

		switch {
		case raw.Fulfill != nil:
			return &sdb.PacketReply{Reply: &sdb.Fulfill{Data: raw.Fulfill.Data}}, nil
		case raw.Reject != nil:
			return &sdb.PacketReply{Reply: &sdb.Reject{
				Code:    raw.Reject.Code,
				Message: raw.Reject.Message,
				Data:    raw.Reject.Data,
			}}, nil
		default:
			return nil, errors.New("Packet reply carries no outcome")
		}
	case kindProof:
		var raw wireProof
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.Errorf("Could not decode proof: %v", err)
		}

		return &sdb.Proof{PaymentRequest: raw.PaymentRequest, Preimage: raw.Preimage}, nil
	case kindAck:
		return &sdb.Ack{}, nil
	default:
		return nil, errors.Errorf("Unknown message kind %v", kind)
	}
}
