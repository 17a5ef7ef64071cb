package lndc

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"os"
	"strings"
	"sync"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/pkg/errors"
	"github.com/the-lightning-land/settled/sdb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
)

// Client talks to an lnd node over gRPC. It implements the payment rail
// the settlement engine drives: peer connection, invoice creation and
// decoding, payments over the long-lived duplex stream and the settlement
// notification feed.
type Client struct {
	client   lnrpc.LightningClient
	conn     *grpc.ClientConn
	context  context.Context
	identity sdb.PubKey

	mu       sync.Mutex
	payments lnrpc.Lightning_SendPaymentClient
	pending  map[string]chan error
}

type Config struct {
	RpcServer    string
	MacaroonPath string
	TlsCertPath  string
}

func NewClient(config *Config) (*Client, error) {
	cert, err := makeTlsCertFromPath(config.TlsCertPath)
	if err != nil {
		return nil, errors.Errorf("Could not make TLS cert: %v", err)
	}

	creds := credentials.NewClientTLSFromCert(cert, "")

	conn, err := grpc.Dial(config.RpcServer, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, errors.Errorf("Could not connect to lightning node: %v", err)
	}

	client := lnrpc.NewLightningClient(conn)

	macaroon, err := makeMacaroonFromPath(config.MacaroonPath)
	if err != nil {
		return nil, errors.Errorf("Could not make macaroon: %v", err)
	}

	ctx := context.Background()
	ctx = metadata.NewOutgoingContext(ctx, metadata.Pairs("macaroon", macaroon))

	return &Client{
		client:  client,
		conn:    conn,
		context: ctx,
		pending: make(map[string]chan error),
	}, nil
}

func (client *Client) Stop() error {
	return client.conn.Close()
}

// Identity returns the identity pubkey of the backing lnd node. It may
// be called from concurrent peer sessions.
func (client *Client) Identity() (sdb.PubKey, error) {
	client.mu.Lock()
	identity := client.identity
	client.mu.Unlock()

	// Once saved, we can assume that the identity pubkey always stays the same
	if identity != "" {
		return identity, nil
	}

	info, err := client.client.GetInfo(client.context, &lnrpc.GetInfoRequest{})
	if err != nil {
		return "", errors.Errorf("Could not get info: %v", err)
	}

	identity = sdb.PubKey(info.IdentityPubkey)

	client.mu.Lock()
	client.identity = identity
	client.mu.Unlock()

	return identity, nil
}

// ConnectPeer connects the backing node to the peer's node. An already
// established connection is not an error.
func (client *Client) ConnectPeer(identity sdb.PubKey, host string) error {
	_, err := client.client.ConnectPeer(client.context, &lnrpc.ConnectPeerRequest{
		Addr: &lnrpc.LightningAddress{
			Pubkey: string(identity),
			Host:   host,
		},
	})
	if err != nil && !strings.Contains(err.Error(), "already connected") {
		return errors.Errorf("Could not connect to peer %v@%v: %v", identity, host, err)
	}

	return nil
}

// AddInvoice creates an invoice accepting an arbitrary amount, valid for
// the given number of seconds.
func (client *Client) AddInvoice(expiry int64) (*sdb.Invoice, error) {
	addInvoice, err := client.client.AddInvoice(client.context, &lnrpc.Invoice{
		Value:  0,
		Expiry: expiry,
		Memo:   "settled",
	})
	if err != nil {
		return nil, errors.Errorf("Could not add invoice: %v", err)
	}

	decodedInvoice, err := client.client.DecodePayReq(client.context, &lnrpc.PayReqString{
		PayReq: addInvoice.PaymentRequest,
	})
	if err != nil {
		return nil, errors.Errorf("Could not decode invoice: %v", err)
	}

	return &sdb.Invoice{
		PaymentRequest: addInvoice.PaymentRequest,
		PaymentHash:    decodedInvoice.PaymentHash,
		Timestamp:      decodedInvoice.Timestamp,
		Expiry:         decodedInvoice.Expiry,
	}, nil
}

// DecodeInvoice decodes a payment request the peer offered.
func (client *Client) DecodeInvoice(paymentRequest string) (*sdb.IncomingInvoice, error) {
	decodedInvoice, err := client.client.DecodePayReq(client.context, &lnrpc.PayReqString{
		PayReq: paymentRequest,
	})
	if err != nil {
		return nil, errors.Errorf("Could not decode invoice: %v", err)
	}

	return &sdb.IncomingInvoice{
		PaymentRequest: paymentRequest,
		PaymentHash:    decodedInvoice.PaymentHash,
		Destination:    sdb.PubKey(decodedInvoice.Destination),
		NumSatoshis:    decodedInvoice.NumSatoshis,
		Timestamp:      decodedInvoice.Timestamp,
		Expiry:         decodedInvoice.Expiry,
	}, nil
}

// PayInvoice pays the given amount into an invoice over the shared duplex
// payment stream. The stream carries no per-call correlation, so the
// completion is matched to this payment by its payment hash.
func (client *Client) PayInvoice(ctx context.Context, paymentRequest string, paymentHash string, amtSat int64) error {
	client.mu.Lock()

	if client.payments == nil {
		payments, err := client.client.SendPayment(client.context)
		if err != nil {
			client.mu.Unlock()
			return errors.Errorf("Could not open payment stream: %v", err)
		}

		client.payments = payments
		go client.readPayments(payments)
	}

	if _, ok := client.pending[paymentHash]; ok {
		client.mu.Unlock()
		return errors.Errorf("Payment for hash %v is already in flight", paymentHash)
	}

	result := make(chan error, 1)
	client.pending[paymentHash] = result
	payments := client.payments

	client.mu.Unlock()

	err := payments.Send(&lnrpc.SendRequest{
		PaymentRequest: paymentRequest,
		Amt:            amtSat,
	})
	if err != nil {
		client.forgetPending(paymentHash)
		return errors.Errorf("Could not send payment: %v", err)
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		client.forgetPending(paymentHash)
		return errors.Errorf("Gave up waiting for payment %v: %v", paymentHash, ctx.Err())
	}
}

// readPayments dispatches asynchronous payment completions to their
// pending calls by payment hash.
func (client *Client) readPayments(payments lnrpc.Lightning_SendPaymentClient) {
	for {
		resp, err := payments.Recv()
		if err != nil {
			client.failAllPending(errors.Errorf("Payment stream broke: %v", err))
			return
		}

		result := client.takePending(paymentHashOf(resp))
		if result == nil {
			continue
		}

		if resp.PaymentError != "" {
			result <- mapPaymentError(resp.PaymentError)
		} else {
			result <- nil
		}
	}
}

// takePending removes and returns the pending call matching the hash. A
// response without any resolvable hash is matched to the only pending
// call if there is exactly one.
func (client *Client) takePending(hash string) chan error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if hash != "" {
		result, ok := client.pending[hash]
		if !ok {
			return nil
		}

		delete(client.pending, hash)
		return result
	}

	if len(client.pending) == 1 {
		for hash, result := range client.pending {
			delete(client.pending, hash)
			return result
		}
	}

	return nil
}

func (client *Client) forgetPending(hash string) {
	client.mu.Lock()
	defer client.mu.Unlock()

	delete(client.pending, hash)
}

func (client *Client) failAllPending(err error) {
	client.mu.Lock()
	defer client.mu.Unlock()

	for hash, result := range client.pending {
		result <- err
		delete(client.pending, hash)
	}

	client.payments = nil
}

// SubscribeSettlements delivers every settled invoice of the backing node
// until the context is cancelled. The channel is closed when the feed
// breaks.
func (client *Client) SubscribeSettlements(ctx context.Context) (<-chan *sdb.Settlement, error) {
	feedCtx := metadata.NewOutgoingContext(ctx, metadataFrom(client.context))

	invoices, err := client.client.SubscribeInvoices(feedCtx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		return nil, errors.Errorf("Could not subscribe to invoices: %v", err)
	}

	settlements := make(chan *sdb.Settlement)

	go func() {
		defer close(settlements)

		for {
			invoice, err := invoices.Recv()
			if err != nil {
				return
			}

			if !invoice.Settled {
				continue
			}

			select {
			case settlements <- &sdb.Settlement{
				PaymentRequest: invoice.PaymentRequest,
				Settled:        true,
				AmtPaidSat:     invoice.AmtPaidSat,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return settlements, nil
}

// paymentHashOf extracts the payment hash of a stream response, falling
// back to hashing the preimage when the hash field is absent.
func paymentHashOf(resp *lnrpc.SendResponse) string {
	if len(resp.PaymentHash) > 0 {
		return hex.EncodeToString(resp.PaymentHash)
	}

	if len(resp.PaymentPreimage) > 0 {
		hash := sha256.Sum256(resp.PaymentPreimage)
		return hex.EncodeToString(hash[:])
	}

	return ""
}

func mapPaymentError(paymentError string) error {
	if strings.Contains(paymentError, "already paid") {
		return sdb.ErrInvoiceAlreadyPaid
	}

	return errors.Errorf("Could not send payment: %v", paymentError)
}

func metadataFrom(ctx context.Context) metadata.MD {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		return metadata.MD{}
	}

	return md
}

func makeTlsCertFromPath(path string) (*x509.CertPool, error) {
	certBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("Could not read tls cert %v", path)
	}

	cert := x509.NewCertPool()
	if ok := cert.AppendCertsFromPEM(certBytes); !ok {
		return nil, errors.New("Could not parse tls cert.")
	}

	return cert, nil
}

func makeMacaroonFromPath(path string) (string, error) {
	macaroonBytes, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Errorf("Could not read macaroon %v", path)
	}

	hexMacaroon := hex.EncodeToString(macaroonBytes)

	return hexMacaroon, nil
}
