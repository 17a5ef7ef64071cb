package main

import (
	"math/big"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/go-errors/errors"
	"github.com/jessevdk/go-flags"
	"github.com/the-lightning-land/settled/ledger"
)

const (
	defaultListen          = ":7600"
	defaultMaxPacketAmount = 1000000
)

type lndNodeConfig struct {
	RpcServer    string `long:"rpcserver" description:"host:port of ln daemon"`
	MacaroonPath string `long:"macaroonpath" description:"path to macaroon file"`
	TlsCertPath  string `long:"tlscertpath" description:"path to TLS certificate"`
}

type balanceConfig struct {
	Minimum         int64  `long:"minimum" description:"Lowest balance the peer's account may reach, in satoshis"`
	Maximum         int64  `long:"maximum" description:"Highest balance the peer's account may reach, in satoshis"`
	SettleTo        int64  `long:"settleto" description:"Balance that settlement aims to restore, in satoshis"`
	SettleThreshold *int64 `long:"settlethreshold" description:"Balance below which settlement is triggered. Omit to never settle."`
}

type config struct {
	ShowVersion     bool   `short:"v" long:"version" description:"Display version information and exit."`
	Debug           bool   `long:"debug" description:"Start in debug mode."`
	Role            string `long:"role" description:"Whether to peer with a single counterparty or serve many." choice:"client" choice:"server"`
	Peer            string `long:"peer" description:"Routing address of the counterparty (client role)."`
	PeerUrl         string `long:"peerurl" description:"Websocket endpoint of the counterparty (client role)."`
	Listen          string `long:"listen" description:"Interface/port to listen on for peer connections (server role)."`
	Host            string `long:"host" description:"host:port of our lightning node, announced to peers."`
	MaxPacketAmount uint64 `long:"maxpacketamount" description:"Largest packet amount accepted, in satoshis."`
	DataDir         string `long:"datadir" description:"Directory holding the account database."`

	LndNode *lndNodeConfig `group:"LND" namespace:"lnd"`
	Balance *balanceConfig `group:"Balance" namespace:"balance"`
}

func loadConfig() (*config, error) {
	defaultCfg := config{
		Debug:           false,
		Role:            "client",
		Listen:          defaultListen,
		MaxPacketAmount: defaultMaxPacketAmount,
		DataDir:         "data",
		LndNode: &lndNodeConfig{
			RpcServer:    "localhost:10009",
			MacaroonPath: "admin.macaroon",
			TlsCertPath:  "tls.cert",
		},
		Balance: &balanceConfig{
			Minimum:  -1000000,
			Maximum:  1000000,
			SettleTo: 0,
		},
	}

	preCfg := defaultCfg

	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	cfg := preCfg

	cfg.LndNode.MacaroonPath = cleanAndExpandPath(cfg.LndNode.MacaroonPath)
	cfg.LndNode.TlsCertPath = cleanAndExpandPath(cfg.LndNode.TlsCertPath)
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)

	if cfg.Role == "client" && cfg.Peer == "" {
		return nil, errors.New("A peer address is required in the client role")
	}

	if cfg.Role == "client" && cfg.PeerUrl == "" {
		return nil, errors.New("A peer url is required in the client role")
	}

	// Surface limit ordering mistakes before anything starts up.
	if err := cfg.limits().Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *config) limits() *ledger.Limits {
	limits := &ledger.Limits{
		Minimum:  big.NewInt(cfg.Balance.Minimum),
		Maximum:  big.NewInt(cfg.Balance.Maximum),
		SettleTo: big.NewInt(cfg.Balance.SettleTo),
	}

	if cfg.Balance.SettleThreshold != nil {
		limits.SettleThreshold = big.NewInt(*cfg.Balance.SettleThreshold)
	}

	return limits
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
