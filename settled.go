package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"github.com/the-lightning-land/settled/lndc"
	"github.com/the-lightning-land/settled/plugin"
	"github.com/the-lightning-land/settled/store"
	"github.com/the-lightning-land/settled/transport"
)

var (
	// Commit stores the current commit hash of this build. This should be set using -ldflags during compilation.
	commit string
	// Version stores the version string of this build. This should be set using -ldflags during compilation.
	version string
	// Stores the date of this build. This should be set using -ldflags during compilation.
	date string
)

// settledMain is the true entry point for settled. This is required since defers
// created in the top-level scope of a main method aren't executed if os.Exit() is called.
func settledMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	// Print version of the daemon
	log.Infof("Version %s (commit %s)", version, commit)
	log.Infof("Built on %s", date)

	if cfg.ShowVersion {
		return nil
	}

	accounts, err := store.NewLevelStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer accounts.Close()

	node, err := lndc.NewClient(&lndc.Config{
		RpcServer:    cfg.LndNode.RpcServer,
		MacaroonPath: cfg.LndNode.MacaroonPath,
		TlsCertPath:  cfg.LndNode.TlsCertPath,
	})
	if err != nil {
		return err
	}
	defer node.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch cfg.Role {
	case "server":
		server := transport.NewServer(&transport.ServerConfig{
			Logger: log.StandardLogger(),
		})

		p, err := plugin.NewPlugin(&plugin.Config{
			Role:            plugin.RoleServer,
			Host:            cfg.Host,
			MaxPacketAmount: cfg.MaxPacketAmount,
			Limits:          cfg.limits(),
			Node:            node,
			Store:           accounts,
			Sender:          server,
			Logger:          log.StandardLogger(),
		})
		if err != nil {
			return err
		}

		server.Attach(p)

		if err := p.Start(ctx); err != nil {
			return err
		}
		defer p.Stop()

		go func() {
			if err := server.ListenAndServe(cfg.Listen); err != nil {
				log.WithError(err).Error("Transport failed.")
			}
		}()
		defer server.Close()
	case "client":
		client := transport.NewClient(&transport.ClientConfig{
			Url:         cfg.PeerUrl,
			PeerAddress: cfg.Peer,
			Logger:      log.StandardLogger(),
		})

		p, err := plugin.NewPlugin(&plugin.Config{
			Role:            plugin.RoleClient,
			PeerAddress:     cfg.Peer,
			Host:            cfg.Host,
			MaxPacketAmount: cfg.MaxPacketAmount,
			Limits:          cfg.limits(),
			Node:            node,
			Store:           accounts,
			Sender:          client,
			Logger:          log.StandardLogger(),
		})
		if err != nil {
			return err
		}

		client.Attach(p)

		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Close()

		if err := p.Start(ctx); err != nil {
			return err
		}
		defer p.Stop()
	}

	log.Info("Started settled.")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals

	log.Info("Stopping settled...")

	return nil
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := settledMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			log.WithError(err).Println("Failed running settled.")
		}
		os.Exit(1)
	}
}
