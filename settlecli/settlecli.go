package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-errors/errors"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"github.com/the-lightning-land/settled/sdb"
	"github.com/the-lightning-land/settled/store"
	"github.com/urfave/cli"
)

var (
	// Commit stores the current commit hash of this build. This should be set using -ldflags during compilation.
	commit string
	// Version stores the version string of this build. This should be set using -ldflags during compilation.
	version string
	// Stores the date of this build. This should be set using -ldflags during compilation.
	date string
)

// settlecliMain is the true entry point for settlecli. This is required since defers
// created in the top-level scope of a main method aren't executed if os.Exit() is called.
func settlecliMain() error {
	app := cli.NewApp()
	app.EnableBashCompletion = true
	app.Version = version

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("version=%s commit=%s date=%s\n", version, commit, date)
	}

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "datadir",
			Value: "data",
			Usage: "directory holding the account database",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:    "accounts",
			Aliases: []string{"a"},
			Usage:   "list all persisted accounts",
			Action: func(c *cli.Context) error {
				accounts, err := store.NewLevelStore(c.GlobalString("datadir"))
				if err != nil {
					return errors.Errorf("Could not open account database: %v", err)
				}
				defer accounts.Close()

				keys, err := accounts.Keys()
				if err != nil {
					return errors.Errorf("Could not list accounts: %v", err)
				}

				for _, key := range keys {
					if strings.HasSuffix(key, ":account") {
						fmt.Println(strings.TrimSuffix(key, ":account"))
					}
				}

				return nil
			},
		},
		{
			Name:      "account",
			ArgsUsage: "[id]",
			Usage:     "show the persisted state of one account",
			Action: func(c *cli.Context) error {
				id := c.Args().Get(0)
				if id == "" {
					return errors.New("An account id is required")
				}

				accounts, err := store.NewLevelStore(c.GlobalString("datadir"))
				if err != nil {
					return errors.Errorf("Could not open account database: %v", err)
				}
				defer accounts.Close()

				value, err := accounts.Get(id + ":account")
				if err != nil {
					return errors.Errorf("Could not load account %v: %v", id, err)
				}

				var snapshot sdb.AccountSnapshot
				if err := json.Unmarshal([]byte(value), &snapshot); err != nil {
					return errors.Errorf("Could not decode account %v: %v", id, err)
				}

				fmt.Printf("balance=%v payoutAmount=%v peerIdentity=%v\n",
					snapshot.Balance, snapshot.PayoutAmount, snapshot.PeerIdentity)

				return nil
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	return nil
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := settlecliMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			log.WithError(err).Println("Failed running settlecli.")
		}
		os.Exit(1)
	}
}
