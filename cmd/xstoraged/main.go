package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/loafoe/go-xstorage"
	"github.com/loafoe/go-xstorage/store"
	"github.com/spf13/cobra"
)

var (
	v   = newViper()
	cfg *Config
	log = logr.Discard()
)

var Cmd = &cobra.Command{
	Use:          "xstoraged",
	Short:        "Poll and control an Eaton xStorage Home battery",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(v, cmd.Flags())
		if err != nil {
			return err
		}
		log = newLogger(cfg.Verbose, cfg.LogFile)
		return nil
	},
}

func init() {
	addFlags(Cmd.PersistentFlags())
	Cmd.AddCommand(runCmd, checkCmd, statusCmd, powerCmd, thresholdCmd, backupLevelCmd,
		defaultModeCmd, energySavingCmd, modeCmd, stopCmd, notificationsCmd)
}

// app wires one device client to its coordinator and commander.
type app struct {
	client    *xstorage.Client
	tokens    *store.TokenStorage
	coord     *xstorage.Coordinator
	commander *xstorage.Commander
}

func newApp(ctx context.Context) (*app, error) {
	opts, err := cfg.clientOptions(log)
	if err != nil {
		return nil, err
	}
	a := &app{}
	if cfg.TokenDB != "" {
		a.tokens, err = store.NewTokenStorage(log, cfg.TokenDB)
		if err != nil {
			return nil, err
		}
		opts = append(opts, xstorage.WithTokenStore(a.tokens))
	}
	a.client, err = xstorage.NewClient(cfg.Credentials(), opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.client.LoadToken(ctx); err != nil {
		log.Error(err, "Ignoring stored token")
	}
	a.coord = xstorage.NewCoordinator(a.client,
		xstorage.WithUpdateInterval(cfg.Interval),
		xstorage.WithCoordinatorLogger(log.WithName("coordinator")),
	)
	a.commander = xstorage.NewCommander(a.client, a.coord,
		xstorage.WithCommanderLogger(log.WithName("commander")),
	)
	return a, nil
}

func (a *app) Close() {
	if a.commander != nil {
		a.commander.Close()
	}
	if a.tokens != nil {
		if err := a.tokens.Close(); err != nil {
			log.Error(err, "Failed to close token store")
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
