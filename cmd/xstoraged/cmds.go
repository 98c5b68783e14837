package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/loafoe/go-xstorage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the device and serve metrics and the latest snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.client.EnsureValid(ctx); err != nil {
			return fmt.Errorf("%s: %w", xstorage.SetupErrorKey(err), err)
		}
		if err := a.coord.Refresh(ctx); err != nil {
			return fmt.Errorf("first refresh: %w", err)
		}

		watcher := xstorage.NewNotificationWatcher(a.coord, func(alert xstorage.Alert) {
			log.Info("Device notification", "alert_id", alert.ID, "alert", alert.Data)
		}, log.WithName("notifications"))
		defer watcher.Close()

		registry := prometheus.NewRegistry()
		registry.MustRegister(NewCollector(a.coord, cfg.Host))
		srv := &http.Server{
			Addr:              cfg.Listen,
			Handler:           newHandler(a.coord, registry, log.WithName("http")),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return a.coord.Run(ctx)
		})
		g.Go(func() error {
			log.Info("Listening", "addr", cfg.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the credentials and sign in once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := cfg.clientOptions(log)
		if err != nil {
			return err
		}
		client, err := xstorage.NewClient(cfg.Credentials(), opts...)
		if err == nil {
			err = client.Connect(cmd.Context())
		}
		if err != nil {
			fmt.Fprintln(cmd.OutOrStdout(), xstorage.SetupErrorKey(err))
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Fetch every section once and print the snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.coord.Refresh(cmd.Context()); err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(newSnapshotView(a.coord))
	},
}

// oneShot runs fn against a freshly loaded snapshot, so parameters derived
// from device state are available.
func oneShot(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.apply(ctx, cmd.OutOrStdout(), func(ctx context.Context) error {
			return fn(ctx, a, args)
		})
	}
}

// apply runs one write between two refreshes. The commander only requests
// a refresh and there is no Run loop here to serve it, so the second
// refresh is done in place.
func (a *app) apply(ctx context.Context, out io.Writer, write func(ctx context.Context) error) error {
	if err := a.coord.Refresh(ctx); err != nil {
		log.Error(err, "Could not load current state")
	}
	if err := write(ctx); err != nil {
		return err
	}
	if err := a.coord.Refresh(ctx); err != nil {
		log.Error(err, "Could not confirm device state")
	} else {
		a.logState()
	}
	fmt.Fprintln(out, "ok")
	return nil
}

func (a *app) logState() {
	mode, _ := a.commander.DefaultOperationMode()
	soc, _ := a.coord.BatteryLevel()
	log.Info("Device state after write",
		"power", a.commander.PowerState().Value,
		"house_consumption_threshold", a.commander.HouseConsumptionThreshold().Value,
		"battery_backup_level", a.commander.BatteryBackupLevel().Value,
		"energy_saving", a.commander.EnergySavingMode().Value,
		"default_mode", mode,
		"state_of_charge", soc,
	)
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

var powerCmd = &cobra.Command{
	Use:       "power on|off",
	Short:     "Switch the inverter on or off",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: oneShot(func(ctx context.Context, a *app, args []string) error {
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		return a.commander.SetPower(ctx, on)
	}),
}

var thresholdCmd = &cobra.Command{
	Use:   "threshold WATTS",
	Short: "Set the energy saving house consumption threshold",
	Args:  cobra.ExactArgs(1),
	RunE: oneShot(func(ctx context.Context, a *app, args []string) error {
		watts, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		return a.commander.SetHouseConsumptionThreshold(ctx, watts)
	}),
}

var backupLevelCmd = &cobra.Command{
	Use:   "backup-level PERCENT",
	Short: "Set the battery backup level",
	Args:  cobra.ExactArgs(1),
	RunE: oneShot(func(ctx context.Context, a *app, args []string) error {
		pct, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		return a.commander.SetBatteryBackupLevel(ctx, pct)
	}),
}

var defaultModeCmd = &cobra.Command{
	Use:   "default-mode COMMAND",
	Short: "Set the default operation mode, e.g. SET_PEAK_SHAVING",
	Args:  cobra.ExactArgs(1),
	RunE: oneShot(func(ctx context.Context, a *app, args []string) error {
		return a.commander.SetDefaultOperationMode(ctx, xstorage.Command(args[0]))
	}),
}

var energySavingCmd = &cobra.Command{
	Use:       "energy-saving on|off",
	Short:     "Enable or disable energy saving mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: oneShot(func(ctx context.Context, a *app, args []string) error {
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		return a.commander.SetEnergySavingMode(ctx, on)
	}),
}

var modeCmd = &cobra.Command{
	Use:   "mode COMMAND",
	Short: "Start an operation mode right away, e.g. SET_CHARGE",
	Args:  cobra.ExactArgs(1),
}

func init() {
	modeCmd.Flags().Int("duration", 0, "duration in hours")
	modeCmd.Flags().Int("power", 0, "charge or discharge power in percent")
	modeCmd.Flags().Int("soc", 0, "state of charge at which to stop")
	modeCmd.RunE = oneShot(func(ctx context.Context, a *app, args []string) error {
		var in xstorage.ModeInputs
		for name, dst := range map[string]**int{"duration": &in.Duration, "power": &in.Power, "soc": &in.EndSOC} {
			if !modeCmd.Flags().Changed(name) {
				continue
			}
			n, err := modeCmd.Flags().GetInt(name)
			if err != nil {
				return err
			}
			*dst = &n
		}
		return a.commander.SetCurrentOperationMode(ctx, xstorage.Command(args[0]), in)
	})
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the current operation and return to basic mode",
	Args:  cobra.NoArgs,
	RunE: oneShot(func(ctx context.Context, a *app, _ []string) error {
		return a.commander.StopCurrentOperation(ctx)
	}),
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Device notifications",
}

func init() {
	notificationsCmd.AddCommand(&cobra.Command{
		Use:   "read",
		Short: "Mark all notifications as read",
		Args:  cobra.NoArgs,
		RunE: oneShot(func(ctx context.Context, a *app, _ []string) error {
			return a.commander.MarkNotificationsRead(ctx)
		}),
	})
}
