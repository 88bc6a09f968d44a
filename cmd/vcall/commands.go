package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/darkprince558/vcall/internal/audit"
	"github.com/darkprince558/vcall/internal/config"
	"github.com/darkprince558/vcall/internal/discovery"
	"github.com/darkprince558/vcall/internal/logging"
	"github.com/darkprince558/vcall/internal/rtc"
	"github.com/darkprince558/vcall/internal/ui"
)

const doctorTimeout = 15 * time.Second

func newHistoryCmd() *cobra.Command {
	var wipe bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if wipe {
				if err := audit.ClearHistory(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "History cleared.")
				return nil
			}
			audit.ShowHistory()
			return nil
		},
	}
	cmd.Flags().BoolVar(&wipe, "clear", false, "delete the call history")
	return cmd
}

func newPeersCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List participants advertising on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			peers, err := discovery.Browse(ctx, cfg.Namespace)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(peers) == 0 {
				fmt.Fprintln(out, "No peers found.")
				return nil
			}
			for _, p := range peers {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to listen for announcements")
	return cmd
}

func newDoctorCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check broker connectivity and STUN reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
			defer cancel()
			return doctor(ctx, cmd.OutOrStdout(), cfg, opts.debug)
		},
	}
}

func passed(format string, args ...any) string {
	return ui.StatValueStyle.Render("ok") + "  " + fmt.Sprintf(format, args...)
}

func failed(err error) string {
	return ui.ErrorStyle.Render("FAILED") + "  " + err.Error()
}

func doctor(ctx context.Context, w io.Writer, cfg *config.Config, debug bool) error {
	log := logging.Discard()
	if debug {
		log = logging.Stderr(true)
	}
	row := func(label, value string) {
		fmt.Fprintln(w, ui.ViewStat(label, value))
	}

	problems := 0
	target := cfg.Broker.URL
	if cfg.Broker.Kind == config.BrokerAWSIoT {
		target = cfg.Broker.IoTEndpoint
	}
	start := time.Now()
	broker, err := dialBroker(ctx, cfg, log)
	if err != nil {
		problems++
		row("BROKER", failed(err))
	} else {
		row("BROKER", passed("%s %s (%s)", cfg.Broker.Kind, target, time.Since(start).Round(time.Millisecond)))
		broker.Disconnect()
	}

	servers := iceProvider(cfg, log).Servers(ctx)
	for _, s := range servers {
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") {
				row("ICE", note(u+" (not probed)"))
				continue
			}
			res, err := rtc.ProbeSTUN(ctx, u)
			if err != nil {
				problems++
				row("STUN", failed(fmt.Errorf("%s: %w", u, err)))
				continue
			}
			row("STUN", passed("%s mapped %s in %s", u, res.Mapped, res.RTT.Round(time.Millisecond)))
		}
	}

	if problems > 0 {
		return fmt.Errorf("%d check(s) failed", problems)
	}
	return nil
}

func note(s string) string { return ui.HelpStyle.Render(s) }

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change settings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective settings",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				return showConfig(cmd.OutOrStdout(), cfg)
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Change one setting in the config file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.LoadFile()
				if err != nil {
					return err
				}
				if err := cfg.Set(args[0], args[1]); err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
				return config.Save(cfg)
			},
		},
		&cobra.Command{
			Use:   "keys",
			Short: "List settable keys and their environment variables",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				for _, k := range config.Keys() {
					fmt.Fprintf(cmd.OutOrStdout(), "%-26s %s\n", k, config.EnvName(k))
				}
			},
		},
	)
	return cmd
}

const redacted = "********"

// showConfig prints cfg as JSON with secrets masked.
func showConfig(w io.Writer, cfg *config.Config) error {
	c := *cfg
	if c.Broker.Password != "" {
		c.Broker.Password = redacted
	}
	c.ICE.Servers = append([]config.ICEServer(nil), cfg.ICE.Servers...)
	for i := range c.ICE.Servers {
		if c.ICE.Servers[i].Credential != "" {
			c.ICE.Servers[i].Credential = redacted
		}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}
