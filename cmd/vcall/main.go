// Command vcall places and answers peer-to-peer video calls signaled over
// MQTT, compatible with the browser page on the same broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type options struct {
	id          string
	randomID    bool
	headless    bool
	autoAccept  bool
	noClipboard bool
	noHistory   bool
	video       string
	audio       string
	record      string
	debug       bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "vcall",
		Short:         "Peer-to-peer video calls signaled over MQTT",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.id, "id", "", "participant id to register (default: config id or a random name)")
	f.BoolVar(&opts.randomID, "random-id", false, "register under a fresh random name")
	f.BoolVar(&opts.headless, "headless", false, "print events instead of drawing the call screen")
	f.BoolVar(&opts.autoAccept, "auto-accept", false, "answer incoming calls without asking")
	f.BoolVar(&opts.noClipboard, "no-clipboard", false, "do not copy the own id to the clipboard")
	f.BoolVar(&opts.noHistory, "no-history", false, "do not record calls in the history")
	f.StringVar(&opts.video, "video", "", "IVF file used as the camera")
	f.StringVar(&opts.audio, "audio", "", "Ogg/Opus file used as the microphone")
	f.StringVar(&opts.record, "record", "", "directory to record remote media into")
	f.BoolVar(&opts.debug, "debug", false, "verbose logging")

	root.AddCommand(
		newListenCmd(opts),
		newCallCmd(opts),
		newHistoryCmd(),
		newPeersCmd(),
		newDoctorCmd(opts),
		newConfigCmd(),
	)
	return root
}

func newListenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Register and wait for incoming calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, "")
		},
	}
}

func newCallCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "call <peer>",
		Short: "Register and call a peer (your own id starts a loopback call)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args[0])
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
