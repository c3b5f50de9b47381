package cmds

import (
	"context"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/grillo/pkg/client"
	"github.com/go-go-golems/grillo/pkg/helpers"
)

var ReplayCmd = &cobra.Command{
	Use:   "replay <capture.jsonl>",
	Short: "replay a captured backend event log through the reconciliation engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")
		output, _ := cmd.Flags().GetString("output")
		showStatus, _ := cmd.Flags().GetBool("show-status")
		raw, _ := cmd.Flags().GetBool("raw")
		delay, _ := cmd.Flags().GetDuration("delay")

		s, err := newSession(sessionConfig{
			frameTopic: topic,
			output:     output,
			showStatus: showStatus,
			raw:        raw,
		})
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ctx = helpers.ContextWithCorrelationID(ctx, helpers.NewSessionID())
		replay := client.NewReplay(args[0], topic,
			helpers.CorrelationPublisherDecorator{Publisher: s.router.Publisher}, delay)

		eg := errgroup.Group{}
		eg.Go(func() error {
			defer cancel()
			return s.router.Run(ctx)
		})
		eg.Go(func() error {
			defer cancel()
			<-s.router.Running()
			if err := replay.Run(ctx); err != nil {
				return err
			}
			return s.drain(ctx)
		})

		err = eg.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	ReplayCmd.Flags().String("topic", "chat", "Router topic the frames are published on")
	ReplayCmd.Flags().String("output", "text", "Transcript output format (text, json, yaml)")
	ReplayCmd.Flags().Bool("show-status", false, "Print status indicator changes in text output")
	ReplayCmd.Flags().Bool("raw", false, "Dump raw frames instead of transcript updates")
	ReplayCmd.Flags().Duration("delay", 0, "Pause between replayed frames")
}
