package cmds

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/grillo/pkg/client"
	"github.com/go-go-golems/grillo/pkg/helpers"
)

var ListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "connect to a backend relay and reconcile its event stream live",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		token, _ := cmd.Flags().GetString("token")
		prompt, _ := cmd.Flags().GetString("prompt")
		topic, _ := cmd.Flags().GetString("topic")
		output, _ := cmd.Flags().GetString("output")
		showStatus, _ := cmd.Flags().GetBool("show-status")
		raw, _ := cmd.Flags().GetBool("raw")

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

		bridgeOptions := []client.BridgeOption{}
		if token != "" {
			bridgeOptions = append(bridgeOptions, client.WithAuthToken(token))
		}
		if prompt != "" {
			bridgeOptions = append(bridgeOptions,
				client.WithHello(map[string]string{"type": "prompt", "text": prompt}))
		}

		bridge := client.NewBridge(url, topic,
			helpers.CorrelationPublisherDecorator{Publisher: s.router.Publisher},
			bridgeOptions...)

		// stdin lines become control frames; the pump cannot be interrupted
		// mid-read, so it is not part of the errgroup
		go pumpStdin(bridge)

		eg := errgroup.Group{}
		eg.Go(func() error {
			defer cancel()
			return s.router.Run(ctx)
		})
		eg.Go(func() error {
			defer cancel()
			<-s.router.Running()
			if err := bridge.Run(ctx); err != nil {
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

// pumpStdin forwards stdin lines to the relay. Valid JSON goes through
// verbatim, anything else is wrapped as a prompt frame.
func pumpStdin(bridge *client.Bridge) {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		fmt.Fprintln(os.Stderr, "type a prompt and press enter to send it to the backend")
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var frame interface{}
		if json.Valid([]byte(line)) {
			frame = json.RawMessage(line)
		} else {
			frame = map[string]string{"type": "prompt", "text": line}
		}
		if err := bridge.Send(frame); err != nil {
			log.Warn().Err(err).Msg("failed to send control frame")
		}
	}
}

func init() {
	ListenCmd.Flags().String("url", "", "Websocket URL of the backend relay")
	_ = ListenCmd.MarkFlagRequired("url")
	ListenCmd.Flags().String("token", "", "Bearer token for the relay")
	ListenCmd.Flags().String("prompt", "", "Prompt to send right after connecting")
	ListenCmd.Flags().String("topic", "chat", "Router topic the frames are published on")
	ListenCmd.Flags().String("output", "text", "Transcript output format (text, json, yaml)")
	ListenCmd.Flags().Bool("show-status", true, "Print status indicator changes in text output")
	ListenCmd.Flags().Bool("raw", false, "Dump raw frames instead of transcript updates")
}
