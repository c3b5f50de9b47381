package cmds

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/go-go-golems/grillo/pkg/events"
	"github.com/go-go-golems/grillo/pkg/reconcile"
	"github.com/go-go-golems/grillo/pkg/transcript"
)

// transcriptTopic carries the engine's update notifications; the frame topic
// the raw backend events land on is per-command.
const transcriptTopic = "transcript"

// session bundles the wiring both commands share: an in-process router, a
// memory-backed transcript store and the reconciliation engine bound to the
// frame topic, with a printer subscribed to the updates.
type session struct {
	router *events.EventRouter
	store  *transcript.MemoryStore
	engine *reconcile.Engine
}

type sessionConfig struct {
	frameTopic string
	output     string
	showStatus bool
	raw        bool
}

func newSession(cfg sessionConfig) (*session, error) {
	routerOptions := []events.EventRouterOption{}
	if viper.GetBool("verbose") {
		routerOptions = append(routerOptions, events.WithVerbose(true))
	}

	router, err := events.NewEventRouter(routerOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create event router")
	}

	store := transcript.NewMemoryStore()
	engine := reconcile.NewEngine(store)
	engine.SubscribeNotifications(transcriptTopic, router.Publisher)
	engine.BindRouter(router, cfg.frameTopic)

	if cfg.raw {
		router.AddHandler("raw-frames-stdout", cfg.frameTopic, router.DumpRawFrames)
	} else {
		router.AddHandler("transcript-stdout", transcriptTopic,
			reconcile.NewTranscriptPrinter(os.Stdout, reconcile.PrinterOptions{
				Format:     reconcile.PrinterFormat(cfg.output),
				ShowStatus: cfg.showStatus,
			}))
	}

	return &session{router: router, store: store, engine: engine}, nil
}

func (s *session) Close() {
	s.engine.Close()
	if err := s.router.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close event router")
	}
}

// drain waits until no streaming turn is open, so fallback and watchdog
// timers get to complete their entries before the router shuts down.
func (s *session) drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !s.engine.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
