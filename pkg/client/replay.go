package client

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// maxFrameBytes bounds a single replayed frame; captures of tool outputs can
// blow well past bufio's default token size.
const maxFrameBytes = 1 << 20

// Replay feeds recorded protocol frames from a JSONL capture file onto a
// router topic, optionally pacing them, so sessions can be developed and
// debugged offline against real traffic.
type Replay struct {
	path      string
	topic     string
	publisher message.Publisher
	delay     time.Duration
}

func NewReplay(path string, topic string, publisher message.Publisher, delay time.Duration) *Replay {
	return &Replay{
		path:      path,
		topic:     topic,
		publisher: publisher,
		delay:     delay,
	}
}

// Run publishes every frame in file order. Blank lines and lines starting
// with '#' are skipped, so captures can be annotated by hand.
func (r *Replay) Run(ctx context.Context) error {
	f, err := os.Open(r.path)
	if err != nil {
		return errors.Wrapf(err, "failed to open capture %s", r.path)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	line := 0
	published := 0
	for scanner.Scan() {
		line++
		payload := bytes.TrimSpace(scanner.Bytes())
		if len(payload) == 0 || payload[0] == '#' {
			continue
		}

		// scanner reuses its buffer, the message needs its own copy
		msg := message.NewMessage(watermill.NewUUID(), append([]byte(nil), payload...))
		msg.SetContext(ctx)
		if err := r.publisher.Publish(r.topic, msg); err != nil {
			return errors.Wrapf(err, "failed to publish frame at line %d", line)
		}
		published++

		if r.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.delay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "failed to read capture %s", r.path)
	}

	log.Info().Str("path", r.path).Int("frames", published).Msg("replay finished")
	return nil
}
