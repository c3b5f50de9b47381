// Package client contains the transport seam of the chat client: frame
// sources that publish raw backend events onto a router topic. The
// reconciliation engine only ever consumes the topic, so a live websocket
// and a replayed capture file are interchangeable.
package client

import (
	"context"
	"net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Bridge connects to the backend relay over a websocket and republishes
// every received frame, one router message per frame. Reconnection policy
// is the operator's concern: Run returns on any terminal socket error and
// can simply be called again.
type Bridge struct {
	url       string
	topic     string
	publisher message.Publisher
	header    http.Header
	hello     interface{}

	connMu sync.Mutex
	conn   *websocket.Conn
}

type BridgeOption func(*Bridge)

func WithHeader(header http.Header) BridgeOption {
	return func(b *Bridge) {
		b.header = header
	}
}

func WithAuthToken(token string) BridgeOption {
	return func(b *Bridge) {
		if b.header == nil {
			b.header = http.Header{}
		}
		b.header.Set("Authorization", "Bearer "+token)
	}
}

// WithHello sets a control frame written to the relay right after the
// connection is established, before any frame is read.
func WithHello(payload interface{}) BridgeOption {
	return func(b *Bridge) {
		b.hello = payload
	}
}

func NewBridge(url string, topic string, publisher message.Publisher, options ...BridgeOption) *Bridge {
	ret := &Bridge{
		url:       url,
		topic:     topic,
		publisher: publisher,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Run dials the relay and pumps frames onto the topic until the context is
// cancelled or the socket closes. A normal close from the relay returns nil.
func (b *Bridge) Run(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, b.url, b.header)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "failed to dial %s (status %s)", b.url, resp.Status)
		}
		return errors.Wrapf(err, "failed to dial %s", b.url)
	}

	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()
	log.Info().Str("url", b.url).Msg("connected to backend relay")

	if b.hello != nil {
		if err := b.Send(b.hello); err != nil {
			b.closeConn()
			return err
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.closeConn()
		case <-done:
		}
	}()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			b.closeConn()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Str("url", b.url).Msg("backend relay closed the connection")
				return nil
			}
			return errors.Wrap(err, "failed to read relay frame")
		}
		if msgType != websocket.TextMessage {
			log.Debug().Int("type", msgType).Msg("skipping non-text relay frame")
			continue
		}

		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.SetContext(ctx)
		if err := b.publisher.Publish(b.topic, msg); err != nil {
			b.closeConn()
			return errors.Wrap(err, "failed to publish relay frame")
		}
	}
}

// Send writes one JSON control frame to the relay (user prompts, approval
// decisions). Fails when not connected.
func (b *Bridge) Send(v interface{}) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.conn == nil {
		return errors.New("not connected to the backend relay")
	}
	return errors.Wrap(b.conn.WriteJSON(v), "failed to write relay frame")
}

func (b *Bridge) closeConn() {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.conn == nil {
		return
	}
	_ = b.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = b.conn.Close()
	b.conn = nil
}
