// Package ws is the signaling-transport client: a websocket connection to
// the external message relay, implementing port.Signaler. The relay routes
// envelopes between user IDs; this package assumes nothing beyond
// at-least-once, best-effort delivery.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/speakmate/callkit/internal/core/domain"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingInterval     = (pongWait * 9) / 10
	maxRedialBackoff = 30 * time.Second
	subscriberBuffer = 32
)

var errClosed = errors.New("signaling gateway closed")

// Config for the relay connection.
type Config struct {
	// URL is the relay's websocket endpoint, e.g. wss://relay.example/ws.
	URL string
	// UserID identifies this peer to the relay for routing.
	UserID domain.UserID
}

// Gateway is a relay client. It redials with capped backoff when the
// connection drops and fans inbound envelopes out to subscribers.
type Gateway struct {
	cfg Config

	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn

	subMu  sync.Mutex
	subs   map[int]chan domain.Envelope
	nextID int

	done     chan struct{}
	stopOnce sync.Once
}

// Dial connects to the relay and starts the read loop.
func Dial(ctx context.Context, cfg Config) (*Gateway, error) {
	g := &Gateway{
		cfg:  cfg,
		subs: make(map[int]chan domain.Envelope),
		done: make(chan struct{}),
	}

	conn, err := g.dial(ctx)
	if err != nil {
		return nil, err
	}
	g.setConn(conn)

	go g.readLoop()
	go g.pingLoop()
	return g, nil
}

func (g *Gateway) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(g.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", g.cfg.UserID.String())
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("relay dial: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return conn, nil
}

// Send routes one payload to a remote user via the relay.
func (g *Gateway) Send(ctx context.Context, to domain.UserID, event domain.SignalEvent, payload any) error {
	select {
	case <-g.done:
		return errClosed
	default:
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	env := domain.Envelope{
		Event:   event,
		From:    g.cfg.UserID,
		To:      to,
		Payload: raw,
	}

	conn := g.currentConn()
	if conn == nil {
		return errors.New("relay connection down")
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

// Subscribe registers an inbound envelope consumer.
func (g *Gateway) Subscribe() (<-chan domain.Envelope, func()) {
	g.subMu.Lock()
	defer g.subMu.Unlock()

	ch := make(chan domain.Envelope, subscriberBuffer)
	select {
	case <-g.done:
		close(ch)
		return ch, func() {}
	default:
	}

	id := g.nextID
	g.nextID++
	g.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			g.subMu.Lock()
			if c, ok := g.subs[id]; ok {
				delete(g.subs, id)
				close(c)
			}
			g.subMu.Unlock()
		})
	}
	return ch, cancel
}

// Close shuts the gateway down and closes all subscriber channels.
func (g *Gateway) Close() error {
	g.stopOnce.Do(func() {
		close(g.done)
		if conn := g.currentConn(); conn != nil {
			conn.Close()
		}
		g.subMu.Lock()
		for id, ch := range g.subs {
			delete(g.subs, id)
			close(ch)
		}
		g.subMu.Unlock()
	})
	return nil
}

func (g *Gateway) readLoop() {
	backoff := time.Second
	for {
		conn := g.currentConn()
		if conn == nil {
			return
		}

		for {
			var env domain.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				select {
				case <-g.done:
					return
				default:
				}
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Msg("Relay connection lost")
				}
				break
			}
			g.fanout(env)
			backoff = time.Second
		}

		conn.Close()
		g.setConn(nil)

		// Redial with capped backoff until closed.
		for {
			select {
			case <-g.done:
				return
			case <-time.After(backoff):
			}
			next, err := g.dial(context.Background())
			if err == nil {
				log.Info().Msg("Relay connection re-established")
				g.setConn(next)
				break
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("Relay redial failed")
			backoff *= 2
			if backoff > maxRedialBackoff {
				backoff = maxRedialBackoff
			}
		}
	}
}

func (g *Gateway) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			conn := g.currentConn()
			if conn == nil {
				continue
			}
			g.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			g.writeMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Msg("Relay ping failed")
			}
		}
	}
}

func (g *Gateway) fanout(env domain.Envelope) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	for _, ch := range g.subs {
		select {
		case ch <- env:
		default:
			log.Warn().Str("event", string(env.Event)).Msg("Slow signaling subscriber, dropping envelope")
		}
	}
}

func (g *Gateway) currentConn() *websocket.Conn {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return g.conn
}

func (g *Gateway) setConn(c *websocket.Conn) {
	g.connMu.Lock()
	g.conn = c
	g.connMu.Unlock()
}
