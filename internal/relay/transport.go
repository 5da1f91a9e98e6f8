// Package relay maintains the authenticated websocket connection to the
// cloud relay and encodes/decodes its typed frames.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/limartinyk/bottlecap-runner/internal/wire"
	"github.com/limartinyk/bottlecap-runner/pkg/logger"
)

// ErrClosed is returned by Send after the connection has closed.
var ErrClosed = errors.New("relay connection closed")

const writeTimeout = 10 * time.Second

// Options configures a relay connection.
type Options struct {
	// URL is the relay websocket endpoint.
	URL string
	// ConnectTimeout bounds dialing plus the auth handshake.
	ConnectTimeout time.Duration
	// LivenessWindow closes the connection when no inbound traffic is seen
	// for this long. Zero disables the window.
	LivenessWindow time.Duration
}

// Conn is one authenticated relay session.
//
// Inbound frames are delivered on Inbound; outbound frames go through Send.
// The connection closes itself on read/write failure or heartbeat expiry and
// reports the cause via Err.
type Conn struct {
	ws       *websocket.Conn
	runnerID string
	liveness time.Duration

	inbound  chan any
	outbound chan []byte
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Dial opens a websocket to the relay and performs the auth handshake.
//
// It returns an *AuthError when the relay rejects the token and a
// *NetworkError for everything else.
func Dial(ctx context.Context, opts Options, token string) (*Conn, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)

	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.DialContext(dialCtx, opts.URL, nil)
	if err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("dial %s: %w", opts.URL, err)}
	}

	runnerID, err := handshake(ws, token, deadline)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	c := &Conn{
		ws:       ws,
		runnerID: runnerID,
		liveness: opts.LivenessWindow,
		inbound:  make(chan any, 16),
		outbound: make(chan []byte, 16),
		done:     make(chan struct{}),
	}

	// Websocket-level pings count as liveness traffic and are answered with
	// control pongs, which are safe to write from the read loop.
	ws.SetPingHandler(func(appData string) error {
		c.extendReadDeadline()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// handshake sends the auth frame and waits for the relay's verdict.
func handshake(ws *websocket.Conn, token string, deadline time.Time) (string, error) {
	authData, err := json.Marshal(wire.NewAuth(token))
	if err != nil {
		return "", &NetworkError{Err: fmt.Errorf("marshal auth: %w", err)}
	}

	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, authData); err != nil {
		return "", &NetworkError{Err: fmt.Errorf("send auth: %w", err)}
	}

	for {
		_ = ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			return "", &NetworkError{Err: fmt.Errorf("await auth result: %w", err)}
		}

		frame, err := wire.ParseServerFrame(data)
		if err != nil {
			logger.Debugf("relay: skipping malformed frame during handshake: %v", err)
			continue
		}

		switch f := frame.(type) {
		case wire.AuthSuccess:
			return f.RunnerID, nil
		case wire.AuthError:
			return "", &AuthError{Reason: f.Error}
		default:
			// Frames other than the auth verdict are not expected before
			// authentication completes; skip them.
			continue
		}
	}
}

// RunnerID returns the id the relay assigned on auth success.
func (c *Conn) RunnerID() string {
	return c.runnerID
}

// Inbound returns the stream of parsed relay frames. The channel closes when
// the connection ends.
func (c *Conn) Inbound() <-chan any {
	return c.inbound
}

// Done is closed when the connection has fully shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed: a *NetworkError after a transport
// failure, or nil after a local Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues an outbound frame. It returns ErrClosed once the connection
// has shut down.
func (c *Conn) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	select {
	case <-c.done:
		return ErrClosed
	case c.outbound <- data:
		return nil
	}
}

// Close shuts the connection down. Closing an already-closed connection is a
// no-op.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown records the close reason and tears the socket down exactly once.
func (c *Conn) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) extendReadDeadline() {
	if c.liveness > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.liveness))
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
}

func (c *Conn) readLoop() {
	defer close(c.inbound)

	for {
		c.extendReadDeadline()
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Local close; not a failure.
			default:
				c.shutdown(&NetworkError{Err: err})
			}
			return
		}

		frame, err := wire.ParseServerFrame(data)
		if err != nil {
			logger.Debugf("relay: skipping malformed frame: %v", err)
			continue
		}
		if frame == nil {
			continue
		}

		// Application-level pings are answered on the transport loop so
		// liveness keeps working even when the session layer is busy.
		if _, ok := frame.(wire.Ping); ok {
			_ = c.Send(wire.NewPong())
			continue
		}

		select {
		case c.inbound <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown(&NetworkError{Err: err})
				return
			}
		}
	}
}
