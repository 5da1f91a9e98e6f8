package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/limartinyk/bottlecap-runner/internal/config"
	"github.com/limartinyk/bottlecap-runner/internal/ollama"
	"github.com/limartinyk/bottlecap-runner/internal/relay"
	"github.com/limartinyk/bottlecap-runner/internal/storage"
	"github.com/limartinyk/bottlecap-runner/internal/wire"
	"github.com/limartinyk/bottlecap-runner/pkg/logger"

	"sync"
)

// TokenPrefix is the required shape of a runner token.
const TokenPrefix = "bc_runner_"

// ErrInvalidToken is returned by Connect before any I/O when the token does
// not have the required prefix.
var ErrInvalidToken = fmt.Errorf("invalid runner token: must start with %q", TokenPrefix)

// credentialStore is the persistence surface for the runner token.
type credentialStore interface {
	Load() (string, error)
	Save(token string) error
	Clear() error
}

// runtimeClient is the local runtime surface the manager needs.
type runtimeClient interface {
	Ping(ctx context.Context) error
	ListModels(ctx context.Context) ([]string, error)
	ChatStream(ctx context.Context, model string, messages []ollama.Message, opts ollama.Options, fn func(ollama.StreamChunk) error) error
}

// relayConn is the transport session surface, satisfied by *relay.Conn.
type relayConn interface {
	RunnerID() string
	Inbound() <-chan any
	Send(frame any) error
	Close() error
	Done() <-chan struct{}
	Err() error
}

// dialFunc opens one authenticated relay session.
type dialFunc func(ctx context.Context, opts relay.Options, token string) (relayConn, error)

// Manager owns the connection lifecycle: it validates tokens, drives the
// relay transport with reconnect backoff, runs the prober and multiplexer
// while connected, and publishes status, model, and log events outward.
//
// Only the manager mutates the connection status and model set; other
// components read consistent snapshots through its accessors.
type Manager struct {
	cfg     *config.Config
	store   credentialStore
	runtime runtimeClient
	dial    dialFunc
	backoff relay.Backoff
	clock   Clock
	emitter *Emitter

	mu            sync.Mutex
	status        Status
	lastErr       string
	models        []string
	log           *Log
	sessionCancel context.CancelFunc
	sessionDone   chan struct{}
}

// New creates a manager wired to the real credential store, Ollama client,
// and relay dialer.
func New(cfg *config.Config) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   storage.NewCredentialStore(cfg.TokenPath(), cfg.SecretKeyPath()),
		runtime: ollama.NewClient(cfg.OllamaURL),
		dial: func(ctx context.Context, opts relay.Options, token string) (relayConn, error) {
			return relay.Dial(ctx, opts, token)
		},
		backoff: relay.Backoff{Initial: cfg.ReconnectInitial, Max: cfg.ReconnectMax},
		clock:   RealClock{},
		emitter: NewEmitter(),
		status:  StatusDisconnected,
		log:     NewLog(DefaultLogCapacity),
	}
}

// Subscribe registers an observer for status, model, and log events. The
// returned cancel function unsubscribes it.
func (m *Manager) Subscribe(fn Observer) (cancel func()) {
	return m.emitter.Subscribe(fn)
}

// CurrentStatus returns the connection status and, when the status is
// StatusError, the failure message.
func (m *Manager) CurrentStatus() (Status, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.lastErr
}

// Models returns the last probed model set.
func (m *Manager) Models() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.models)
}

// LogEntries returns a snapshot of the activity log, oldest first.
func (m *Manager) LogEntries() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log.Entries()
}

// GetSavedToken returns the persisted runner token, or "" when none is
// stored.
func (m *Manager) GetSavedToken() (string, error) {
	token, err := m.store.Load()
	if err != nil {
		m.appendLog(LevelError, "failed to load saved token: %v", err)
		return "", err
	}
	return token, nil
}

// SaveToken persists the token without transforming or validating it.
func (m *Manager) SaveToken(token string) error {
	if err := m.store.Save(token); err != nil {
		m.appendLog(LevelError, "failed to save token: %v", err)
		return err
	}
	return nil
}

// ClearToken removes the persisted token.
func (m *Manager) ClearToken() error {
	if err := m.store.Clear(); err != nil {
		m.appendLog(LevelError, "failed to clear token: %v", err)
		return err
	}
	return nil
}

// CheckOllama is the liveness-only probe variant used before connecting.
func (m *Manager) CheckOllama(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	return m.runtime.Ping(pingCtx) == nil
}

// Connect validates the token and establishes the relay session.
//
// It returns ErrInvalidToken without any state change or network attempt
// when the token is malformed, an *relay.AuthError when the relay rejects
// the token, and nil once the session is either connected or retrying in
// the background after a network failure. Any existing session is torn down
// first.
func (m *Manager) Connect(ctx context.Context, token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return ErrInvalidToken
	}

	m.Disconnect()

	sessionCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.sessionCancel = cancel
	m.sessionDone = done
	m.mu.Unlock()

	m.appendLog(LevelInfo, "connecting to relay")
	m.setStatus(StatusConnecting, "")

	// first resolves once the initial attempt has an outcome: connected,
	// auth-rejected, or entered the retry loop.
	first := make(chan error, 1)
	go func() {
		defer close(done)
		m.runSession(sessionCtx, token, first)
	}()

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect cancels any retry loop, closes the transport, aborts in-flight
// requests, and resets to StatusDisconnected. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.sessionCancel
	done := m.sessionDone
	m.sessionCancel = nil
	m.sessionDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		m.appendLog(LevelInfo, "disconnected")
	}

	m.setStatus(StatusDisconnected, "")
	m.setModels(nil)
}

// runSession drives one desired-connected period: dial, serve, and reconnect
// with backoff until ctx is canceled or the relay rejects the token.
func (m *Manager) runSession(ctx context.Context, token string, first chan<- error) {
	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			first <- err
		}
	}

	attempt := 0
	for {
		opts := relay.Options{
			URL:            m.cfg.RelayURL,
			ConnectTimeout: m.cfg.ConnectTimeout,
			LivenessWindow: m.cfg.LivenessWindow,
		}

		conn, err := m.dial(ctx, opts, token)
		if err != nil {
			var authErr *relay.AuthError
			if errors.As(err, &authErr) {
				// Bad credentials are terminal; retrying cannot help.
				m.appendLog(LevelError, "authentication rejected: %s", authErr.Reason)
				m.setStatus(StatusError, authErr.Error())
				report(err)
				return
			}
			if ctx.Err() != nil {
				report(ctx.Err())
				return
			}

			m.appendLog(LevelError, "connection failed: %v", err)
			delay := m.backoff.Delay(attempt)
			attempt++
			m.appendLog(LevelInfo, "reconnecting in %s", delay.Round(time.Millisecond))
			report(nil)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		m.appendLog(LevelSuccess, "connected to relay as %s", conn.RunnerID())
		if err := m.store.Save(token); err != nil {
			m.appendLog(LevelError, "failed to save token: %v", err)
		}
		m.setStatus(StatusConnected, "")
		report(nil)

		m.serveConn(ctx, conn)

		if ctx.Err() != nil {
			return
		}

		if err := conn.Err(); err != nil {
			m.appendLog(LevelError, "connection lost: %v", err)
		} else {
			m.appendLog(LevelInfo, "connection closed")
		}
		m.setStatus(StatusConnecting, "")
	}
}

// serveConn runs the prober, the multiplexer, and the inbound frame pump for
// one live connection. It returns when the connection dies or ctx ends.
func (m *Manager) serveConn(ctx context.Context, conn relayConn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mux := NewMux(MuxConfig{
		Workers:     m.cfg.MaxInFlight,
		IdleTimeout: m.cfg.RequestIdleTimeout,
		Models:      m.Models,
		Send:        conn.Send,
		Streamer:    m.runtime,
		Logf:        m.appendLog,
	})

	prober := NewProber(m.runtime, m.cfg.ProbeTimeout, func(result ProbeResult) {
		if result.Running {
			m.appendLog(LevelInfo, "ollama running with %d models", len(result.Models))
		} else {
			m.appendLog(LevelError, "ollama is not reachable")
		}
		m.setModels(result.Models)
		// Keep the relay's view of this runner current.
		if err := conn.Send(wire.NewStatus(result.Models, m.cfg.DeviceName)); err != nil {
			logger.Debugf("failed to send status report: %v", err)
		}
	})

	g, gctx := errgroup.WithContext(connCtx)

	g.Go(func() error {
		return mux.Run(gctx)
	})

	g.Go(func() error {
		prober.Run(gctx, m.cfg.ProbeInterval)
		return nil
	})

	g.Go(func() error {
		m.pumpInbound(conn, mux)
		cancel()
		return nil
	})

	// Tie the group to the connection's lifetime both ways: a dead
	// connection stops the group, and a canceled group closes the
	// connection so the pump can drain out.
	g.Go(func() error {
		select {
		case <-gctx.Done():
			_ = conn.Close()
		case <-conn.Done():
			cancel()
		}
		return nil
	})

	_ = g.Wait()
	_ = conn.Close()
}

// pumpInbound routes relay frames to the multiplexer until the inbound
// stream closes.
func (m *Manager) pumpInbound(conn relayConn, mux *Mux) {
	for frame := range conn.Inbound() {
		switch f := frame.(type) {
		case wire.ChatRequest:
			m.appendLog(LevelInfo, "request %s for model %s", f.RequestID, f.Model)
			mux.HandleRequest(f)
		case wire.Cancel:
			m.appendLog(LevelInfo, "cancel for request %s", f.RequestID)
			mux.CancelRequest(f.RequestID)
		default:
			logger.Tracef("ignoring relay frame %T", frame)
		}
	}
}

// setStatus records a transition and publishes it. Unchanged statuses are
// not re-published.
func (m *Manager) setStatus(status Status, errMsg string) {
	m.mu.Lock()
	if m.status == status && m.lastErr == errMsg {
		m.mu.Unlock()
		return
	}
	m.status = status
	m.lastErr = errMsg
	m.mu.Unlock()

	logger.Debugf("connection status: %s %s", status, errMsg)
	m.emitter.Publish(StatusEvent{At: m.clock.Now(), Status: status, Err: errMsg})
}

// setModels replaces the model set wholesale and publishes the change.
func (m *Manager) setModels(models []string) {
	m.mu.Lock()
	if slices.Equal(m.models, models) {
		m.mu.Unlock()
		return
	}
	m.models = slices.Clone(models)
	m.mu.Unlock()

	m.emitter.Publish(ModelsEvent{At: m.clock.Now(), Models: slices.Clone(models)})
}

// appendLog adds a timestamped entry to the activity log and publishes it.
// Failures are always logged before the corresponding status transition is
// published, so the log traces the state machine.
func (m *Manager) appendLog(level LogLevel, format string, args ...any) {
	entry := LogEntry{
		Time:    m.clock.Now(),
		Message: fmt.Sprintf(format, args...),
		Level:   level,
	}

	m.mu.Lock()
	m.log.Append(entry)
	m.mu.Unlock()

	switch level {
	case LevelError:
		logger.Errorf("%s", entry.Message)
	default:
		logger.Infof("%s", entry.Message)
	}
	m.emitter.Publish(LogEvent{Entry: entry})
}
