package runner

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/limartinyk/bottlecap-runner/internal/ollama"
	"github.com/limartinyk/bottlecap-runner/internal/wire"
)

// chatStreamer is the local runtime surface the multiplexer needs.
type chatStreamer interface {
	ChatStream(ctx context.Context, model string, messages []ollama.Message, opts ollama.Options, fn func(ollama.StreamChunk) error) error
}

// MuxConfig wires a Mux to its collaborators.
type MuxConfig struct {
	// Workers bounds concurrent runtime calls. Requests beyond the bound
	// queue in arrival order.
	Workers int
	// IdleTimeout aborts a single request when the runtime produces no data
	// for this long. Zero disables the timeout.
	IdleTimeout time.Duration
	// Models returns the last probed model set.
	Models func() []string
	// Send delivers an outbound frame to the relay.
	Send func(frame any) error
	// Streamer runs streaming completions against the local runtime.
	Streamer chatStreamer
	// Logf appends to the activity log. May be nil.
	Logf func(level LogLevel, format string, args ...any)
}

// Mux fans inbound generation requests out to local runtime calls and fans
// the streamed output back to relay frames, keyed by request id.
//
// Chunks for different ids may interleave on the wire; chunks within one id
// never reorder because each request is handled by exactly one worker.
type Mux struct {
	cfg MuxConfig

	mu       sync.Mutex
	pending  []wire.ChatRequest
	canceled map[string]bool
	inflight map[string]context.CancelFunc
	notify   chan struct{}
}

// NewMux creates a multiplexer. Run must be called to start its workers.
func NewMux(cfg MuxConfig) *Mux {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Mux{
		cfg:      cfg,
		canceled: make(map[string]bool),
		inflight: make(map[string]context.CancelFunc),
		notify:   make(chan struct{}, 1),
	}
}

// Run blocks serving requests until ctx is canceled. In-flight runtime calls
// are aborted when it returns.
func (m *Mux) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < m.cfg.Workers; i++ {
		g.Go(func() error {
			m.worker(gctx)
			return nil
		})
	}
	return g.Wait()
}

// HandleRequest enqueues an inbound generation request.
func (m *Mux) HandleRequest(req wire.ChatRequest) {
	m.mu.Lock()
	m.pending = append(m.pending, req)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// CancelRequest aborts the request with the given id, whether it is still
// queued or already streaming. No further chunks are emitted for it.
func (m *Mux) CancelRequest(requestID string) {
	m.mu.Lock()
	m.canceled[requestID] = true
	cancel := m.inflight[requestID]
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// InFlight returns the number of requests currently streaming.
func (m *Mux) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// next pops the oldest pending request, blocking until one arrives or ctx
// ends. Requests canceled while queued are dropped here.
func (m *Mux) next(ctx context.Context) (wire.ChatRequest, bool) {
	for {
		m.mu.Lock()
		for len(m.pending) > 0 {
			req := m.pending[0]
			m.pending = m.pending[1:]
			if m.canceled[req.RequestID] {
				delete(m.canceled, req.RequestID)
				continue
			}
			m.mu.Unlock()
			return req, true
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return wire.ChatRequest{}, false
		case <-m.notify:
		}
	}
}

func (m *Mux) worker(ctx context.Context) {
	for {
		req, ok := m.next(ctx)
		if !ok {
			return
		}
		m.handle(ctx, req)
	}
}

func (m *Mux) handle(ctx context.Context, req wire.ChatRequest) {
	if !slices.Contains(m.cfg.Models(), req.Model) {
		m.logf(LevelError, "model not available: %s", req.Model)
		_ = m.cfg.Send(wire.NewErrorResponse(req.RequestID, fmt.Sprintf("model not found: %s", req.Model)))
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	m.inflight[req.RequestID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, req.RequestID)
		delete(m.canceled, req.RequestID)
		m.mu.Unlock()
	}()

	var idleTimer *time.Timer
	timedOut := false
	if m.cfg.IdleTimeout > 0 {
		idleTimer = time.AfterFunc(m.cfg.IdleTimeout, func() {
			m.mu.Lock()
			timedOut = true
			m.mu.Unlock()
			cancel()
		})
		defer idleTimer.Stop()
	}

	var content strings.Builder
	var usage *wire.Usage

	err := m.cfg.Streamer.ChatStream(reqCtx, req.Model, toRuntimeMessages(req.Messages), toRuntimeOptions(req.Options), func(chunk ollama.StreamChunk) error {
		if idleTimer != nil {
			idleTimer.Reset(m.cfg.IdleTimeout)
		}
		if chunk.Done {
			usage = &wire.Usage{InputTokens: chunk.InputTokens, OutputTokens: chunk.OutputTokens}
			return nil
		}
		if chunk.Content == "" {
			return nil
		}
		content.WriteString(chunk.Content)
		return m.cfg.Send(wire.NewChunkResponse(req.RequestID, chunk.Content))
	})

	if err == nil {
		tokens := 0
		if usage != nil {
			tokens = usage.InputTokens + usage.OutputTokens
		}
		m.logf(LevelSuccess, "completed %s: %d tokens", req.RequestID, tokens)
		_ = m.cfg.Send(wire.NewDoneResponse(req.RequestID, content.String(), usage))
		return
	}

	// The session is going away; every in-flight request is aborted and no
	// terminal frames are owed.
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	wasCanceled := m.canceled[req.RequestID]
	wasTimedOut := timedOut
	m.mu.Unlock()

	switch {
	case wasCanceled:
		m.logf(LevelInfo, "request %s canceled", req.RequestID)
	case wasTimedOut:
		m.logf(LevelError, "request %s timed out waiting for runtime output", req.RequestID)
		_ = m.cfg.Send(wire.NewErrorResponse(req.RequestID, "runtime produced no output before the idle timeout"))
	default:
		m.logf(LevelError, "request %s failed: %v", req.RequestID, err)
		_ = m.cfg.Send(wire.NewErrorResponse(req.RequestID, err.Error()))
	}
}

func (m *Mux) logf(level LogLevel, format string, args ...any) {
	if m.cfg.Logf != nil {
		m.cfg.Logf(level, format, args...)
	}
}

func toRuntimeMessages(in []wire.ChatMessage) []ollama.Message {
	out := make([]ollama.Message, len(in))
	for i, msg := range in {
		out[i] = ollama.Message{Role: msg.Role, Content: msg.Content}
	}
	return out
}

func toRuntimeOptions(in wire.ChatOptions) ollama.Options {
	return ollama.Options{Temperature: in.Temperature, MaxTokens: in.MaxTokens}
}
