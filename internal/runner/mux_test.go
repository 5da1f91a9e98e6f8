package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/limartinyk/bottlecap-runner/internal/ollama"
	"github.com/limartinyk/bottlecap-runner/internal/wire"
)

// fakeStreamer scripts the local runtime's streaming behavior.
type fakeStreamer struct {
	mu     sync.Mutex
	calls  int
	script func(ctx context.Context, model string, fn func(ollama.StreamChunk) error) error
}

func (s *fakeStreamer) ChatStream(ctx context.Context, model string, messages []ollama.Message, opts ollama.Options, fn func(ollama.StreamChunk) error) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.script(ctx, model, fn)
}

func (s *fakeStreamer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// frameSink collects outbound chat responses.
type frameSink struct {
	mu     sync.Mutex
	frames []wire.ChatResponse
}

func (s *frameSink) send(frame any) error {
	resp, ok := frame.(wire.ChatResponse)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, resp)
	return nil
}

func (s *frameSink) byID(requestID string) []wire.ChatResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.ChatResponse
	for _, f := range s.frames {
		if f.RequestID == requestID {
			out = append(out, f)
		}
	}
	return out
}

func (s *frameSink) terminals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.frames {
		if f.Terminal() {
			out = append(out, f.RequestID)
		}
	}
	return out
}

func startMux(t *testing.T, cfg MuxConfig) *Mux {
	t.Helper()
	mux := NewMux(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mux.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return mux
}

func chatRequest(id, model string) wire.ChatRequest {
	return wire.ChatRequest{
		RequestID: id,
		Model:     model,
		Messages:  []wire.ChatMessage{{Role: "user", Content: "hi"}},
	}
}

func countingScript(chunks int) func(ctx context.Context, model string, fn func(ollama.StreamChunk) error) error {
	return func(ctx context.Context, model string, fn func(ollama.StreamChunk) error) error {
		for i := 0; i < chunks; i++ {
			if err := fn(ollama.StreamChunk{Content: fmt.Sprintf("c%d ", i)}); err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
		}
		return fn(ollama.StreamChunk{Done: true, InputTokens: 1, OutputTokens: chunks})
	}
}

func TestMuxPreservesPerRequestChunkOrder(t *testing.T) {
	const chunks = 20
	streamer := &fakeStreamer{script: countingScript(chunks)}
	sink := &frameSink{}

	mux := startMux(t, MuxConfig{
		Workers:  4,
		Models:   func() []string { return []string{"llama3.2"} },
		Send:     sink.send,
		Streamer: streamer,
	})

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		mux.HandleRequest(chatRequest(id, "llama3.2"))
	}

	require.Eventually(t, func() bool {
		return len(sink.terminals()) == len(ids)
	}, 5*time.Second, 10*time.Millisecond)

	for _, id := range ids {
		frames := sink.byID(id)
		require.Len(t, frames, chunks+1)
		var rebuilt strings.Builder
		for i := 0; i < chunks; i++ {
			require.NotNil(t, frames[i].Chunk)
			require.Equal(t, fmt.Sprintf("c%d ", i), *frames[i].Chunk, "chunks for %s reordered", id)
			rebuilt.WriteString(*frames[i].Chunk)
		}
		terminal := frames[chunks]
		require.True(t, terminal.Terminal())
		require.NotNil(t, terminal.Content)
		require.Equal(t, rebuilt.String(), *terminal.Content)
	}
}

func TestMuxQueuesBeyondWorkerBoundInFIFOOrder(t *testing.T) {
	streamer := &fakeStreamer{script: countingScript(2)}
	sink := &frameSink{}

	mux := startMux(t, MuxConfig{
		Workers:  1,
		Models:   func() []string { return []string{"llama3.2"} },
		Send:     sink.send,
		Streamer: streamer,
	})

	for _, id := range []string{"first", "second", "third"} {
		mux.HandleRequest(chatRequest(id, "llama3.2"))
	}

	require.Eventually(t, func() bool {
		return len(sink.terminals()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, []string{"first", "second", "third"}, sink.terminals())
}

func TestMuxModelNotFound(t *testing.T) {
	streamer := &fakeStreamer{script: countingScript(1)}
	sink := &frameSink{}

	mux := startMux(t, MuxConfig{
		Workers:  2,
		Models:   func() []string { return []string{"llama3.2", "mistral"} },
		Send:     sink.send,
		Streamer: streamer,
	})

	mux.HandleRequest(chatRequest("req-1", "codellama"))

	require.Eventually(t, func() bool {
		return len(sink.terminals()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	frames := sink.byID("req-1")
	require.Len(t, frames, 1)
	require.NotNil(t, frames[0].Error)
	require.Equal(t, "model not found: codellama", *frames[0].Error)
	require.Equal(t, 0, streamer.callCount())
}

func TestMuxCancelStopsChunks(t *testing.T) {
	streamer := &fakeStreamer{script: func(ctx context.Context, model string, fn func(ollama.StreamChunk) error) error {
		if err := fn(ollama.StreamChunk{Content: "partial"}); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}}
	sink := &frameSink{}

	mux := startMux(t, MuxConfig{
		Workers:  2,
		Models:   func() []string { return []string{"llama3.2"} },
		Send:     sink.send,
		Streamer: streamer,
	})

	mux.HandleRequest(chatRequest("x", "llama3.2"))

	require.Eventually(t, func() bool {
		return len(sink.byID("x")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mux.CancelRequest("x")

	require.Eventually(t, func() bool {
		return mux.InFlight() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// No terminal frame follows a cancel.
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sink.terminals())
	require.Len(t, sink.byID("x"), 1)
}

func TestMuxCancelWhileQueuedDropsRequest(t *testing.T) {
	release := make(chan struct{})
	streamer := &fakeStreamer{script: func(ctx context.Context, model string, fn func(ollama.StreamChunk) error) error {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return fn(ollama.StreamChunk{Done: true})
	}}
	sink := &frameSink{}

	mux := startMux(t, MuxConfig{
		Workers:  1,
		Models:   func() []string { return []string{"llama3.2"} },
		Send:     sink.send,
		Streamer: streamer,
	})

	mux.HandleRequest(chatRequest("busy", "llama3.2"))
	mux.HandleRequest(chatRequest("queued", "llama3.2"))

	require.Eventually(t, func() bool {
		return mux.InFlight() == 1
	}, 2*time.Second, 10*time.Millisecond)

	mux.CancelRequest("queued")
	close(release)

	require.Eventually(t, func() bool {
		return len(sink.terminals()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"busy"}, sink.terminals())
	require.Empty(t, sink.byID("queued"))
	require.Equal(t, 1, streamer.callCount())
}

func TestMuxRuntimeFailureIsPerRequest(t *testing.T) {
	streamer := &fakeStreamer{script: func(ctx context.Context, model string, fn func(ollama.StreamChunk) error) error {
		if model == "flaky" {
			if err := fn(ollama.StreamChunk{Content: "par"}); err != nil {
				return err
			}
			return errors.New("runtime crashed")
		}
		return countingScript(2)(ctx, model, fn)
	}}
	sink := &frameSink{}

	mux := startMux(t, MuxConfig{
		Workers:  2,
		Models:   func() []string { return []string{"flaky", "llama3.2"} },
		Send:     sink.send,
		Streamer: streamer,
	})

	mux.HandleRequest(chatRequest("bad", "flaky"))
	mux.HandleRequest(chatRequest("good", "llama3.2"))

	require.Eventually(t, func() bool {
		return len(sink.terminals()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	badFrames := sink.byID("bad")
	terminal := badFrames[len(badFrames)-1]
	require.NotNil(t, terminal.Error)
	require.Contains(t, *terminal.Error, "runtime crashed")

	goodFrames := sink.byID("good")
	require.True(t, goodFrames[len(goodFrames)-1].Terminal())
	require.Nil(t, goodFrames[len(goodFrames)-1].Error)
}

func TestMuxIdleTimeoutAbortsSingleRequest(t *testing.T) {
	streamer := &fakeStreamer{script: func(ctx context.Context, model string, fn func(ollama.StreamChunk) error) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	sink := &frameSink{}

	mux := startMux(t, MuxConfig{
		Workers:     1,
		IdleTimeout: 50 * time.Millisecond,
		Models:      func() []string { return []string{"llama3.2"} },
		Send:        sink.send,
		Streamer:    streamer,
	})

	mux.HandleRequest(chatRequest("slow", "llama3.2"))

	require.Eventually(t, func() bool {
		return len(sink.terminals()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	frames := sink.byID("slow")
	require.Len(t, frames, 1)
	require.NotNil(t, frames[0].Error)
	require.Contains(t, *frames[0].Error, "idle timeout")
}
