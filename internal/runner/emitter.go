package runner

import "sync"

// Observer receives published events.
type Observer func(Event)

// Emitter is an explicit observer registry. Subscribing returns a cancel
// function so teardown can guarantee unsubscription.
type Emitter struct {
	mu   sync.Mutex
	next int
	subs map[int]Observer
}

// NewEmitter creates an empty registry.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]Observer)}
}

// Subscribe registers an observer and returns its cancel function. Calling
// cancel more than once is a no-op.
func (e *Emitter) Subscribe(fn Observer) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.next
	e.next++
	e.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.subs, id)
		})
	}
}

// Publish delivers an event to every current observer. Observers run on the
// publishing goroutine; they must not block.
func (e *Emitter) Publish(ev Event) {
	e.mu.Lock()
	observers := make([]Observer, 0, len(e.subs))
	for _, fn := range e.subs {
		observers = append(observers, fn)
	}
	e.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}
