// Package intercept delivers cancellable lifecycle events for each proxied
// exchange. Delivery is synchronous and in-process.
package intercept

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"htmlproxy-go/internal/model"
)

// Phase names a point in the proxy lifecycle.
type Phase string

const (
	// PhaseRequest fires after the outbound request is built and before it is sent.
	PhaseRequest Phase = "proxyRequest"
	// PhaseResponse fires after the upstream responds and before anything is
	// written to the client.
	PhaseResponse Phase = "proxyResponse"
)

var (
	ErrUnknownPhase = errors.New("intercept: unknown phase")
	ErrNilHandler   = errors.New("intercept: handler is required")
)

// Event is implemented by the per-phase event types.
type Event interface {
	Phase() Phase
	Stop()
	Stopped() bool
}

// Handler receives events of the phase it subscribed to.
type Handler func(Event)

type stopFlag struct{ stopped bool }

// Stop cancels the default behaviour of the phase. A handler that stops an
// event owns the client response from then on.
func (s *stopFlag) Stop() { s.stopped = true }

// Stopped reports whether a handler called Stop.
func (s *stopFlag) Stopped() bool { return s.stopped }

// RequestEvent is emitted for PhaseRequest. Handlers may change the method,
// path and headers in Options before the upstream call is made.
type RequestEvent struct {
	stopFlag

	Options *model.RequestOptions
	Request *http.Request
	Writer  http.ResponseWriter
}

// Phase implements Event.
func (*RequestEvent) Phase() Phase { return PhaseRequest }

// ResponseEvent is emitted for PhaseResponse. Handlers may change the status
// code and headers of Response; Options is the request that was proxied.
type ResponseEvent struct {
	stopFlag

	Options  *model.RequestOptions
	Response *model.ProxyResponse
	Request  *http.Request
	Writer   http.ResponseWriter
}

// Phase implements Event.
func (*ResponseEvent) Phase() Phase { return PhaseResponse }

// Bus fans events out to the handlers subscribed to their phase.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Phase][]Handler
}

// NewBus creates a Bus with no subscribers.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Phase][]Handler)}
}

// Subscribe adds h to the handlers of phase.
func (b *Bus) Subscribe(phase Phase, h Handler) error {
	if phase != PhaseRequest && phase != PhaseResponse {
		return fmt.Errorf("%w: %q", ErrUnknownPhase, phase)
	}
	if h == nil {
		return ErrNilHandler
	}
	b.mu.Lock()
	b.handlers[phase] = append(b.handlers[phase], h)
	b.mu.Unlock()
	return nil
}

// OnRequest subscribes a typed handler to PhaseRequest.
func (b *Bus) OnRequest(fn func(*RequestEvent)) error {
	if fn == nil {
		return ErrNilHandler
	}
	return b.Subscribe(PhaseRequest, func(ev Event) {
		if re, ok := ev.(*RequestEvent); ok {
			fn(re)
		}
	})
}

// OnResponse subscribes a typed handler to PhaseResponse.
func (b *Bus) OnResponse(fn func(*ResponseEvent)) error {
	if fn == nil {
		return ErrNilHandler
	}
	return b.Subscribe(PhaseResponse, func(ev Event) {
		if re, ok := ev.(*ResponseEvent); ok {
			fn(re)
		}
	})
}

// Emit delivers ev to every handler of its phase, in subscription order, and
// reports whether any of them stopped it. All handlers see the event even
// after one has stopped it.
func (b *Bus) Emit(ev Event) bool {
	b.mu.RLock()
	handlers := b.handlers[ev.Phase()]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return ev.Stopped()
}

// Len returns the number of handlers subscribed to phase.
func (b *Bus) Len(phase Phase) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[phase])
}
