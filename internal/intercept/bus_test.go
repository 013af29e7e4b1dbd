package intercept

import (
	"errors"
	"net/http"
	"testing"

	"htmlproxy-go/internal/model"
)

func TestSubscribe_Validation(t *testing.T) {
	b := NewBus()
	if err := b.Subscribe("proxyTeardown", func(Event) {}); !errors.Is(err, ErrUnknownPhase) {
		t.Errorf("Subscribe(unknown) error = %v, want ErrUnknownPhase", err)
	}
	if err := b.Subscribe(PhaseRequest, nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("Subscribe(nil) error = %v, want ErrNilHandler", err)
	}
	if err := b.OnRequest(nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("OnRequest(nil) error = %v, want ErrNilHandler", err)
	}
	if err := b.OnResponse(nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("OnResponse(nil) error = %v, want ErrNilHandler", err)
	}
}

func TestEmit_NoHandlers(t *testing.T) {
	b := NewBus()
	if b.Emit(&RequestEvent{}) {
		t.Error("Emit() = true with no handlers, want false")
	}
}

func TestEmit_OrderAndSharedInstance(t *testing.T) {
	b := NewBus()
	var order []string
	_ = b.OnRequest(func(ev *RequestEvent) {
		order = append(order, "first")
		ev.Options.Header.Set("X-Seen", "first")
	})
	_ = b.OnRequest(func(ev *RequestEvent) {
		order = append(order, "second:"+ev.Options.Header.Get("X-Seen"))
	})

	ev := &RequestEvent{Options: &model.RequestOptions{Header: http.Header{}}}
	if b.Emit(ev) {
		t.Error("Emit() = true, want false")
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second:first" {
		t.Errorf("order = %v, want [first second:first]", order)
	}
}

func TestEmit_StopReachesAllHandlers(t *testing.T) {
	b := NewBus()
	calls := 0
	_ = b.OnResponse(func(ev *ResponseEvent) {
		calls++
		ev.Stop()
	})
	_ = b.OnResponse(func(ev *ResponseEvent) {
		calls++
		if !ev.Stopped() {
			t.Error("second handler: Stopped() = false, want true")
		}
	})

	if !b.Emit(&ResponseEvent{}) {
		t.Error("Emit() = false, want true")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestEmit_PhasesAreIsolated(t *testing.T) {
	b := NewBus()
	_ = b.OnRequest(func(ev *RequestEvent) { ev.Stop() })

	if b.Emit(&ResponseEvent{}) {
		t.Error("response event stopped by a request handler")
	}
	if b.Len(PhaseRequest) != 1 || b.Len(PhaseResponse) != 0 {
		t.Errorf("Len = (%d, %d), want (1, 0)", b.Len(PhaseRequest), b.Len(PhaseResponse))
	}
}

func TestSubscribe_RawHandler(t *testing.T) {
	b := NewBus()
	var got Phase
	_ = b.Subscribe(PhaseResponse, func(ev Event) { got = ev.Phase() })
	b.Emit(&ResponseEvent{})
	if got != PhaseResponse {
		t.Errorf("phase = %q, want %q", got, PhaseResponse)
	}
}
