package worlds

import (
	"context"
	"testing"
	"time"
)

func TestHITLRespondResolvesRequest(t *testing.T) {
	bus := NewBus("w", nil)
	defer bus.Close()
	c := NewHITLCoordinator("w", bus)

	events, cancel := bus.SubscribeChan(EventSystem)
	defer cancel()

	done := make(chan HITLResponse, 1)
	go func() {
		resp, err := c.RequestOption(context.Background(), "c1", "Proceed?", []HITLOption{
			{ID: "yes", Label: "Yes"},
			{ID: "no", Label: "No"},
		})
		if err != nil {
			t.Errorf("RequestOption() error = %v", err)
		}
		done <- resp
	}()

	ev := waitEvent(t, events, 2*time.Second, "hitl_option_request", func(ev Event) bool {
		return ev.System != nil && ev.System.EventType == SystemHITLOptionRequest
	})
	if ev.System.Prompt != "Proceed?" || len(ev.System.Options) != 2 {
		t.Errorf("request event = %+v, want prompt and two options", ev.System)
	}

	if err := c.Respond(ev.System.RequestID, "yes"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	select {
	case resp := <-done:
		if resp.OptionID != "yes" || resp.Cancelled {
			t.Errorf("response = %+v, want option yes, not cancelled", resp)
		}
		if resp.RequestID != ev.System.RequestID {
			t.Errorf("RequestID = %q, want %q", resp.RequestID, ev.System.RequestID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestOption did not return after Respond")
	}
}

func TestHITLRespondUnknownRequest(t *testing.T) {
	bus := NewBus("w", nil)
	defer bus.Close()
	c := NewHITLCoordinator("w", bus)

	err := c.Respond("no-such-request", "yes")
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("Respond() error = %v, want *ValidationError", err)
	}
	if ve.Code() != "INVALID_REQUEST" {
		t.Errorf("code = %q, want INVALID_REQUEST", ve.Code())
	}
}

func TestHITLTimeoutCancels(t *testing.T) {
	bus := NewBus("w", nil)
	defer bus.Close()
	c := NewHITLCoordinator("w", bus, WithHITLTimeout(30*time.Millisecond))

	resp, err := c.RequestOption(context.Background(), "c1", "Anyone?", []HITLOption{{ID: "a"}})
	if err != nil {
		t.Fatalf("RequestOption() error = %v", err)
	}
	if !resp.Cancelled {
		t.Error("Cancelled = false after timeout, want true")
	}
	// The timed-out request is gone.
	if err := c.Respond(resp.RequestID, "a"); err == nil {
		t.Error("Respond after timeout succeeded, want INVALID_REQUEST")
	}
}

func TestHITLContextCancellation(t *testing.T) {
	bus := NewBus("w", nil)
	defer bus.Close()
	c := NewHITLCoordinator("w", bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan HITLResponse, 1)
	go func() {
		resp, _ := c.RequestOption(ctx, "c1", "Waiting", []HITLOption{{ID: "a"}})
		done <- resp
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case resp := <-done:
		if !resp.Cancelled {
			t.Error("Cancelled = false after context cancel, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestOption did not return after context cancel")
	}
}

func TestHITLCancelAll(t *testing.T) {
	bus := NewBus("w", nil)
	defer bus.Close()
	c := NewHITLCoordinator("w", bus)

	done := make(chan HITLResponse, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, _ := c.RequestOption(context.Background(), "c1", "gate", []HITLOption{{ID: "a"}})
			done <- resp
		}()
	}
	// Let both requests register before sweeping.
	time.Sleep(50 * time.Millisecond)
	c.CancelAll()

	for i := 0; i < 2; i++ {
		select {
		case resp := <-done:
			if !resp.Cancelled {
				t.Errorf("response %d not cancelled", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending request not resolved by CancelAll")
		}
	}
}
