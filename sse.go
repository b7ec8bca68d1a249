package worlds

import (
	"context"
	"fmt"
	"net/http"
)

// ServeSSE streams a world's event feed as Server-Sent Events over HTTP.
//
// It validates that w implements [http.Flusher], sets SSE headers,
// subscribes an observer channel on the world bus, and writes each event
// as:
//
//	event: <event-kind>
//	data: <json envelope>
//
// The observer carries the bus's bounded drop-oldest buffering, so a slow
// client never stalls the world. Client disconnection propagates via ctx;
// callers typically pass r.Context().
func ServeSSE(ctx context.Context, w http.ResponseWriter, rt *Runtime, worldID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return fmt.Errorf("ResponseWriter does not implement http.Flusher")
	}

	ch, cancel, err := rt.SubscribeEvents(ctx, worldID)
	if err != nil {
		return err
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := ev.Envelope()
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

// WriteSSEEvent writes a single Server-Sent Event to w and flushes. Use it
// to compose custom SSE loops over [Runtime.SubscribeEvents].
func WriteSSEEvent(w http.ResponseWriter, eventType string, data []byte) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("ResponseWriter does not implement http.Flusher")
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	flusher.Flush()
	return nil
}
