package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/omnibrowser/jobstream/internal/bus"
	"github.com/omnibrowser/jobstream/internal/gateway"
)

// sseKeepalive is how often a comment line is written to keep proxies from
// closing an idle stream.
const sseKeepalive = 15 * time.Second

// StreamEvents handles GET /api/v1/jobs/{id}/events.
// A Last-Event-ID header or last_sequence parameter resumes the stream after
// that sequence; otherwise the recent backlog is replayed. The stream ends
// when the job reaches a terminal state or the client disconnects.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	owner := OwnerFrom(ctx)
	id := r.PathValue("id")

	last, resume, err := lastSequence(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	j, err := h.gw.Job(ctx, owner, id)
	if err != nil {
		h.writeOpError(w, r, err)
		return
	}

	c := h.gw.ConnectScoped(owner)
	defer h.gw.Disconnect(c)
	if resume {
		err = h.gw.Sync(ctx, c, id, last)
	} else {
		err = h.gw.Subscribe(ctx, c, id)
	}
	if err != nil {
		h.writeOpError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// A finished job gets its replay and the stored record, then the stream closes.
	if j.State.IsTerminal() {
	replay:
		for {
			select {
			case f := <-c.Frames():
				writeSSEFrame(w, f)
			default:
				break replay
			}
		}
		writeSSEEvent(w, "job", j)
		flusher.Flush()
		return
	}

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case f := <-c.Frames():
			writeSSEFrame(w, f)
			flusher.Flush()
			if terminalFrame(f) {
				return
			}
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-c.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// lastSequence reads the resume point from Last-Event-ID or last_sequence.
func lastSequence(r *http.Request) (int64, bool, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_sequence")
	}
	if raw == "" {
		return 0, false, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, false, fmt.Errorf("invalid last sequence %q", raw)
	}
	return seq, true, nil
}

func terminalFrame(f gateway.Frame) bool {
	for _, k := range []bus.Kind{bus.KindCompleted, bus.KindFailed, bus.KindCancelled} {
		if f.Type == k.WireName() {
			return true
		}
	}
	return false
}

// writeSSEFrame writes f as one SSE event. Sequenced frames carry their
// sequence as the event id so the browser sends it back as Last-Event-ID.
func writeSSEFrame(w http.ResponseWriter, f gateway.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	if f.Sequence > 0 {
		fmt.Fprintf(w, "id: %d\n", f.Sequence)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, data)
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
