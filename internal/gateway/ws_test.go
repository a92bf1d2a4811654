package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, h *harness, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewWSHandler(h.gw, NewAPIKeyAuthenticator([]string{"alice:k1"}), nil))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return f
}

func TestWS_RejectsUnauthenticated(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	srv := httptest.NewServer(NewWSHandler(h.gw, NewAPIKeyAuthenticator([]string{"alice:k1"}), nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial succeeded without credentials")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestWS_StartThenSync(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	conn := dialWS(t, h, "api_key=k1")

	if err := conn.WriteJSON(Request{Op: OpStart, RequestID: "r1", Type: "echo"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	ack := readFrame(t, conn)
	if ack.Type != "ack" || ack.JobID == "" {
		t.Fatalf("ack = %+v", ack)
	}
	j, err := h.store.Get(t.Context(), ack.JobID)
	if err != nil || j.OwnerID != "alice" {
		t.Fatalf("Get(%s) = %+v, %v", ack.JobID, j, err)
	}

	h.push(j, 1, 3)
	for want := int64(1); want <= 3; want++ {
		if f := readFrame(t, conn); f.Sequence != want {
			t.Errorf("live frame sequence = %d, want %d", f.Sequence, want)
		}
	}

	if err := conn.WriteJSON(Request{Op: OpSync, JobID: j.ID, LastSequence: 2}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if f := readFrame(t, conn); f.Sequence != 3 || f.Type != "job:chunk" {
		t.Errorf("sync frame = %+v, want job:chunk 3", f)
	}
	if f := readFrame(t, conn); f.Type != "ack" {
		t.Errorf("frame after sync = %+v, want ack", f)
	}
}

func TestWS_ErrorReply(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	conn := dialWS(t, h, "api_key=k1")

	if err := conn.WriteJSON(Request{Op: OpCancel, RequestID: "r2", JobID: "missing"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != "error" || !strings.Contains(string(f.Payload), `"code":404`) {
		t.Errorf("frame = %s %s, want 404 error", f.Type, f.Payload)
	}

	_ = conn.WriteJSON(Request{Op: "dance"})
	f = readFrame(t, conn)
	if f.Type != "error" || !strings.Contains(string(f.Payload), `"code":400`) {
		t.Errorf("frame = %s %s, want 400 error", f.Type, f.Payload)
	}
}
