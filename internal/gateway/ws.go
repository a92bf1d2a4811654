package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/job"
	"github.com/omnibrowser/jobstream/internal/queue"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client operations accepted over a WebSocket.
const (
	OpStart       = "start"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpSync        = "reconnect-sync"
	OpCancel      = "cancel"
	OpPause       = "pause"
	OpResume      = "resume"
	OpPing        = "ping"
)

// Request is one message from a WebSocket client.
type Request struct {
	Op           string          `json:"op"`
	RequestID    string          `json:"request_id,omitempty"`
	JobID        string          `json:"job_id,omitempty"`
	LastSequence int64           `json:"last_sequence,omitempty"`
	Type         string          `json:"type,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	CallbackURL  string          `json:"callback_url,omitempty"`
}

// Reply acknowledges or rejects a Request. It travels as the payload of an
// "ack" or "error" frame.
type Reply struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      int    `json:"code,omitempty"`
}

// ErrorStatus maps an operation error to an HTTP-style status code.
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrInvalidTransition):
		return http.StatusConflict
	case IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// WSHandler upgrades authenticated requests and serves the client protocol.
type WSHandler struct {
	gw       *Gateway
	auth     Authenticator
	upgrader websocket.Upgrader
}

// NewWSHandler allows the given origins; an empty list or "*" allows any.
func NewWSHandler(gw *Gateway, auth Authenticator, origins []string) *WSHandler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &WSHandler{
		gw:   gw,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowed) == 0 || allowed["*"] || allowed[origin]
			},
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.gw.log.Warn("websocket upgrade", zap.Error(err))
		return
	}

	c := h.gw.Connect(ownerID)
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	go func() {
		h.writePump(conn, c)
		cancel()
	}()
	h.readPump(ctx, conn, c)
	cancel()
	h.gw.Disconnect(c)
}

func (h *WSHandler) readPump(ctx context.Context, conn *websocket.Conn, c *Client) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.gw.log.Warn("websocket read", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			h.reply(c, Request{}, "", err)
			continue
		}
		jobID, err := h.handle(ctx, c, req)
		h.reply(c, req, jobID, err)
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case f := <-c.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				h.gw.log.Warn("websocket write", zap.String("client_id", c.ID), zap.Error(err))
				return
			}
		case <-c.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle runs one client operation and returns the job it concerns.
func (h *WSHandler) handle(ctx context.Context, c *Client, req Request) (string, error) {
	switch req.Op {
	case OpStart:
		// The owner's room already carries the new job's events.
		j, err := h.gw.Start(ctx, c.OwnerID, &job.CreateRequest{Type: req.Type, Input: req.Input, CallbackURL: req.CallbackURL})
		if err != nil {
			return "", err
		}
		return j.ID, nil
	case OpSubscribe:
		return req.JobID, h.gw.Subscribe(ctx, c, req.JobID)
	case OpUnsubscribe:
		h.gw.Unsubscribe(c, req.JobID)
		return req.JobID, nil
	case OpSync:
		return req.JobID, h.gw.Sync(ctx, c, req.JobID, req.LastSequence)
	case OpCancel:
		return req.JobID, h.gw.Cancel(ctx, c.OwnerID, req.JobID)
	case OpPause:
		return req.JobID, h.gw.Pause(ctx, c.OwnerID, req.JobID)
	case OpResume:
		_, err := h.gw.Resume(ctx, c.OwnerID, req.JobID)
		return req.JobID, err
	case OpPing:
		return "", nil
	default:
		return req.JobID, &ValidationError{Err: errors.New("unknown op " + req.Op)}
	}
}

func (h *WSHandler) reply(c *Client, req Request, jobID string, err error) {
	r := Reply{Op: req.Op, RequestID: req.RequestID}
	typ := "ack"
	if req.Op == OpPing && err == nil {
		typ = "pong"
	}
	if err != nil {
		typ = "error"
		r.Error = err.Error()
		r.Code = ErrorStatus(err)
		if r.Code == http.StatusNotFound {
			r.Error = "job not found"
		}
	}
	payload, _ := json.Marshal(r)
	h.gw.hub.Send(c, Frame{Type: typ, JobID: jobID, Payload: payload, Timestamp: h.gw.now()})
}
