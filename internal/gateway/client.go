package gateway

import (
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// sendBuffer is the number of frames a client may lag behind before it
	// is disconnected.
	sendBuffer = 256
	idSize     = 16
)

// Client is one connection of an authenticated owner. The transport drains
// Frames until Done is closed.
type Client struct {
	ID      string
	OwnerID string

	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(ownerID string) *Client {
	return &Client{
		ID:      gonanoid.Must(idSize),
		OwnerID: ownerID,
		send:    make(chan Frame, sendBuffer),
		done:    make(chan struct{}),
	}
}

// Frames delivers outgoing frames.
func (c *Client) Frames() <-chan Frame { return c.send }

// Done is closed once the client has been disconnected.
func (c *Client) Done() <-chan struct{} { return c.done }

// offer queues f without blocking and reports whether it fit.
func (c *Client) offer(f Frame) bool {
	if c.closed() {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
