package tcp

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Outbound limits. Media fan-out is shed when a receiver falls behind;
// control records are never dropped — a receiver that cannot keep up
// with those is closed instead.
const (
	sendQueueSlots = 512
	maxQueuedBytes = 1 << 20 // per-connection outbound bound
	writeTimeout   = 10 * time.Second
)

// Conn is one accepted control connection. A dedicated writer goroutine
// drains the send queue so a slow receiver never blocks the dispatcher,
// and every queued element is a complete encoded frame, so peers never
// observe a partial record.
type Conn struct {
	sock net.Conn
	log  *slog.Logger

	send    chan []byte
	queued  atomic.Int64
	dropped atomic.Uint64

	closeOnce sync.Once
	closing   chan struct{}
}

func newConn(sock net.Conn, log *slog.Logger) *Conn {
	return &Conn{
		sock:    sock,
		log:     log.With("remote", sock.RemoteAddr().String()),
		send:    make(chan []byte, sendQueueSlots),
		closing: make(chan struct{}),
	}
}

// SendFrame queues one complete frame. Droppable frames are shed when
// the queue is full; a full queue on a control frame closes the
// connection (queue overflow is the only way a peer loses control
// traffic, and it loses the connection with it).
func (c *Conn) SendFrame(frame []byte, droppable bool) {
	if c.queued.Load()+int64(len(frame)) > maxQueuedBytes {
		if droppable {
			c.dropped.Add(1)
			return
		}
		c.Kick("send queue overflow")
		return
	}
	select {
	case c.send <- frame:
		c.queued.Add(int64(len(frame)))
	default:
		if droppable {
			c.dropped.Add(1)
			return
		}
		c.Kick("send queue overflow")
	}
}

// Kick schedules the connection for close. Frames already queued are
// flushed first; nothing new is accepted once the writer drains.
func (c *Conn) Kick(reason string) {
	c.closeOnce.Do(func() {
		if reason != "" {
			c.log.Info("closing connection", "reason", reason, "dropped_media", c.dropped.Load())
		}
		close(c.closing)
	})
}

// writeLoop owns the socket's write side. It exits, closing the socket,
// on write failure or once Kick has been called and the queue drained.
// Closing the socket unblocks the read loop, which runs the disconnect
// cleanup.
func (c *Conn) writeLoop() {
	defer c.sock.Close()
	for {
		select {
		case frame := <-c.send:
			if !c.writeFrame(frame) {
				return
			}
		case <-c.closing:
			for {
				select {
				case frame := <-c.send:
					if !c.writeFrame(frame) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) writeFrame(frame []byte) bool {
	c.queued.Add(-int64(len(frame)))
	c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.sock.Write(frame); err != nil {
		c.log.Debug("write failed", "err", err)
		return false
	}
	return true
}
