// Package btsock provides the local socket plumbing used to exercise
// the engine: sequential-packet connection pairs that behave like a
// Bluetooth link socket (one write, one on-air packet) and byte-stream
// pairs that behave like a local-audio socket.
//
// PacketPipe is a portable in-memory implementation with full deadline
// support, used by tests. On Linux the same shapes are available as real
// AF_UNIX socketpairs for drivers that hand descriptors to external
// processes.
package btsock

import (
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// pipeAddr implements net.Addr for in-memory pipes.
type pipeAddr struct{}

func (pipeAddr) Network() string { return "seqpacket" }
func (pipeAddr) String() string  { return "pipe" }

// packetConn is one end of an in-memory sequential-packet pair. Message
// boundaries are preserved: every Write delivers exactly one packet and
// every Read consumes exactly one, truncating to the buffer like a
// datagram socket.
type packetConn struct {
	recv chan []byte
	peer *packetConn

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
	closed        chan struct{}
	closeOnce     sync.Once
}

// PacketPipe creates a connected sequential-packet pair. The queue depth
// bounds in-flight packets per direction, mimicking a link controller's
// buffering.
func PacketPipe(depth int) (net.Conn, net.Conn) {
	if depth <= 0 {
		depth = 16
	}
	a := &packetConn{recv: make(chan []byte, depth), closed: make(chan struct{})}
	b := &packetConn{recv: make(chan []byte, depth), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func deadlineChan(mu *sync.Mutex, deadline *time.Time) (<-chan time.Time, *time.Timer) {
	mu.Lock()
	d := *deadline
	mu.Unlock()
	if d.IsZero() {
		return nil, nil
	}
	timer := time.NewTimer(time.Until(d))
	return timer.C, timer
}

// Read consumes one packet. A packet larger than p is truncated.
func (c *packetConn) Read(p []byte) (int, error) {
	expired, timer := deadlineChan(&c.mu, &c.readDeadline)
	if timer != nil {
		defer timer.Stop()
	}

	select {
	case pkt, ok := <-c.recv:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, pkt)
		return n, nil
	case <-c.closed:
		// Drain anything already delivered before the close.
		select {
		case pkt := <-c.recv:
			return copy(p, pkt), nil
		default:
			return 0, io.EOF
		}
	case <-c.peer.closed:
		select {
		case pkt := <-c.recv:
			return copy(p, pkt), nil
		default:
			return 0, io.EOF
		}
	case <-expired:
		return 0, os.ErrDeadlineExceeded
	}
}

// Write delivers p as one packet to the peer.
func (c *packetConn) Write(p []byte) (int, error) {
	expired, timer := deadlineChan(&c.mu, &c.writeDeadline)
	if timer != nil {
		defer timer.Stop()
	}

	pkt := append([]byte(nil), p...)
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	case <-c.peer.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	select {
	case c.peer.recv <- pkt:
		return len(p), nil
	case <-c.closed:
		return 0, net.ErrClosed
	case <-c.peer.closed:
		return 0, io.ErrClosedPipe
	case <-expired:
		return 0, os.ErrDeadlineExceeded
	}
}

// Close shuts down this end. The peer observes EOF after draining
// packets already in flight.
func (c *packetConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *packetConn) LocalAddr() net.Addr  { return pipeAddr{} }
func (c *packetConn) RemoteAddr() net.Addr { return pipeAddr{} }

func (c *packetConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *packetConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *packetConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

// streamConn is one end of a buffered in-memory byte-stream pair. Unlike
// net.Pipe it buffers writes the way a kernel socket does, so a test can
// pre-load PCM and close its end before the worker starts reading.
type streamConn struct {
	*packetConn
	rem []byte // unread tail of the last received chunk
}

// StreamPipe creates a connected byte-stream pair with deadline support
// and per-direction buffering, shaped like a local-audio socket.
func StreamPipe(depth int) (net.Conn, net.Conn) {
	a, b := PacketPipe(depth)
	return &streamConn{packetConn: a.(*packetConn)},
		&streamConn{packetConn: b.(*packetConn)}
}

// Read returns buffered bytes without preserving write boundaries.
func (c *streamConn) Read(p []byte) (int, error) {
	if len(c.rem) > 0 {
		n := copy(p, c.rem)
		c.rem = c.rem[n:]
		return n, nil
	}

	expired, timer := deadlineChan(&c.mu, &c.readDeadline)
	if timer != nil {
		defer timer.Stop()
	}

	var chunk []byte
	select {
	case pkt, ok := <-c.recv:
		if !ok {
			return 0, io.EOF
		}
		chunk = pkt
	case <-c.closed:
		select {
		case pkt := <-c.recv:
			chunk = pkt
		default:
			return 0, io.EOF
		}
	case <-c.peer.closed:
		// Peer closed: drain what it sent before signaling EOF.
		select {
		case pkt := <-c.recv:
			chunk = pkt
		default:
			return 0, io.EOF
		}
	case <-expired:
		return 0, os.ErrDeadlineExceeded
	}

	n := copy(p, chunk)
	c.rem = chunk[n:]
	return n, nil
}
