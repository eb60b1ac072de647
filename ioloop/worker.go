// Package ioloop runs the per-transport I/O workers: the goroutines
// that move audio between the local PCM sockets and the Bluetooth link
// socket, encoding or decoding through the transport's codec framer.
//
// One worker owns one direction of one transport (a voice worker owns
// both directions of its link). Workers are cancellable at any blocking
// point: reads use bounded deadlines so a terminate request is observed
// within one poll interval. A worker failure terminates that worker
// only and is retained on the transport as its last error.
package ioloop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/btbridge/btbridge/transport"
)

// DefaultPollInterval bounds how long a worker blocks in one socket
// read before re-checking its mailbox and context.
const DefaultPollInterval = 100 * time.Millisecond

// drainDeadline is the single-attempt deadline used where the original
// engine would use a non-blocking write: if the local-audio socket is
// not writable within it, the samples are dropped.
const drainDeadline = 5 * time.Millisecond

// Worker is one running I/O goroutine bound to a transport direction.
type Worker struct {
	t    *transport.Transport
	kind string
	dirs []transport.Direction

	poll   time.Duration
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	paused bool
}

// Option configures a worker at start time.
type Option func(*Worker)

// WithPollInterval overrides the blocking-read granularity, bounding
// how quickly a worker reacts to terminate requests.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

// StartSource starts the encode worker of an A2DP source transport:
// local PCM in, codec frames out over RTP on the Bluetooth link.
func StartSource(t *transport.Transport, opts ...Option) (*Worker, error) {
	if t.Type().Profile != transport.ProfileA2DPSource {
		return nil, fmt.Errorf("%w: %s is not an A2DP source", ErrProfileMismatch, t.Type())
	}
	if t.BT() == nil || t.PCM() == nil {
		return nil, ErrMissingSockets
	}
	return start(t, "source", []transport.Direction{transport.DirEncode}, (*Worker).runSource, opts)
}

// StartSink starts the decode worker of an A2DP sink transport: RTP
// packets in from the Bluetooth link, decoded PCM out to the local
// socket.
func StartSink(t *transport.Transport, opts ...Option) (*Worker, error) {
	if t.Type().Profile != transport.ProfileA2DPSink {
		return nil, fmt.Errorf("%w: %s is not an A2DP sink", ErrProfileMismatch, t.Type())
	}
	if t.BT() == nil || t.PCM() == nil {
		return nil, ErrMissingSockets
	}
	return start(t, "sink", []transport.Direction{transport.DirDecode}, (*Worker).runSink, opts)
}

// StartVoice starts the single duplex worker of a voice transport,
// alternating between the capture and playback directions of the
// synchronous voice link.
func StartVoice(t *transport.Transport, opts ...Option) (*Worker, error) {
	if !t.Type().Profile.IsVoice() {
		return nil, fmt.Errorf("%w: %s is not a voice profile", ErrProfileMismatch, t.Type())
	}
	mic, spk := t.VoicePCM()
	if t.BT() == nil || mic == nil || spk == nil {
		return nil, ErrMissingSockets
	}
	return start(t, "voice", []transport.Direction{transport.DirEncode, transport.DirDecode}, (*Worker).runVoice, opts)
}

func start(t *transport.Transport, kind string, dirs []transport.Direction, loop func(*Worker) error, opts []Option) (*Worker, error) {
	for i, d := range dirs {
		if err := t.ClaimDirection(d); err != nil {
			for _, claimed := range dirs[:i] {
				t.ReleaseDirection(claimed)
			}
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		t:      t.Ref(),
		kind:   kind,
		dirs:   dirs,
		poll:   DefaultPollInterval,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if t.State() != transport.StateActive {
		if err := t.Start(); err != nil {
			w.release()
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "ioloop.start",
		"path":     t.Path(),
		"kind":     kind,
		"type":     t.Type().String(),
	}).Info("I/O worker starting")

	go w.run(loop)
	return w, nil
}

// run executes the loop body and performs the deferred cleanup that
// keeps the transport consistent no matter how the loop exits.
func (w *Worker) run(loop func(*Worker) error) {
	defer w.release()
	defer close(w.done)

	err := loop(w)
	switch {
	case err == nil, errors.Is(err, ErrCancelled):
		w.err = nil
		if stopErr := w.t.Stop(); stopErr != nil {
			// Already idle or aborted by another party.
			logrus.WithFields(logrus.Fields{
				"function": "Worker.run",
				"path":     w.t.Path(),
				"error":    stopErr.Error(),
			}).Debug("Stop after clean exit rejected")
		}
		logrus.WithFields(logrus.Fields{
			"function": "Worker.run",
			"path":     w.t.Path(),
			"kind":     w.kind,
		}).Info("I/O worker exited cleanly")
	default:
		w.err = err
		_ = w.t.Abort(err)
		logrus.WithFields(logrus.Fields{
			"function": "Worker.run",
			"path":     w.t.Path(),
			"kind":     w.kind,
			"error":    err.Error(),
		}).Error("I/O worker failed")
	}
}

func (w *Worker) release() {
	for _, d := range w.dirs {
		w.t.ReleaseDirection(d)
	}
	w.cancel()
	w.t.Unref()
}

// Stop requests termination and does not wait. The worker observes the
// request within one poll interval.
func (w *Worker) Stop() {
	w.t.SendSignal(transport.SignalTerminate)
	w.cancel()
}

// Done returns a channel closed when the worker has fully exited and
// released its transport reference.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the failure that ended the worker, or nil after a clean
// exit. Valid once Done is closed.
func (w *Worker) Err() error { return w.err }

// checkSignals drains the transport mailbox and applies control
// requests. It returns ErrCancelled when termination was requested and
// otherwise blocks while the worker is paused.
func (w *Worker) checkSignals() error {
	if w.ctx.Err() != nil {
		return ErrCancelled
	}
	if err := w.apply(w.t.Signals().Drain()); err != nil {
		return err
	}
	for w.paused {
		select {
		case <-w.ctx.Done():
			return ErrCancelled
		case <-w.t.Signals().Wake():
			if err := w.apply(w.t.Signals().Drain()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Worker) apply(signals []transport.Signal) error {
	for _, s := range signals {
		switch s {
		case transport.SignalTerminate:
			return ErrCancelled
		case transport.SignalPause:
			if !w.paused {
				w.paused = true
				if err := w.t.Pause(); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "Worker.apply",
						"path":     w.t.Path(),
						"error":    err.Error(),
					}).Debug("Pause rejected by state machine")
				}
			}
		case transport.SignalResume:
			if w.paused {
				w.paused = false
				if err := w.t.Resume(); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "Worker.apply",
						"path":     w.t.Path(),
						"error":    err.Error(),
					}).Debug("Resume rejected by state machine")
				}
			}
		case transport.SignalPing:
			// Wake only.
		}
	}
	return nil
}

// read blocks on c until data arrives, EOF, a failure, or cancellation.
// Blocking is bounded by the poll interval so signals are observed
// promptly. Returns ErrCancelled on termination and io.EOF untouched.
func (w *Worker) read(c net.Conn, p []byte) (int, error) {
	for {
		if err := w.checkSignals(); err != nil {
			return 0, err
		}
		_ = c.SetReadDeadline(time.Now().Add(w.poll))
		n, err := c.Read(p)
		if isTimeout(err) {
			continue
		}
		return n, err
	}
}

// readOnce performs a single bounded read attempt, used by the duplex
// voice loop to alternate between its two inputs. A timeout yields
// (0, nil, false).
func (w *Worker) readOnce(c net.Conn, p []byte, d time.Duration) (n int, got bool, err error) {
	_ = c.SetReadDeadline(time.Now().Add(d))
	n, err = c.Read(p)
	if isTimeout(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// write delivers all of p, retrying through deadline expiries so a
// slow peer never wedges the worker past cancellation.
func (w *Worker) write(c net.Conn, p []byte) error {
	for len(p) > 0 {
		if err := w.checkSignals(); err != nil {
			return err
		}
		_ = c.SetWriteDeadline(time.Now().Add(w.poll))
		n, err := c.Write(p)
		p = p[n:]
		if isTimeout(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSocketIO, err)
		}
	}
	return nil
}

// writeOrDrop makes one bounded attempt to deliver p and reports the
// number of bytes dropped when the socket would block. The decode path
// uses it so a stalled consumer loses audio instead of stalling the
// link.
func (w *Worker) writeOrDrop(c net.Conn, p []byte) (dropped int, err error) {
	_ = c.SetWriteDeadline(time.Now().Add(drainDeadline))
	n, err := c.Write(p)
	if isTimeout(err) {
		return len(p) - n, nil
	}
	if err != nil {
		return len(p) - n, fmt.Errorf("%w: %w", ErrSocketIO, err)
	}
	return 0, nil
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
