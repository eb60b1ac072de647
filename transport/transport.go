// Package transport models one negotiated Bluetooth audio link: its
// identity, selected codec configuration, socket descriptors, MTUs,
// acquire/release capability, lifecycle state and the signal mailbox
// used to control its I/O workers.
//
// A Transport is shared by reference counting: every holder (controller,
// I/O worker, registration layer) takes its own reference and the
// underlying resources are released only when the last reference is
// dropped. Lifecycle state transitions are synchronized and published to
// an injected Registrar.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/btbridge/btbridge/codec"
	"github.com/btbridge/btbridge/device"
)

// Profile identifies the role of a negotiated audio link.
type Profile uint8

const (
	// ProfileA2DPSource streams encoded audio to the remote device.
	ProfileA2DPSource Profile = iota
	// ProfileA2DPSink receives streamed audio from the remote device.
	ProfileA2DPSink
	// ProfileHFPAudioGateway is the hands-free gateway voice role.
	ProfileHFPAudioGateway
	// ProfileHFPHandsFree is the hands-free unit voice role.
	ProfileHFPHandsFree
	// ProfileHSPAudioGateway is the headset gateway voice role.
	ProfileHSPAudioGateway
	// ProfileHSPHeadset is the headset unit voice role.
	ProfileHSPHeadset
)

// String returns the profile name.
func (p Profile) String() string {
	switch p {
	case ProfileA2DPSource:
		return "A2DP-source"
	case ProfileA2DPSink:
		return "A2DP-sink"
	case ProfileHFPAudioGateway:
		return "HFP-AG"
	case ProfileHFPHandsFree:
		return "HFP-HF"
	case ProfileHSPAudioGateway:
		return "HSP-AG"
	case ProfileHSPHeadset:
		return "HSP-HS"
	default:
		return "unknown"
	}
}

// IsA2DP reports whether the profile is a streaming-audio role.
func (p Profile) IsA2DP() bool {
	return p == ProfileA2DPSource || p == ProfileA2DPSink
}

// IsVoice reports whether the profile is a bidirectional voice role.
func (p Profile) IsVoice() bool { return !p.IsA2DP() }

// Type pairs a profile with the negotiated codec tag.
type Type struct {
	Profile Profile
	Codec   codec.ID
}

// String returns "profile/codec" for logging.
func (t Type) String() string {
	return t.Profile.String() + "/" + t.Codec.String()
}

// State is a lifecycle state of a transport.
type State string

const (
	// StateIdle means no I/O worker is running.
	StateIdle State = "idle"
	// StateActive means an I/O worker is running and sockets are live.
	StateActive State = "active"
	// StatePaused means a worker exists but performs no codec work.
	StatePaused State = "paused"
	// StateAborted means the link failed; the last error is retained.
	StateAborted State = "aborted"
)

// Lifecycle event names driven through the state machine.
const (
	eventStart  = "start"
	eventPause  = "pause"
	eventResume = "resume"
	eventStop   = "stop"
	eventAbort  = "abort"
)

// Capability provisions and tears down a transport's underlying socket
// descriptors. It is injected by the profile layer; the engine depends
// only on this contract.
type Capability interface {
	// Acquire makes the transport's socket descriptors valid. It is
	// invoked at most once per acquire cycle and never retried
	// internally.
	Acquire(t *Transport) error

	// Release tears the descriptors down. It must be idempotent and
	// safe to call from a different goroutine than Acquire.
	Release(t *Transport) error
}

// ChangeMask describes which transport fields changed in a state-change
// notification.
type ChangeMask uint32

const (
	// ChangedState marks a lifecycle state transition.
	ChangedState ChangeMask = 1 << iota
	// ChangedSockets marks new or closed socket descriptors.
	ChangedSockets
	// ChangedCodec marks a codec or configuration update.
	ChangedCodec
)

// Registrar receives transport registration and mutation callbacks,
// implemented by the external publication layer. A failing OnRegister
// does not roll back transport creation.
type Registrar interface {
	OnRegister(t *Transport) error
	OnStateChange(t *Transport, mask ChangeMask)
	OnUnregister(t *Transport)
}

type nopRegistrar struct{}

func (nopRegistrar) OnRegister(*Transport) error          { return nil }
func (nopRegistrar) OnStateChange(*Transport, ChangeMask) {}
func (nopRegistrar) OnUnregister(*Transport)              {}

// SequencePolicy selects whether RTP sequence/timestamp counters persist
// across I/O worker restarts.
type SequencePolicy uint8

const (
	// SequenceReset starts every worker session with fresh random
	// counters, matching the original engine's behavior.
	SequenceReset SequencePolicy = iota
	// SequencePersist carries counters across restarts for receivers
	// that treat a counter reset as massive loss.
	SequencePersist
)

// Direction identifies an I/O worker slot on a transport. At most one
// worker may run per direction at any time.
type Direction uint8

const (
	// DirEncode is the local-audio to Bluetooth direction.
	DirEncode Direction = iota
	// DirDecode is the Bluetooth to local-audio direction.
	DirDecode

	directionCount
)

// String returns the direction name.
func (d Direction) String() string {
	if d == DirEncode {
		return "encode"
	}
	return "decode"
}

// Transport is one negotiated audio link.
type Transport struct {
	dev   *device.Device
	typ   Type
	owner string
	path  string

	mu       sync.Mutex
	config   []byte
	mtuRead  int
	mtuWrite int

	bt  net.Conn
	pcm net.Conn // A2DP local-audio stream
	mic net.Conn // voice capture stream
	spk net.Conn // voice playback stream

	capability Capability
	acquireMu  sync.Mutex // serializes acquire/release cycles
	acquired   bool

	registrar Registrar
	machine   *fsm.FSM
	mailbox   *Mailbox

	refs      atomic.Int32
	destroyed atomic.Bool
	running   [directionCount]atomic.Bool

	lastErr error

	seqPolicy    SequencePolicy
	savedSeq     uint16
	savedTS      uint32
	savedSSRC    uint32
	haveCounters bool
}

// Option configures a transport at creation time.
type Option func(*Transport)

// WithCapability injects the acquire/release capability.
func WithCapability(c Capability) Option {
	return func(t *Transport) { t.capability = c }
}

// WithRegistrar injects the registration callback set.
func WithRegistrar(r Registrar) Option {
	return func(t *Transport) { t.registrar = r }
}

// WithSequencePolicy selects the RTP counter restart policy.
func WithSequencePolicy(p SequencePolicy) Option {
	return func(t *Transport) { t.seqPolicy = p }
}

// New creates a transport for the given link type. The codec
// configuration blob is validated against the exact size expected for
// the codec tag and copied; a mismatch fails with ErrInvalidConfig.
//
// The caller holds the initial reference. The registrar's OnRegister is
// invoked before New returns; its failure is logged but does not roll
// back creation.
func New(dev *device.Device, typ Type, owner, path string, config []byte, opts ...Option) (*Transport, error) {
	if len(config) != codec.ConfigSize(typ.Codec) {
		logrus.WithFields(logrus.Fields{
			"function":      "transport.New",
			"type":          typ.String(),
			"path":          path,
			"config_size":   len(config),
			"expected_size": codec.ConfigSize(typ.Codec),
		}).Error("Codec configuration size mismatch")
		return nil, fmt.Errorf("%w: config size %d, expected %d",
			ErrInvalidConfig, len(config), codec.ConfigSize(typ.Codec))
	}

	t := &Transport{
		dev:       dev,
		typ:       typ,
		owner:     owner,
		path:      path,
		config:    append([]byte(nil), config...),
		registrar: nopRegistrar{},
		mailbox:   NewMailbox(),
	}
	t.refs.Store(1)

	for _, opt := range opts {
		opt(t)
	}

	t.machine = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventStart, Src: []string{string(StateIdle)}, Dst: string(StateActive)},
			{Name: eventPause, Src: []string{string(StateActive)}, Dst: string(StatePaused)},
			{Name: eventResume, Src: []string{string(StatePaused)}, Dst: string(StateActive)},
			{Name: eventStop, Src: []string{string(StateActive), string(StatePaused)}, Dst: string(StateIdle)},
			{Name: eventAbort, Src: []string{string(StateIdle), string(StateActive), string(StatePaused)}, Dst: string(StateAborted)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logrus.WithFields(logrus.Fields{
					"function": "Transport.stateChange",
					"path":     t.path,
					"from":     e.Src,
					"to":       e.Dst,
				}).Info("Transport state changed")
				t.registrar.OnStateChange(t, ChangedState)
			},
		},
	)

	logrus.WithFields(logrus.Fields{
		"function": "transport.New",
		"type":     typ.String(),
		"path":     path,
		"device":   dev.Label(),
	}).Info("Transport created")

	if err := t.registrar.OnRegister(t); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "transport.New",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Transport registration failed; transport stays usable")
	}

	return t, nil
}

// Device returns the owning device reference.
func (t *Transport) Device() *device.Device { return t.dev }

// Type returns the profile/codec pair of the link.
func (t *Transport) Type() Type { return t.typ }

// Owner returns the owning controller identity.
func (t *Transport) Owner() string { return t.owner }

// Path returns the stable path-like identifier of the link.
func (t *Transport) Path() string { return t.path }

// Config returns a copy of the negotiated codec configuration blob.
func (t *Transport) Config() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.config...)
}

// NewFramer creates a fresh codec framer for one worker session from
// the transport's codec tag and configuration.
func (t *Transport) NewFramer() (codec.Framer, error) {
	t.mu.Lock()
	cfg := append([]byte(nil), t.config...)
	t.mu.Unlock()
	return codec.New(t.typ.Codec, cfg)
}

// SetMTU records the negotiated per-direction payload limits.
func (t *Transport) SetMTU(read, write int) {
	t.mu.Lock()
	t.mtuRead = read
	t.mtuWrite = write
	t.mu.Unlock()
}

// MTURead returns the largest payload of one incoming link packet.
func (t *Transport) MTURead() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mtuRead
}

// MTUWrite returns the largest payload of one outgoing link packet.
func (t *Transport) MTUWrite() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mtuWrite
}

// SetBT installs the Bluetooth link socket.
func (t *Transport) SetBT(c net.Conn) {
	t.mu.Lock()
	t.bt = c
	t.mu.Unlock()
	t.registrar.OnStateChange(t, ChangedSockets)
}

// BT returns the Bluetooth link socket, or nil before acquire.
func (t *Transport) BT() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bt
}

// SetPCM installs the streaming local-audio socket.
func (t *Transport) SetPCM(c net.Conn) {
	t.mu.Lock()
	t.pcm = c
	t.mu.Unlock()
}

// PCM returns the streaming local-audio socket.
func (t *Transport) PCM() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pcm
}

// SetVoicePCM installs the capture and playback local-audio sockets of a
// voice transport.
func (t *Transport) SetVoicePCM(mic, spk net.Conn) {
	t.mu.Lock()
	t.mic = mic
	t.spk = spk
	t.mu.Unlock()
}

// VoicePCM returns the capture and playback local-audio sockets.
func (t *Transport) VoicePCM() (mic, spk net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mic, t.spk
}

// SetCapability injects or replaces the acquire/release capability.
func (t *Transport) SetCapability(c Capability) {
	t.mu.Lock()
	t.capability = c
	t.mu.Unlock()
}

// Acquire invokes the injected acquire capability. On success the
// transport's socket descriptors are valid. Failure leaves state
// unchanged, is retained as the last error and reported to the caller;
// it is never retried internally.
func (t *Transport) Acquire() error {
	// One acquire cycle at a time: concurrent controllers must not both
	// observe the transport unacquired and invoke the capability twice.
	t.acquireMu.Lock()
	defer t.acquireMu.Unlock()

	t.mu.Lock()
	cap := t.capability
	already := t.acquired
	t.mu.Unlock()

	if cap == nil {
		return ErrNoCapability
	}
	if already {
		return nil
	}

	if err := cap.Acquire(t); err != nil {
		err = fmt.Errorf("%w: %v", ErrAcquireFailed, err)
		t.setLastError(err)
		logrus.WithFields(logrus.Fields{
			"function": "Transport.Acquire",
			"path":     t.path,
			"error":    err.Error(),
		}).Error("Transport acquire failed")
		return err
	}

	t.mu.Lock()
	t.acquired = true
	t.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "Transport.Acquire",
		"path":     t.path,
	}).Info("Transport acquired")
	return nil
}

// Release invokes the injected release capability. It is idempotent and
// safe to call from any goroutine, including during teardown.
func (t *Transport) Release() error {
	t.acquireMu.Lock()
	defer t.acquireMu.Unlock()

	t.mu.Lock()
	cap := t.capability
	wasAcquired := t.acquired
	t.acquired = false
	t.mu.Unlock()

	if !wasAcquired || cap == nil {
		return nil
	}

	if err := cap.Release(t); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Transport.Release",
			"path":     t.path,
			"error":    err.Error(),
		}).Warn("Transport release reported failure")
		return fmt.Errorf("transport release: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Transport.Release",
		"path":     t.path,
	}).Info("Transport released")
	return nil
}

// Acquired reports whether the capability is currently held.
func (t *Transport) Acquired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acquired
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	return State(t.machine.Current())
}

// Start moves the transport to active. A transport with an injected
// capability must be acquired first; without one the socket descriptors
// are assumed to be provisioned externally.
func (t *Transport) Start() error {
	t.mu.Lock()
	unacquired := t.capability != nil && !t.acquired
	t.mu.Unlock()
	if unacquired {
		return ErrNotAcquired
	}
	return t.fire(eventStart)
}

// Pause moves an active transport to paused without touching sockets.
func (t *Transport) Pause() error { return t.fire(eventPause) }

// Resume moves a paused transport back to active.
func (t *Transport) Resume() error { return t.fire(eventResume) }

// Stop moves the transport back to idle after a clean worker exit.
func (t *Transport) Stop() error { return t.fire(eventStop) }

// Abort marks the link failed. The triggering error, if any, is
// retained for the controller to read.
func (t *Transport) Abort(cause error) error {
	if cause != nil {
		t.setLastError(cause)
	}
	return t.fire(eventAbort)
}

func (t *Transport) fire(event string) error {
	if err := t.machine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, t.machine.Current())
	}
	return nil
}

// SendSignal enqueues a control signal for the transport's I/O worker.
// Non-blocking; repeated identical signals before consumption are
// coalesced.
func (t *Transport) SendSignal(s Signal) {
	logrus.WithFields(logrus.Fields{
		"function": "Transport.SendSignal",
		"path":     t.path,
		"signal":   s.String(),
	}).Debug("Signal sent to transport")
	t.mailbox.Send(s)
}

// Signals returns the transport's signal mailbox for the worker to
// drain.
func (t *Transport) Signals() *Mailbox { return t.mailbox }

// LastError returns the retained reason of the most recent failure.
// The transport stays queryable after any failure.
func (t *Transport) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Transport) setLastError(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}

// SequencePolicy returns the RTP counter restart policy.
func (t *Transport) SequencePolicy() SequencePolicy { return t.seqPolicy }

// SaveCounters retains RTP counters at worker exit for the persist
// policy.
func (t *Transport) SaveCounters(seq uint16, ts, ssrc uint32) {
	t.mu.Lock()
	t.savedSeq, t.savedTS, t.savedSSRC = seq, ts, ssrc
	t.haveCounters = true
	t.mu.Unlock()
}

// SavedCounters returns previously retained RTP counters, if any.
func (t *Transport) SavedCounters() (seq uint16, ts, ssrc uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.savedSeq, t.savedTS, t.savedSSRC, t.haveCounters
}

// ClaimDirection reserves the worker slot for a direction, enforcing
// the one-running-worker-per-direction invariant. A destroyed transport
// accepts no new workers.
func (t *Transport) ClaimDirection(d Direction) error {
	if t.destroyed.Load() {
		return ErrDestroyed
	}
	if d >= directionCount {
		return ErrDirectionBusy
	}
	if !t.running[d].CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrDirectionBusy, d.String())
	}
	return nil
}

// ReleaseDirection frees a worker slot. Called from the worker's cleanup
// path only.
func (t *Transport) ReleaseDirection(d Direction) {
	if d < directionCount {
		t.running[d].Store(false)
	}
}

// Ref takes an additional reference and returns the transport, so a
// holder can write w.t = t.Ref().
func (t *Transport) Ref() *Transport {
	t.refs.Add(1)
	return t
}

// Unref drops one reference. When the last reference is dropped the
// transport releases its capability if still held, closes any owned
// sockets and unregisters itself.
func (t *Transport) Unref() {
	refs := t.refs.Add(-1)
	if refs > 0 {
		return
	}
	if refs < 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Transport.Unref",
			"path":     t.path,
			"refs":     refs,
		}).Error("Reference count underflow")
		return
	}
	t.destroy()
}

// Refs reports the current reference count.
func (t *Transport) Refs() int32 { return t.refs.Load() }

func (t *Transport) destroy() {
	t.destroyed.Store(true)
	logrus.WithFields(logrus.Fields{
		"function": "Transport.destroy",
		"path":     t.path,
	}).Info("Destroying transport")

	if err := t.Release(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Transport.destroy",
			"path":     t.path,
			"error":    err.Error(),
		}).Warn("Release during destroy failed")
	}

	t.mu.Lock()
	conns := []net.Conn{t.bt, t.pcm, t.mic, t.spk}
	t.bt, t.pcm, t.mic, t.spk = nil, nil, nil, nil
	t.config = nil
	t.mu.Unlock()

	for _, c := range conns {
		if c != nil {
			_ = c.Close()
		}
	}

	t.registrar.OnUnregister(t)
}
