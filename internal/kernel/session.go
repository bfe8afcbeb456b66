package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"kernelpeek/internal/observability"
	"kernelpeek/internal/protocol/wire"
)

var (
	ErrNotConnected    = errors.New("kernel: not connected")
	ErrSessionClosed   = errors.New("kernel: session closed")
	ErrExecutionFailed = errors.New("kernel: execution failed")
	ErrExecuteTimeout  = errors.New("kernel: execute timeout")
)

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config defines session construction knobs.
type Config struct {
	Username       string
	DefaultTimeout time.Duration
	// NewTransport selects the channel transport implementation. Defaults
	// to NewZMQTransport; tests and explicitly degraded deployments inject
	// NewStubTransport or a fake.
	NewTransport TransportFactory
	// Tunnel optionally forwards the descriptor's channel ports over SSH
	// before dialing, for kernels on remote hosts.
	Tunnel TunnelConfig
}

func DefaultConfig() Config {
	return Config{
		Username:       "kernelpeek",
		DefaultTimeout: 5 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Username) == "" {
		c.Username = "kernelpeek"
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Second
	}
	if c.NewTransport == nil {
		c.NewTransport = NewZMQTransport
	}
	return c
}

// pendingRequest tracks one outstanding execution awaiting broadcast closure.
// Exactly one of resolve, reject, or timeout settles it; the map entry is
// removed at that moment and later events for the same id are stale.
type pendingRequest struct {
	id     string
	output []string
	timer  *time.Timer
	done   chan execResult
}

type execResult struct {
	output string
	err    error
}

// Session owns one interpreter connection: codec, channel transport, and the
// outstanding-request map keyed by message id.
type Session struct {
	id        string
	username  string
	cfg       Config
	codec     *wire.Codec
	transport ChannelTransport
	tunnel    io.Closer
	degraded  bool

	state atomic.Int32

	mu      sync.Mutex
	pending map[string]*pendingRequest

	observerMu      sync.RWMutex
	stderrObservers []func(text string)
}

// Connect loads the descriptor-bound codec, establishes the request and
// broadcast channels, and transitions to Connected. A transport that cannot
// be established degrades to a reduced-capability session instead of failing
// the connect: remote executions then return synthetic transport-unavailable
// results while availability queries keep working.
func Connect(ctx context.Context, desc ConnectionDescriptor, cfg Config) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	codec, err := wire.NewCodec(desc.Key, desc.SignatureScheme)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:       uuid.NewString(),
		username: cfg.Username,
		cfg:      cfg,
		codec:    codec,
		pending:  make(map[string]*pendingRequest),
	}
	s.state.Store(int32(StateConnecting))

	if cfg.Tunnel.Enabled {
		tunneled, closer, err := openTunnels(ctx, desc, cfg.Tunnel)
		if err != nil {
			s.state.Store(int32(StateError))
			return nil, err
		}
		desc = tunneled
		s.tunnel = closer
	}

	transport, err := cfg.NewTransport(ctx, desc)
	if err != nil {
		if !errors.Is(err, ErrTransportUnavailable) {
			s.state.Store(int32(StateError))
			s.closeTunnel()
			return nil, err
		}
		log.Warn().Err(err).Str("session", s.id).Msg("kernel transport unavailable, degraded session")
		transport, _ = NewStubTransport(ctx, desc)
		s.degraded = true
	}
	s.transport = transport
	go s.demux()
	s.state.Store(int32(StateConnected))
	log.Info().Str("session", s.id).Str("shell", desc.ShellEndpoint()).Bool("degraded", s.degraded).Msg("kernel session connected")
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	return State(s.state.Load())
}

// Connected reports whether the session can accept work, including the
// reduced-capability mode.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// Degraded reports whether the session runs without a live transport.
func (s *Session) Degraded() bool { return s.degraded }

// PendingCount reports outstanding executions; used by tests and diagnostics.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// OnStderr registers a listener for live standard-error chunks. Listener
// panics are isolated per listener.
func (s *Session) OnStderr(fn func(text string)) {
	if fn == nil {
		return
	}
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.stderrObservers = append(s.stderrObservers, fn)
}

// Disconnect rejects every outstanding request with a session-closed error,
// clears the map, and closes both channels.
func (s *Session) Disconnect() error {
	s.state.Store(int32(StateDisconnected))

	s.mu.Lock()
	drained := make([]*pendingRequest, 0, len(s.pending))
	for _, req := range s.pending {
		drained = append(drained, req)
	}
	s.pending = make(map[string]*pendingRequest)
	s.mu.Unlock()

	for _, req := range drained {
		req.timer.Stop()
		req.done <- execResult{err: ErrSessionClosed}
	}

	var err error
	if s.transport != nil {
		err = s.transport.Close()
	}
	s.closeTunnel()
	log.Info().Str("session", s.id).Int("rejected", len(drained)).Msg("kernel session disconnected")
	return err
}

func (s *Session) closeTunnel() {
	if s.tunnel != nil {
		_ = s.tunnel.Close()
	}
}

// ExecuteCode runs one code snippet on the interpreter and waits for its
// accumulated stdout. Cancelling ctx abandons only this wait: the execution
// keeps its own deadline track and its pending entry is reclaimed when it
// settles there.
func (s *Session) ExecuteCode(ctx context.Context, code string, timeout time.Duration) (string, error) {
	if !s.Connected() {
		return "", ErrNotConnected
	}
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	msg, err := wire.NewExecuteRequest(s.id, s.username, code)
	if err != nil {
		return "", fmt.Errorf("kernel: build execute request: %w", err)
	}
	frames, err := s.codec.Encode(nil, msg)
	if err != nil {
		return "", err
	}

	id := msg.Header.MsgID
	req := &pendingRequest{
		id:   id,
		done: make(chan execResult, 1),
	}
	// Timer and map entry are published under one critical section: a timer
	// that fires immediately blocks in take() until the insert is visible,
	// and no handler can observe the entry before its timer is set.
	s.mu.Lock()
	req.timer = time.AfterFunc(timeout, func() {
		if taken, ok := s.take(id); ok {
			observability.RecordKernelExecution("timeout")
			taken.done <- execResult{err: fmt.Errorf("%w after %s", ErrExecuteTimeout, timeout)}
		}
	})
	s.pending[id] = req
	s.mu.Unlock()

	if err := s.transport.SendRequest(frames); err != nil {
		if taken, ok := s.take(id); ok {
			taken.timer.Stop()
		}
		return "", err
	}

	select {
	case res := <-req.done:
		return res.output, res.err
	case <-ctx.Done():
		// The caller stopped waiting; the deadline timer still reclaims
		// the pending entry on its own track.
		return "", ctx.Err()
	}
}

// take removes one pending entry; only the taker settles it.
func (s *Session) take(id string) (*pendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return req, ok
}

// demux applies per-kind rules to inbound broadcast messages, keyed by
// parent-header id. It is the single writer for request settlement besides
// the per-request deadline timers.
func (s *Session) demux() {
	for frames := range s.transport.Broadcasts() {
		msg, err := s.codec.Decode(frames)
		if err != nil {
			log.Debug().Err(err).Str("session", s.id).Msg("discarding malformed broadcast")
			continue
		}
		parentID := msg.ParentID()
		if parentID == "" {
			continue
		}
		switch msg.Header.MsgType {
		case wire.MsgTypeStream:
			s.handleStream(parentID, msg.Content)
		case wire.MsgTypeExecuteResult:
			s.handleExecuteResult(parentID, msg.Content)
		case wire.MsgTypeError:
			s.handleError(parentID, msg.Content)
		case wire.MsgTypeStatus:
			s.handleStatus(parentID, msg.Content)
		}
	}
}

func (s *Session) handleStream(parentID string, content json.RawMessage) {
	var stream wire.StreamContent
	if err := json.Unmarshal(content, &stream); err != nil {
		return
	}
	if stream.Name == wire.StreamStderr {
		s.notifyStderr(stream.Text)
		return
	}
	s.mu.Lock()
	if req, ok := s.pending[parentID]; ok {
		req.output = append(req.output, stream.Text)
	}
	s.mu.Unlock()
}

// handleExecuteResult accumulates the text/plain rendering of an expression
// result, same as a stdout chunk.
func (s *Session) handleExecuteResult(parentID string, content json.RawMessage) {
	var result wire.ExecuteResultContent
	if err := json.Unmarshal(content, &result); err != nil {
		return
	}
	var text string
	if raw, ok := result.Data["text/plain"]; ok {
		if err := json.Unmarshal(raw, &text); err != nil {
			return
		}
	}
	if text == "" {
		return
	}
	s.mu.Lock()
	if req, ok := s.pending[parentID]; ok {
		req.output = append(req.output, text)
	}
	s.mu.Unlock()
}

func (s *Session) handleError(parentID string, content json.RawMessage) {
	req, ok := s.take(parentID)
	if !ok {
		return
	}
	req.timer.Stop()
	var errContent wire.ErrorContent
	reason := "unknown error"
	if err := json.Unmarshal(content, &errContent); err == nil {
		if len(errContent.Traceback) > 0 {
			reason = strings.Join(errContent.Traceback, "\n")
		} else if errContent.EName != "" || errContent.EValue != "" {
			reason = strings.TrimSpace(errContent.EName + ": " + errContent.EValue)
		}
	}
	observability.RecordKernelExecution("rejected")
	req.done <- execResult{err: fmt.Errorf("%w: %s", ErrExecutionFailed, reason)}
}

// handleStatus resolves a request when idle arrives after at least one
// accumulated output chunk. An idle with no output yet is the busy->idle
// transition of a still-running execution and is ignored.
func (s *Session) handleStatus(parentID string, content json.RawMessage) {
	var status wire.StatusContent
	if err := json.Unmarshal(content, &status); err != nil {
		return
	}
	if status.ExecutionState != wire.ExecutionStateIdle {
		return
	}

	s.mu.Lock()
	req, ok := s.pending[parentID]
	if !ok || len(req.output) == 0 {
		s.mu.Unlock()
		return
	}
	delete(s.pending, parentID)
	s.mu.Unlock()

	req.timer.Stop()
	observability.RecordKernelExecution("resolved")
	req.done <- execResult{output: strings.Join(req.output, "")}
}

func (s *Session) notifyStderr(text string) {
	s.observerMu.RLock()
	observers := make([]func(string), len(s.stderrObservers))
	copy(observers, s.stderrObservers)
	s.observerMu.RUnlock()
	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn().Any("panic", r).Str("session", s.id).Msg("stderr observer panicked")
				}
			}()
			fn(text)
		}()
	}
}
