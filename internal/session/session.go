// Package session implements the FIX session state machine: logon,
// heartbeat, sequence tracking, gap recovery and logout for one logical
// connection. The session owns all sequence state; the codec, pool and
// queues never mutate it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/tradewire/fixengine/internal/fix"
	"github.com/tradewire/fixengine/internal/pool"
	"github.com/tradewire/fixengine/internal/queue"
)

var (
	// ErrQueueFull signals backpressure on the outbound ring.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrSequenceRegression is a fatal protocol violation: an inbound
	// sequence number below the expected counter without PossDupFlag.
	ErrSequenceRegression = errors.New("inbound sequence regression")
	// ErrRecoveryWindowExceeded escalates a gap larger than the configured
	// recovery window.
	ErrRecoveryWindowExceeded = errors.New("recovery window exceeded")
	// ErrNotDisconnected is returned by Connect on a live session.
	ErrNotDisconnected = errors.New("session is not disconnected")
)

// Config is the immutable parameter set of one session. It is copied at
// construction; later mutation of the caller's copy has no effect.
type Config struct {
	SessionID    string
	BeginString  string
	SenderCompID string
	TargetCompID string
	Username     string
	Password     string

	HeartbeatInterval time.Duration
	LogonTimeout      time.Duration
	LogoutTimeout     time.Duration
	RecoveryTimeout   time.Duration
	// RecoveryMaxGap bounds the resend window in sequence numbers.
	RecoveryMaxGap uint64
	// MalformedLimit is the number of consecutive undecodable inbound
	// payloads tolerated before the session disconnects.
	MalformedLimit int
	// QueueSize is the per-direction ring capacity, a power of two.
	QueueSize int

	// InitialNextOut/InitialExpectedIn seed the sequence counters when no
	// sequence store is configured or it has no record for the session.
	InitialNextOut    uint64
	InitialExpectedIn uint64
}

func (c Config) withDefaults() Config {
	if c.BeginString == "" {
		c.BeginString = "FIX.4.4"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.LogonTimeout <= 0 {
		c.LogonTimeout = 10 * time.Second
	}
	if c.LogoutTimeout <= 0 {
		c.LogoutTimeout = 10 * time.Second
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.RecoveryMaxGap == 0 {
		c.RecoveryMaxGap = 1000
	}
	if c.MalformedLimit <= 0 {
		c.MalformedLimit = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.InitialNextOut == 0 {
		c.InitialNextOut = 1
	}
	if c.InitialExpectedIn == 0 {
		c.InitialExpectedIn = 1
	}
	return c
}

// Interceptor is the compliance hook on the message path. Outbound runs
// synchronously before a send is queued; Record must never block.
type Interceptor interface {
	Outbound(msg *fix.Message) error
	Record(direction string, msg *fix.Message)
}

// Handler receives application messages, in sequence order, only while the
// session forwards (Active, or replay completion during recovery). The
// message is returned to the pool after the call; the handler must copy
// anything it keeps.
type Handler interface {
	OnApplicationMessage(msg *fix.Message)
}

// SeqStore persists sequence counters across reconnects within a trading
// day.
type SeqStore interface {
	LoadSequence(sessionID string) (nextOut, expectedIn uint64, found bool, err error)
	SaveSequence(sessionID string, nextOut, expectedIn uint64) error
}

// Deps are the injected collaborators of a session. Logger, Codec and Pool
// are required; the rest may be nil where a test exercises a narrower
// surface.
type Deps struct {
	Logger      *zap.Logger
	Codec       *fix.Codec
	Pool        *pool.Pool
	Transport   Transport
	Interceptor Interceptor
	Handler     Handler
	SeqStore    SeqStore
	// OnStateChange is invoked after every transition with the new state
	// and the reason.
	OnStateChange func(State, string)
}

// Stats is a snapshot of session counters.
type Stats struct {
	State           State
	NextOut         uint64
	ExpectedIn      uint64
	MalformedStreak int32
	InboundDrops    int64
	OutboundDrops   int64
}

// Session is one logical FIX connection.
type Session struct {
	cfg         Config
	log         *zap.Logger
	codec       *fix.Codec
	msgPool     *pool.Pool
	transport   Transport
	interceptor Interceptor
	handler     Handler
	seqStore    SeqStore
	onState     func(State, string)

	in  *queue.Ring
	out *queue.Ring

	state   atomic.Int32
	nextOut atomic.Uint64

	// sendMu serializes the producer side of the outbound ring so that
	// wire order always matches sequence order. The consumer stays
	// lock-free.
	sendMu sync.Mutex

	// Written only by the receive goroutine; read atomically elsewhere.
	expectedIn atomic.Uint64

	// Receive-goroutine-owned state.
	pending        btree.Map[uint64, *fix.Message]
	recoveryHigh   uint64
	recoveryDue    time.Time
	logonDue       time.Time
	testReqPending bool

	logoutDueNanos atomic.Int64

	lastSent        atomic.Int64 // unix nanos
	lastRecv        atomic.Int64
	malformedStreak atomic.Int32

	encodeBuf []byte // send-goroutine scratch

	fatalMu  sync.Mutex
	fatalErr error

	done        chan struct{}
	closeOnce   sync.Once
	cleanupOnce sync.Once
	cleaned     chan struct{}
	wg          sync.WaitGroup
	started     atomic.Bool
}

// New creates a session in Disconnected state. Sequence counters are loaded
// from the sequence store when one is configured.
func New(cfg Config, deps Deps) (*Session, error) {
	cfg = cfg.withDefaults()
	if deps.Logger == nil || deps.Codec == nil || deps.Pool == nil {
		return nil, errors.New("logger, codec and pool are required")
	}
	in, err := queue.New(cfg.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("inbound ring: %w", err)
	}
	out, err := queue.New(cfg.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("outbound ring: %w", err)
	}

	s := &Session{
		cfg:         cfg,
		log:         deps.Logger.Named("session").With(zap.String("session_id", cfg.SessionID)),
		codec:       deps.Codec,
		msgPool:     deps.Pool,
		transport:   deps.Transport,
		interceptor: deps.Interceptor,
		handler:     deps.Handler,
		seqStore:    deps.SeqStore,
		onState:     deps.OnStateChange,
		in:          in,
		out:         out,
		encodeBuf:   make([]byte, 0, fix.MaxMessageBytes),
		done:        make(chan struct{}),
		cleaned:     make(chan struct{}),
	}
	if s.interceptor == nil {
		s.interceptor = nopInterceptor{}
	}

	nextOut, expectedIn := cfg.InitialNextOut, cfg.InitialExpectedIn
	if s.seqStore != nil {
		o, i, found, err := s.seqStore.LoadSequence(cfg.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load sequence state: %w", err)
		}
		if found {
			nextOut, expectedIn = o, i
			s.log.Info("restored sequence counters",
				zap.Uint64("next_out", o), zap.Uint64("expected_in", i))
		}
	}
	s.nextOut.Store(nextOut)
	s.expectedIn.Store(expectedIn)
	return s, nil
}

// State returns the current session state.
func (s *Session) State() State { return State(s.state.Load()) }

// Err returns the recorded fatal session error, if any.
func (s *Session) Err() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatalErr
}

// NextOut returns the next outgoing sequence number to be assigned.
func (s *Session) NextOut() uint64 { return s.nextOut.Load() }

// Stats returns a snapshot of session counters.
func (s *Session) Stats() Stats {
	return Stats{
		State:           s.State(),
		NextOut:         s.nextOut.Load(),
		ExpectedIn:      s.expectedIn.Load(),
		MalformedStreak: s.malformedStreak.Load(),
		InboundDrops:    s.in.FullDrops(),
		OutboundDrops:   s.out.FullDrops(),
	}
}

func (s *Session) transition(to State, reason string) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.log.Info("session state change",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
	)
	if s.onState != nil {
		s.onState(to, reason)
	}
}

// Connect dials the transport, sends Logon and starts the receive and send
// goroutines. TLS handshake failure or timeout leaves the session
// Disconnected with the error surfaced.
func (s *Session) Connect(ctx context.Context) error {
	if s.State() != Disconnected {
		return ErrNotDisconnected
	}
	if s.transport == nil {
		return ErrNotConnected
	}
	s.transition(Connecting, "connect requested")

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.LogonTimeout)
	defer cancel()
	if err := s.transport.Dial(dialCtx); err != nil {
		s.transition(Disconnected, "tls handshake failed")
		s.setFatal(err)
		return err
	}

	now := time.Now()
	s.lastRecv.Store(now.UnixNano())
	s.lastSent.Store(now.UnixNano())
	s.logonDue = now.Add(s.cfg.LogonTimeout)
	s.transition(LogonSent, "logon queued")
	s.Start()

	if err := s.sendAdmin(func(msg *fix.Message) error {
		if err := msg.Append(fix.TagMsgType, fix.MsgTypeLogon); err != nil {
			return err
		}
		if err := msg.AppendInt(fix.TagEncryptMethod, 0); err != nil {
			return err
		}
		if err := msg.AppendInt(fix.TagHeartBtInt, int64(s.cfg.HeartbeatInterval/time.Second)); err != nil {
			return err
		}
		if s.cfg.Username != "" {
			if err := msg.AppendString(fix.TagUsername, s.cfg.Username); err != nil {
				return err
			}
			if err := msg.AppendString(fix.TagPassword, s.cfg.Password); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		s.fatal("logon send failed", err)
		return err
	}
	return nil
}

// Start launches the receive and send goroutines. Connect calls it; tests
// exercising the state machine without a transport may call it directly.
func (s *Session) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(2)
	go s.recvLoop()
	go s.sendLoop()
	go func() {
		s.wg.Wait()
		s.cleanup()
	}()
}

// Logout begins a graceful logout. The session transitions to Disconnected
// when the acknowledgment arrives or the logout timeout elapses, whichever
// comes first.
func (s *Session) Logout() error {
	switch s.State() {
	case Active, Recovering:
	default:
		return fmt.Errorf("cannot log out from %s", s.State())
	}
	s.logoutDueNanos.Store(time.Now().Add(s.cfg.LogoutTimeout).UnixNano())
	s.transition(LoggingOut, "logout requested")
	return s.sendAdmin(func(msg *fix.Message) error {
		return msg.Append(fix.TagMsgType, fix.MsgTypeLogout)
	})
}

// Stop tears the session down and blocks until both goroutines have exited
// and every in-flight buffer is back in the pool.
func (s *Session) Stop() {
	s.shutdown("stop requested")
	if s.started.Load() {
		<-s.cleaned
	} else {
		s.cleanup()
	}
}

func (s *Session) shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.log.Info("session shutting down", zap.String("reason", reason))
		close(s.done)
	})
}

func (s *Session) setFatal(err error) {
	s.fatalMu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.fatalMu.Unlock()
}

// fatal records a session-fatal error and initiates teardown.
func (s *Session) fatal(reason string, err error) {
	s.setFatal(err)
	s.log.Error("fatal session error", zap.String("reason", reason), zap.Error(err))
	s.shutdown(reason)
}

func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.in.Drain(s.msgPool.Put)
		s.out.Drain(s.msgPool.Put)
		s.pending.Scan(func(_ uint64, msg *fix.Message) bool {
			s.msgPool.Put(msg)
			return true
		})
		s.pending = btree.Map[uint64, *fix.Message]{}
		if s.transport != nil {
			s.transport.Close()
		}
		s.saveSequence()
		s.transition(Disconnected, "teardown complete")
		close(s.cleaned)
	})
}

func (s *Session) saveSequence() {
	if s.seqStore == nil {
		return
	}
	if err := s.seqStore.SaveSequence(s.cfg.SessionID, s.nextOut.Load(), s.expectedIn.Load()); err != nil {
		s.log.Error("failed to persist sequence counters", zap.Error(err))
	}
}

type nopInterceptor struct{}

func (nopInterceptor) Outbound(*fix.Message) error { return nil }
func (nopInterceptor) Record(string, *fix.Message) {}
