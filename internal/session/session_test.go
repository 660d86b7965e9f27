package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradewire/fixengine/internal/fix"
	"github.com/tradewire/fixengine/internal/pool"
)

type captureHandler struct {
	mu   sync.Mutex
	seqs []uint64
}

func (h *captureHandler) OnApplicationMessage(msg *fix.Message) {
	h.mu.Lock()
	h.seqs = append(h.seqs, msg.SeqNum)
	h.mu.Unlock()
}

func (h *captureHandler) received() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.seqs...)
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	dialErr error
}

func (t *fakeTransport) Dial(context.Context) error { return t.dialErr }

func (t *fakeTransport) Send(b []byte) error {
	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), b...))
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error { return nil }

type memorySeqStore struct {
	mu    sync.Mutex
	state map[string][2]uint64
}

func (s *memorySeqStore) LoadSequence(id string) (uint64, uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[id]
	return v[0], v[1], ok, nil
}

func (s *memorySeqStore) SaveSequence(id string, nextOut, expectedIn uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.state = make(map[string][2]uint64)
	}
	s.state[id] = [2]uint64{nextOut, expectedIn}
	return nil
}

func testConfig() Config {
	return Config{
		SessionID:         "TRADEWIRE-EXCH",
		SenderCompID:      "TRADEWIRE",
		TargetCompID:      "EXCH",
		HeartbeatInterval: 40 * time.Millisecond,
		LogonTimeout:      time.Second,
		LogoutTimeout:     60 * time.Millisecond,
		RecoveryTimeout:   time.Second,
		RecoveryMaxGap:    100,
		QueueSize:         64,
	}
}

func newTestSession(t *testing.T, cfg Config, deps Deps) *Session {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Codec == nil {
		deps.Codec = fix.NewCodec(zap.NewNop())
	}
	if deps.Pool == nil {
		deps.Pool = pool.New(128)
	}
	s, err := New(cfg, deps)
	require.NoError(t, err)
	return s
}

// appMsg checks out a pooled message shaped like an inbound execution
// report with the given sequence number.
func appMsg(t *testing.T, s *Session, seq uint64) *fix.Message {
	t.Helper()
	msg, err := s.msgPool.Get()
	require.NoError(t, err)
	require.NoError(t, msg.Append(fix.TagMsgType, fix.MsgTypeExecutionReport))
	require.NoError(t, msg.AppendUint(fix.TagMsgSeqNum, seq))
	msg.SeqNum = seq
	return msg
}

func adminMsg(t *testing.T, s *Session, msgType []byte, seq uint64) *fix.Message {
	t.Helper()
	msg, err := s.msgPool.Get()
	require.NoError(t, err)
	require.NoError(t, msg.Append(fix.TagMsgType, msgType))
	require.NoError(t, msg.AppendUint(fix.TagMsgSeqNum, seq))
	msg.SeqNum = seq
	return msg
}

func TestOutgoingSequenceMonotonicWithoutConnectivity(t *testing.T) {
	s := newTestSession(t, testConfig(), Deps{})

	const n = 10
	first := s.NextOut()
	for i := 0; i < n; i++ {
		msg, err := s.msgPool.Get()
		require.NoError(t, err)
		require.NoError(t, msg.Append(fix.TagMsgType, fix.MsgTypeNewOrderSingle))
		require.NoError(t, msg.AppendString(fix.TagClOrdID, "ord"))
		require.NoError(t, s.Send(msg))
		assert.Equal(t, first+uint64(i), msg.SeqNum)
	}
	assert.Equal(t, first+n, s.NextOut())
	assert.Equal(t, Disconnected, s.State(), "sequence assignment needs no connectivity")
}

func TestSendBackpressureOnFullRing(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	s := newTestSession(t, cfg, Deps{Pool: pool.New(8)})

	for i := 0; i < 2; i++ {
		msg, err := s.msgPool.Get()
		require.NoError(t, err)
		require.NoError(t, msg.Append(fix.TagMsgType, fix.MsgTypeNewOrderSingle))
		require.NoError(t, s.Send(msg))
	}
	msg, err := s.msgPool.Get()
	require.NoError(t, err)
	require.NoError(t, msg.Append(fix.TagMsgType, fix.MsgTypeNewOrderSingle))
	err = s.Send(msg)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(3), s.NextOut(), "refused send must not consume a sequence number")
}

func TestGapRecoveryReplaysInOrder(t *testing.T) {
	handler := &captureHandler{}
	s := newTestSession(t, testConfig(), Deps{Handler: handler})
	s.state.Store(int32(Active))
	s.expectedIn.Store(5)

	s.handleInbound(appMsg(t, s, 5))
	s.handleInbound(appMsg(t, s, 6))
	assert.Equal(t, []uint64{5, 6}, handler.received())

	s.handleInbound(appMsg(t, s, 9))
	assert.Equal(t, Recovering, s.State(), "gap must enter recovery")

	// The resend request for 7-8 is queued outbound.
	resend := s.out.Pop()
	require.NotNil(t, resend)
	assert.Equal(t, []byte("2"), resend.MsgType())
	begin, _ := resend.GetUint(fix.TagBeginSeqNo)
	end, _ := resend.GetUint(fix.TagEndSeqNo)
	assert.Equal(t, uint64(7), begin)
	assert.Equal(t, uint64(8), end)

	s.handleInbound(appMsg(t, s, 10))
	assert.Equal(t, []uint64{5, 6}, handler.received(), "nothing forwarded while the gap is open")

	s.handleInbound(appMsg(t, s, 7))
	s.handleInbound(appMsg(t, s, 8))
	assert.Equal(t, []uint64{5, 6, 7, 8, 9, 10}, handler.received(), "strict order after gap fill")
	assert.Equal(t, Active, s.State(), "recovery completes")
	assert.Equal(t, uint64(11), s.expectedIn.Load())
}

func TestSequenceRegressionIsFatal(t *testing.T) {
	s := newTestSession(t, testConfig(), Deps{})
	s.state.Store(int32(Active))
	s.expectedIn.Store(10)

	s.handleInbound(appMsg(t, s, 3))
	assert.ErrorIs(t, s.Err(), ErrSequenceRegression)
	select {
	case <-s.done:
	default:
		t.Fatal("regression must initiate teardown")
	}
}

func TestPossDupBelowExpectedIsDiscarded(t *testing.T) {
	s := newTestSession(t, testConfig(), Deps{})
	s.state.Store(int32(Active))
	s.expectedIn.Store(10)

	msg := appMsg(t, s, 3)
	require.NoError(t, msg.AppendString(fix.TagPossDupFlag, "Y"))
	s.handleInbound(msg)
	assert.NoError(t, s.Err())
	assert.Equal(t, Active, s.State())
}

func TestRecoveryWindowExceededEscalates(t *testing.T) {
	cfg := testConfig()
	cfg.RecoveryMaxGap = 4
	s := newTestSession(t, cfg, Deps{})
	s.state.Store(int32(Active))
	s.expectedIn.Store(1)

	s.handleInbound(appMsg(t, s, 100))
	assert.ErrorIs(t, s.Err(), ErrRecoveryWindowExceeded)
}

func TestSequenceResetGapFill(t *testing.T) {
	handler := &captureHandler{}
	s := newTestSession(t, testConfig(), Deps{Handler: handler})
	s.state.Store(int32(Active))
	s.expectedIn.Store(5)

	s.handleInbound(appMsg(t, s, 9))
	require.Equal(t, Recovering, s.State())
	s.out.Drain(s.msgPool.Put)

	reset := adminMsg(t, s, fix.MsgTypeSequenceReset, 5)
	require.NoError(t, reset.AppendString(fix.TagGapFillFlag, "Y"))
	require.NoError(t, reset.AppendUint(fix.TagNewSeqNo, 9))
	s.handleInbound(reset)

	assert.Equal(t, []uint64{9}, handler.received(), "buffered arrival replays after gap fill")
	assert.Equal(t, Active, s.State())
	assert.Equal(t, uint64(10), s.expectedIn.Load())
}

func TestLogonScenarioAndMissedHeartbeats(t *testing.T) {
	transport := &fakeTransport{}
	s := newTestSession(t, testConfig(), Deps{Transport: transport})
	defer s.Stop()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, LogonSent, s.State())

	// Counterparty acknowledges the logon.
	counterparty := fix.NewCodec(zap.NewNop())
	ack := &fix.Message{}
	require.NoError(t, ack.AppendString(fix.TagBeginString, "FIX.4.4"))
	require.NoError(t, ack.Append(fix.TagMsgType, fix.MsgTypeLogon))
	require.NoError(t, ack.AppendUint(fix.TagMsgSeqNum, 1))
	require.NoError(t, ack.AppendString(fix.TagSenderCompID, "EXCH"))
	require.NoError(t, ack.AppendString(fix.TagTargetCompID, "TRADEWIRE"))
	wire, err := counterparty.Encode(ack, nil)
	require.NoError(t, err)
	require.NoError(t, s.OnBytes(wire))

	require.Eventually(t, func() bool { return s.State() == Active },
		2*time.Second, 2*time.Millisecond, "logon ack must reach Active within the timeout")

	// Silence from the counterparty: after two heartbeat intervals the
	// session must force a disconnect.
	require.Eventually(t, func() bool { return s.State() == Disconnected },
		2*time.Second, 2*time.Millisecond, "missed heartbeats must disconnect")
	assert.Error(t, s.Err())
}

func TestLogonTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.LogonTimeout = 30 * time.Millisecond
	transport := &fakeTransport{}
	s := newTestSession(t, cfg, Deps{Transport: transport})
	defer s.Stop()

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return s.State() == Disconnected },
		2*time.Second, 2*time.Millisecond)
	assert.Error(t, s.Err())
}

func TestLogoutTimeoutDegradesGracefully(t *testing.T) {
	transport := &fakeTransport{}
	s := newTestSession(t, testConfig(), Deps{Transport: transport})
	defer s.Stop()

	require.NoError(t, s.Connect(context.Background()))
	s.state.Store(int32(Active))
	s.lastRecv.Store(time.Now().UnixNano())

	require.NoError(t, s.Logout())
	assert.Equal(t, LoggingOut, s.State())
	require.Eventually(t, func() bool { return s.State() == Disconnected },
		2*time.Second, 2*time.Millisecond, "logout must complete without an acknowledgment")
	assert.NoError(t, s.Err(), "logout timeout is graceful, not fatal")
}

func TestMalformedInputEscalatesAfterThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MalformedLimit = 3
	s := newTestSession(t, cfg, Deps{})

	for i := 0; i < 2; i++ {
		assert.Error(t, s.OnBytes([]byte("garbage")))
		assert.NoError(t, s.Err(), "below the threshold the session is unaffected")
	}
	assert.Error(t, s.OnBytes([]byte("garbage")))
	select {
	case <-s.done:
	default:
		t.Fatal("threshold breach must initiate teardown")
	}
}

func TestStopReturnsBuffersToPool(t *testing.T) {
	p := pool.New(16)
	s := newTestSession(t, testConfig(), Deps{Pool: p})
	s.state.Store(int32(Active))
	s.expectedIn.Store(5)

	// One queued outbound, one buffered recovery arrival.
	msg, err := p.Get()
	require.NoError(t, err)
	require.NoError(t, msg.Append(fix.TagMsgType, fix.MsgTypeNewOrderSingle))
	require.NoError(t, s.Send(msg))
	s.handleInbound(appMsg(t, s, 9))
	s.out.Drain(func(m *fix.Message) { p.Put(m) }) // consume the queued outbound side

	require.Less(t, p.Available(), 16)
	s.Stop()
	assert.Equal(t, 16, p.Available(), "teardown must drain every checkout back")
}

func TestSequencePersistenceAcrossSessions(t *testing.T) {
	store := &memorySeqStore{}
	cfg := testConfig()

	s1 := newTestSession(t, cfg, Deps{SeqStore: store})
	for i := 0; i < 3; i++ {
		msg, err := s1.msgPool.Get()
		require.NoError(t, err)
		require.NoError(t, msg.Append(fix.TagMsgType, fix.MsgTypeNewOrderSingle))
		require.NoError(t, s1.Send(msg))
	}
	s1.Stop()

	s2 := newTestSession(t, cfg, Deps{SeqStore: store})
	assert.Equal(t, uint64(4), s2.NextOut(), "counters survive reconnect within the day")
}
