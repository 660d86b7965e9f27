package session

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradewire/fixengine/internal/fix"
)

const (
	recvIdleSleep = 200 * time.Microsecond
	// tickEvery bounds how many messages are processed between timer
	// checks under sustained inbound load.
	tickEvery = 128
)

// OnBytes is the ingress called by the network I/O boundary with one
// complete raw message. The payload is decoded into a pooled message and
// queued to the receive goroutine. Pool exhaustion and a full ring are
// backpressure signals returned to the caller.
func (s *Session) OnBytes(raw []byte) error {
	msg, err := s.msgPool.Get()
	if err != nil {
		return err
	}
	if err := s.codec.Decode(raw, msg); err != nil {
		s.msgPool.Put(msg)
		streak := s.malformedStreak.Add(1)
		s.log.Warn("dropping undecodable inbound payload",
			zap.Error(err), zap.Int32("streak", streak))
		if s.State() == Active {
			s.rejectGarbled(err)
		}
		if int(streak) >= s.cfg.MalformedLimit {
			s.fatal("repeated malformed input", err)
		}
		return err
	}
	s.malformedStreak.Store(0)
	if !s.in.Push(msg) {
		s.msgPool.Put(msg)
		return ErrQueueFull
	}
	return nil
}

// rejectGarbled notifies the counterparty that a payload was dropped.
func (s *Session) rejectGarbled(cause error) {
	err := s.sendAdmin(func(msg *fix.Message) error {
		if err := msg.Append(fix.TagMsgType, fix.MsgTypeReject); err != nil {
			return err
		}
		return msg.AppendString(fix.TagText, cause.Error())
	})
	if err != nil {
		s.log.Warn("failed to queue session reject", zap.Error(err))
	}
}

func (s *Session) recvLoop() {
	defer s.wg.Done()
	processed := 0
	for {
		select {
		case <-s.done:
			return
		default:
		}
		msg := s.in.Pop()
		if msg == nil {
			s.tick(time.Now())
			processed = 0
			select {
			case <-s.done:
				return
			case <-time.After(recvIdleSleep):
			}
			continue
		}
		s.handleInbound(msg)
		if processed++; processed >= tickEvery {
			s.tick(time.Now())
			processed = 0
		}
	}
}

// handleInbound applies sequence rules and dispatches one message. It owns
// the message and must release or buffer it on every path.
func (s *Session) handleInbound(msg *fix.Message) {
	s.interceptor.Record(DirectionInbound, msg)
	s.lastRecv.Store(time.Now().UnixNano())
	s.testReqPending = false

	if t := msg.MsgType(); len(t) == 1 && t[0] == '4' {
		s.handleSequenceReset(msg)
		return
	}

	seq := msg.SeqNum
	expected := s.expectedIn.Load()
	switch {
	case seq == expected:
		s.expectedIn.Store(expected + 1)
		s.dispatch(msg)
		s.drainPending()
	case seq > expected:
		s.bufferGap(msg, seq, expected)
	default:
		if msg.GetBool(fix.TagPossDupFlag) {
			s.log.Debug("discarding possdup replay",
				zap.Uint64("seq", seq), zap.Uint64("expected", expected))
			s.msgPool.Put(msg)
			return
		}
		s.msgPool.Put(msg)
		s.fatal("sequence regression",
			fmt.Errorf("%w: received %d, expected %d", ErrSequenceRegression, seq, expected))
	}
}

// dispatch routes one in-sequence message. Consumes msg.
func (s *Session) dispatch(msg *fix.Message) {
	if t := msg.MsgType(); len(t) == 1 {
		switch t[0] {
		case 'A':
			s.handleLogon(msg)
			return
		case '0':
			s.msgPool.Put(msg)
			return
		case '1':
			s.handleTestRequest(msg)
			return
		case '2':
			s.handleResendRequest(msg)
			return
		case '3':
			text, _ := msg.Get(fix.TagText)
			s.log.Warn("session-level reject received", zap.ByteString("text", text))
			s.msgPool.Put(msg)
			return
		case '5':
			s.handleLogout(msg)
			return
		}
	}

	switch s.State() {
	case Active, Recovering:
		if s.handler != nil {
			s.handler.OnApplicationMessage(msg)
		}
	default:
		s.log.Warn("application message ignored outside active session",
			zap.ByteString("msg_type", msg.MsgType()),
			zap.Uint64("seq", msg.SeqNum))
	}
	s.msgPool.Put(msg)
}

func (s *Session) handleLogon(msg *fix.Message) {
	defer s.msgPool.Put(msg)
	if s.State() != LogonSent {
		s.log.Warn("unexpected logon", zap.String("state", s.State().String()))
		return
	}
	sender, _ := msg.Get(fix.TagSenderCompID)
	target, _ := msg.Get(fix.TagTargetCompID)
	if string(sender) != s.cfg.TargetCompID || string(target) != s.cfg.SenderCompID {
		s.fatal("logon mismatch", fmt.Errorf("logon from %s/%s, session expects %s/%s",
			sender, target, s.cfg.TargetCompID, s.cfg.SenderCompID))
		return
	}
	if hb, ok := msg.GetInt(fix.TagHeartBtInt); ok && hb != int64(s.cfg.HeartbeatInterval/time.Second) {
		s.fatal("logon mismatch",
			fmt.Errorf("counterparty heartbeat interval %ds, session configured %s", hb, s.cfg.HeartbeatInterval))
		return
	}
	s.transition(Active, "logon acknowledged")
}

func (s *Session) handleTestRequest(msg *fix.Message) {
	reqID, _ := msg.Get(fix.TagTestReqID)
	// reqID aliases the pooled buffer; copy survives only through sendAdmin
	// which runs before the release below would matter, so keep ordering.
	err := s.sendAdmin(func(out *fix.Message) error {
		if err := out.Append(fix.TagMsgType, fix.MsgTypeHeartbeat); err != nil {
			return err
		}
		if len(reqID) > 0 {
			return out.Append(fix.TagTestReqID, reqID)
		}
		return nil
	})
	s.msgPool.Put(msg)
	if err != nil {
		s.log.Warn("failed to answer test request", zap.Error(err))
	}
}

// handleResendRequest answers with a gap fill rather than retransmitting:
// application state, not message replay, is the recovery source of truth on
// the outbound side.
func (s *Session) handleResendRequest(msg *fix.Message) {
	begin, _ := msg.GetUint(fix.TagBeginSeqNo)
	end, _ := msg.GetUint(fix.TagEndSeqNo)
	s.msgPool.Put(msg)
	s.log.Info("resend requested; answering with gap fill",
		zap.Uint64("begin", begin), zap.Uint64("end", end))
	err := s.sendAdmin(func(out *fix.Message) error {
		if err := out.Append(fix.TagMsgType, fix.MsgTypeSequenceReset); err != nil {
			return err
		}
		if err := out.AppendString(fix.TagGapFillFlag, "Y"); err != nil {
			return err
		}
		return out.AppendUint(fix.TagNewSeqNo, s.nextOut.Load())
	})
	if err != nil {
		s.log.Warn("failed to queue gap fill", zap.Error(err))
	}
}

func (s *Session) handleSequenceReset(msg *fix.Message) {
	newSeq, ok := msg.GetUint(fix.TagNewSeqNo)
	s.msgPool.Put(msg)
	if !ok {
		s.log.Warn("sequence reset without NewSeqNo(36)")
		return
	}
	expected := s.expectedIn.Load()
	if newSeq < expected {
		s.log.Warn("ignoring sequence reset below expected counter",
			zap.Uint64("new_seq", newSeq), zap.Uint64("expected", expected))
		return
	}
	s.log.Info("sequence gap filled by reset",
		zap.Uint64("from", expected), zap.Uint64("to", newSeq))
	s.expectedIn.Store(newSeq)
	s.drainPending()
}

func (s *Session) handleLogout(msg *fix.Message) {
	s.msgPool.Put(msg)
	if s.State() == LoggingOut {
		s.shutdown("logout acknowledged")
		return
	}
	// Counterparty-initiated logout: acknowledge, then tear down.
	if err := s.sendAdmin(func(out *fix.Message) error {
		return out.Append(fix.TagMsgType, fix.MsgTypeLogout)
	}); err != nil {
		s.log.Warn("failed to acknowledge logout", zap.Error(err))
	}
	s.shutdown("counterparty logout")
}

// bufferGap stores an out-of-order arrival and enters recovery. Consumes
// msg on every path.
func (s *Session) bufferGap(msg *fix.Message, seq, expected uint64) {
	if seq-expected > s.cfg.RecoveryMaxGap {
		s.msgPool.Put(msg)
		s.log.Error("sequence gap exceeds recovery window; escalating",
			zap.Uint64("expected", expected), zap.Uint64("received", seq),
			zap.Uint64("max_gap", s.cfg.RecoveryMaxGap))
		s.fatal("recovery window exceeded",
			fmt.Errorf("%w: gap %d..%d", ErrRecoveryWindowExceeded, expected, seq-1))
		return
	}

	if _, dup := s.pending.Get(seq); dup {
		s.msgPool.Put(msg)
	} else {
		s.pending.Set(seq, msg)
	}
	if seq > s.recoveryHigh {
		s.recoveryHigh = seq
	}

	if s.State() != Recovering {
		s.transition(Recovering, "sequence gap detected")
		s.recoveryDue = time.Now().Add(s.cfg.RecoveryTimeout)
		// Single resend request for the full missing range; chunking is a
		// counterparty-profile concern this engine does not carry.
		err := s.sendAdmin(func(out *fix.Message) error {
			if err := out.Append(fix.TagMsgType, fix.MsgTypeResendRequest); err != nil {
				return err
			}
			if err := out.AppendUint(fix.TagBeginSeqNo, expected); err != nil {
				return err
			}
			return out.AppendUint(fix.TagEndSeqNo, seq-1)
		})
		if err != nil {
			s.log.Warn("failed to queue resend request", zap.Error(err))
		}
	}
}

// drainPending replays buffered arrivals that are now in sequence and
// closes recovery once the gap is fully filled.
func (s *Session) drainPending() {
	for {
		expected := s.expectedIn.Load()
		msg, ok := s.pending.Get(expected)
		if !ok {
			break
		}
		s.pending.Delete(expected)
		s.expectedIn.Store(expected + 1)
		s.dispatch(msg)
	}
	if s.State() == Recovering && s.pending.Len() == 0 && s.expectedIn.Load() > s.recoveryHigh {
		s.transition(Active, "recovery complete")
	}
}

// tick runs the session timers: logon, heartbeat, recovery and logout
// deadlines. Exceeding any is a state transition, never a silent retry.
func (s *Session) tick(now time.Time) {
	switch s.State() {
	case LogonSent:
		if now.After(s.logonDue) {
			s.fatal("logon timeout", errors.New("no logon acknowledgment within timeout"))
		}
	case Active, Recovering:
		s.heartbeat(now)
		if s.State() == Recovering && now.After(s.recoveryDue) {
			s.log.Error("recovery window expired; escalating",
				zap.Uint64("expected", s.expectedIn.Load()),
				zap.Uint64("high", s.recoveryHigh))
			s.fatal("recovery timeout", ErrRecoveryWindowExceeded)
		}
	case LoggingOut:
		if due := s.logoutDueNanos.Load(); due != 0 && now.UnixNano() > due {
			s.log.Warn("logout acknowledgment timeout; disconnecting")
			s.shutdown("logout timeout")
		}
	}
}

func (s *Session) heartbeat(now time.Time) {
	hb := s.cfg.HeartbeatInterval
	sinceRecv := now.Sub(time.Unix(0, s.lastRecv.Load()))
	if sinceRecv >= 2*hb {
		s.fatal("heartbeat timeout",
			fmt.Errorf("no inbound traffic for %s, two heartbeat intervals missed", sinceRecv))
		return
	}
	if !s.testReqPending && sinceRecv >= hb+hb/2 {
		s.testReqPending = true
		err := s.sendAdmin(func(out *fix.Message) error {
			if err := out.Append(fix.TagMsgType, fix.MsgTypeTestRequest); err != nil {
				return err
			}
			return out.AppendTimestamp(fix.TagTestReqID, now)
		})
		if err != nil {
			s.log.Warn("failed to queue test request", zap.Error(err))
		}
	}
	if now.Sub(time.Unix(0, s.lastSent.Load())) >= hb {
		if err := s.sendAdmin(func(out *fix.Message) error {
			return out.Append(fix.TagMsgType, fix.MsgTypeHeartbeat)
		}); err != nil {
			s.log.Warn("failed to queue heartbeat", zap.Error(err))
		}
	}
}
