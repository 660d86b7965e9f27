package session

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradewire/fixengine/internal/fix"
)

const sendIdleSleep = 200 * time.Microsecond

// Send queues an application message for transmission. The compliance
// interceptor runs synchronously first; the outgoing sequence number is
// assigned at this hand-off, before any connectivity check, so numbering is
// deterministic without a live connection. The message must come from the
// session's pool; ownership passes to the session on success. A full
// outbound ring returns ErrQueueFull and the caller keeps the message.
func (s *Session) Send(msg *fix.Message) error {
	if err := s.interceptor.Outbound(msg); err != nil {
		return err
	}
	return s.enqueue(msg)
}

// sendAdmin builds a session-level message from the pool and queues it.
func (s *Session) sendAdmin(build func(*fix.Message) error) error {
	msg, err := s.msgPool.Get()
	if err != nil {
		return fmt.Errorf("admin message checkout: %w", err)
	}
	if err := build(msg); err != nil {
		s.msgPool.Put(msg)
		return err
	}
	if err := s.enqueue(msg); err != nil {
		s.msgPool.Put(msg)
		return err
	}
	return nil
}

// enqueue assigns the sequence number, stamps the standard header and
// pushes onto the outbound ring. The producer side is serialized by sendMu
// so wire order always matches sequence order.
func (s *Session) enqueue(msg *fix.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.out.Full() {
		return ErrQueueFull
	}
	if err := s.stampHeader(msg); err != nil {
		return err
	}
	seq := s.nextOut.Load()
	if err := msg.AppendUint(fix.TagMsgSeqNum, seq); err != nil {
		return err
	}
	msg.SeqNum = seq
	s.nextOut.Store(seq + 1)
	s.out.Push(msg)
	return nil
}

func (s *Session) stampHeader(msg *fix.Message) error {
	if !msg.Has(fix.TagBeginString) {
		if err := msg.AppendString(fix.TagBeginString, s.cfg.BeginString); err != nil {
			return err
		}
	}
	if err := msg.AppendString(fix.TagSenderCompID, s.cfg.SenderCompID); err != nil {
		return err
	}
	if err := msg.AppendString(fix.TagTargetCompID, s.cfg.TargetCompID); err != nil {
		return err
	}
	return msg.AppendTimestamp(fix.TagSendingTime, time.Now())
}

func (s *Session) sendLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		default:
		}
		msg := s.out.Pop()
		if msg == nil {
			select {
			case <-s.done:
				return
			case <-time.After(sendIdleSleep):
			}
			continue
		}
		s.transmit(msg)
	}
}

// transmit encodes and writes one message, then returns it to the pool.
func (s *Session) transmit(msg *fix.Message) {
	defer s.msgPool.Put(msg)

	buf, err := s.codec.Encode(msg, s.encodeBuf[:0])
	if err != nil {
		s.log.Error("outbound message failed to encode",
			zap.Uint64("seq", msg.SeqNum), zap.Error(err))
		return
	}
	s.encodeBuf = buf[:0]

	s.interceptor.Record(DirectionOutbound, msg)

	if s.transport == nil {
		s.log.Debug("no transport configured; outbound message dropped",
			zap.Uint64("seq", msg.SeqNum))
		return
	}
	if err := s.transport.Send(buf); err != nil {
		s.fatal("transport send failed", err)
		return
	}
	s.lastSent.Store(time.Now().UnixNano())
}

// Audit directions.
const (
	DirectionInbound  = "IN"
	DirectionOutbound = "OUT"
)
