package order

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradewire/fixengine/internal/fix"
	"github.com/tradewire/fixengine/internal/pool"
	"github.com/tradewire/fixengine/internal/session"
)

var (
	ErrNoActiveSession        = errors.New("order: no active session")
	ErrDuplicateClOrdID       = errors.New("order: duplicate ClOrdID")
	ErrUnknownOrder           = errors.New("order: unknown order")
	ErrInvalidStateTransition = errors.New("order: invalid state transition")
)

// Sender is the slice of the session the manager needs to originate
// messages. Satisfied by *session.Session.
type Sender interface {
	Send(msg *fix.Message) error
	State() session.State
}

// Update is delivered to subscribers after every accepted state change.
type Update struct {
	ClOrdID    string
	ExchangeID string
	State      State
	CumQty     decimal.Decimal
	AvgPx      decimal.Decimal
	LastQty    decimal.Decimal
	LastPx     decimal.Decimal
}

// Manager owns the live order book on the client side. It originates
// NewOrderSingle, cancel and replace requests through the session and
// consumes inbound execution reports as the session's application handler.
type Manager struct {
	log    *zap.Logger
	sender Sender
	pool   *pool.Pool

	live     sync.Map // ClOrdID -> *Order
	terminal sync.Map // ClOrdID -> *Order, audit retention
	byExchID sync.Map // ExchangeID -> ClOrdID

	subMu sync.RWMutex
	subs  []func(Update)

	anomalies atomic.Uint64
	submitted atomic.Uint64
	executed  atomic.Uint64
}

// NewManager wires a manager to a sender and the shared message pool.
func NewManager(log *zap.Logger, sender Sender, p *pool.Pool) *Manager {
	return &Manager{
		log:    log.With(zap.String("component", "order_manager")),
		sender: sender,
		pool:   p,
	}
}

// Subscribe registers a callback for order state changes. Callbacks run on
// the session receive goroutine and must not block.
func (m *Manager) Subscribe(fn func(Update)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subs = append(m.subs, fn)
}

func (m *Manager) notify(u Update) {
	m.subMu.RLock()
	subs := m.subs
	m.subMu.RUnlock()
	for _, fn := range subs {
		fn(u)
	}
}

// Submit validates the order, assigns a ClOrdID when absent and sends a
// NewOrderSingle(D). The order enters PendingAck before the wire send so a
// racing execution report can never observe a missing order.
func (m *Manager) Submit(o *Order) error {
	if o.ClOrdID == "" {
		o.ClOrdID = uuid.NewString()
	}
	if o.Symbol == "" {
		return fmt.Errorf("order %s: missing symbol", o.ClOrdID)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("order %s: invalid side %q", o.ClOrdID, o.Side)
	}
	if !o.Qty.IsPositive() {
		return fmt.Errorf("order %s: quantity must be positive", o.ClOrdID)
	}
	if o.Type == "" {
		o.Type = TypeLimit
	}
	if o.Type == TypeLimit && !o.Price.IsPositive() {
		return fmt.Errorf("order %s: limit order requires positive price", o.ClOrdID)
	}
	if o.TIF == "" {
		o.TIF = TIFDay
	}
	if m.sender.State() != session.Active {
		return ErrNoActiveSession
	}
	if _, dup := m.live.LoadOrStore(o.ClOrdID, o); dup {
		return fmt.Errorf("%w: %s", ErrDuplicateClOrdID, o.ClOrdID)
	}
	if _, was := m.terminal.Load(o.ClOrdID); was {
		m.live.Delete(o.ClOrdID)
		return fmt.Errorf("%w: %s", ErrDuplicateClOrdID, o.ClOrdID)
	}

	o.mu.Lock()
	o.state = StatePendingAck
	o.mu.Unlock()

	if err := m.sendBuilt(func(msg *fix.Message) error {
		if err := msg.Append(fix.TagMsgType, fix.MsgTypeNewOrderSingle); err != nil {
			return err
		}
		if err := msg.AppendString(fix.TagClOrdID, o.ClOrdID); err != nil {
			return err
		}
		if err := msg.AppendString(fix.TagSymbol, o.Symbol); err != nil {
			return err
		}
		if err := msg.AppendString(fix.TagSide, o.Side); err != nil {
			return err
		}
		if err := msg.AppendDecimal(fix.TagOrderQty, o.Qty); err != nil {
			return err
		}
		if err := msg.AppendString(fix.TagOrdType, o.Type); err != nil {
			return err
		}
		if o.Type == TypeLimit {
			if err := msg.AppendDecimal(fix.TagPrice, o.Price); err != nil {
				return err
			}
		}
		if err := msg.AppendString(fix.TagTimeInForce, o.TIF); err != nil {
			return err
		}
		return msg.AppendTimestamp(fix.TagTransactTime, time.Now().UTC())
	}); err != nil {
		m.rollbackSubmit(o)
		return fmt.Errorf("order %s: %w", o.ClOrdID, err)
	}
	m.submitted.Add(1)
	m.log.Info("order submitted",
		zap.String("cl_ord_id", o.ClOrdID),
		zap.String("symbol", o.Symbol),
		zap.String("side", o.Side),
		zap.String("qty", fix.DecimalString(o.Qty)))
	m.notify(Update{ClOrdID: o.ClOrdID, State: StatePendingAck})
	return nil
}

func (m *Manager) rollbackSubmit(o *Order) {
	m.live.Delete(o.ClOrdID)
	o.mu.Lock()
	o.state = StateNew
	o.mu.Unlock()
}

// Cancel sends an OrderCancelRequest(F) for a working order. Only orders
// the exchange has acknowledged can be cancelled.
func (m *Manager) Cancel(clOrdID string) error {
	o, err := m.working(clOrdID)
	if err != nil {
		return err
	}
	if m.sender.State() != session.Active {
		return ErrNoActiveSession
	}
	if err := m.sendBuilt(func(msg *fix.Message) error {
		if err := msg.Append(fix.TagMsgType, fix.MsgTypeOrderCancelRequest); err != nil {
			return err
		}
		if err := m.appendIdentity(msg, o); err != nil {
			return err
		}
		return msg.AppendTimestamp(fix.TagTransactTime, time.Now().UTC())
	}); err != nil {
		return fmt.Errorf("cancel %s: %w", clOrdID, err)
	}
	m.log.Info("cancel requested", zap.String("cl_ord_id", clOrdID))
	return nil
}

// Replace sends an OrderCancelReplaceRequest(G) with new quantity and, for
// limit orders, a new price. Zero-valued fields keep the current terms.
func (m *Manager) Replace(clOrdID string, qty, price decimal.Decimal) error {
	o, err := m.working(clOrdID)
	if err != nil {
		return err
	}
	if m.sender.State() != session.Active {
		return ErrNoActiveSession
	}
	if qty.IsZero() {
		qty = o.Qty
	}
	if price.IsZero() {
		price = o.Price
	}
	if !qty.IsPositive() {
		return fmt.Errorf("replace %s: quantity must be positive", clOrdID)
	}
	if err := m.sendBuilt(func(msg *fix.Message) error {
		if err := msg.Append(fix.TagMsgType, fix.MsgTypeOrderCancelReplace); err != nil {
			return err
		}
		if err := m.appendIdentity(msg, o); err != nil {
			return err
		}
		if err := msg.AppendDecimal(fix.TagOrderQty, qty); err != nil {
			return err
		}
		if err := msg.AppendString(fix.TagOrdType, o.Type); err != nil {
			return err
		}
		if o.Type == TypeLimit {
			if err := msg.AppendDecimal(fix.TagPrice, price); err != nil {
				return err
			}
		}
		return msg.AppendTimestamp(fix.TagTransactTime, time.Now().UTC())
	}); err != nil {
		return fmt.Errorf("replace %s: %w", clOrdID, err)
	}
	m.log.Info("replace requested",
		zap.String("cl_ord_id", clOrdID),
		zap.String("qty", fix.DecimalString(qty)),
		zap.String("price", fix.DecimalString(price)))
	return nil
}

// sendBuilt checks out a pooled message, populates it and hands it to the
// session. Ownership transfers to the session only on a successful send.
func (m *Manager) sendBuilt(build func(*fix.Message) error) error {
	msg, err := m.pool.Get()
	if err != nil {
		return err
	}
	if err := build(msg); err != nil {
		m.pool.Put(msg)
		return err
	}
	if err := m.sender.Send(msg); err != nil {
		m.pool.Put(msg)
		return err
	}
	return nil
}

// appendIdentity stamps the fields a cancel or replace shares: original and
// fresh ClOrdIDs, the exchange OrderID when known, symbol and side.
func (m *Manager) appendIdentity(msg *fix.Message, o *Order) error {
	if err := msg.AppendString(fix.TagOrigClOrdID, o.ClOrdID); err != nil {
		return err
	}
	if err := msg.AppendString(fix.TagClOrdID, uuid.NewString()); err != nil {
		return err
	}
	if id := o.exchangeID(); id != "" {
		if err := msg.AppendString(fix.TagOrderID, id); err != nil {
			return err
		}
	}
	if err := msg.AppendString(fix.TagSymbol, o.Symbol); err != nil {
		return err
	}
	return msg.AppendString(fix.TagSide, o.Side)
}

// working returns a live order in a cancellable/replaceable state.
func (m *Manager) working(clOrdID string) (*Order, error) {
	v, ok := m.live.Load(clOrdID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, clOrdID)
	}
	o := v.(*Order)
	switch o.State() {
	case StateAcknowledged, StatePartiallyFilled:
		return o, nil
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrInvalidStateTransition, clOrdID, o.State())
}

func (o *Order) exchangeID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ExchangeID
}

// Lookup returns a snapshot of a live or terminal order.
func (m *Manager) Lookup(clOrdID string) (Snapshot, bool) {
	if v, ok := m.live.Load(clOrdID); ok {
		return v.(*Order).Snapshot(), true
	}
	if v, ok := m.terminal.Load(clOrdID); ok {
		return v.(*Order).Snapshot(), true
	}
	return Snapshot{}, false
}

// OnApplicationMessage implements session.Handler. Anything other than an
// ExecutionReport(8) is logged and dropped; the message stays owned by the
// session, so all state is copied before returning.
func (m *Manager) OnApplicationMessage(msg *fix.Message) {
	if !bytes.Equal(msg.MsgType(), fix.MsgTypeExecutionReport) {
		m.anomalies.Add(1)
		m.log.Warn("unsupported application message",
			zap.ByteString("msg_type", msg.MsgType()),
			zap.Uint64("seq", msg.SeqNum))
		return
	}
	exec, err := ExecutionFromMessage(msg)
	if err != nil {
		m.anomalies.Add(1)
		m.log.Warn("unusable execution report", zap.Uint64("seq", msg.SeqNum), zap.Error(err))
		return
	}
	m.OnExecutionReport(exec)
}

// OnExecutionReport applies one execution to the live book. Reports for
// unknown or already-terminal orders are counted and discarded, never
// retroactively applied.
func (m *Manager) OnExecutionReport(exec Execution) {
	o := m.resolve(exec)
	if o == nil {
		m.anomalies.Add(1)
		m.log.Warn("execution report for unknown or terminal order",
			zap.String("cl_ord_id", exec.ClOrdID),
			zap.String("exchange_id", exec.ExchangeID),
			zap.String("exec_id", exec.ExecID))
		return
	}

	next, ok := stateFromOrdStatus(exec.OrdStatus)
	if !ok {
		m.anomalies.Add(1)
		m.log.Warn("unrecognized ord status",
			zap.String("cl_ord_id", o.ClOrdID),
			zap.String("ord_status", string(rune(exec.OrdStatus))))
		return
	}

	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		m.anomalies.Add(1)
		m.log.Warn("execution report after terminal state",
			zap.String("cl_ord_id", o.ClOrdID),
			zap.String("state", o.state.String()))
		return
	}
	if exec.ExchangeID != "" && o.ExchangeID == "" {
		o.ExchangeID = exec.ExchangeID
		m.byExchID.Store(exec.ExchangeID, o.ClOrdID)
	}
	if exec.LastQty.IsPositive() {
		newCum := o.cumQty.Add(exec.LastQty)
		notional := o.avgPx.Mul(o.cumQty).Add(exec.LastPx.Mul(exec.LastQty))
		o.avgPx = notional.Div(newCum)
		o.cumQty = newCum
	}
	o.state = next
	u := Update{
		ClOrdID:    o.ClOrdID,
		ExchangeID: o.ExchangeID,
		State:      o.state,
		CumQty:     o.cumQty,
		AvgPx:      o.avgPx,
		LastQty:    exec.LastQty,
		LastPx:     exec.LastPx,
	}
	o.mu.Unlock()

	if next.Terminal() {
		m.retire(o)
	}
	m.executed.Add(1)
	m.log.Info("execution applied",
		zap.String("cl_ord_id", u.ClOrdID),
		zap.String("state", u.State.String()),
		zap.String("cum_qty", fix.DecimalString(u.CumQty)),
		zap.String("avg_px", fix.DecimalString(u.AvgPx)))
	m.notify(u)
}

// resolve finds the live order an execution belongs to, by ClOrdID first
// and by exchange OrderID as a fallback.
func (m *Manager) resolve(exec Execution) *Order {
	if exec.ClOrdID != "" {
		if v, ok := m.live.Load(exec.ClOrdID); ok {
			return v.(*Order)
		}
	}
	if exec.ExchangeID != "" {
		if v, ok := m.byExchID.Load(exec.ExchangeID); ok {
			if o, ok := m.live.Load(v.(string)); ok {
				return o.(*Order)
			}
		}
	}
	return nil
}

func (m *Manager) retire(o *Order) {
	m.live.Delete(o.ClOrdID)
	m.terminal.Store(o.ClOrdID, o)
	if id := o.exchangeID(); id != "" {
		m.byExchID.Delete(id)
	}
}

// Stats is a point-in-time counter snapshot for observability.
type Stats struct {
	Live      int
	Submitted uint64
	Executed  uint64
	Anomalies uint64
}

func (m *Manager) Stats() Stats {
	live := 0
	m.live.Range(func(_, _ any) bool {
		live++
		return true
	})
	return Stats{
		Live:      live,
		Submitted: m.submitted.Load(),
		Executed:  m.executed.Load(),
		Anomalies: m.anomalies.Load(),
	}
}
