package order

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradewire/fixengine/internal/fix"
	"github.com/tradewire/fixengine/internal/pool"
	"github.com/tradewire/fixengine/internal/session"
)

type fakeSender struct {
	mu      sync.Mutex
	state   session.State
	sent    []*fix.Message
	sendErr error
}

func (f *fakeSender) Send(msg *fix.Message) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) State() session.State { return f.state }

func (f *fakeSender) last(t *testing.T) *fix.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

func newTestManager(state session.State) (*Manager, *fakeSender) {
	sender := &fakeSender{state: state}
	return NewManager(zap.NewNop(), sender, pool.New(32)), sender
}

func limitBuy(qty, price string) *Order {
	return &Order{
		Symbol: "EURUSD",
		Side:   SideBuy,
		Type:   TypeLimit,
		Qty:    decimal.RequireFromString(qty),
		Price:  decimal.RequireFromString(price),
	}
}

func getString(t *testing.T, msg *fix.Message, tag int) string {
	t.Helper()
	v, ok := msg.Get(tag)
	require.True(t, ok, "tag %d missing", tag)
	return string(v)
}

func TestSubmitBuildsNewOrderSingle(t *testing.T) {
	m, sender := newTestManager(session.Active)

	o := limitBuy("100", "1.0850")
	require.NoError(t, m.Submit(o))
	assert.NotEmpty(t, o.ClOrdID, "ClOrdID assigned when absent")
	assert.Equal(t, StatePendingAck, o.State())

	msg := sender.last(t)
	assert.Equal(t, "D", string(msg.MsgType()))
	assert.Equal(t, o.ClOrdID, getString(t, msg, fix.TagClOrdID))
	assert.Equal(t, "EURUSD", getString(t, msg, fix.TagSymbol))
	assert.Equal(t, SideBuy, getString(t, msg, fix.TagSide))
	assert.Equal(t, "100", getString(t, msg, fix.TagOrderQty))
	assert.Equal(t, "1.085", getString(t, msg, fix.TagPrice))
	assert.Equal(t, TIFDay, getString(t, msg, fix.TagTimeInForce))
	assert.True(t, msg.Has(fix.TagTransactTime))
}

func TestSubmitRequiresActiveSession(t *testing.T) {
	m, _ := newTestManager(session.Disconnected)

	err := m.Submit(limitBuy("10", "50"))
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestSubmitRejectsDuplicateClOrdID(t *testing.T) {
	m, _ := newTestManager(session.Active)

	o := limitBuy("10", "50")
	o.ClOrdID = "dup-1"
	require.NoError(t, m.Submit(o))

	again := limitBuy("10", "50")
	again.ClOrdID = "dup-1"
	require.ErrorIs(t, m.Submit(again), ErrDuplicateClOrdID)
}

func TestSubmitValidation(t *testing.T) {
	m, _ := newTestManager(session.Active)

	cases := map[string]*Order{
		"missing symbol": {Side: SideBuy, Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(1)},
		"bad side":       {Symbol: "EURUSD", Side: "X", Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(1)},
		"zero qty":       {Symbol: "EURUSD", Side: SideSell, Price: decimal.NewFromInt(1)},
		"limit no price": {Symbol: "EURUSD", Side: SideSell, Qty: decimal.NewFromInt(1)},
	}
	for name, o := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, m.Submit(o))
		})
	}
}

// Two partial fills reach Filled exactly once, with a quantity-weighted
// average price; a third report for the same order is discarded.
func TestFillLifecycleIsIdempotentAtTerminal(t *testing.T) {
	m, _ := newTestManager(session.Active)

	var updates []Update
	m.Subscribe(func(u Update) { updates = append(updates, u) })

	o := limitBuy("100", "100.50")
	require.NoError(t, m.Submit(o))

	m.OnExecutionReport(Execution{
		ClOrdID: o.ClOrdID, ExchangeID: "X-77", ExecID: "e1",
		OrdStatus: fix.OrdStatusNew,
	})
	assert.Equal(t, StateAcknowledged, o.State())

	m.OnExecutionReport(Execution{
		ClOrdID: o.ClOrdID, ExecID: "e2",
		OrdStatus: fix.OrdStatusPartiallyFilled,
		LastQty:   decimal.RequireFromString("60"),
		LastPx:    decimal.RequireFromString("100.10"),
	})
	assert.Equal(t, StatePartiallyFilled, o.State())

	m.OnExecutionReport(Execution{
		ClOrdID: o.ClOrdID, ExecID: "e3",
		OrdStatus: fix.OrdStatusFilled,
		LastQty:   decimal.RequireFromString("40"),
		LastPx:    decimal.RequireFromString("100.20"),
	})

	snap, ok := m.Lookup(o.ClOrdID)
	require.True(t, ok)
	assert.Equal(t, StateFilled, snap.State)
	assert.True(t, snap.CumQty.Equal(decimal.RequireFromString("100")))
	// (60*100.10 + 40*100.20) / 100
	assert.True(t, snap.AvgPx.Equal(decimal.RequireFromString("100.14")),
		"got avg px %s", snap.AvgPx)

	before := m.Stats().Anomalies
	m.OnExecutionReport(Execution{
		ClOrdID: o.ClOrdID, ExecID: "e4",
		OrdStatus: fix.OrdStatusFilled,
		LastQty:   decimal.RequireFromString("40"),
		LastPx:    decimal.RequireFromString("200"),
	})
	assert.Equal(t, before+1, m.Stats().Anomalies, "post-terminal report discarded")

	after, _ := m.Lookup(o.ClOrdID)
	assert.True(t, after.CumQty.Equal(snap.CumQty), "terminal order stays immutable")

	var filled int
	for _, u := range updates {
		if u.State == StateFilled {
			filled++
		}
	}
	assert.Equal(t, 1, filled, "terminal state reached exactly once")
}

func TestUnknownExecutionIsDiscarded(t *testing.T) {
	m, _ := newTestManager(session.Active)

	m.OnExecutionReport(Execution{
		ClOrdID: "never-submitted", ExecID: "e1",
		OrdStatus: fix.OrdStatusFilled,
		LastQty:   decimal.NewFromInt(1),
		LastPx:    decimal.NewFromInt(1),
	})
	assert.Equal(t, uint64(1), m.Stats().Anomalies)
	_, ok := m.Lookup("never-submitted")
	assert.False(t, ok)
}

func TestResolveByExchangeOrderID(t *testing.T) {
	m, _ := newTestManager(session.Active)

	o := limitBuy("10", "50")
	require.NoError(t, m.Submit(o))

	m.OnExecutionReport(Execution{
		ClOrdID: o.ClOrdID, ExchangeID: "X-1", ExecID: "e1",
		OrdStatus: fix.OrdStatusNew,
	})

	// Venue drops ClOrdID on the fill; OrderID alone must still resolve.
	m.OnExecutionReport(Execution{
		ExchangeID: "X-1", ExecID: "e2",
		OrdStatus: fix.OrdStatusFilled,
		LastQty:   decimal.RequireFromString("10"),
		LastPx:    decimal.RequireFromString("50"),
	})
	snap, ok := m.Lookup(o.ClOrdID)
	require.True(t, ok)
	assert.Equal(t, StateFilled, snap.State)
}

func TestCancelRequiresWorkingOrder(t *testing.T) {
	m, sender := newTestManager(session.Active)

	o := limitBuy("10", "50")
	require.NoError(t, m.Submit(o))

	// PendingAck is not cancellable.
	require.ErrorIs(t, m.Cancel(o.ClOrdID), ErrInvalidStateTransition)

	m.OnExecutionReport(Execution{
		ClOrdID: o.ClOrdID, ExchangeID: "X-9", ExecID: "e1",
		OrdStatus: fix.OrdStatusNew,
	})
	require.NoError(t, m.Cancel(o.ClOrdID))

	msg := sender.last(t)
	assert.Equal(t, "F", string(msg.MsgType()))
	assert.Equal(t, o.ClOrdID, getString(t, msg, fix.TagOrigClOrdID))
	assert.Equal(t, "X-9", getString(t, msg, fix.TagOrderID))
	assert.NotEqual(t, o.ClOrdID, getString(t, msg, fix.TagClOrdID))

	require.ErrorIs(t, m.Cancel("missing"), ErrUnknownOrder)
}

func TestReplaceCarriesNewTerms(t *testing.T) {
	m, sender := newTestManager(session.Active)

	o := limitBuy("100", "1.10")
	require.NoError(t, m.Submit(o))
	m.OnExecutionReport(Execution{ClOrdID: o.ClOrdID, ExecID: "e1", OrdStatus: fix.OrdStatusNew})

	require.NoError(t, m.Replace(o.ClOrdID, decimal.RequireFromString("150"), decimal.Decimal{}))

	msg := sender.last(t)
	assert.Equal(t, "G", string(msg.MsgType()))
	assert.Equal(t, "150", getString(t, msg, fix.TagOrderQty))
	assert.Equal(t, "1.1", getString(t, msg, fix.TagPrice), "zero price keeps current terms")
}

func TestOnApplicationMessageParsesExecutionReport(t *testing.T) {
	m, _ := newTestManager(session.Active)

	o := limitBuy("10", "50")
	require.NoError(t, m.Submit(o))

	p := pool.New(4)
	msg, err := p.Get()
	require.NoError(t, err)
	require.NoError(t, msg.Append(fix.TagMsgType, fix.MsgTypeExecutionReport))
	require.NoError(t, msg.AppendString(fix.TagClOrdID, o.ClOrdID))
	require.NoError(t, msg.AppendString(fix.TagExecID, "e1"))
	require.NoError(t, msg.AppendString(fix.TagOrdStatus, "0"))
	m.OnApplicationMessage(msg)
	p.Put(msg)

	assert.Equal(t, StateAcknowledged, o.State())
}

func TestOnApplicationMessageRejectsNonExecutionTypes(t *testing.T) {
	m, _ := newTestManager(session.Active)

	p := pool.New(4)
	msg, err := p.Get()
	require.NoError(t, err)
	require.NoError(t, msg.Append(fix.TagMsgType, fix.MsgTypeNewOrderSingle))
	m.OnApplicationMessage(msg)
	p.Put(msg)

	assert.Equal(t, uint64(1), m.Stats().Anomalies)
}
