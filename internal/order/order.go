// Package order maps session-level execution reports to application-level
// order state.
package order

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/fixengine/internal/fix"
)

// Lifecycle states.
type State int

const (
	StateNew State = iota
	StatePendingAck
	StateAcknowledged
	StatePartiallyFilled
	StateFilled
	StateCancelled
	StateRejected
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StatePendingAck:
		return "PENDING_ACK"
	case StateAcknowledged:
		return "ACKNOWLEDGED"
	case StatePartiallyFilled:
		return "PARTIALLY_FILLED"
	case StateFilled:
		return "FILLED"
	case StateCancelled:
		return "CANCELLED"
	case StateRejected:
		return "REJECTED"
	case StateExpired:
		return "EXPIRED"
	}
	return "UNKNOWN"
}

// Terminal reports whether the state is final. A terminal order is
// immutable and retained only for audit.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired:
		return true
	}
	return false
}

// FIX side, order type and time-in-force values.
const (
	SideBuy  = "1"
	SideSell = "2"

	TypeMarket = "1"
	TypeLimit  = "2"

	TIFDay = "0"
	TIFGTC = "1"
	TIFIOC = "3"
	TIFFOK = "4"
)

// Order is an application-level trading intent. All mutation happens under
// the per-order mutex; callers observe it through Snapshot.
type Order struct {
	mu sync.Mutex

	ClOrdID    string
	ExchangeID string
	Symbol     string
	Side       string
	Qty        decimal.Decimal
	Price      decimal.Decimal
	Type       string
	TIF        string

	state  State
	cumQty decimal.Decimal
	avgPx  decimal.Decimal
}

// Snapshot is an immutable view of an order.
type Snapshot struct {
	ClOrdID    string
	ExchangeID string
	Symbol     string
	Side       string
	Qty        decimal.Decimal
	Price      decimal.Decimal
	State      State
	CumQty     decimal.Decimal
	AvgPx      decimal.Decimal
}

// Snapshot returns a consistent copy of the order's observable state.
func (o *Order) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		ClOrdID:    o.ClOrdID,
		ExchangeID: o.ExchangeID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Qty:        o.Qty,
		Price:      o.Price,
		State:      o.state,
		CumQty:     o.cumQty,
		AvgPx:      o.avgPx,
	}
}

// State returns the current lifecycle state.
func (o *Order) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Execution is the immutable fact carried by one execution report.
type Execution struct {
	ClOrdID    string
	ExchangeID string
	ExecID     string
	LastQty    decimal.Decimal
	LastPx     decimal.Decimal
	OrdStatus  byte
	Venue      string
	Liquidity  string
	// Timestamp is hardware-sourced when the report carries the private
	// nanosecond tag, SendingTime-derived otherwise.
	Timestamp time.Time
}

// ExecutionFromMessage parses an inbound ExecutionReport(8). The message
// belongs to the session pool; every extracted value is copied.
func ExecutionFromMessage(msg *fix.Message) (Execution, error) {
	exec := Execution{}
	if v, ok := msg.Get(fix.TagClOrdID); ok {
		exec.ClOrdID = string(v)
	}
	if v, ok := msg.Get(fix.TagOrderID); ok {
		exec.ExchangeID = string(v)
	}
	if exec.ClOrdID == "" && exec.ExchangeID == "" {
		return exec, fmt.Errorf("execution report without ClOrdID(11) or OrderID(37)")
	}
	if v, ok := msg.Get(fix.TagExecID); ok {
		exec.ExecID = string(v)
	}
	if v, ok := msg.Get(fix.TagOrdStatus); ok && len(v) == 1 {
		exec.OrdStatus = v[0]
	} else {
		return exec, fmt.Errorf("execution report without OrdStatus(39)")
	}
	if d, ok := msg.GetDecimal(fix.TagLastQty); ok {
		exec.LastQty = d
	}
	if d, ok := msg.GetDecimal(fix.TagLastPx); ok {
		exec.LastPx = d
	}
	if v, ok := msg.Get(fix.TagLastMkt); ok {
		exec.Venue = string(v)
	}
	if v, ok := msg.Get(fix.TagLastLiquidityInd); ok {
		exec.Liquidity = string(v)
	}
	if v, ok := msg.Get(fix.TagHardwareTimestamp); ok {
		if t, err := fix.ParseTimestamp(v); err == nil {
			exec.Timestamp = t
		}
	}
	if exec.Timestamp.IsZero() {
		if v, ok := msg.Get(fix.TagTransactTime); ok {
			if t, err := fix.ParseTimestamp(v); err == nil {
				exec.Timestamp = t
			}
		}
	}
	if exec.Timestamp.IsZero() {
		exec.Timestamp = time.Now().UTC()
	}
	return exec, nil
}

func stateFromOrdStatus(status byte) (State, bool) {
	switch status {
	case fix.OrdStatusNew, fix.OrdStatusReplaced:
		return StateAcknowledged, true
	case fix.OrdStatusPartiallyFilled:
		return StatePartiallyFilled, true
	case fix.OrdStatusFilled:
		return StateFilled, true
	case fix.OrdStatusCanceled:
		return StateCancelled, true
	case fix.OrdStatusRejected:
		return StateRejected, true
	case fix.OrdStatusExpired:
		return StateExpired, true
	}
	return StateNew, false
}
