package compliance

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradewire/fixengine/internal/fix"
)

// Record is one audited wire message, captured with a full field copy so
// the pooled message can be recycled immediately.
type Record struct {
	ID        string
	SessionID string
	Direction string
	MsgType   string
	SeqNum    uint64
	Fields    string
	// Timestamp is taken at capture on the session goroutine, before any
	// queueing delay.
	Timestamp time.Time
}

// Exporter ships flushed audit batches to an external consumer.
type Exporter interface {
	Export(ctx context.Context, records []Record) error
}

// TrailConfig bounds the trail's buffering and flush cadence.
type TrailConfig struct {
	Capacity      int
	BatchSize     int
	FlushInterval time.Duration
}

func (c TrailConfig) withDefaults() TrailConfig {
	if c.Capacity <= 0 {
		c.Capacity = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 250 * time.Millisecond
	}
	return c
}

// Trail is the bounded asynchronous audit pipeline. Record never blocks:
// when the buffer is full the oldest entry is dropped and counted. A
// background writer batches records into the store and the optional
// exporter.
type Trail struct {
	log       *zap.Logger
	sessionID string
	cfg       TrailConfig
	ch        chan Record
	store     *Store
	exporter  Exporter

	recorded     atomic.Uint64
	dropped      atomic.Uint64
	flushed      atomic.Uint64
	lastDropWarn atomic.Int64
}

// NewTrail builds a trail writing to store and, when non-nil, exporter.
func NewTrail(log *zap.Logger, sessionID string, store *Store, exporter Exporter, cfg TrailConfig) *Trail {
	cfg = cfg.withDefaults()
	return &Trail{
		log:       log.With(zap.String("component", "audit_trail")),
		sessionID: sessionID,
		cfg:       cfg,
		ch:        make(chan Record, cfg.Capacity),
		store:     store,
		exporter:  exporter,
	}
}

// Record captures a wire message. Overflow drops the oldest buffered
// record to keep the newest; losses are counted, never blocking the
// session.
func (t *Trail) Record(direction string, msg *fix.Message) {
	rec := Record{
		ID:        uuid.NewString(),
		SessionID: t.sessionID,
		Direction: direction,
		MsgType:   string(msg.MsgType()),
		SeqNum:    msg.SeqNum,
		Fields:    renderFields(msg),
		Timestamp: time.Now().UTC(),
	}
	for {
		select {
		case t.ch <- rec:
			t.recorded.Add(1)
			return
		default:
		}
		select {
		case <-t.ch:
			t.dropped.Add(1)
			t.warnDrop()
		default:
		}
	}
}

// warnDrop logs at most once per second; drops are otherwise visible only
// through the counter.
func (t *Trail) warnDrop() {
	now := time.Now().UnixNano()
	last := t.lastDropWarn.Load()
	if now-last < int64(time.Second) {
		return
	}
	if t.lastDropWarn.CompareAndSwap(last, now) {
		t.log.Warn("audit trail overflow, dropping oldest",
			zap.Uint64("dropped_total", t.dropped.Load()))
	}
}

// Run drains the trail until ctx is cancelled, then performs a final
// flush. Store and exporter failures are logged and retried with the next
// batch; records in a failed batch are lost and counted.
func (t *Trail) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, t.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			t.collect(&batch)
			t.flush(context.Background(), batch)
			return ctx.Err()
		case rec := <-t.ch:
			batch = append(batch, rec)
			if len(batch) >= t.cfg.BatchSize {
				t.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			t.collect(&batch)
			if len(batch) > 0 {
				t.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (t *Trail) collect(batch *[]Record) {
	for len(*batch) < t.cfg.BatchSize {
		select {
		case rec := <-t.ch:
			*batch = append(*batch, rec)
		default:
			return
		}
	}
}

func (t *Trail) flush(ctx context.Context, batch []Record) {
	if len(batch) == 0 {
		return
	}
	if err := t.store.AppendBatch(ctx, batch); err != nil {
		t.dropped.Add(uint64(len(batch)))
		t.log.Error("failed to persist audit batch",
			zap.Int("records", len(batch)),
			zap.Error(err))
		return
	}
	t.flushed.Add(uint64(len(batch)))
	if t.exporter != nil {
		if err := t.exporter.Export(ctx, batch); err != nil {
			// Persisted locally; export is best effort.
			t.log.Error("failed to export audit batch",
				zap.Int("records", len(batch)),
				zap.Error(err))
		}
	}
}

// TrailStats is a counter snapshot for observability.
type TrailStats struct {
	Recorded uint64
	Dropped  uint64
	Flushed  uint64
	Buffered int
}

func (t *Trail) Stats() TrailStats {
	return TrailStats{
		Recorded: t.recorded.Load(),
		Dropped:  t.dropped.Load(),
		Flushed:  t.flushed.Load(),
		Buffered: len(t.ch),
	}
}

// renderFields serializes a message as pipe-delimited tag=value pairs.
// Credentials are redacted.
func renderFields(msg *fix.Message) string {
	var b []byte
	for i := 0; i < msg.Len(); i++ {
		f := msg.FieldAt(i)
		if i > 0 {
			b = append(b, '|')
		}
		b = strconv.AppendInt(b, int64(f.Tag), 10)
		b = append(b, '=')
		if f.Tag == fix.TagPassword {
			b = append(b, "***"...)
		} else {
			b = append(b, f.Value...)
		}
	}
	return string(b)
}
