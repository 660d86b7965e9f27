// Package audit exports the compliance trail to Kafka for downstream
// surveillance consumers.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/tradewire/fixengine/internal/compliance"
)

// TopicAuditTrail carries one JSON event per audited wire message, keyed
// by session so per-session ordering survives partitioning.
const TopicAuditTrail = "fix.audit"

// Event is the wire shape of an exported audit record.
type Event struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Direction string `json:"direction"`
	MsgType   string `json:"msg_type"`
	SeqNum    uint64 `json:"seq_num"`
	Fields    string `json:"fields"`
	TsNanos   int64  `json:"ts_unix_nanos"`
}

// Publisher ships audit batches to Kafka. Implements compliance.Exporter.
type Publisher struct {
	client *kgo.Client
	logger *zap.Logger

	produceCount int64
	errorCount   int64
}

// NewPublisher connects a producer to the given brokers.
func NewPublisher(brokers []string, logger *zap.Logger) (*Publisher, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	p := &Publisher{
		client: client,
		logger: logger,
	}

	logger.Info("audit publisher initialized",
		zap.Strings("brokers", brokers),
		zap.String("topic", TopicAuditTrail),
	)

	// Start periodic logging
	go p.logStats()

	return p, nil
}

// Export implements compliance.Exporter. The whole batch is produced
// synchronously; a failure is reported once and the trail retries nothing,
// the sqlite store remains the durable copy.
func (p *Publisher) Export(ctx context.Context, records []compliance.Record) error {
	if len(records) == 0 {
		return nil
	}

	kr := make([]*kgo.Record, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(Event{
			ID:        rec.ID,
			SessionID: rec.SessionID,
			Direction: rec.Direction,
			MsgType:   rec.MsgType,
			SeqNum:    rec.SeqNum,
			Fields:    rec.Fields,
			TsNanos:   rec.Timestamp.UnixNano(),
		})
		if err != nil {
			atomic.AddInt64(&p.errorCount, 1)
			return fmt.Errorf("failed to marshal audit event %s: %w", rec.ID, err)
		}
		kr = append(kr, &kgo.Record{
			Topic: TopicAuditTrail,
			Key:   []byte(rec.SessionID),
			Value: data,
		})
	}

	produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	results := p.client.ProduceSync(produceCtx, kr...)
	if err := results.FirstErr(); err != nil {
		atomic.AddInt64(&p.errorCount, 1)
		return fmt.Errorf("failed to produce audit batch: %w", err)
	}

	atomic.AddInt64(&p.produceCount, int64(len(kr)))
	return nil
}

// Close closes the producer.
func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

// Stats is a counter snapshot for observability.
type Stats struct {
	Produced int64
	Errors   int64
}

func (p *Publisher) Stats() Stats {
	return Stats{
		Produced: atomic.LoadInt64(&p.produceCount),
		Errors:   atomic.LoadInt64(&p.errorCount),
	}
}

// logStats logs producer statistics periodically
func (p *Publisher) logStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		produced := atomic.LoadInt64(&p.produceCount)
		errors := atomic.LoadInt64(&p.errorCount)
		p.logger.Info("audit publisher stats",
			zap.Int64("produced", produced),
			zap.Int64("errors", errors),
		)
	}
}
