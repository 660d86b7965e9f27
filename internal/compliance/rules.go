// Package compliance injects regulatory fields into outbound messages and
// records every wire message into an append-only audit trail.
package compliance

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tradewire/fixengine/internal/fix"
)

// ErrComplianceFieldMissing blocks a send whose required regulatory field
// cannot be resolved. A message without its audit fields never reaches the
// wire.
var ErrComplianceFieldMissing = errors.New("compliance: required field missing")

// Requirement is one regulatory field an outbound message type must carry.
// An empty Value means the source has no resolution for it.
type Requirement struct {
	Tag   int
	Value string
}

// RuleSource resolves the regulatory fields required for a message type.
type RuleSource interface {
	RequiredFields(msgType []byte) []Requirement
}

// StaticRules is a RuleSource configured once at startup: every order
// message carries the firm's trading capacity and algorithm identifier.
type StaticRules struct {
	required []Requirement
}

// NewStaticRules builds the rule set from the firm's MiFID identifiers.
func NewStaticRules(capacity, algorithmID string) *StaticRules {
	return &StaticRules{
		required: []Requirement{
			{Tag: fix.TagOrderCapacity, Value: capacity},
			{Tag: fix.TagAlgorithmID, Value: algorithmID},
		},
	}
}

// RequiredFields returns the regulatory fields for order-flow messages.
// Session-level messages carry none.
func (r *StaticRules) RequiredFields(msgType []byte) []Requirement {
	if len(msgType) != 1 {
		return nil
	}
	switch msgType[0] {
	case 'D', 'F', 'G':
		return r.required
	}
	return nil
}

// Interceptor sits on the outbound path ahead of encoding. Injection is
// synchronous; audit recording is asynchronous through the trail.
type Interceptor struct {
	log   *zap.Logger
	rules RuleSource
	trail *Trail

	injected atomic.Uint64
	blocked  atomic.Uint64
}

// NewInterceptor wires a rule source and an audit trail. The trail may be
// nil when auditing is disabled.
func NewInterceptor(log *zap.Logger, rules RuleSource, trail *Trail) *Interceptor {
	return &Interceptor{
		log:   log.With(zap.String("component", "compliance")),
		rules: rules,
		trail: trail,
	}
}

// Outbound injects missing regulatory fields in place. Fields already
// present are left untouched; a requirement with no resolution blocks the
// send.
func (i *Interceptor) Outbound(msg *fix.Message) error {
	for _, req := range i.rules.RequiredFields(msg.MsgType()) {
		if msg.Has(req.Tag) {
			continue
		}
		if req.Value == "" {
			i.blocked.Add(1)
			i.log.Error("send blocked on unresolved regulatory field",
				zap.Int("tag", req.Tag),
				zap.ByteString("msg_type", msg.MsgType()))
			return fmt.Errorf("%w: tag %d", ErrComplianceFieldMissing, req.Tag)
		}
		if err := msg.AppendString(req.Tag, req.Value); err != nil {
			return fmt.Errorf("compliance: inject tag %d: %w", req.Tag, err)
		}
		i.injected.Add(1)
	}
	return nil
}

// Record forwards a wire message to the audit trail. Called on the session
// hot path; never blocks.
func (i *Interceptor) Record(direction string, msg *fix.Message) {
	if i.trail != nil {
		i.trail.Record(direction, msg)
	}
}

// InterceptorStats is a counter snapshot for observability.
type InterceptorStats struct {
	Injected uint64
	Blocked  uint64
}

func (i *Interceptor) Stats() InterceptorStats {
	return InterceptorStats{
		Injected: i.injected.Load(),
		Blocked:  i.blocked.Load(),
	}
}
