package fix

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// SOH is the canonical FIX field delimiter.
const SOH = 0x01

// Corrupted delimiter variants observed after lossy text transport. Each is
// normalized back to SOH before field splitting.
var (
	replacementChar       = []byte{0xEF, 0xBF, 0xBD}             // U+FFFD
	doubleEncodedReplChar = []byte{0xC3, 0xAF, 0xC2, 0xBF, 0xC2, 0xBD} // U+FFFD re-encoded as Latin-1
)

var checksumPrefix = []byte{SOH, '1', '0', '='}

// CodecStats is a snapshot of codec counters.
type CodecStats struct {
	Decoded         int64
	Encoded         int64
	DelimiterFixes  int64
	ChecksumErrors  int64
	MalformedErrors int64
	SkippedFields   int64
}

// Codec translates between raw FIX byte streams and Messages. It holds no
// per-message state and is safe for concurrent use by the receive and send
// goroutines of a session.
type Codec struct {
	log *zap.Logger

	decoded         atomic.Int64
	encoded         atomic.Int64
	delimiterFixes  atomic.Int64
	checksumErrors  atomic.Int64
	malformedErrors atomic.Int64
	skippedFields   atomic.Int64
}

// NewCodec creates a codec. The logger is required; it reports delimiter
// normalization and skipped fields at Warn.
func NewCodec(log *zap.Logger) *Codec {
	return &Codec{log: log.Named("codec")}
}

// Stats returns a snapshot of the codec counters.
func (c *Codec) Stats() CodecStats {
	return CodecStats{
		Decoded:         c.decoded.Load(),
		Encoded:         c.encoded.Load(),
		DelimiterFixes:  c.delimiterFixes.Load(),
		ChecksumErrors:  c.checksumErrors.Load(),
		MalformedErrors: c.malformedErrors.Load(),
		SkippedFields:   c.skippedFields.Load(),
	}
}

// Decode parses one complete FIX message from raw into msg. The raw bytes
// are copied into the message's own buffer; field values alias that buffer,
// so raw may be reused immediately. Checksum validation is mandatory.
func (c *Codec) Decode(raw []byte, msg *Message) error {
	msg.Reset()
	if len(raw) > MaxMessageBytes {
		c.malformedErrors.Add(1)
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(raw))
	}

	data, fixes := normalizeDelimiters(raw, msg.buf[:0])
	if fixes > 0 {
		c.delimiterFixes.Add(int64(fixes))
		c.log.Warn("normalized corrupted field delimiters", zap.Int("count", fixes))
	}
	msg.used = len(data)

	if len(data) == 0 || data[len(data)-1] != SOH {
		c.malformedErrors.Add(1)
		return fmt.Errorf("%w: missing trailing delimiter", ErrTruncated)
	}

	// Checksum covers every byte through the SOH preceding the 10= field.
	ckIdx := bytes.LastIndex(data, checksumPrefix)
	if ckIdx < 0 {
		c.malformedErrors.Add(1)
		return fmt.Errorf("%w: missing checksum field", ErrMalformedHeader)
	}
	var sum uint32
	for _, b := range data[:ckIdx+1] {
		sum += uint32(b)
	}
	want, ok := parseUint(data[ckIdx+4 : len(data)-1])
	if !ok || want != uint64(sum%256) {
		c.checksumErrors.Add(1)
		return fmt.Errorf("%w: computed %03d", ErrChecksum, sum%256)
	}

	if err := c.splitFields(data, msg); err != nil {
		msg.Reset()
		return err
	}

	if err := c.validateHeader(data, ckIdx, msg); err != nil {
		c.malformedErrors.Add(1)
		msg.Reset()
		return err
	}

	seq, ok := msg.GetUint(TagMsgSeqNum)
	if !ok {
		c.malformedErrors.Add(1)
		msg.Reset()
		return fmt.Errorf("%w: missing MsgSeqNum(34)", ErrMalformedHeader)
	}
	msg.SeqNum = seq

	c.decoded.Add(1)
	return nil
}

func (c *Codec) splitFields(data []byte, msg *Message) error {
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] != SOH {
			continue
		}
		field := data[start:i]
		start = i + 1
		eq := bytes.IndexByte(field, '=')
		if eq <= 0 {
			c.skippedFields.Add(1)
			c.log.Warn("skipping field without tag separator", zap.ByteString("field", field))
			continue
		}
		tag, ok := parseInt(field[:eq])
		if !ok {
			// A garbled non-mandatory tag drops only that field.
			c.skippedFields.Add(1)
			c.log.Warn("skipping field with unparseable tag", zap.ByteString("field", field))
			continue
		}
		if msg.n >= MaxFields {
			return fmt.Errorf("%w: more than %d fields", ErrMessageFull, MaxFields)
		}
		msg.fields[msg.n] = Field{Tag: int(tag), Value: field[eq+1:]}
		msg.n++
	}
	return nil
}

func (c *Codec) validateHeader(data []byte, ckIdx int, msg *Message) error {
	if msg.n == 0 || msg.fields[0].Tag != TagBeginString {
		return fmt.Errorf("%w: message does not start with BeginString(8)", ErrMalformedHeader)
	}
	if msg.n < 2 || msg.fields[1].Tag != TagBodyLength {
		return fmt.Errorf("%w: BodyLength(9) not second field", ErrMalformedHeader)
	}
	if !msg.Has(TagMsgType) {
		return fmt.Errorf("%w: missing MsgType(35)", ErrMalformedHeader)
	}
	bodyLen, ok := parseUint(msg.fields[1].Value)
	if !ok {
		return fmt.Errorf("%w: unparseable BodyLength(9)", ErrMalformedHeader)
	}
	// Body spans from the byte after BodyLength's delimiter to the byte
	// before the checksum field.
	bodyStart := headerPrefixLen(msg)
	if got := ckIdx + 1 - bodyStart; got != int(bodyLen) {
		return fmt.Errorf("%w: BodyLength(9)=%d but body is %d bytes", ErrMalformedHeader, bodyLen, got)
	}
	return nil
}

// headerPrefixLen returns the wire length of the 8= and 9= fields including
// their delimiters.
func headerPrefixLen(msg *Message) int {
	n := 0
	for i := 0; i < 2; i++ {
		f := msg.fields[i]
		n += uintLen(uint64(f.Tag)) + 1 + len(f.Value) + 1
	}
	return n
}

// Encode serializes msg into dst and returns the extended slice. The
// BeginString(8) field must already be present; BodyLength(9) and
// CheckSum(10) are computed here and any stale copies in msg are ignored.
// dst must have sufficient capacity for the encode to stay allocation-free.
func (c *Codec) Encode(msg *Message, dst []byte) ([]byte, error) {
	begin, ok := msg.Get(TagBeginString)
	if !ok {
		return dst, fmt.Errorf("%w: missing BeginString(8)", ErrMalformedHeader)
	}
	if !msg.Has(TagMsgType) {
		return dst, fmt.Errorf("%w: missing MsgType(35)", ErrMalformedHeader)
	}

	bodyLen := 0
	for i := 0; i < msg.n; i++ {
		f := msg.fields[i]
		switch f.Tag {
		case TagBeginString, TagBodyLength, TagCheckSum:
			continue
		}
		bodyLen += uintLen(uint64(f.Tag)) + 1 + len(f.Value) + 1
	}

	mark := len(dst)
	dst = appendField(dst, TagBeginString, begin)
	dst = append(dst, '9', '=')
	dst = appendUint(dst, uint64(bodyLen))
	dst = append(dst, SOH)
	for _, tag := range headerOrder {
		if v, ok := msg.Get(tag); ok {
			dst = appendField(dst, tag, v)
		}
	}
	for i := 0; i < msg.n; i++ {
		f := msg.fields[i]
		if f.Tag == TagBeginString || f.Tag == TagBodyLength || f.Tag == TagCheckSum || isHeaderTag(f.Tag) {
			continue
		}
		dst = appendField(dst, f.Tag, f.Value)
	}

	var sum uint32
	for _, b := range dst[mark:] {
		sum += uint32(b)
	}
	dst = append(dst, '1', '0', '=')
	ck := sum % 256
	dst = append(dst, byte('0'+ck/100), byte('0'+ck/10%10), byte('0'+ck%10))
	dst = append(dst, SOH)

	c.encoded.Add(1)
	return dst, nil
}

// headerOrder fixes the wire position of standard header fields so callers
// may append them in any order.
var headerOrder = [...]int{TagMsgType, TagSenderCompID, TagTargetCompID, TagMsgSeqNum, TagSendingTime, TagPossDupFlag}

func isHeaderTag(tag int) bool {
	for _, t := range headerOrder {
		if t == tag {
			return true
		}
	}
	return false
}

func appendField(dst []byte, tag int, value []byte) []byte {
	dst = appendInt(dst, int64(tag))
	dst = append(dst, '=')
	dst = append(dst, value...)
	return append(dst, SOH)
}

// normalizeDelimiters copies raw into dst, rewriting recognized corrupted
// delimiter variants back to SOH. Returns the copy and the fix count.
func normalizeDelimiters(raw []byte, dst []byte) ([]byte, int) {
	fixes := 0
	for i := 0; i < len(raw); {
		switch {
		case bytes.HasPrefix(raw[i:], doubleEncodedReplChar):
			dst = append(dst, SOH)
			i += len(doubleEncodedReplChar)
			fixes++
		case bytes.HasPrefix(raw[i:], replacementChar):
			dst = append(dst, SOH)
			i += len(replacementChar)
			fixes++
		case raw[i] == '|':
			dst = append(dst, SOH)
			i++
			fixes++
		default:
			dst = append(dst, raw[i])
			i++
		}
	}
	return dst, fixes
}

// FrameLen returns the byte length of the first complete FIX message at the
// start of b, or 0 when b does not yet hold one. Framing tolerates the same
// corrupted delimiter variants as Decode.
func FrameLen(b []byte) int {
	i := 0
	for {
		idx := bytes.Index(b[i:], []byte("10="))
		if idx < 0 {
			return 0
		}
		idx += i
		if idx == 0 || !delimiterEndsAt(b, idx) {
			i = idx + 3
			continue
		}
		end := idx + 3
		for end < len(b) && b[end] >= '0' && b[end] <= '9' {
			end++
		}
		if end == idx+3 {
			i = idx + 3
			continue
		}
		n := delimiterLenAt(b, end)
		if n == 0 {
			if end >= len(b) {
				return 0 // trailer not finished yet
			}
			i = idx + 3
			continue
		}
		return end + n
	}
}

// delimiterEndsAt reports whether a recognized delimiter ends immediately
// before position idx.
func delimiterEndsAt(b []byte, idx int) bool {
	if idx >= 1 && (b[idx-1] == SOH || b[idx-1] == '|') {
		return true
	}
	if idx >= 3 && bytes.Equal(b[idx-3:idx], replacementChar) {
		return true
	}
	if idx >= 6 && bytes.Equal(b[idx-6:idx], doubleEncodedReplChar) {
		return true
	}
	return false
}

// delimiterLenAt returns the length of the recognized delimiter starting at
// position idx, or 0 when none is present.
func delimiterLenAt(b []byte, idx int) int {
	if idx < len(b) && (b[idx] == SOH || b[idx] == '|') {
		return 1
	}
	if bytes.HasPrefix(b[idx:], doubleEncodedReplChar) {
		return len(doubleEncodedReplChar)
	}
	if bytes.HasPrefix(b[idx:], replacementChar) {
		return len(replacementChar)
	}
	return 0
}
