package fix

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MaxFields bounds the number of fields a single message may carry.
	MaxFields = 64
	// MaxMessageBytes bounds the raw size of a single message. All field
	// values live inside this buffer so decode and encode never allocate.
	MaxMessageBytes = 8192
)

// Field is a single tag=value pair. Value always points into the owning
// Message's buffer; it is invalid after the message is reset or released.
type Field struct {
	Tag   int
	Value []byte
}

// Message is a pre-allocated FIX message. Instances come from pool.Pool and
// must be reset before reuse. Not safe for concurrent use.
type Message struct {
	// SeqNum is the value of MsgSeqNum(34), parsed on decode and assigned
	// by the session on the outbound path.
	SeqNum uint64

	fields [MaxFields]Field
	n      int
	buf    [MaxMessageBytes]byte
	used   int
}

// Reset clears the message for reuse.
func (m *Message) Reset() {
	for i := 0; i < m.n; i++ {
		m.fields[i] = Field{}
	}
	m.n = 0
	m.used = 0
	m.SeqNum = 0
}

// Len returns the number of fields.
func (m *Message) Len() int { return m.n }

// FieldAt returns the i-th field in wire order.
func (m *Message) FieldAt(i int) Field { return m.fields[i] }

// MsgType returns the value of MsgType(35), or nil when absent.
func (m *Message) MsgType() []byte {
	v, _ := m.Get(TagMsgType)
	return v
}

// Get returns the value of the first field with the given tag.
func (m *Message) Get(tag int) ([]byte, bool) {
	for i := 0; i < m.n; i++ {
		if m.fields[i].Tag == tag {
			return m.fields[i].Value, true
		}
	}
	return nil, false
}

// Has reports whether the message carries the tag.
func (m *Message) Has(tag int) bool {
	_, ok := m.Get(tag)
	return ok
}

// GetInt parses the field value as a base-10 integer.
func (m *Message) GetInt(tag int) (int64, bool) {
	v, ok := m.Get(tag)
	if !ok {
		return 0, false
	}
	n, ok := parseInt(v)
	return n, ok
}

// GetUint parses the field value as a base-10 unsigned integer.
func (m *Message) GetUint(tag int) (uint64, bool) {
	v, ok := m.Get(tag)
	if !ok {
		return 0, false
	}
	return parseUint(v)
}

// GetDecimal parses the field value as an exact decimal. The value never
// passes through binary floating point.
func (m *Message) GetDecimal(tag int) (decimal.Decimal, bool) {
	v, ok := m.Get(tag)
	if !ok {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(string(v))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// GetBool reports whether the field is present with value Y.
func (m *Message) GetBool(tag int) bool {
	v, ok := m.Get(tag)
	return ok && len(v) == 1 && v[0] == 'Y'
}

// grow reserves n bytes of the internal buffer for a new field value.
func (m *Message) grow(n int) ([]byte, bool) {
	if m.n >= MaxFields || m.used+n > MaxMessageBytes {
		return nil, false
	}
	b := m.buf[m.used : m.used : MaxMessageBytes]
	return b, true
}

func (m *Message) commit(tag int, value []byte) {
	m.fields[m.n] = Field{Tag: tag, Value: value}
	m.n++
	m.used += len(value)
}

// Append adds a field, copying value into the message buffer.
func (m *Message) Append(tag int, value []byte) error {
	b, ok := m.grow(len(value))
	if !ok {
		return ErrMessageFull
	}
	b = append(b, value...)
	m.commit(tag, b)
	return nil
}

// AppendString adds a field with a string value.
func (m *Message) AppendString(tag int, value string) error {
	b, ok := m.grow(len(value))
	if !ok {
		return ErrMessageFull
	}
	b = append(b, value...)
	m.commit(tag, b)
	return nil
}

// AppendInt adds a field with a base-10 integer value.
func (m *Message) AppendInt(tag int, value int64) error {
	b, ok := m.grow(20)
	if !ok {
		return ErrMessageFull
	}
	b = appendInt(b, value)
	m.commit(tag, b)
	return nil
}

// AppendUint adds a field with a base-10 unsigned integer value.
func (m *Message) AppendUint(tag int, value uint64) error {
	b, ok := m.grow(20)
	if !ok {
		return ErrMessageFull
	}
	b = appendUint(b, value)
	m.commit(tag, b)
	return nil
}

// AppendDecimal adds a field with a minimal, trailing-zero-free decimal
// rendering that round-trips exactly.
func (m *Message) AppendDecimal(tag int, value decimal.Decimal) error {
	s := DecimalString(value)
	return m.AppendString(tag, s)
}

// AppendTimestamp adds a UTC timestamp field at nanosecond resolution.
func (m *Message) AppendTimestamp(tag int, t time.Time) error {
	b, ok := m.grow(len(timestampLayout))
	if !ok {
		return ErrMessageFull
	}
	b = t.UTC().AppendFormat(b, timestampLayout)
	m.commit(tag, b)
	return nil
}

const timestampLayout = "20060102-15:04:05.000000000"

// ParseTimestamp parses a timestamp field value, accepting second,
// millisecond and nanosecond precision.
func ParseTimestamp(v []byte) (time.Time, error) {
	s := string(v)
	for _, layout := range []string{timestampLayout, "20060102-15:04:05.000", "20060102-15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, ErrTruncated
}

// DecimalString renders d with no trailing fractional zeros and no
// exponent notation.
func DecimalString(d decimal.Decimal) string {
	s := d.String()
	if hasDot(s) {
		i := len(s)
		for i > 0 && s[i-1] == '0' {
			i--
		}
		if i > 0 && s[i-1] == '.' {
			i--
		}
		s = s[:i]
	}
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

func hasDot(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return true
		}
	}
	return false
}

func parseInt(b []byte) (int64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	neg := false
	if b[0] == '-' {
		neg = true
		b = b[1:]
	}
	u, ok := parseUint(b)
	if !ok {
		return 0, false
	}
	if neg {
		return -int64(u), true
	}
	return int64(u), true
}

func parseUint(b []byte) (uint64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	var n uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	return n, true
}

func appendInt(dst []byte, v int64) []byte {
	if v < 0 {
		dst = append(dst, '-')
		return appendUint(dst, uint64(-v))
	}
	return appendUint(dst, uint64(v))
}

func appendUint(dst []byte, v uint64) []byte {
	var tmp [20]byte
	i := len(tmp)
	for {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	return append(dst, tmp[i:]...)
}

func uintLen(v uint64) int {
	n := 1
	for v >= 10 {
		v /= 10
		n++
	}
	return n
}
