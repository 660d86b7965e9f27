package fix

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func buildTestMessage(t *testing.T) *Message {
	t.Helper()
	msg := &Message{}
	require.NoError(t, msg.AppendString(TagBeginString, "FIX.4.4"))
	require.NoError(t, msg.Append(TagMsgType, MsgTypeNewOrderSingle))
	require.NoError(t, msg.AppendUint(TagMsgSeqNum, 42))
	require.NoError(t, msg.AppendString(TagSenderCompID, "TRADEWIRE"))
	require.NoError(t, msg.AppendString(TagTargetCompID, "EXCH"))
	require.NoError(t, msg.AppendTimestamp(TagSendingTime, time.Date(2026, 3, 14, 9, 30, 0, 123456789, time.UTC)))
	require.NoError(t, msg.AppendString(TagClOrdID, "ord-1"))
	require.NoError(t, msg.AppendString(TagSymbol, "AAPL"))
	require.NoError(t, msg.AppendString(TagSide, "1"))
	require.NoError(t, msg.AppendDecimal(TagOrderQty, decimal.RequireFromString("100")))
	require.NoError(t, msg.AppendDecimal(TagPrice, decimal.RequireFromString("150.2500")))
	return msg
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	msg := buildTestMessage(t)
	wire, err := codec.Encode(msg, make([]byte, 0, MaxMessageBytes))
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, codec.Decode(wire, &decoded))

	assert.Equal(t, uint64(42), decoded.SeqNum)
	assert.Equal(t, []byte("D"), decoded.MsgType())

	// Every original field survives with its exact value.
	for i := 0; i < msg.Len(); i++ {
		f := msg.FieldAt(i)
		got, ok := decoded.Get(f.Tag)
		require.True(t, ok, "tag %d missing after round trip", f.Tag)
		assert.Equal(t, string(f.Value), string(got), "tag %d", f.Tag)
	}

	// Decimal precision is exact, not float-approximate.
	px, ok := decoded.GetDecimal(TagPrice)
	require.True(t, ok)
	assert.True(t, px.Equal(decimal.RequireFromString("150.25")))
	assert.Equal(t, "150.25", DecimalString(px), "trailing zeros must not survive encoding")
}

func TestDecodeChecksumMismatch(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	wire, err := codec.Encode(buildTestMessage(t), nil)
	require.NoError(t, err)

	// Any single-byte mutation of the payload must surface ErrChecksum.
	// Mutating the checksum digits themselves also fails validation.
	for i := 0; i < len(wire); i++ {
		if wire[i] == SOH || wire[i] == '=' {
			continue // structural bytes can shift the failure to header errors
		}
		mutated := append([]byte(nil), wire...)
		mutated[i]++
		var msg Message
		err := codec.Decode(mutated, &msg)
		assert.Error(t, err, "mutation at byte %d must not decode cleanly", i)
	}

	stats := codec.Stats()
	assert.Greater(t, stats.ChecksumErrors, int64(0))
}

func TestDecodeNormalizesCorruptedDelimiters(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	wire, err := codec.Encode(buildTestMessage(t), nil)
	require.NoError(t, err)

	for name, delim := range map[string][]byte{
		"replacement_char":   {0xEF, 0xBF, 0xBD},
		"double_encoded":     {0xC3, 0xAF, 0xC2, 0xBF, 0xC2, 0xBD},
		"pipe":               {'|'},
	} {
		t.Run(name, func(t *testing.T) {
			corrupted := bytes.ReplaceAll(wire, []byte{SOH}, delim)
			var msg Message
			require.NoError(t, codec.Decode(corrupted, &msg))
			assert.Equal(t, uint64(42), msg.SeqNum)
		})
	}

	assert.Greater(t, codec.Stats().DelimiterFixes, int64(0))
}

func TestDecodeSkipsUnparseableTag(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	msg := buildTestMessage(t)
	require.NoError(t, msg.AppendString(TagText, "note"))
	wire, err := codec.Encode(msg, nil)
	require.NoError(t, err)

	// Corrupt the Text(58) tag bytes into a non-integer; the field is
	// dropped but the message still decodes because the checksum is
	// recomputed for the altered payload.
	corrupted := bytes.Replace(wire, []byte("\x0158=note"), []byte("\x01x8=note"), 1)
	require.NotEqual(t, string(wire), string(corrupted))
	corrupted = reencodeChecksum(t, codec, corrupted)

	var decoded Message
	require.NoError(t, codec.Decode(corrupted, &decoded))
	assert.False(t, decoded.Has(TagText))
	assert.Equal(t, int64(1), codec.Stats().SkippedFields)
}

func TestDecodeMalformedHeader(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	cases := map[string]string{
		"no_begin_string": "35=D\x0134=1\x0110=192\x01",
		"no_msg_type":     "8=FIX.4.4\x019=7\x0134=123\x0110=010\x01",
		"no_checksum":     "8=FIX.4.4\x019=5\x0135=D\x01",
		"bad_body_length": "8=FIX.4.4\x019=999\x0135=D\x0134=1\x0110=003\x01",
	}
	for name, wire := range cases {
		t.Run(name, func(t *testing.T) {
			var msg Message
			err := codec.Decode([]byte(wire), &msg)
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrChecksum)
		})
	}
}

func TestFrameLen(t *testing.T) {
	codec := NewCodec(zap.NewNop())

	wire, err := codec.Encode(buildTestMessage(t), nil)
	require.NoError(t, err)

	assert.Equal(t, len(wire), FrameLen(wire))
	assert.Equal(t, 0, FrameLen(wire[:len(wire)-1]), "partial trailer is not a frame")

	double := append(append([]byte(nil), wire...), wire...)
	assert.Equal(t, len(wire), FrameLen(double))
}

func TestDecimalStringMinimal(t *testing.T) {
	cases := map[string]string{
		"1.5000":   "1.5",
		"100":      "100",
		"0.000001": "0.000001",
		"-2.30":    "-2.3",
		"0.0":      "0",
	}
	for in, want := range cases {
		d := decimal.RequireFromString(in)
		assert.Equal(t, want, DecimalString(d), "input %s", in)
	}
}

func TestTimestampNanosecondRoundTrip(t *testing.T) {
	ts := time.Date(2026, 6, 1, 14, 3, 5, 987654321, time.UTC)
	var msg Message
	require.NoError(t, msg.AppendTimestamp(TagTransactTime, ts))

	v, ok := msg.Get(TagTransactTime)
	require.True(t, ok)
	assert.Equal(t, "20260601-14:03:05.987654321", string(v))

	parsed, err := ParseTimestamp(v)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))
}

// reencodeChecksum rewrites the trailer so a deliberately altered payload
// still carries a valid checksum.
func reencodeChecksum(t *testing.T, codec *Codec, wire []byte) []byte {
	t.Helper()
	idx := bytes.LastIndex(wire, []byte("\x0110="))
	require.Greater(t, idx, 0)
	var sum uint32
	for _, b := range wire[:idx+1] {
		sum += uint32(b)
	}
	ck := sum % 256
	out := append([]byte(nil), wire[:idx+4]...)
	out = append(out, byte('0'+ck/100), byte('0'+ck/10%10), byte('0'+ck%10), SOH)
	return out
}
