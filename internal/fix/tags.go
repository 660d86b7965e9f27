package fix

// Session and application dialect tags. The engine is dialect-agnostic;
// exchange-specific tags plug in through the compliance rule source.
const (
	TagBeginSeqNo       = 7
	TagBeginString      = 8
	TagBodyLength       = 9
	TagCheckSum         = 10
	TagClOrdID          = 11
	TagCumQty           = 14
	TagEndSeqNo         = 16
	TagExecID           = 17
	TagLastMkt          = 30
	TagLastPx           = 31
	TagLastQty          = 32
	TagMsgSeqNum        = 34
	TagMsgType          = 35
	TagNewSeqNo         = 36
	TagOrderID          = 37
	TagOrderQty         = 38
	TagOrdStatus        = 39
	TagOrdType          = 40
	TagOrigClOrdID      = 41
	TagPossDupFlag      = 43
	TagPrice            = 44
	TagSenderCompID     = 49
	TagSendingTime      = 52
	TagSide             = 54
	TagSymbol           = 55
	TagTargetCompID     = 56
	TagText             = 58
	TagTimeInForce      = 59
	TagTransactTime     = 60
	TagEncryptMethod    = 98
	TagHeartBtInt       = 108
	TagTestReqID        = 112
	TagGapFillFlag      = 123
	TagResetSeqNumFlag  = 141
	TagExecType         = 150
	TagLeavesQty        = 151
	TagOrderCapacity    = 528
	TagUsername         = 553
	TagPassword         = 554
	TagLastLiquidityInd = 851

	// Private-range tags carried on this platform.
	TagHardwareTimestamp = 20010
	TagAlgorithmID       = 20011
)

// Message types.
var (
	MsgTypeHeartbeat          = []byte("0")
	MsgTypeTestRequest        = []byte("1")
	MsgTypeResendRequest      = []byte("2")
	MsgTypeReject             = []byte("3")
	MsgTypeSequenceReset      = []byte("4")
	MsgTypeLogout             = []byte("5")
	MsgTypeExecutionReport    = []byte("8")
	MsgTypeLogon              = []byte("A")
	MsgTypeNewOrderSingle     = []byte("D")
	MsgTypeOrderCancelRequest = []byte("F")
	MsgTypeOrderCancelReplace = []byte("G")
)

// OrdStatus (39) values on execution reports.
const (
	OrdStatusNew             = '0'
	OrdStatusPartiallyFilled = '1'
	OrdStatusFilled          = '2'
	OrdStatusCanceled        = '4'
	OrdStatusReplaced        = '5'
	OrdStatusRejected        = '8'
	OrdStatusExpired         = 'C'
)

// IsAdmin reports whether msgType is a session-level message type.
func IsAdmin(msgType []byte) bool {
	if len(msgType) != 1 {
		return false
	}
	switch msgType[0] {
	case '0', '1', '2', '3', '4', '5', 'A':
		return true
	}
	return false
}
