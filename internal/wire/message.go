package wire

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Message type IDs carried in Header.MessageType.
const (
	MsgHello        uint16 = 1
	MsgDisconnect   uint16 = 3
	MsgFlush        uint16 = 4
	MsgFlushAck     uint16 = 5
	MsgInfoRequest  uint16 = 6
	MsgInfoReply    uint16 = 7
	MsgPerfRequest  uint16 = 8
	MsgPerfReply    uint16 = 9
	MsgSplitQuery   uint16 = 10
	MsgSplitReply   uint16 = 11
	MsgStateRequest uint16 = 12
	MsgStateReply   uint16 = 13
	MsgScanRequest  uint16 = 14
	MsgScanReply    uint16 = 15
	MsgGpioRequest  uint16 = 16
	MsgGpioReply    uint16 = 17
	MsgError        uint16 = 18
)

// Field IDs carried inside a message's TLV payload.
const (
	FieldTransport     uint16 = 1 // Hello: transport preference (server: derived; client: requested)
	FieldProtoVersion  uint16 = 2 // Hello: declared protocol version (server and client)

	FieldInfoKind uint16 = 10 // InfoRequest: which Common.Get* field
	FieldInfoStr  uint16 = 11 // InfoReply: string result
	FieldInfoU32  uint16 = 12 // InfoReply: numeric result (frequency)

	FieldPerfKind uint16 = 20 // PerfRequest: which counter
	FieldPerfU64  uint16 = 21 // PerfReply: counter value

	FieldSplitSupported uint16 = 30 // SplitReply

	FieldStateOp          uint16 = 40 // StateRequest: TAP transition opcode
	FieldDummyClockCount  uint16 = 41 // StateRequest: count for StateOpDummyClock(Deferred)

	FieldTotalLen     uint16 = 50 // ScanRequest/Reply: total bit length
	FieldWriteData    uint16 = 51 // ScanRequest: write bits (packed LSB-first)
	FieldReadRequested uint16 = 52 // ScanRequest: whether a read is requested
	FieldSplit         uint16 = 53 // ScanRequest: write-only/read-only split flag
	FieldSetTMSAtEnd   uint16 = 54 // ScanRequest: raise TMS on final bit
	FieldReadData      uint16 = 55 // ScanReply: read bits
	FieldDeferred      uint16 = 56 // ScanReply: reply carries no data yet

	FieldGpioValues    uint16 = 60 // GpioRequest/Reply: packed value|direction<<1 per pin
	FieldGpioPinCount  uint16 = 61 // GpioReply: number of pins

	FieldErrorKind uint16 = 90
	FieldErrorText uint16 = 91
)

// TAP transition opcodes carried in a StateRequest's FieldStateOp.
const (
	StateOpResetIdle uint8 = 1
	StateOpEnterSIR  uint8 = 2
	StateOpLeaveE1IR uint8 = 3
	StateOpEnterSDR  uint8 = 4
	StateOpLeaveE1DR uint8 = 5

	StateOpDummyClock         uint8 = 6
	StateOpDummyClockDeferred uint8 = 7
)

// Info/Perf selector kinds.
const (
	InfoName   uint8 = 1
	InfoSerial uint8 = 2
	InfoUserID uint8 = 3
	InfoFreq   uint8 = 4

	PerfShiftOps    uint8 = 1
	PerfDataBits    uint8 = 2
	PerfModeBits    uint8 = 3
	PerfDummyClocks uint8 = 4
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint16
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("wire: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("wire: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint16][]Requirement{
	MsgHello:        {{FieldTransport, TypeU8}, {FieldProtoVersion, TypeU32}},
	MsgInfoRequest:  {{FieldInfoKind, TypeU8}},
	MsgPerfRequest:  {{FieldPerfKind, TypeU8}},
	MsgStateRequest: {{FieldStateOp, TypeU8}},
	MsgScanRequest: {
		{FieldTotalLen, TypeU32},
		{FieldReadRequested, TypeBool},
		{FieldSplit, TypeU8},
		{FieldSetTMSAtEnd, TypeBool},
	},
	MsgGpioRequest: {{FieldGpioValues, TypeBytes}},
	MsgError:       {{FieldErrorKind, TypeU8}, {FieldErrorText, TypeString}},
}

// Validate enforces required fields and their types for a message type.
// Unknown fields are ignored by design, and message types that carry no
// required fields (Disconnect, Flush, SplitQuery, the *Reply types whose
// shape is fixed by the handler that builds them) are not in the table and
// always validate successfully.
func Validate(messageType uint16, fields []Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		return nil
	}
	for _, req := range reqs {
		f, found := GetField(fields, req.ID)
		if !found {
			log.Debug().Uint16("message_type", messageType).Uint16("field_id", req.ID).
				Msg("wire: missing required field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().Uint16("message_type", messageType).Uint16("field_id", req.ID).
				Uint8("got_type", f.Type).Uint8("want_type", req.Type).
				Msg("wire: field type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}

// Message pairs a decoded Header with its validated fields.
type Message struct {
	Type   uint16
	ID     uint64
	Flags  uint16
	Fields []Field
}

// Encode builds a Frame ready for WriteFrame from a Message.
func Encode(m Message) Frame {
	return Frame{
		Header: Header{
			MessageType: m.Type,
			MessageID:   m.ID,
			Flags:       m.Flags,
		},
		Payload: EncodeFields(m.Fields),
	}
}

// Decode parses a Frame's payload into fields and validates it against the
// schema for its message type.
func Decode(f Frame) (Message, error) {
	fields, err := DecodeFields(f.Payload)
	if err != nil {
		return Message{}, err
	}
	if err := Validate(f.Header.MessageType, fields); err != nil {
		return Message{}, err
	}
	return Message{
		Type:   f.Header.MessageType,
		ID:     f.Header.MessageID,
		Flags:  f.Header.Flags,
		Fields: fields,
	}, nil
}
