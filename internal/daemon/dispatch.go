package daemon

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/jtagd/jtagd/internal/adapter"
	"github.com/jtagd/jtagd/internal/wire"
)

// dispatch routes one decoded request Message to the session's backend and
// returns the reply Message to send back, or an error classified by
// adapter.Kind. Only Capability errors are warn-and-continue: the caller
// turns them into an Error reply (or an empty-but-valid reply) and keeps the
// session open. IO, Protocol, and Adapter errors are fatal: the caller logs
// and closes the session.
func (s *Session) dispatch(req wire.Message) (wire.Message, error) {
	switch req.Type {
	case wire.MsgHello:
		// A mid-session Hello is a protocol warning, not a Protocol-kind
		// error: it does not tear down the session.
		log.Warn().Uint64("id", req.ID).Msg("jtagd: mid-session hello ignored")
		return wire.Message{}, nil

	case wire.MsgDisconnect:
		s.close()
		return wire.Message{}, nil

	case wire.MsgFlush:
		if err := s.adapter.Common.Commit(); err != nil {
			return wire.Message{}, adapter.WrapAdapter("commit failed", err)
		}
		return wire.Message{Type: wire.MsgFlushAck, ID: req.ID}, nil

	case wire.MsgInfoRequest:
		return s.handleInfo(req)

	case wire.MsgPerfRequest:
		return s.handlePerf(req)

	case wire.MsgSplitQuery:
		return wire.Message{
			Type:   wire.MsgSplitReply,
			ID:     req.ID,
			Fields: []wire.Field{wire.NewFieldBool(wire.FieldSplitSupported, s.adapter.Common.IsSplitScanSupported())},
		}, nil

	case wire.MsgStateRequest:
		return s.handleState(req)

	case wire.MsgScanRequest:
		return s.handleScan(req)

	case wire.MsgGpioRequest:
		return s.handleGpio(req)

	default:
		return wire.Message{}, adapter.WrapProtocol(fmt.Sprintf("unknown message_type=%d", req.Type))
	}
}

func (s *Session) handleInfo(req wire.Message) (wire.Message, error) {
	kindField, ok := wire.GetField(req.Fields, wire.FieldInfoKind)
	if !ok {
		return wire.Message{}, adapter.WrapProtocol("info request missing kind")
	}
	kind, err := wire.U8(kindField.Value)
	if err != nil {
		return wire.Message{}, adapter.WrapProtocol(err.Error())
	}

	var reply wire.Field
	switch kind {
	case wire.InfoName:
		reply = wire.NewFieldString(wire.FieldInfoStr, s.adapter.Common.Name())
	case wire.InfoSerial:
		reply = wire.NewFieldString(wire.FieldInfoStr, s.adapter.Common.Serial())
	case wire.InfoUserID:
		reply = wire.NewFieldString(wire.FieldInfoStr, s.adapter.Common.UserID())
	case wire.InfoFreq:
		reply = wire.NewFieldU32(wire.FieldInfoU32, s.adapter.Common.Frequency())
	default:
		return wire.Message{}, adapter.WrapProtocol(fmt.Sprintf("unknown info kind=%d", kind))
	}
	return wire.Message{Type: wire.MsgInfoReply, ID: req.ID, Fields: []wire.Field{reply}}, nil
}

func (s *Session) handlePerf(req wire.Message) (wire.Message, error) {
	kindField, ok := wire.GetField(req.Fields, wire.FieldPerfKind)
	if !ok {
		return wire.Message{}, adapter.WrapProtocol("perf request missing kind")
	}
	kind, err := wire.U8(kindField.Value)
	if err != nil {
		return wire.Message{}, adapter.WrapProtocol(err.Error())
	}

	var value uint64
	switch kind {
	case wire.PerfShiftOps:
		value = s.adapter.Common.PerfShiftOps()
	case wire.PerfDataBits:
		value = s.adapter.Common.PerfDataBits()
	case wire.PerfModeBits:
		value = s.adapter.Common.PerfModeBits()
	case wire.PerfDummyClocks:
		value = s.adapter.Common.PerfDummyClocks()
	default:
		return wire.Message{}, adapter.WrapProtocol(fmt.Sprintf("unknown perf kind=%d", kind))
	}
	return wire.Message{
		Type: wire.MsgPerfReply, ID: req.ID,
		Fields: []wire.Field{wire.NewFieldU64(wire.FieldPerfU64, value)},
	}, nil
}

func (s *Session) handleState(req wire.Message) (wire.Message, error) {
	if !s.adapter.HasJTAG() {
		return wire.Message{}, adapter.WrapCapability("state transition requires jtag capability")
	}
	opField, ok := wire.GetField(req.Fields, wire.FieldStateOp)
	if !ok {
		return wire.Message{}, adapter.WrapProtocol("state request missing op")
	}
	op, err := wire.U8(opField.Value)
	if err != nil {
		return wire.Message{}, adapter.WrapProtocol(err.Error())
	}

	switch op {
	case wire.StateOpResetIdle:
		s.adapter.JTAG.ResetToIdle()
	case wire.StateOpEnterSIR:
		s.adapter.JTAG.EnterShiftIR()
	case wire.StateOpLeaveE1IR:
		s.adapter.JTAG.LeaveExit1IR()
	case wire.StateOpEnterSDR:
		s.adapter.JTAG.EnterShiftDR()
	case wire.StateOpLeaveE1DR:
		s.adapter.JTAG.LeaveExit1DR()
	case wire.StateOpDummyClock, wire.StateOpDummyClockDeferred:
		countField, ok := wire.GetField(req.Fields, wire.FieldDummyClockCount)
		if !ok {
			return wire.Message{}, adapter.WrapProtocol("dummy clock request missing count")
		}
		count, err := wire.U32FromBytes(countField.Value)
		if err != nil {
			return wire.Message{}, adapter.WrapProtocol(err.Error())
		}
		if op == wire.StateOpDummyClockDeferred {
			s.adapter.JTAG.DummyClockDeferred(count)
		} else {
			s.adapter.JTAG.DummyClock(count)
		}
	default:
		return wire.Message{}, adapter.WrapProtocol(fmt.Sprintf("unknown state op=%d", op))
	}
	return wire.Message{Type: wire.MsgStateReply, ID: req.ID}, nil
}

// handleScan implements the scan dispatch algorithm: validate the request
// shape, route to the combined or split-scan primitive depending on the
// split flag, and build a reply whose read_data length is exactly
// ceil(total_len/8) bytes whenever data is returned.
//
// split values: 0 = combined (write+read in one call), 1 = write-only half
// of a split scan (result deferred), 2 = read-only half (consumes the
// previous write-only call's deferred result).
func (s *Session) handleScan(req wire.Message) (wire.Message, error) {
	if !s.adapter.HasJTAG() {
		return wire.Message{}, adapter.WrapCapability("scan requires jtag capability")
	}

	totalLenField, _ := wire.GetField(req.Fields, wire.FieldTotalLen)
	totalLen, err := wire.U32FromBytes(totalLenField.Value)
	if err != nil {
		return wire.Message{}, adapter.WrapProtocol(err.Error())
	}
	readRequestedField, _ := wire.GetField(req.Fields, wire.FieldReadRequested)
	readRequested := readRequestedField.Value[0] != 0
	splitField, _ := wire.GetField(req.Fields, wire.FieldSplit)
	split := splitField.Value[0]
	tmsField, _ := wire.GetField(req.Fields, wire.FieldSetTMSAtEnd)
	setTMSAtEnd := tmsField.Value[0] != 0

	writeDataField, hasWriteData := wire.GetField(req.Fields, wire.FieldWriteData)
	var writeData []byte
	if hasWriteData {
		writeData = writeDataField.Value
	}

	switch split {
	case 1: // write-only
		res, err := s.adapter.JTAG.ShiftWriteOnly(writeData, totalLen, setTMSAtEnd)
		if err != nil {
			return wire.Message{}, err
		}
		if !res.Deferred {
			return wire.Message{}, adapter.WrapProtocol("backend did not defer split write")
		}
		return wire.Message{
			Type: wire.MsgScanReply, ID: req.ID,
			Fields: []wire.Field{wire.NewFieldBool(wire.FieldDeferred, res.Deferred)},
		}, nil

	case 2: // read-only
		if totalLen == 0 {
			return wire.Message{}, adapter.WrapProtocol("read-only scan requires total_len > 0")
		}
		res, err := s.adapter.JTAG.ShiftReadOnly(totalLen, setTMSAtEnd)
		if err != nil {
			return wire.Message{}, err
		}
		return wire.Message{
			Type: wire.MsgScanReply, ID: req.ID,
			Fields: []wire.Field{
				wire.NewFieldU32(wire.FieldTotalLen, totalLen),
				wire.NewFieldBytes(wire.FieldReadData, res.ReadData),
			},
		}, nil

	default: // combined
		if len(writeData) == 0 && !readRequested {
			// Equivalent to dummy_clocks(total_len): no data moves either
			// direction, so there is nothing to reply with.
			s.adapter.JTAG.DummyClock(totalLen)
			return wire.Message{}, nil
		}
		res, err := s.adapter.JTAG.Shift(writeData, totalLen, readRequested, setTMSAtEnd)
		if err != nil {
			return wire.Message{}, err
		}
		if !readRequested {
			return wire.Message{}, nil
		}
		return wire.Message{
			Type: wire.MsgScanReply, ID: req.ID,
			Fields: []wire.Field{
				wire.NewFieldU32(wire.FieldTotalLen, totalLen),
				wire.NewFieldBytes(wire.FieldReadData, res.ReadData),
			},
		}, nil
	}
}

func (s *Session) handleGpio(req wire.Message) (wire.Message, error) {
	if !s.adapter.HasGPIO() {
		// An adapter with no GPIO bank reports an empty-but-valid bank
		// state rather than a capability error: GPIO is advertised
		// per-adapter but a daemon with no GPIO-capable backend still owes
		// callers a well-formed (zero-pin) reply.
		return wire.Message{
			Type: wire.MsgGpioReply, ID: req.ID,
			Fields: []wire.Field{
				wire.NewFieldU8(wire.FieldGpioPinCount, 0),
				wire.NewFieldBytes(wire.FieldGpioValues, nil),
			},
		}, nil
	}

	if writeField, ok := wire.GetField(req.Fields, wire.FieldGpioValues); ok && len(writeField.Value) > 0 {
		if err := s.adapter.GPIO.WriteState(writeField.Value); err != nil {
			return wire.Message{}, err
		}
	}
	state := s.adapter.GPIO.ReadState()
	return wire.Message{
		Type: wire.MsgGpioReply, ID: req.ID,
		Fields: []wire.Field{
			wire.NewFieldU8(wire.FieldGpioPinCount, uint8(s.adapter.GPIO.PinCount())),
			wire.NewFieldBytes(wire.FieldGpioValues, state),
		},
	}, nil
}
