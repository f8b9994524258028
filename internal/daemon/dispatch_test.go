package daemon

import (
	"testing"

	"github.com/jtagd/jtagd/internal/adapter"
	"github.com/jtagd/jtagd/internal/adapter/model"
	"github.com/jtagd/jtagd/internal/wire"
)

// nonDeferringJTAG wraps a real JTAGCapability but reports every write-only
// split scan as immediately available, simulating a non-conforming backend.
type nonDeferringJTAG struct {
	adapter.JTAGCapability
}

func (n nonDeferringJTAG) ShiftWriteOnly(writeData []byte, totalBits uint32, setTMSAtEnd bool) (adapter.ScanResult, error) {
	res, err := n.JTAGCapability.ShiftWriteOnly(writeData, totalBits, setTMSAtEnd)
	res.Deferred = false
	return res, err
}

func newReadySession(t *testing.T) *Session {
	t.Helper()
	a := model.New(model.DefaultConfig())
	s := newSession(a)
	s.advanceToReady(TransportJTAG)
	return s
}

func TestDispatchInfoName(t *testing.T) {
	s := newReadySession(t)
	req := wire.Message{
		Type:   wire.MsgInfoRequest,
		Fields: []wire.Field{wire.NewFieldU8(wire.FieldInfoKind, wire.InfoName)},
	}
	reply, err := s.dispatch(req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f, ok := wire.GetField(reply.Fields, wire.FieldInfoStr)
	if !ok || string(f.Value) != "model-adapter" {
		t.Fatalf("unexpected info reply: %+v", reply.Fields)
	}
}

func TestDispatchPerfMonotonic(t *testing.T) {
	s := newReadySession(t)
	s.adapter.JTAG.EnterShiftDR()
	if _, err := s.adapter.JTAG.Shift([]byte{0xFF}, 8, false, false); err != nil {
		t.Fatalf("shift: %v", err)
	}

	req := wire.Message{
		Type:   wire.MsgPerfRequest,
		Fields: []wire.Field{wire.NewFieldU8(wire.FieldPerfKind, wire.PerfShiftOps)},
	}
	reply, err := s.dispatch(req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f, _ := wire.GetField(reply.Fields, wire.FieldPerfU64)
	v, err := wire.U64FromBytes(f.Value)
	if err != nil || v == 0 {
		t.Fatalf("expected nonzero shift_ops, got %d err=%v", v, err)
	}

	if _, err := s.adapter.JTAG.Shift([]byte{0xFF}, 8, false, false); err != nil {
		t.Fatalf("second shift: %v", err)
	}
	reply2, err := s.dispatch(req)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	f2, _ := wire.GetField(reply2.Fields, wire.FieldPerfU64)
	v2, err := wire.U64FromBytes(f2.Value)
	if err != nil || v2 < v {
		t.Fatalf("shift_ops went backwards: first=%d second=%d err=%v", v, v2, err)
	}
}

func TestDispatchScanReplyLengthMatchesTotalLen(t *testing.T) {
	s := newReadySession(t)
	s.adapter.JTAG.EnterShiftDR()

	req := wire.Message{
		Type: wire.MsgScanRequest,
		Fields: []wire.Field{
			wire.NewFieldU32(wire.FieldTotalLen, 9),
			{ID: wire.FieldWriteData, Type: wire.TypeBytes, Value: []byte{0xAB, 0x01}},
			wire.NewFieldBool(wire.FieldReadRequested, true),
			wire.NewFieldU8(wire.FieldSplit, 0),
			wire.NewFieldBool(wire.FieldSetTMSAtEnd, false),
		},
	}
	reply, err := s.dispatch(req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	rd, ok := wire.GetField(reply.Fields, wire.FieldReadData)
	if !ok || len(rd.Value) != 2 {
		t.Fatalf("expected 2-byte read_data for total_len=9, got %+v", rd)
	}
}

func TestDispatchScanUndersizedWriteDataIsProtocolError(t *testing.T) {
	s := newReadySession(t)
	s.adapter.JTAG.EnterShiftDR()

	req := wire.Message{
		Type: wire.MsgScanRequest,
		Fields: []wire.Field{
			wire.NewFieldU32(wire.FieldTotalLen, 16),
			{ID: wire.FieldWriteData, Type: wire.TypeBytes, Value: []byte{0x01}},
			wire.NewFieldBool(wire.FieldReadRequested, false),
			wire.NewFieldU8(wire.FieldSplit, 0),
			wire.NewFieldBool(wire.FieldSetTMSAtEnd, false),
		},
	}
	if _, err := s.dispatch(req); err == nil {
		t.Fatalf("expected protocol error for undersized write_data")
	}
}

func TestDispatchGpioAgainstNonGpioAdapterReturnsEmptyBankState(t *testing.T) {
	s := newReadySession(t)
	s.adapter.GPIO = nil // simulate a backend with no gpio capability

	req := wire.Message{
		Type:   wire.MsgGpioRequest,
		Fields: []wire.Field{{ID: wire.FieldGpioValues, Type: wire.TypeBytes, Value: nil}},
	}
	reply, err := s.dispatch(req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	pc, ok := wire.GetField(reply.Fields, wire.FieldGpioPinCount)
	if !ok {
		t.Fatalf("missing pin_count field")
	}
	if pc.Value[0] != 0 {
		t.Fatalf("expected 0 pins, got %d", pc.Value[0])
	}
}

func TestDispatchScanAgainstNonJTAGAdapterIsCapabilityError(t *testing.T) {
	s := newReadySession(t)
	s.adapter.JTAG = nil

	req := wire.Message{
		Type: wire.MsgScanRequest,
		Fields: []wire.Field{
			wire.NewFieldU32(wire.FieldTotalLen, 8),
			wire.NewFieldBool(wire.FieldReadRequested, false),
			wire.NewFieldU8(wire.FieldSplit, 0),
			wire.NewFieldBool(wire.FieldSetTMSAtEnd, false),
		},
	}
	if _, err := s.dispatch(req); err == nil {
		t.Fatalf("expected capability error for scan against non-jtag adapter")
	}
}

func TestDispatchDisconnectClosesSession(t *testing.T) {
	s := newReadySession(t)
	if _, err := s.dispatch(wire.Message{Type: wire.MsgDisconnect}); err != nil {
		t.Fatalf("dispatch disconnect: %v", err)
	}
	if s.state != StateClosed {
		t.Fatalf("expected session closed, got state=%s", s.state)
	}
}

func TestDispatchScanWithNoWriteDataAndNoReadIsDummyClocksWithNoReply(t *testing.T) {
	s := newReadySession(t)
	s.adapter.JTAG.EnterShiftDR()

	before := s.adapter.Common.PerfDummyClocks()
	req := wire.Message{
		Type: wire.MsgScanRequest,
		Fields: []wire.Field{
			wire.NewFieldU32(wire.FieldTotalLen, 12),
			wire.NewFieldBool(wire.FieldReadRequested, false),
			wire.NewFieldU8(wire.FieldSplit, 0),
			wire.NewFieldBool(wire.FieldSetTMSAtEnd, false),
		},
	}
	reply, err := s.dispatch(req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if reply.Type != 0 {
		t.Fatalf("expected no reply, got type=%d", reply.Type)
	}
	if after := s.adapter.Common.PerfDummyClocks(); after-before != 12 {
		t.Fatalf("expected 12 dummy clocks, got %d", after-before)
	}
}

func TestDispatchScanWriteOnlyNoReadSendsNoReply(t *testing.T) {
	s := newReadySession(t)
	s.adapter.JTAG.EnterShiftDR()

	req := wire.Message{
		Type: wire.MsgScanRequest,
		Fields: []wire.Field{
			wire.NewFieldU32(wire.FieldTotalLen, 8),
			{ID: wire.FieldWriteData, Type: wire.TypeBytes, Value: []byte{0x5A}},
			wire.NewFieldBool(wire.FieldReadRequested, false),
			wire.NewFieldU8(wire.FieldSplit, 0),
			wire.NewFieldBool(wire.FieldSetTMSAtEnd, false),
		},
	}
	reply, err := s.dispatch(req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if reply.Type != 0 {
		t.Fatalf("expected no reply for write-only combined scan, got type=%d", reply.Type)
	}
}

func TestDispatchSplitScanRoundTrip(t *testing.T) {
	s := newReadySession(t)
	s.adapter.JTAG.EnterShiftDR()

	writeReq := wire.Message{
		Type: wire.MsgScanRequest,
		Fields: []wire.Field{
			wire.NewFieldU32(wire.FieldTotalLen, 8),
			{ID: wire.FieldWriteData, Type: wire.TypeBytes, Value: []byte{0x5A}},
			wire.NewFieldBool(wire.FieldReadRequested, false),
			wire.NewFieldU8(wire.FieldSplit, 1),
			wire.NewFieldBool(wire.FieldSetTMSAtEnd, false),
		},
	}
	if _, err := s.dispatch(writeReq); err != nil {
		t.Fatalf("write-only dispatch: %v", err)
	}

	readReq := wire.Message{
		Type: wire.MsgScanRequest,
		Fields: []wire.Field{
			wire.NewFieldU32(wire.FieldTotalLen, 8),
			wire.NewFieldBool(wire.FieldReadRequested, true),
			wire.NewFieldU8(wire.FieldSplit, 2),
			wire.NewFieldBool(wire.FieldSetTMSAtEnd, false),
		},
	}
	reply, err := s.dispatch(readReq)
	if err != nil {
		t.Fatalf("read-only dispatch: %v", err)
	}
	rd, ok := wire.GetField(reply.Fields, wire.FieldReadData)
	if !ok || len(rd.Value) != 1 || rd.Value[0] != 0x5A {
		t.Fatalf("unexpected split-scan read data: %+v", rd)
	}
}

func TestDispatchSplitWriteNotDeferredIsProtocolError(t *testing.T) {
	s := newReadySession(t)
	s.adapter.JTAG.EnterShiftDR()
	s.adapter.JTAG = nonDeferringJTAG{s.adapter.JTAG}

	writeReq := wire.Message{
		Type: wire.MsgScanRequest,
		Fields: []wire.Field{
			wire.NewFieldU32(wire.FieldTotalLen, 8),
			{ID: wire.FieldWriteData, Type: wire.TypeBytes, Value: []byte{0x5A}},
			wire.NewFieldBool(wire.FieldReadRequested, false),
			wire.NewFieldU8(wire.FieldSplit, 1),
			wire.NewFieldBool(wire.FieldSetTMSAtEnd, false),
		},
	}
	_, err := s.dispatch(writeReq)
	if err == nil {
		t.Fatalf("expected protocol error when backend does not defer a split write")
	}
	if adapter.KindOf(err) != adapter.KindProtocol {
		t.Fatalf("expected KindProtocol, got %v", adapter.KindOf(err))
	}
}

func TestDispatchMidSessionHelloIsNonFatalWarning(t *testing.T) {
	s := newReadySession(t)
	reply, err := s.dispatch(wire.Message{
		Type: wire.MsgHello,
		Fields: []wire.Field{
			wire.NewFieldU8(wire.FieldTransport, uint8(TransportJTAG)),
			wire.NewFieldU32(wire.FieldProtoVersion, 1),
		},
	})
	if err != nil {
		t.Fatalf("expected mid-session hello to be non-fatal, got %v", err)
	}
	if reply.Type != 0 {
		t.Fatalf("expected no reply, got type=%d", reply.Type)
	}
	if s.state != StateReady {
		t.Fatalf("expected session to remain ready, got %s", s.state)
	}
}
