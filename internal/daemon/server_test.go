package daemon

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jtagd/jtagd/internal/adapter/model"
	"github.com/jtagd/jtagd/internal/wire"
)

// dialReady opens a connection to addr and drives the server-speaks-first
// handshake to completion, leaving the connection in StateReady on both
// ends.
func dialReady(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	limits := wire.DefaultLimits()
	frame, err := wire.ReadFrame(conn, limits)
	if err != nil {
		t.Fatalf("read server hello: %v", err)
	}
	if _, err := wire.Decode(frame); err != nil {
		t.Fatalf("decode server hello: %v", err)
	}

	hello := wire.Message{
		Type: wire.MsgHello,
		Fields: []wire.Field{
			wire.NewFieldU8(wire.FieldTransport, uint8(TransportJTAG)),
			wire.NewFieldU32(wire.FieldProtoVersion, 1),
		},
	}
	if err := wire.WriteFrame(conn, wire.Encode(hello), limits); err != nil {
		t.Fatalf("write client hello: %v", err)
	}
	return conn
}

func startServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(model.New(model.DefaultConfig()))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = srv.ServeListener(ctx, ln)
	}()
	return ln.Addr().String()
}

// TestHandleConnTerminatesSessionOnDecodeFailure sends a frame whose payload
// fails Decode's field validation (a Hello missing its required fields) and
// expects the connection to be closed rather than left open for more
// requests.
func TestHandleConnTerminatesSessionOnDecodeFailure(t *testing.T) {
	addr := startServer(t)
	conn := dialReady(t, addr)
	defer conn.Close()

	limits := wire.DefaultLimits()
	bad := wire.Message{Type: wire.MsgHello} // missing transport/proto_version
	if err := wire.WriteFrame(conn, wire.Encode(bad), limits); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	// An error reply is still owed for a decode failure; read it before
	// confirming the connection is torn down.
	if _, err := wire.ReadFrame(conn, limits); err != nil {
		t.Fatalf("expected an error reply for the decode failure, got: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := wire.ReadFrame(conn, limits); err != io.EOF {
		t.Fatalf("expected session to terminate after decode failure, got: %v", err)
	}
}

// TestHandleConnSuppressesReplyAndTerminatesOnScanProtocolError mirrors the
// undersized write_data scenario: the server must close the connection
// without writing any reply frame at all.
func TestHandleConnSuppressesReplyAndTerminatesOnScanProtocolError(t *testing.T) {
	addr := startServer(t)
	conn := dialReady(t, addr)
	defer conn.Close()

	limits := wire.DefaultLimits()
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
	if err := wire.WriteFrame(conn, wire.Encode(req), limits); err != nil {
		t.Fatalf("write scan request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := wire.ReadFrame(conn, limits); err != io.EOF {
		t.Fatalf("expected connection closed with no reply, got: %v", err)
	}
}

// TestHandleConnTerminatesSessionOnPeerDisconnect exercises the peer-hangup
// path: half-closing the client's write side must make the server's
// blocking ReadFrame return io.EOF and end the goroutine instead of
// spinning.
func TestHandleConnTerminatesSessionOnPeerDisconnect(t *testing.T) {
	addr := startServer(t)
	conn := dialReady(t, addr)

	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		t.Fatalf("expected *net.TCPConn, got %T", conn)
	}
	if err := tcp.CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
	defer conn.Close()

	limits := wire.DefaultLimits()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := wire.ReadFrame(conn, limits); err != io.EOF {
		t.Fatalf("expected server to close the connection after peer half-close, got: %v", err)
	}
}
