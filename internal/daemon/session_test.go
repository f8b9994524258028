package daemon

import (
	"net"
	"testing"

	"github.com/jtagd/jtagd/internal/adapter/model"
	"github.com/jtagd/jtagd/internal/wire"
)

func TestRunHandshakeServerSpeaksFirstAndNegotiatesJTAG(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	a := model.New(model.DefaultConfig())
	s := newSession(a)
	done := make(chan error, 1)
	go func() { done <- s.runHandshake(server, wire.DefaultLimits()) }()

	helloFrame, err := wire.ReadFrame(client, wire.DefaultLimits())
	if err != nil {
		t.Fatalf("read server hello: %v", err)
	}
	serverHello, err := wire.Decode(helloFrame)
	if err != nil {
		t.Fatalf("decode server hello: %v", err)
	}
	if serverHello.Type != wire.MsgHello {
		t.Fatalf("expected hello, got type=%d", serverHello.Type)
	}
	tField, _ := wire.GetField(serverHello.Fields, wire.FieldTransport)
	if Transport(tField.Value[0]) != TransportJTAG {
		t.Fatalf("expected server to advertise jtag, got %d", tField.Value[0])
	}

	clientHello := wire.Encode(wire.Message{
		Type: wire.MsgHello,
		Fields: []wire.Field{
			wire.NewFieldU8(wire.FieldTransport, uint8(TransportJTAG)),
			wire.NewFieldU32(wire.FieldProtoVersion, 1),
		},
	})
	if err := wire.WriteFrame(client, clientHello, wire.DefaultLimits()); err != nil {
		t.Fatalf("write client hello: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("runHandshake: %v", err)
	}
	if s.state != StateReady {
		t.Fatalf("expected ready state, got %s", s.state)
	}
	if s.transport != TransportJTAG {
		t.Fatalf("expected jtag negotiated, got %s", s.transport)
	}
}

func TestRunHandshakeClosesWhenRequestedTransportUnsupported(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	a := model.New(model.DefaultConfig()) // JTAG only, no SWD
	s := newSession(a)
	done := make(chan error, 1)
	go func() { done <- s.runHandshake(server, wire.DefaultLimits()) }()

	if _, err := wire.ReadFrame(client, wire.DefaultLimits()); err != nil {
		t.Fatalf("read server hello: %v", err)
	}

	clientHello := wire.Encode(wire.Message{
		Type: wire.MsgHello,
		Fields: []wire.Field{
			wire.NewFieldU8(wire.FieldTransport, uint8(TransportSWD)),
			wire.NewFieldU32(wire.FieldProtoVersion, 1),
		},
	})
	if err := wire.WriteFrame(client, clientHello, wire.DefaultLimits()); err != nil {
		t.Fatalf("write client hello: %v", err)
	}

	if err := <-done; err == nil {
		t.Fatalf("expected runHandshake to fail when adapter lacks swd")
	}
	if s.state == StateReady {
		t.Fatalf("expected session not to reach ready state")
	}
}

func TestNegotiateTransportFailsWhenSWDRequestedButUnsupported(t *testing.T) {
	a := model.New(model.DefaultConfig())
	s := newSession(a)
	if _, err := s.negotiateTransport(TransportSWD); err == nil {
		t.Fatalf("expected negotiateTransport to fail, adapter has no swd capability")
	}
}
