package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jtagd/jtagd/internal/adapter/model"
	"github.com/jtagd/jtagd/internal/daemon"
)

func startTestDaemon(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := daemon.NewServer(model.New(model.DefaultConfig()))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		_ = srv.ServeListener(ctx, ln)
	}()
	return ln.Addr().String()
}

func TestProxyConnectAndInfo(t *testing.T) {
	addr := startTestDaemon(t)

	cfg := DefaultConfig()
	cfg.Address = addr
	cfg.MaxConnectAttempts = 10

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Close()

	if got := p.Name(); got != "model-adapter" {
		t.Fatalf("unexpected name: %q", got)
	}
	if p.Transport() != daemon.TransportJTAG {
		t.Fatalf("expected jtag transport, got %s", p.Transport())
	}
}

func TestProxyScanRoundTrip(t *testing.T) {
	addr := startTestDaemon(t)

	cfg := DefaultConfig()
	cfg.Address = addr
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Close()

	p.EnterShiftDR()
	res, err := p.Shift([]byte{0xAB}, 8, true, false)
	if err != nil {
		t.Fatalf("shift: %v", err)
	}
	if len(res.ReadData) != 1 || res.ReadData[0] != 0xAB {
		t.Fatalf("unexpected scan reply: %+v", res)
	}
}

func TestProxySplitScanAndFlush(t *testing.T) {
	addr := startTestDaemon(t)

	cfg := DefaultConfig()
	cfg.Address = addr
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Close()

	if !p.IsSplitScanSupported() {
		t.Fatalf("expected split scan support")
	}

	p.EnterShiftDR()
	if _, err := p.ShiftWriteOnly([]byte{0x5A}, 8, false); err != nil {
		t.Fatalf("write-only shift: %v", err)
	}
	res, err := p.ShiftReadOnly(8, false)
	if err != nil {
		t.Fatalf("read-only shift: %v", err)
	}
	if len(res.ReadData) != 1 || res.ReadData[0] != 0x5A {
		t.Fatalf("unexpected split-scan read: %+v", res)
	}

	if err := p.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestProxyGpioRoundTrip(t *testing.T) {
	addr := startTestDaemon(t)

	cfg := DefaultConfig()
	cfg.Address = addr
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Close()

	if p.PinCount() == 0 {
		t.Fatalf("expected a nonzero gpio pin count from model adapter")
	}
	if err := p.WriteState([]byte{0x3, 0x0, 0x1, 0x0, 0x0, 0x0, 0x0, 0x0}); err != nil {
		t.Fatalf("write gpio state: %v", err)
	}
	state := p.ReadState()
	if len(state) != p.PinCount() {
		t.Fatalf("expected %d bytes of gpio state, got %d", p.PinCount(), len(state))
	}
}

func TestProxyDummyClockDeferred(t *testing.T) {
	addr := startTestDaemon(t)

	cfg := DefaultConfig()
	cfg.Address = addr
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Close()

	before := p.PerfDummyClocks()
	p.DummyClockDeferred(4)
	if err := p.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	after := p.PerfDummyClocks()
	if after-before != 4 {
		t.Fatalf("expected deferred dummy clocks to land after flush: before=%d after=%d", before, after)
	}
}
