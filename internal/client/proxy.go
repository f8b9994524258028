// Package client implements the adapter Proxy: a thin library that dials a
// daemon, negotiates a transport, and translates each Adapter capability
// call into one request/reply exchange over the wire protocol. It is the
// only supported way to drive a remote daemon from Go; the interactive
// shell itself is out of scope and is expected to sit on top of this
// package or a peer implementation in another language.
package client

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jtagd/jtagd/internal/adapter"
	"github.com/jtagd/jtagd/internal/daemon"
	"github.com/jtagd/jtagd/internal/wire"
)

var (
	ErrAddressRequired = fmt.Errorf("client: address required")
	ErrHelloRejected   = fmt.Errorf("client: hello rejected")
)

// BackoffConfig controls the dial retry schedule.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Second, Jitter: true}
}

// NextBackoffDelay computes the delay before retry number attempt (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.Multiplier
	}
	if d := float64(cfg.MaxDelay); delay > d {
		delay = d
	}
	if cfg.Jitter {
		delay *= 0.5 + rng.Float64()
	}
	return time.Duration(delay)
}

// Config configures a Proxy's dial and per-request behavior.
type Config struct {
	Address            string
	PreferredTransport daemon.Transport
	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	MaxConnectAttempts int
	Backoff            BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		PreferredTransport: daemon.TransportJTAG,
		ConnectTimeout:     5 * time.Second,
		RequestTimeout:     15 * time.Second,
		Backoff:            DefaultBackoff(),
	}
}

// Proxy is a client-side Adapter: every capability method round-trips over
// a live connection to a daemon.
type Proxy struct {
	cfg  Config
	rng  *rand.Rand
	mu   sync.Mutex
	conn net.Conn
	next uint64

	transport daemon.Transport
}

// Connect dials addr, retrying per cfg.Backoff until cfg.MaxConnectAttempts
// is exhausted (0 means retry forever), then runs the server-initiated Hello
// handshake.
func Connect(ctx context.Context, cfg Config) (*Proxy, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	p := &Proxy{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}

	attempt := 0
	for {
		attempt++
		conn, err := p.dial(ctx)
		if err == nil {
			if err := p.handshake(conn); err == nil {
				p.conn = conn
				return p, nil
			} else {
				_ = conn.Close()
				if !shouldRetry(cfg.MaxConnectAttempts, attempt) {
					return nil, err
				}
			}
		} else if !shouldRetry(cfg.MaxConnectAttempts, attempt) {
			return nil, err
		}

		if err := sleepBackoff(ctx, cfg.Backoff, attempt, p.rng); err != nil {
			return nil, err
		}
	}
}

func shouldRetry(maxAttempts, attempt int) bool {
	if maxAttempts <= 0 {
		return true
	}
	return attempt < maxAttempts
}

func sleepBackoff(ctx context.Context, cfg BackoffConfig, attempt int, rng *rand.Rand) error {
	timer := time.NewTimer(NextBackoffDelay(cfg, attempt, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Proxy) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: p.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Address)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// handshake mirrors the daemon's AwaitingServerHello/AwaitingClientHello
// exchange from the client side: the server speaks first, advertising the
// bound adapter's preferred transport, then the client replies with the
// transport it intends to use.
func (p *Proxy) handshake(conn net.Conn) error {
	f, err := wire.ReadFrame(conn, wire.DefaultLimits())
	if err != nil {
		return err
	}
	serverHello, err := wire.Decode(f)
	if err != nil {
		return err
	}
	if serverHello.Type != wire.MsgHello {
		return ErrHelloRejected
	}

	hello := wire.Encode(wire.Message{
		Type: wire.MsgHello,
		Fields: []wire.Field{
			wire.NewFieldU8(wire.FieldTransport, uint8(p.cfg.PreferredTransport)),
			wire.NewFieldU32(wire.FieldProtoVersion, 1),
		},
	})
	if err := wire.WriteFrame(conn, hello, wire.DefaultLimits()); err != nil {
		return err
	}

	p.transport = p.cfg.PreferredTransport
	return nil
}

func (p *Proxy) Transport() daemon.Transport { return p.transport }

func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// request sends one framed request and returns the decoded reply. It holds
// p.mu for the whole round trip: the protocol forbids intra-session
// concurrency, so a Proxy never has more than one request in flight.
func (p *Proxy) request(req wire.Message) (wire.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.next++
	req.ID = p.next

	if p.cfg.RequestTimeout > 0 {
		_ = p.conn.SetDeadline(time.Now().Add(p.cfg.RequestTimeout))
		defer p.conn.SetDeadline(time.Time{})
	}

	if err := wire.WriteFrame(p.conn, wire.Encode(req), wire.DefaultLimits()); err != nil {
		return wire.Message{}, err
	}
	f, err := wire.ReadFrame(p.conn, wire.DefaultLimits())
	if err != nil {
		return wire.Message{}, err
	}
	reply, err := wire.Decode(f)
	if err != nil {
		return wire.Message{}, err
	}
	if reply.Type == wire.MsgError {
		kindField, _ := wire.GetField(reply.Fields, wire.FieldErrorKind)
		textField, _ := wire.GetField(reply.Fields, wire.FieldErrorText)
		kind := adapter.Kind(0)
		if len(kindField.Value) == 1 {
			kind = adapter.Kind(kindField.Value[0])
		}
		return wire.Message{}, &adapter.Error{Kind: kind, Err: fmt.Errorf("%s", textField.Value)}
	}
	return reply, nil
}

// Disconnect sends a Disconnect request and closes the connection. It does
// not wait for or expect a reply, matching the daemon's handling: a
// Disconnect never produces one.
func (p *Proxy) Disconnect() error {
	p.mu.Lock()
	p.next++
	msg := wire.Message{Type: wire.MsgDisconnect, ID: p.next}
	err := wire.WriteFrame(p.conn, wire.Encode(msg), wire.DefaultLimits())
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return p.Close()
}

func (p *Proxy) Flush() error {
	_, err := p.request(wire.Message{Type: wire.MsgFlush})
	return err
}

// Commit implements adapter.Common by flushing the daemon's deferred-op queue.
func (p *Proxy) Commit() error {
	return p.Flush()
}

func (p *Proxy) Name() string   { return p.infoString(wire.InfoName) }
func (p *Proxy) Serial() string { return p.infoString(wire.InfoSerial) }
func (p *Proxy) UserID() string { return p.infoString(wire.InfoUserID) }

func (p *Proxy) Frequency() uint32 {
	reply, err := p.request(wire.Message{
		Type:   wire.MsgInfoRequest,
		Fields: []wire.Field{wire.NewFieldU8(wire.FieldInfoKind, wire.InfoFreq)},
	})
	if err != nil {
		return 0
	}
	f, _ := wire.GetField(reply.Fields, wire.FieldInfoU32)
	v, _ := wire.U32FromBytes(f.Value)
	return v
}

func (p *Proxy) infoString(kind uint8) string {
	reply, err := p.request(wire.Message{
		Type:   wire.MsgInfoRequest,
		Fields: []wire.Field{wire.NewFieldU8(wire.FieldInfoKind, kind)},
	})
	if err != nil {
		return ""
	}
	f, _ := wire.GetField(reply.Fields, wire.FieldInfoStr)
	return string(f.Value)
}

func (p *Proxy) perf(kind uint8) uint64 {
	reply, err := p.request(wire.Message{
		Type:   wire.MsgPerfRequest,
		Fields: []wire.Field{wire.NewFieldU8(wire.FieldPerfKind, kind)},
	})
	if err != nil {
		return 0
	}
	f, _ := wire.GetField(reply.Fields, wire.FieldPerfU64)
	v, _ := wire.U64FromBytes(f.Value)
	return v
}

func (p *Proxy) PerfShiftOps() uint64    { return p.perf(wire.PerfShiftOps) }
func (p *Proxy) PerfDataBits() uint64    { return p.perf(wire.PerfDataBits) }
func (p *Proxy) PerfModeBits() uint64    { return p.perf(wire.PerfModeBits) }
func (p *Proxy) PerfDummyClocks() uint64 { return p.perf(wire.PerfDummyClocks) }

func (p *Proxy) IsSplitScanSupported() bool {
	reply, err := p.request(wire.Message{Type: wire.MsgSplitQuery})
	if err != nil {
		return false
	}
	f, _ := wire.GetField(reply.Fields, wire.FieldSplitSupported)
	return len(f.Value) == 1 && f.Value[0] != 0
}

func (p *Proxy) stateOp(op uint8) error {
	_, err := p.request(wire.Message{
		Type:   wire.MsgStateRequest,
		Fields: []wire.Field{wire.NewFieldU8(wire.FieldStateOp, op)},
	})
	return err
}

func (p *Proxy) ResetToIdle()   { _ = p.stateOp(wire.StateOpResetIdle) }
func (p *Proxy) EnterShiftIR()  { _ = p.stateOp(wire.StateOpEnterSIR) }
func (p *Proxy) LeaveExit1IR()  { _ = p.stateOp(wire.StateOpLeaveE1IR) }
func (p *Proxy) EnterShiftDR()  { _ = p.stateOp(wire.StateOpEnterSDR) }
func (p *Proxy) LeaveExit1DR()  { _ = p.stateOp(wire.StateOpLeaveE1DR) }

func (p *Proxy) DummyClock(count uint32)         { _ = p.dummyClock(count, wire.StateOpDummyClock) }
func (p *Proxy) DummyClockDeferred(count uint32) { _ = p.dummyClock(count, wire.StateOpDummyClockDeferred) }

func (p *Proxy) dummyClock(count uint32, op uint8) error {
	_, err := p.request(wire.Message{
		Type: wire.MsgStateRequest,
		Fields: []wire.Field{
			wire.NewFieldU8(wire.FieldStateOp, op),
			wire.NewFieldU32(wire.FieldDummyClockCount, count),
		},
	})
	return err
}

func (p *Proxy) Shift(writeData []byte, totalBits uint32, readRequested bool, setTMSAtEnd bool) (adapter.ScanResult, error) {
	return p.scan(writeData, totalBits, readRequested, 0, setTMSAtEnd)
}

func (p *Proxy) ShiftWriteOnly(writeData []byte, totalBits uint32, setTMSAtEnd bool) (adapter.ScanResult, error) {
	return p.scan(writeData, totalBits, false, 1, setTMSAtEnd)
}

func (p *Proxy) ShiftReadOnly(totalBits uint32, setTMSAtEnd bool) (adapter.ScanResult, error) {
	return p.scan(nil, totalBits, true, 2, setTMSAtEnd)
}

func (p *Proxy) scan(writeData []byte, totalBits uint32, readRequested bool, split uint8, setTMSAtEnd bool) (adapter.ScanResult, error) {
	fields := []wire.Field{
		wire.NewFieldU32(wire.FieldTotalLen, totalBits),
		wire.NewFieldBool(wire.FieldReadRequested, readRequested),
		wire.NewFieldU8(wire.FieldSplit, split),
		wire.NewFieldBool(wire.FieldSetTMSAtEnd, setTMSAtEnd),
	}
	if writeData != nil {
		fields = append(fields, wire.NewFieldBytes(wire.FieldWriteData, writeData))
	}
	msg := wire.Message{Type: wire.MsgScanRequest, Fields: fields}
	if split == 0 && !readRequested {
		// The daemon sends no reply to a combined scan without a read.
		p.mu.Lock()
		defer p.mu.Unlock()
		p.next++
		msg.ID = p.next
		return adapter.ScanResult{}, wire.WriteFrame(p.conn, wire.Encode(msg), wire.DefaultLimits())
	}
	reply, err := p.request(msg)
	if err != nil {
		return adapter.ScanResult{}, err
	}
	result := adapter.ScanResult{}
	if f, ok := wire.GetField(reply.Fields, wire.FieldReadData); ok {
		result.ReadData = f.Value
	}
	if f, ok := wire.GetField(reply.Fields, wire.FieldDeferred); ok {
		result.Deferred = len(f.Value) == 1 && f.Value[0] != 0
	}
	return result, nil
}

func (p *Proxy) PinCount() int {
	reply, err := p.request(wire.Message{
		Type:   wire.MsgGpioRequest,
		Fields: []wire.Field{wire.NewFieldBytes(wire.FieldGpioValues, nil)},
	})
	if err != nil {
		return 0
	}
	f, _ := wire.GetField(reply.Fields, wire.FieldGpioPinCount)
	if len(f.Value) != 1 {
		return 0
	}
	return int(f.Value[0])
}

func (p *Proxy) ReadState() []byte {
	reply, err := p.request(wire.Message{
		Type:   wire.MsgGpioRequest,
		Fields: []wire.Field{wire.NewFieldBytes(wire.FieldGpioValues, nil)},
	})
	if err != nil {
		return nil
	}
	f, _ := wire.GetField(reply.Fields, wire.FieldGpioValues)
	return f.Value
}

func (p *Proxy) WriteState(packed []byte) error {
	_, err := p.request(wire.Message{
		Type:   wire.MsgGpioRequest,
		Fields: []wire.Field{wire.NewFieldBytes(wire.FieldGpioValues, packed)},
	})
	return err
}

var _ adapter.Common = (*Proxy)(nil)
var _ adapter.JTAGCapability = (*Proxy)(nil)
var _ adapter.GPIOCapability = (*Proxy)(nil)
