// Package model implements a deterministic, hardware-free Adapter backend:
// a JTAG TAP controller simulation plus a simulated GPIO bank. It is used by
// the daemon when no physical adapter driver is configured, and by tests.
package model

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jtagd/jtagd/internal/adapter"
	"github.com/jtagd/jtagd/internal/adapter/tap"
)

// deferredOp is one queued primitive submitted by DummyClockDeferred or
// WriteState (write-only shifts use the separate pending FIFO instead);
// Commit executes the queue in submission
// order, the way the original daemon's COMMIT opcode flushed queued
// DUMMY_CLOCK_DEFERRED / WRITE_GPIO_STATE primitives.
type deferredOp func(m *Model)

// Model is the in-process reference Adapter backend.
type Model struct {
	name   string
	serial string
	userID string
	freq   uint32

	mu      sync.Mutex
	tm      *tap.StateMachine
	queue   []deferredOp
	pending [][]byte // FIFO of read data captured by a write-only shift, awaiting a matching read-only shift

	gpioValues []bool
	gpioDirOut []bool // true = output

	shiftOps    atomic.Uint64
	dataBits    atomic.Uint64
	modeBits    atomic.Uint64
	dummyClocks atomic.Uint64
}

// Config controls the shape of a new Model.
type Config struct {
	Name      string
	Serial    string
	UserID    string
	Frequency uint32
	GPIOPins  int
}

func DefaultConfig() Config {
	return Config{
		Name:      "model-adapter",
		Serial:    "MODEL0001",
		UserID:    "model",
		Frequency: 1_000_000,
		GPIOPins:  8,
	}
}

// New builds a Model and wraps it into an adapter.Adapter capability record.
// SWD is never exposed by the model backend: it advertises JTAG+GPIO only.
func New(cfg Config) adapter.Adapter {
	m := &Model{
		name:       cfg.Name,
		serial:     cfg.Serial,
		userID:     cfg.UserID,
		freq:       cfg.Frequency,
		tm:         tap.NewStateMachine(),
		gpioValues: make([]bool, cfg.GPIOPins),
		gpioDirOut: make([]bool, cfg.GPIOPins),
	}
	return adapter.Adapter{Common: m, JTAG: m, GPIO: m}
}

// --- Common ---

func (m *Model) Name() string      { return m.name }
func (m *Model) Serial() string    { return m.serial }
func (m *Model) UserID() string    { return m.userID }
func (m *Model) Frequency() uint32 { return m.freq }

func (m *Model) IsSplitScanSupported() bool { return true }

func (m *Model) PerfShiftOps() uint64    { return m.shiftOps.Load() }
func (m *Model) PerfDataBits() uint64    { return m.dataBits.Load() }
func (m *Model) PerfModeBits() uint64    { return m.modeBits.Load() }
func (m *Model) PerfDummyClocks() uint64 { return m.dummyClocks.Load() }

// Commit flushes the deferred-operation queue in submission order.
func (m *Model) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.queue {
		op(m)
	}
	m.queue = m.queue[:0]
	return nil
}

// --- JTAGCapability ---

func (m *Model) ResetToIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tm.Reset()
	m.tm.Clock(false) // Test-Logic-Reset -> Run-Test/Idle
}

func (m *Model) EnterShiftIR() {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.tm.GoTo(tap.StateShiftIR)
}

func (m *Model) LeaveExit1IR() {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.tm.GoTo(tap.StateExit1IR)
}

func (m *Model) EnterShiftDR() {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.tm.GoTo(tap.StateShiftDR)
}

func (m *Model) LeaveExit1DR() {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.tm.GoTo(tap.StateExit1DR)
}

func (m *Model) DummyClock(count uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dummyClocks.Add(uint64(count))
}

func (m *Model) DummyClockDeferred(count uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, func(m *Model) {
		m.dummyClocks.Add(uint64(count))
	})
}

// Shift performs a combined write+optional-read scan and returns the read
// bits immediately (no deferral).
func (m *Model) Shift(writeData []byte, totalBits uint32, readRequested bool, setTMSAtEnd bool) (adapter.ScanResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	read, err := m.shiftLocked(writeData, totalBits, setTMSAtEnd)
	if err != nil {
		return adapter.ScanResult{}, err
	}
	if !readRequested {
		return adapter.ScanResult{}, nil
	}
	return adapter.ScanResult{ReadData: read}, nil
}

// ShiftWriteOnly performs the write half of a split scan: it shifts and
// captures the resulting read bits, but returns them to the caller deferred
// — a matching ShiftReadOnly call on the same session consumes them.
func (m *Model) ShiftWriteOnly(writeData []byte, totalBits uint32, setTMSAtEnd bool) (adapter.ScanResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	read, err := m.shiftLocked(writeData, totalBits, setTMSAtEnd)
	if err != nil {
		return adapter.ScanResult{}, err
	}
	m.pending = append(m.pending, read)
	return adapter.ScanResult{Deferred: true}, nil
}

// ShiftReadOnly consumes the oldest pending read data queued by a prior
// ShiftWriteOnly call.
func (m *Model) ShiftReadOnly(totalBits uint32, setTMSAtEnd bool) (adapter.ScanResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return adapter.ScanResult{}, adapter.WrapProtocol("read-only shift with no prior write-only shift pending")
	}
	read := m.pending[0]
	m.pending = m.pending[1:]
	wantBytes := int((totalBits + 7) / 8)
	if len(read) != wantBytes {
		return adapter.ScanResult{}, adapter.WrapProtocol(fmt.Sprintf(
			"read-only shift length mismatch: pending=%d bytes requested=%d bytes", len(read), wantBytes))
	}
	return adapter.ScanResult{ReadData: read}, nil
}

// shiftLocked drives the TAP state machine bit-by-bit, clocking TMS=0
// throughout except for the final bit when setTMSAtEnd is set, and returns
// the bits the model captures on TDO. The model adapter reads back whatever
// was written, the simplest behavior that still exercises bit-packing and
// the tail non-byte-aligned case: real silicon would instead echo scan-
// chain contents, but nothing in this repo inspects TDO semantics beyond
// length and packing.
func (m *Model) shiftLocked(writeData []byte, totalBits uint32, setTMSAtEnd bool) ([]byte, error) {
	wantBytes := int((totalBits + 7) / 8)
	if len(writeData) < wantBytes {
		return nil, adapter.WrapProtocol(fmt.Sprintf(
			"write_data too short: got=%d bytes want>=%d bytes", len(writeData), wantBytes))
	}

	inShift := m.tm.State() == tap.StateShiftIR || m.tm.State() == tap.StateShiftDR
	for i := uint32(0); i < totalBits; i++ {
		tms := false
		if setTMSAtEnd && i == totalBits-1 {
			tms = true
		}
		m.tm.Clock(tms)
	}

	m.shiftOps.Add(1)
	if inShift {
		m.dataBits.Add(uint64(totalBits))
	} else {
		m.modeBits.Add(uint64(totalBits))
	}

	out := make([]byte, wantBytes)
	copy(out, writeData[:wantBytes])
	return out, nil
}

// --- GPIOCapability ---

func (m *Model) PinCount() int { return len(m.gpioValues) }

func (m *Model) ReadState() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.gpioValues))
	for i := range out {
		var b byte
		if m.gpioValues[i] {
			b |= 1
		}
		if m.gpioDirOut[i] {
			b |= 1 << 1
		}
		out[i] = b
	}
	return out
}

// WriteState queues deferred value/direction updates (one byte per pin,
// value|direction<<1) and flushes them immediately — the original wire
// opcode always paired WRITE_GPIO_STATE with its own implicit commit, so
// this call both enqueues and flushes rather than waiting for Commit().
func (m *Model) WriteState(packed []byte) error {
	m.mu.Lock()
	if len(packed) != len(m.gpioValues) {
		m.mu.Unlock()
		return adapter.WrapProtocol(fmt.Sprintf(
			"gpio state length mismatch: got=%d pins want=%d", len(packed), len(m.gpioValues)))
	}
	for i, b := range packed {
		value := b&0x1 != 0
		dirOut := b&0x2 != 0
		m.queue = append(m.queue, func(idx int, v, d bool) deferredOp {
			return func(m *Model) {
				m.gpioValues[idx] = v
				m.gpioDirOut[idx] = d
			}
		}(i, value, dirOut))
	}
	m.mu.Unlock()
	return m.Commit()
}
