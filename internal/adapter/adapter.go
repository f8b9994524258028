// Package adapter defines the capability-typed contract a test-access
// adapter backend must satisfy, and the kind-classified errors backends and
// sessions report. The hardware-free model backend lives in the model
// subpackage.
package adapter

// Common is implemented by every backend regardless of transport.
type Common interface {
	Name() string
	Serial() string
	UserID() string
	Frequency() uint32

	Commit() error

	PerfShiftOps() uint64
	PerfDataBits() uint64
	PerfModeBits() uint64
	PerfDummyClocks() uint64

	IsSplitScanSupported() bool
}

// ScanResult is the outcome of one shift primitive. ReadData is nil when the
// operation produced no immediately available read data (a deferred
// write-only shift).
type ScanResult struct {
	ReadData []byte
	Deferred bool
}

// JTAGCapability is implemented by backends that drive a JTAG TAP
// controller. Deferred split-scan semantics: ShiftWriteOnly may return
// Deferred=true meaning the read half of a split scan has not yet been
// produced; a following ShiftReadOnly call consumes it.
type JTAGCapability interface {
	ResetToIdle()
	EnterShiftIR()
	LeaveExit1IR()
	EnterShiftDR()
	LeaveExit1DR()

	DummyClock(count uint32)
	DummyClockDeferred(count uint32)

	// Shift performs a combined write+optional-read scan of totalBits bits,
	// raising TMS on the final bit when setTMSAtEnd is true.
	Shift(writeData []byte, totalBits uint32, readRequested bool, setTMSAtEnd bool) (ScanResult, error)
	// ShiftWriteOnly performs the write half of a split scan.
	ShiftWriteOnly(writeData []byte, totalBits uint32, setTMSAtEnd bool) (ScanResult, error)
	// ShiftReadOnly performs the read half of a split scan, consuming any
	// result deferred by a prior ShiftWriteOnly call.
	ShiftReadOnly(totalBits uint32, setTMSAtEnd bool) (ScanResult, error)
}

// GPIOCapability is implemented by backends that expose a bank of
// general-purpose pins alongside the debug transport.
type GPIOCapability interface {
	PinCount() int
	// ReadState returns, per pin, value|direction<<1 packed one byte per pin.
	ReadState() []byte
	// WriteState applies deferred value/direction bits per pin (same packing
	// as ReadState) and commits them.
	WriteState(packed []byte) error
}

// Adapter is the capability record spec clients negotiate against: Common
// is always present, JTAG/GPIO are present only when the backend implements
// them, and SWD is a transport flag rather than a capability interface
// because this repo's model backend never implements the SWD wire protocol
// itself — only transport negotiation toward it.
type Adapter struct {
	Common Common
	JTAG   JTAGCapability
	SWD    bool
	GPIO   GPIOCapability
}

func (a Adapter) HasJTAG() bool { return a.JTAG != nil }
func (a Adapter) HasGPIO() bool { return a.GPIO != nil }
