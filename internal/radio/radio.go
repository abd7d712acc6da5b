// Package radio defines the chip-driver collaborator the MAC core
// consumes and ships the in-memory Mock used by state-machine tests. A
// production SX127x/SX126x driver is an external collaborator (out of
// scope per the core's design) and is deliberately not implemented here,
// following the explicit-stub-boundary idiom used by
// ccroswhite-agsys-control's internal/lora driver for real hardware.
package radio

// Mode is a radio operating mode the MAC commands the chip into.
type Mode int

const (
	ModeReset Mode = iota
	ModeBoot
	ModeSleep
	ModeRX
	ModeTX
	ModeHold
)

// RxMeta carries the signal metadata captured alongside a received frame.
type RxMeta struct {
	RSSI int16
	SNR  int8
}

// Status reports the chip's last observed TX/RX/timeout condition.
type Status struct {
	TX      bool
	RX      bool
	Timeout bool
}

// Radio is the chip-driver interface the MAC core consumes. All methods
// are called from process() only, never from interrupt context; chip
// interrupts are translated by the integration layer into calls to the
// event primitive's Signal.
type Radio interface {
	SetMode(m Mode) error
	Transmit(freqHz uint32, sf, bw int, powerDBmx100 int32, data []byte) error
	Receive(freqHz uint32, sf, bw int, symbolTimeout int, continuous bool, maxSize int) error
	ReadBuffer(buf []byte) (n int, meta RxMeta, err error)
	ReadEntropy() (uint32, error)
	GetStatus() Status
}

// Mock is a scriptable in-memory radio for state-machine tests: Transmit
// completes instantly, and a test can queue an RX payload or a timeout to
// be delivered on the next Receive.
type Mock struct {
	Mode Mode

	TxCount  int
	LastTx   []byte
	LastFreq uint32
	LastSF   int
	LastBW   int

	RxCount           int
	LastSymbolTimeout int

	// Scripted next-Receive outcome.
	pendingPayload []byte
	pendingMeta    RxMeta
	pendingTimeout bool

	status Status
}

// NewMock returns a Mock radio ready to use.
func NewMock() *Mock {
	return &Mock{}
}

// QueueRx schedules the next Receive() to deliver payload/meta.
func (m *Mock) QueueRx(payload []byte, meta RxMeta) {
	m.pendingPayload = payload
	m.pendingMeta = meta
	m.pendingTimeout = false
}

// QueueTimeout schedules the next Receive() to time out.
func (m *Mock) QueueTimeout() {
	m.pendingPayload = nil
	m.pendingTimeout = true
}

func (m *Mock) SetMode(mode Mode) error {
	m.Mode = mode
	return nil
}

func (m *Mock) Transmit(freqHz uint32, sf, bw int, power int32, data []byte) error {
	m.TxCount++
	m.LastTx = append([]byte{}, data...)
	m.LastFreq, m.LastSF, m.LastBW = freqHz, sf, bw
	m.status = Status{TX: true}
	return nil
}

func (m *Mock) Receive(freqHz uint32, sf, bw int, symbolTimeout int, continuous bool, maxSize int) error {
	m.RxCount++
	m.LastSymbolTimeout = symbolTimeout
	if m.pendingTimeout {
		m.status = Status{Timeout: true}
	} else {
		m.status = Status{RX: true}
	}
	return nil
}

func (m *Mock) ReadBuffer(buf []byte) (int, RxMeta, error) {
	n := copy(buf, m.pendingPayload)
	return n, m.pendingMeta, nil
}

func (m *Mock) ReadEntropy() (uint32, error) {
	return 0x2a2a2a2a, nil
}

func (m *Mock) GetStatus() Status {
	return m.status
}
