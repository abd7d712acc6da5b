package mac

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-device-core/internal/platform"
	"github.com/lorawan-server/lorawan-device-core/internal/radio"
	"github.com/lorawan-server/lorawan-device-core/internal/session"
	"github.com/lorawan-server/lorawan-device-core/internal/sm"
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan"
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan/event"
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan/frame"
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan/maccmd"
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan/region"
)

// Ticks are milliseconds; Platform.Ticks()/event timer arguments are all
// expressed on that timebase throughout this package.
const ticksPerSecond = 1000

// ADR thresholds (spec.md §4.E).
const (
	adrAckLimit = 64
	adrAckDelay = 32
)

const (
	initWaitMs        = 10
	initResetHoldMs   = 1 // >=100us, rounded up to the millisecond timebase
	initLockoutMs     = 10
	entropyWaitMs     = 1
	recoveryLockoutMs = 60000
	rx1WatchdogMs     = 16000
	rxSymbolBase      = 8 // base symbol timeout before crystal-error padding

	// crystalErrorUsPerSecond is the worst-case clock drift budgeted for
	// RX-window symbol padding, expressed directly in microseconds of
	// error per second of real time (a 5000ppm/no-TCXO oscillator).
	crystalErrorUsPerSecond = 5000
)

// Config supplies everything Init needs to bring up a MAC instance.
type Config struct {
	Region       lorawan.Region
	Radio        radio.Radio
	SM           sm.SM
	Platform     platform.Platform
	Handler      Handler
	AppEUI       lorawan.EUI64
	DevEUI       lorawan.EUI64
	AppKeyDesc   sm.KeyDescriptor
	NwkKeyDesc   sm.KeyDescriptor
	SendDitherS  uint32
	DefaultRate  uint8
}

// MAC is the class-A device-side MAC state machine.
type MAC struct {
	region   region.Region
	radio    radio.Radio
	sm       sm.SM
	platform platform.Platform
	handler  Handler
	events   *event.Event

	appEUI     lorawan.EUI64
	devEUI     lorawan.EUI64
	appKeyDesc sm.KeyDescriptor
	nwkKeyDesc sm.KeyDescriptor

	session session.Record

	state State
	op    Operation
	errno Errno

	// current TX selection
	txChIndex int
	txFreq    uint32
	txRate    uint8
	txPower   uint8
	prevChIndex int

	joinTrial        int
	firstJoinAttempt uint32
	msUntilRetry     uint32

	adrAckCounter uint8
	adrAckReq     bool

	linkCheckReqPending     bool
	rxParamSetupAnsPending  bool
	dlChannelAnsPending     bool
	rxTimingSetupAnsPending bool

	sendDitherS uint32
	defaultRate uint8

	// outgoing frame staged at wait-tx
	pendingPort    *uint8
	pendingPayload []byte
	pendingFOpts   []byte

	// deferredPort/deferredPayload hold a user uplink that couldn't fit
	// alongside sticky MAC answers; startDataUplink sends the answers
	// alone first and finishDataOp stages these once that leg completes.
	deferredPort      *uint8
	deferredPayload   []byte
	deferredConfirmed bool

	// rx1Symbols/rx2Symbols are the per-window symbol timeouts computed
	// at tx-complete time (8 plus the crystal-error margin for that
	// window's wait).
	rx1Symbols int
	rx2Symbols int

	lastDownlinkTime uint32

	lastJoinAccept frame.JoinAccept

	bandArmed map[event.TimerSlot]bool
}

// Init constructs a MAC instance: reads back a cached session via
// Platform.RestoreContext, or applies region defaults on a cold start /
// version mismatch.
func Init(cfg Config) (*MAC, error) {
	if cfg.Radio == nil || cfg.SM == nil || cfg.Platform == nil {
		return nil, fmt.Errorf("mac: radio, sm and platform are required")
	}

	m := &MAC{
		region:      region.Get(cfg.Region),
		radio:       cfg.Radio,
		sm:          cfg.SM,
		platform:    cfg.Platform,
		handler:     cfg.Handler,
		events:      event.New(),
		appEUI:      cfg.AppEUI,
		devEUI:      cfg.DevEUI,
		appKeyDesc:  cfg.AppKeyDesc,
		nwkKeyDesc:  cfg.NwkKeyDesc,
		sendDitherS: cfg.SendDitherS,
		defaultRate: cfg.DefaultRate,
		state:       StateInit,
		op:          OpNone,
	}

	if blob, ok := cfg.Platform.RestoreContext(); ok {
		var rec session.Record
		if err := rec.UnmarshalBinary(blob); err == nil {
			m.session = rec
		} else {
			log.Warn().Err(err).Msg("mac: discarding cached session, applying region defaults")
			m.applyRegionDefaults()
		}
	} else {
		m.applyRegionDefaults()
	}

	now := m.platform.Ticks()
	m.events.SetTimer(event.WaitA, now, initWaitMs)
	m.events.SetTimer(event.BandAggregate, now, recoveryLockoutMs) // reset-loop guard
	return m, nil
}

func (m *MAC) applyRegionDefaults() {
	defaults := m.region.DefaultChannels()
	chans := make([]session.ChannelConfig, len(defaults))
	mask := make([]bool, len(defaults))
	for i, c := range defaults {
		chans[i] = session.ChannelConfig{FreqHz: c.FreqHz, MinDR: c.MinDR, MaxDR: c.MaxDR}
		mask[i] = true
	}
	m.session = session.Record{
		Region:      m.region.Name(),
		Channels:    chans,
		ChannelMask: mask,
		Rate:        m.defaultRate,
		Power:       0,
		NbTrans:     1,
		RX1DROffset: region.RX1Offset,
		RX1Delay:    region.RX1Delay,
		RX2DataRate: m.region.RX2Rate(),
		RX2Freq:     m.region.RX2Freq(),
		ADR:         true,
		DevNonce:    m.session.DevNonce, // preserved across forget()/default-reapply
	}
}

// saveSession persists the current session record; failures are not
// reported, per the core's fire-and-forget persistence design.
func (m *MAC) saveSession() {
	blob, err := m.session.MarshalBinary()
	if err != nil {
		log.Warn().Err(err).Msg("mac: session marshal failed, not persisting")
		return
	}
	m.platform.SaveContext(blob)
}

func (m *MAC) emit(ev Event) {
	if m.handler != nil {
		m.handler(ev)
	}
}

func (m *MAC) setState(s State) {
	if s != m.state {
		log.Debug().Stringer("from", m.state).Stringer("to", s).Msg("mac: state transition")
	}
	m.state = s
}

// Interrupt is the ISR-safe entry point: radio integration code calls
// this to translate a chip DIO event into a latched input.
func (m *MAC) Interrupt(kind event.InputKind, timeTicks uint32) {
	m.events.Signal(kind, timeTicks)
}

// State, Op, Errno report the last observed lifecycle values.
func (m *MAC) State() State   { return m.state }
func (m *MAC) Op() Operation  { return m.op }
func (m *MAC) Errno() Errno   { return m.errno }
func (m *MAC) Joined() bool   { return m.session.Joined }
func (m *MAC) Ready() bool    { return m.op == OpNone && m.state == StateIdle }
func (m *MAC) ADR() bool      { return m.session.ADR }
func (m *MAC) GetRate() uint8 { return m.session.Rate }
func (m *MAC) GetPower() uint8 { return m.session.Power }

func (m *MAC) EnableADR()  { m.session.ADR = true }
func (m *MAC) DisableADR() { m.session.ADR = false }

func (m *MAC) SetSendDither(seconds uint32) { m.sendDitherS = seconds }

func (m *MAC) SetAggregatedDutyCycleLimit(limit uint8) bool {
	if limit > 15 {
		return false
	}
	m.session.MaxDutyCycle = limit
	return true
}

func (m *MAC) SetRate(rate uint8) bool {
	if m.state != StateIdle || m.op != OpNone {
		m.errno = ErrBusy
		return false
	}
	m.session.Rate = rate
	return true
}

func (m *MAC) SetPower(power uint8) bool {
	if m.state != StateIdle || m.op != OpNone {
		m.errno = ErrBusy
		return false
	}
	m.session.Power = power
	return true
}

// Mtu returns the current maximum application payload, accounting for
// pending sticky MAC answers.
func (m *MAC) Mtu() uint8 {
	rate := m.region.ConvertRate(m.session.Rate)
	overhead := frame.DataOverhead + len(m.pendingAnswerBytes())
	mtu := rate.MTU - overhead
	if mtu < 0 {
		mtu = 0
	}
	return uint8(mtu)
}

// LinkCheck requests a LinkCheckReq be carried on the next (or, if now
// is true and the MAC is idle with a channel available, an immediate)
// uplink. Returns false (with Errno set) if the device hasn't joined, or
// if "now" was requested but the MAC is busy or no channel is currently
// available.
func (m *MAC) LinkCheck(now bool) bool {
	if !m.session.Joined {
		m.errno = ErrNotJoined
		return false
	}
	m.linkCheckReqPending = true
	if !now {
		return true
	}
	if m.op != OpNone || m.state != StateIdle {
		m.errno = ErrBusy
		return false
	}
	ch, ok := m.selectChannel(m.session.Rate, m.prevChIndex)
	if !ok {
		m.errno = ErrNoChannel
		return false
	}
	m.errno = ErrNone
	m.op = OpDataUnconfirmed
	m.sendMacOnly(ch)
	return true
}

func (m *MAC) pendingAnswerBytes() []byte {
	var enc maccmd.AnswerEncoder
	if m.linkCheckReqPending {
		enc.LinkCheckReq()
	}
	// These bytes are both the MTU budget and the FOpts actually sent:
	// startDataUplink and sendMacOnly copy them into pendingFOpts, and
	// buildOutgoingFrame does not rewrite their status bits.
	// RXParamSetupAns reports every field accepted because
	// applyMACCommands applies that request unconditionally.
	if m.rxParamSetupAnsPending {
		enc.RXParamSetupAns(true, true, true)
	}
	if m.dlChannelAnsPending {
		enc.DLChannelAns(true, true)
	}
	if m.rxTimingSetupAnsPending {
		enc.RXTimingSetupAns()
	}
	return enc.Bytes()
}

// Cancel forces the radio to sleep and returns to idle from any
// non-reset/lockout state, discarding the current operation.
func (m *MAC) Cancel() {
	switch m.state {
	case StateInit, StateInitReset, StateInitLockout, StateRecoveryReset, StateRecoveryLockout:
		return
	}
	m.radio.SetMode(radio.ModeSleep)
	m.events.ClearTimer(event.WaitA)
	m.events.ClearTimer(event.WaitB)
	m.events.ClearInput(event.TxComplete)
	m.events.ClearInput(event.RxReady)
	m.events.ClearInput(event.RxTimeout)
	m.op = OpNone
	m.setState(StateIdle)
}

// Forget cancels any operation in flight, wipes session data, and
// re-applies region defaults, preserving DevNonce.
func (m *MAC) Forget() {
	m.Cancel()
	m.applyRegionDefaults()
	m.saveSession()
}

// TicksUntilNextChannel reports how soon any channel becomes available
// again, accounting only for band off-time and aggregate duty-cycle
// timers (unlike TicksUntilNextEvent, it ignores WaitA/WaitB/inputs that
// have nothing to do with channel availability).
func (m *MAC) TicksUntilNextChannel() uint32 {
	now := m.platform.Ticks()
	min := ^uint32(0)
	// only bands that hold an enabled channel count: an unused band's
	// idle timer would otherwise always report 0.
	for i, ch := range m.session.Channels {
		if i >= len(m.session.ChannelMask) || !m.session.ChannelMask[i] {
			continue
		}
		slot := bandTimerSlot(m.region.Band(ch.FreqHz))
		if t := m.events.TicksUntilSlot(slot, now); t < min {
			min = t
		}
	}
	// the aggregate timer gates every band, so it can only push the
	// floor later, never earlier.
	if m.session.MaxDutyCycle > 0 {
		if t := m.events.TicksUntilSlot(event.BandAggregate, now); t > min {
			min = t
		}
	}
	return min
}

// TicksUntilNextEvent reports how soon Process has useful work to do.
func (m *MAC) TicksUntilNextEvent() uint32 {
	return m.events.TicksUntilNext(m.platform.Ticks())
}

// TimeSinceDownlink reports elapsed seconds since the last accepted
// downlink (or since join, if none yet).
func (m *MAC) TimeSinceDownlink() uint32 {
	now := m.platform.Ticks()
	if now < m.lastDownlinkTime {
		return 0
	}
	return (now - m.lastDownlinkTime) / ticksPerSecond
}
