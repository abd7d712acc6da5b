package mac

import (
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-device-core/internal/radio"
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan/event"
)

// Process drains ready timers and inputs exactly once and returns; it
// never blocks. The host calls it in a loop, ideally sleeping no longer
// than TicksUntilNextEvent() between calls.
func (m *MAC) Process() {
	now := m.platform.Ticks()
	m.pollBandTimers(now)

	switch m.state {
	case StateInit:
		if _, fired := m.events.CheckTimer(event.WaitA, now); fired {
			m.radio.SetMode(radio.ModeReset)
			m.setState(StateInitReset)
			m.events.SetTimer(event.WaitA, now, initResetHoldMs)
		}

	case StateInitReset:
		if _, fired := m.events.CheckTimer(event.WaitA, now); fired {
			m.setState(StateInitLockout)
			m.events.SetTimer(event.WaitA, now, initLockoutMs)
		}

	case StateInitLockout:
		if _, fired := m.events.CheckTimer(event.WaitA, now); fired {
			m.radio.SetMode(radio.ModeSleep)
			m.events.SetTimer(event.WaitA, now, entropyWaitMs)
			m.setState(StateEntropy)
		}

	case StateEntropy:
		if _, fired := m.events.CheckTimer(event.WaitA, now); fired {
			seed, _ := m.radio.ReadEntropy()
			m.emit(Event{Kind: EvStartup, Entropy: seed})
			m.emit(Event{Kind: EvReset})
			m.setState(StateIdle)
		}

	case StateRecoveryReset:
		if _, fired := m.events.CheckTimer(event.WaitA, now); fired {
			m.setState(StateRecoveryLockout)
			m.events.SetTimer(event.WaitA, now, recoveryLockoutMs)
		}

	case StateRecoveryLockout:
		if _, fired := m.events.CheckTimer(event.WaitA, now); fired {
			m.radio.SetMode(radio.ModeSleep)
			m.emit(Event{Kind: EvReset})
			m.op = OpNone
			m.setState(StateIdle)
		}

	case StateIdle:
		// nothing to do; a call to Otaa()/UnconfirmedData()/ConfirmedData()
		// arms WaitA and transitions to wait-tx.

	case StateWaitTX:
		if _, fired := m.events.CheckTimer(event.WaitA, now); fired {
			m.beginTX(now)
		}

	case StateTX:
		if _, fired := m.events.CheckInput(event.TxComplete, now); fired {
			m.onTxComplete(now)
		} else if _, fired := m.events.CheckTimer(event.WaitA, now); fired {
			m.onChipWatchdog()
		}

	case StateWaitRX1:
		if _, fired := m.events.CheckTimer(event.WaitA, now); fired {
			m.openRX1(now)
		}

	case StateRX1:
		if _, fired := m.events.CheckInput(event.RxReady, now); fired {
			m.onRxReady(now, true)
		} else if _, fired := m.events.CheckInput(event.RxTimeout, now); fired {
			m.setState(StateWaitRX2)
		} else if _, fired := m.events.CheckTimer(event.WaitA, now); fired {
			m.onChipWatchdog()
		}

	case StateWaitRX2:
		if _, fired := m.events.CheckTimer(event.WaitB, now); fired {
			m.openRX2(now)
		}

	case StateRX2:
		if _, fired := m.events.CheckInput(event.RxReady, now); fired {
			m.onRxReady(now, false)
		} else if _, fired := m.events.CheckInput(event.RxTimeout, now); fired {
			m.onOperationTimeout()
		} else if _, fired := m.events.CheckTimer(event.WaitA, now); fired {
			m.onChipWatchdog()
		}

	case StateWaitRetry:
		if _, fired := m.events.CheckTimer(event.WaitA, now); fired {
			// wait-retry is entered only from onJoinTimeout, which has
			// already cleared op, so the next join trial starts here.
			m.setState(StateIdle)
			m.Otaa()
		}
	}
}

func (m *MAC) beginTX(now uint32) {
	ch := m.session.Channels[m.txChIndex]
	rate := m.txRate
	if m.op != OpJoining {
		rate = m.session.Rate
	}
	m.txFreq = ch.FreqHz
	m.txPower = m.session.Power

	r := m.region.ConvertRate(rate)
	payload := m.buildOutgoingFrame(rate)

	m.events.SetInput(event.TxComplete)
	dbm := m.region.TXPower(m.txPower)
	if err := m.radio.Transmit(m.txFreq, r.SF, r.BW, dbm, payload); err != nil {
		log.Warn().Err(err).Msg("mac: transmit failed")
	}

	airTimeMs := estimateAirTimeMs(r.SF, r.BW, len(payload))
	m.registerTransmission(m.txFreq, airTimeMs)
	m.events.SetTimer(event.WaitA, now, 2*airTimeMs)
	m.emit(Event{Kind: EvTxBegin, Freq: m.txFreq, SF: r.SF, BW: r.BW, Power: dbm, Size: len(payload)})
	m.setState(StateTX)
}

// onTxComplete derives the RX1/RX2 open times. Both windows are padded
// against crystal drift accumulated over the wait: the padding is
// expressed as whole extra symbols at that window's rate, and an
// equivalent tick advance is pre-subtracted from the nominal wait so
// the radio arms before the window's earliest possible start. If RX1's
// advance would underflow the wait, RX1 is skipped and RX2 is armed
// instead (possibly with no wait left at all).
func (m *MAC) onTxComplete(now uint32) {
	m.events.ClearInput(event.TxComplete)
	m.prevChIndex = m.txChIndex

	waitSecs := uint32(m.session.RX1Delay)
	if m.op == OpJoining {
		waitSecs = 5 // JA1Delay
	}

	rx1Rate := m.region.RX1DataRate(m.currentRate(), m.session.RX1DROffset)
	r1 := m.region.ConvertRate(rx1Rate)
	r2 := m.region.ConvertRate(m.session.RX2DataRate)

	sp1 := symbolPeriodUs(r1.SF, r1.BW)
	sp2 := symbolPeriodUs(r2.SF, r2.BW)

	extra1 := extraSymbols(waitSecs*crystalErrorUsPerSecond*2, sp1)
	extra2 := extraSymbols((waitSecs+1)*crystalErrorUsPerSecond*2, sp2)
	m.rx1Symbols = rxSymbolBase + int(extra1)
	m.rx2Symbols = rxSymbolBase + int(extra2)

	advanceA := ceilDivUs(extra1*sp1)
	advanceB := ceilDivUs(extra2*sp2)

	waitMsA := waitSecs * ticksPerSecond
	waitMsB := (waitSecs + 1) * ticksPerSecond

	if advanceB < waitMsB {
		m.events.SetTimer(event.WaitB, now, waitMsB-advanceB)
	} else {
		m.events.SetTimer(event.WaitB, now, 0)
	}

	m.emit(Event{Kind: EvTxComplete})
	if advanceA < waitMsA {
		m.events.SetTimer(event.WaitA, now, waitMsA-advanceA)
		m.setState(StateWaitRX1)
	} else {
		m.events.ClearTimer(event.WaitA)
		m.setState(StateWaitRX2)
	}
}

func (m *MAC) openRX1(now uint32) {
	rate := m.region.RX1DataRate(m.currentRate(), m.session.RX1DROffset)
	freq := m.region.RX1Freq(m.txFreq, m.txChIndex)
	r := m.region.ConvertRate(rate)

	m.events.SetInput(event.RxReady)
	m.events.SetInput(event.RxTimeout)
	if err := m.radio.Receive(freq, r.SF, r.BW, m.rx1Symbols, false, 255); err != nil {
		log.Warn().Err(err).Msg("mac: rx1 receive failed")
	}
	m.events.SetTimer(event.WaitA, now, rx1WatchdogMs)
	m.emit(Event{Kind: EvRX1Slot, Freq: freq, SF: r.SF, BW: r.BW})
	m.setState(StateRX1)
}

func (m *MAC) openRX2(now uint32) {
	freq := m.session.RX2Freq
	r := m.region.ConvertRate(m.session.RX2DataRate)

	m.events.SetInput(event.RxReady)
	m.events.SetInput(event.RxTimeout)
	if err := m.radio.Receive(freq, r.SF, r.BW, m.rx2Symbols, false, 255); err != nil {
		log.Warn().Err(err).Msg("mac: rx2 receive failed")
	}
	m.events.SetTimer(event.WaitA, now, rx1WatchdogMs)
	m.emit(Event{Kind: EvRX2Slot, Freq: freq, SF: r.SF, BW: r.BW})
	m.setState(StateRX2)
}

func (m *MAC) onChipWatchdog() {
	log.Warn().Msg("mac: chip watchdog fired, forcing recovery reset")
	m.radio.SetMode(radio.ModeReset)
	m.emit(Event{Kind: EvChipError})
	now := m.platform.Ticks()
	m.events.SetTimer(event.WaitA, now, initResetHoldMs)
	m.setState(StateRecoveryReset)
}

func (m *MAC) currentRate() uint8 {
	if m.op == OpJoining {
		return m.txRate
	}
	return m.session.Rate
}

// onOperationTimeout handles an RX2 timeout: the operation ends without
// a downlink.
func (m *MAC) onOperationTimeout() {
	m.events.ClearInput(event.RxReady)
	m.events.ClearInput(event.RxTimeout)
	m.radio.SetMode(radio.ModeSleep)

	switch m.op {
	case OpJoining:
		m.onJoinTimeout()
	case OpDataUnconfirmed:
		m.adaptRate()
		m.op = OpNone
		m.setState(StateIdle)
		m.finishDataOp(Event{Kind: EvDataComplete})
	case OpDataConfirmed:
		m.adaptRate()
		m.op = OpNone
		m.setState(StateIdle)
		m.finishDataOp(Event{Kind: EvDataTimeout})
	default:
		m.op = OpNone
		m.setState(StateIdle)
	}
}

// estimateAirTimeMs is a coarse LoRa air-time estimate sufficient for
// duty-cycle registration and watchdog sizing.
func estimateAirTimeMs(sf, bw, payloadLen int) uint32 {
	nSymbols := 8 + payloadLen*2 // coarse: preamble + payload symbols
	return uint32(nSymbols) * symbolPeriodUs(sf, bw) / 1000
}

// symbolPeriodUs returns one LoRa symbol's duration in microseconds:
// 2^SF chips at BW chips/second, BW given in kHz.
func symbolPeriodUs(sf, bw int) uint32 {
	if bw <= 0 {
		bw = 125
	}
	return uint32(1<<uint(sf)) * 1000 / uint32(bw)
}

// extraSymbols returns ceil(xtalErrorUs / symPeriodUs), the number of
// whole symbols the crystal could drift by over the error budget.
func extraSymbols(xtalErrorUs, symPeriodUs uint32) uint32 {
	if symPeriodUs == 0 {
		return 0
	}
	n := xtalErrorUs / symPeriodUs
	if xtalErrorUs%symPeriodUs != 0 {
		n++
	}
	return n
}

// ceilDivUs converts a microsecond duration to whole milliseconds,
// rounding up so a timing advance is never understated.
func ceilDivUs(us uint32) uint32 {
	n := us / usPerTick
	if us%usPerTick != 0 {
		n++
	}
	return n
}

// usPerTick is the number of microseconds in one MAC tick (ticksPerSecond is ms).
const usPerTick = 1_000_000 / ticksPerSecond
