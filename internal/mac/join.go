package mac

import (
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-device-core/internal/session"
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan/event"
)

// Otaa starts an over-the-air join. Returns false (with Errno set) if
// the MAC is busy, the DevNonce counter is exhausted (ErrInternal), or
// no channel is currently available.
func (m *MAC) Otaa() bool {
	if m.op != OpNone || m.state != StateIdle {
		m.errno = ErrBusy
		return false
	}
	if m.DevNonceExhausted() {
		m.errno = ErrInternal
		return false
	}
	ch, ok := m.selectChannel(m.region.JoinRate(m.joinTrial), -1)
	if !ok {
		m.errno = ErrNoChannel
		return false
	}

	m.op = OpJoining
	m.errno = ErrNone
	m.txChIndex = ch
	m.txRate = m.region.JoinRate(m.joinTrial)
	m.txPower = 0
	if m.joinTrial == 0 {
		m.firstJoinAttempt = m.platform.Ticks()
	}

	dither := m.platform.Rand() % 60
	now := m.platform.Ticks()
	m.events.SetTimer(event.WaitA, now, dither*ticksPerSecond)
	m.setState(StateWaitTX)
	return true
}

// onJoinAccept finalises a successful join: restores channel defaults
// (preserving the user's ADR setting), installs DLSettings/RxDelay/
// CFList, and marks the session joined. The session keys have already
// been derived via the SM by onRxReady before this runs.
func (m *MAC) onJoinAccept() {
	adr := m.session.ADR
	devNonce := m.session.DevNonce
	m.applyRegionDefaults()
	m.session.ADR = adr
	m.session.DevNonce = devNonce

	ja := m.lastJoinAccept
	m.session.DevAddr = ja.DevAddr
	m.session.RX1DROffset = ja.DLSettings.RX1DROffset
	m.session.RX2DataRate = ja.DLSettings.RX2DataRate
	m.session.RX1Delay = ja.RxDelay

	if ja.HasCFListFreqs {
		for i, f := range ja.CFListFreqs {
			idx := len(m.session.Channels[:3]) + i
			if f == 0 {
				continue
			}
			_ = idx // CFList channels append after the 3 default channels
			m.session.Channels = append(m.session.Channels, channelFromCFList(f*100))
			m.session.ChannelMask = append(m.session.ChannelMask, true)
		}
	} else if ja.HasCFListMasks {
		for i, word := range ja.CFListMasks {
			for b := 0; b < 16; b++ {
				idx := i*16 + b
				if idx >= len(m.session.ChannelMask) {
					continue
				}
				m.session.ChannelMask[idx] = word&(1<<uint(b)) != 0
			}
		}
	}

	m.session.Joined = true
	m.session.FCntUp = 0
	m.session.FCntDown = 0
	m.joinTrial = 0
	m.lastDownlinkTime = m.platform.Ticks()
	m.saveSession()

	log.Info().Str("devAddr", m.session.DevAddr.String()).Msg("mac: join complete")
	m.emit(Event{Kind: EvJoinComplete})
	m.op = OpNone
	m.setState(StateIdle)
}

// onJoinTimeout advances the retry schedule described in spec.md's
// "Retry Backoff (join)".
func (m *MAC) onJoinTimeout() {
	m.joinTrial++
	elapsed := m.platform.Ticks() - m.firstJoinAttempt
	elapsedS := elapsed / ticksPerSecond

	r := m.region.ConvertRate(m.txRate)
	txTimeMs := estimateAirTimeMs(r.SF, r.BW, joinRequestPHYLen)

	var intervalMs uint32
	switch {
	case elapsedS < 3600:
		intervalMs = (50 + m.platform.Rand()%100) * txTimeMs
	case elapsedS < 11*3600:
		intervalMs = (500 + m.platform.Rand()%1000) * txTimeMs
	default:
		intervalMs = (5000 + m.platform.Rand()%10000) * txTimeMs
	}

	floor := m.TicksUntilNextChannel()
	if intervalMs < floor {
		intervalMs = floor
	}
	m.msUntilRetry = intervalMs

	now := m.platform.Ticks()
	m.events.SetTimer(event.WaitA, now, intervalMs)
	m.op = OpNone
	m.setState(StateWaitRetry)
	m.emit(Event{Kind: EvJoinTimeout, RetryMs: intervalMs})
}

// joinRequestPHYLen is the fixed over-the-air size of a join-request:
// MHDR(1) + AppEUI(8) + DevEUI(8) + DevNonce(2) + MIC(4).
const joinRequestPHYLen = 23

// channelFromCFList builds a dynamic-plan channel entry from a CFList
// frequency (Hz/100, already widened to Hz by the caller) with the
// region's full rate range, per the dynamic-EU CFList convention.
func channelFromCFList(freqHz uint32) session.ChannelConfig {
	return session.ChannelConfig{FreqHz: freqHz, MinDR: 0, MaxDR: 5}
}
