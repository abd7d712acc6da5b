package mac

import (
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan/event"
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan/frame"
)

// UnconfirmedData queues an unconfirmed application uplink on port.
func (m *MAC) UnconfirmedData(port uint8, data []byte) bool {
	return m.startDataUplink(port, data, false)
}

// ConfirmedData queues a confirmed application uplink on port.
func (m *MAC) ConfirmedData(port uint8, data []byte) bool {
	return m.startDataUplink(port, data, true)
}

func (m *MAC) startDataUplink(port uint8, data []byte, confirmed bool) bool {
	if !m.session.Joined {
		m.errno = ErrNotJoined
		return false
	}
	if m.op != OpNone || m.state != StateIdle {
		m.errno = ErrBusy
		return false
	}
	if port == 0 || port > 223 {
		m.errno = ErrPort
		return false
	}
	// The hard ceiling ignores currently pending sticky answers: a
	// payload that fits on its own but not alongside the answers takes
	// the MAC-only-flush-then-defer path below, rather than being
	// rejected outright just because FOpts happen to be occupying room
	// right now.
	maxPayload := int(m.region.ConvertRate(m.session.Rate).MTU) - frame.PHYOverhead - 7
	if len(data) > maxPayload {
		m.errno = ErrSize
		return false
	}

	ch, ok := m.selectChannel(m.session.Rate, m.prevChIndex)
	if !ok {
		m.errno = ErrNoChannel
		return false
	}

	answers := m.pendingAnswerBytes()
	if len(answers)+frame.PHYOverhead+7+len(data) > int(m.region.ConvertRate(m.session.Rate).MTU) {
		// Sticky answers don't fit alongside the payload: send a
		// MAC-only frame now and defer the user's operation until that
		// leg completes (see finishDataOp).
		m.deferredPort = &port
		m.deferredPayload = data
		m.deferredConfirmed = confirmed
		m.sendMacOnly(ch)
		if confirmed {
			m.op = OpDataConfirmed
		} else {
			m.op = OpDataUnconfirmed
		}
		return true
	}

	p := port
	m.pendingPort = &p
	m.pendingPayload = data
	m.pendingFOpts = answers
	if confirmed {
		m.op = OpDataConfirmed
	} else {
		m.op = OpDataUnconfirmed
	}
	m.errno = ErrNone
	m.txChIndex = ch

	dither := uint32(0)
	if m.sendDitherS > 0 {
		dither = m.platform.Rand() % m.sendDitherS
	}
	now := m.platform.Ticks()
	m.events.SetTimer(event.WaitA, now, dither*ticksPerSecond)
	m.setState(StateWaitTX)
	return true
}

// finishDataOp concludes a data operation. If startDataUplink deferred a
// user payload behind a MAC-only answer flush, that payload is staged
// now instead of reporting completion to the application.
func (m *MAC) finishDataOp(ev Event) {
	if m.deferredPort != nil {
		port := *m.deferredPort
		data := m.deferredPayload
		confirmed := m.deferredConfirmed
		m.deferredPort = nil
		m.deferredPayload = nil
		m.startDataUplink(port, data, confirmed)
		return
	}
	m.emit(ev)
}

// sendMacOnly arms an immediate MAC-command-only transmission (no user
// payload) carrying the currently pending sticky answers.
func (m *MAC) sendMacOnly(ch int) {
	m.pendingPort = nil
	m.pendingPayload = nil
	m.pendingFOpts = m.pendingAnswerBytes()
	m.txChIndex = ch
	now := m.platform.Ticks()
	m.events.SetTimer(event.WaitA, now, 0)
	m.setState(StateWaitTX)
}
