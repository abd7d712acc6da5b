package mac

import (
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-device-core/internal/radio"
	"github.com/lorawan-server/lorawan-device-core/internal/sm"
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan"
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan/event"
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan/frame"
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan/maccmd"
)

// buildOutgoingFrame encodes the frame staged for the current operation
// (join request, or a data/MAC frame carrying the pending payload and
// any sticky answers).
func (m *MAC) buildOutgoingFrame(rate uint8) []byte {
	if m.op == OpJoining {
		devNonce := m.nextDevNonce()
		payload, err := frame.EncodeJoinRequest(m.sm, m.appKeyDesc, frame.JoinRequest{
			AppEUI:   m.appEUI,
			DevEUI:   m.devEUI,
			DevNonce: devNonce,
		})
		if err != nil {
			log.Error().Err(err).Msg("mac: encode join request failed")
			return nil
		}
		return payload
	}

	d := frame.Data{
		DevAddr:   m.session.DevAddr,
		ADR:       m.session.ADR,
		ADRACKReq: m.adrAckReq,
		FCnt:      m.session.FCntUp,
		FOpts:     m.pendingFOpts,
		Confirmed: m.op == OpDataConfirmed,
	}
	if m.pendingPort != nil {
		d.FPort = m.pendingPort
		d.FRMPayload = m.pendingPayload
	}

	payload, err := frame.EncodeData(m.sm, sm.NwkSKey, sm.AppSKey, frame.Up, d)
	if err != nil {
		log.Error().Err(err).Msg("mac: encode data frame failed")
		return nil
	}
	m.session.FCntUp++
	m.saveSession()
	return payload
}

// nextDevNonce returns the DevNonce to use for this join attempt and
// advances the persisted counter.
func (m *MAC) nextDevNonce() uint16 {
	n := m.session.DevNonce
	m.session.DevNonce++
	m.saveSession()
	return n
}

// DevNonceExhausted reports whether the DevNonce counter has rolled
// over; further OTAA attempts are refused once true.
func (m *MAC) DevNonceExhausted() bool {
	return m.session.DevNonce == 0 && m.joinTrial > 0
}

// onRxReady handles a latched RxReady input: reads the packet, clears
// remaining window timers, and dispatches to join-accept or data-frame
// processing depending on the operation in flight.
func (m *MAC) onRxReady(now uint32, isRX1 bool) {
	m.events.ClearInput(event.RxReady)
	m.events.ClearInput(event.RxTimeout)
	m.events.ClearTimer(event.WaitA)
	if isRX1 {
		m.events.ClearTimer(event.WaitB)
	}
	m.radio.SetMode(radio.ModeSleep)

	buf := make([]byte, 255)
	n, meta, err := m.radio.ReadBuffer(buf)
	if err != nil || n < 1 {
		m.onOperationTimeout()
		return
	}
	raw := buf[:n]
	m.emit(Event{Kind: EvDownstream, RSSI: meta.RSSI, SNR: meta.SNR, Size: n})

	mhdr := raw[0]
	mtype := lorawan.MType(mhdr >> 5)
	body := raw[1:]

	switch {
	case mtype == lorawan.MTypeJoinAccept && m.op == OpJoining:
		ja, valid, err := frame.DecodeJoinAccept(m.sm, m.appKeyDesc, mhdr, body)
		if err != nil || !valid {
			log.Info().Err(err).Msg("mac: dropping invalid join accept")
			m.onOperationTimeout()
			return
		}
		m.lastJoinAccept = ja
		m.deriveSessionKeys(ja)
		m.onJoinAccept()

	case mtype == lorawan.MTypeUnconfirmedDataDown || mtype == lorawan.MTypeConfirmedDataDown:
		m.handleDataDownlink(mhdr, body)

	default:
		log.Info().Uint8("mtype", byte(mtype)).Msg("mac: dropping unexpected downlink mtype")
		m.onOperationTimeout()
	}
}

func (m *MAC) handleDataDownlink(mhdr byte, body []byte) {
	d, valid, err := frame.DecodeData(m.sm, sm.NwkSKey, sm.AppSKey, frame.Down, mhdr, body, fcntHighBytes(m.session.FCntDown))
	if err != nil || !valid {
		log.Info().Err(err).Msg("mac: dropping data frame (bad mic or malformed)")
		m.onOperationTimeout()
		return
	}
	if d.DevAddr != m.session.DevAddr {
		log.Info().Msg("mac: dropping data frame (devAddr mismatch)")
		m.onOperationTimeout()
		return
	}
	if !(d.FCnt > m.session.FCntDown && d.FCnt < m.session.FCntDown+maxFCNTGap) {
		log.Info().Uint32("fcnt", d.FCnt).Msg("mac: dropping data frame (counter out of range)")
		m.onOperationTimeout()
		return
	}

	m.session.FCntDown = d.FCnt
	m.lastDownlinkTime = m.platform.Ticks()
	m.clearAdrAckCounter()
	m.rxParamSetupAnsPending = false
	m.dlChannelAnsPending = false
	m.rxTimingSetupAnsPending = false

	var cmdData []byte
	if d.FPort != nil && *d.FPort == 0 {
		cmdData = d.FRMPayload
	} else {
		cmdData = d.FOpts
	}
	downlink := maccmd.Parse(cmdData)
	m.applyMACCommands(downlink)

	if d.FPort != nil && *d.FPort != 0 {
		m.emit(Event{Kind: EvRX, Port: *d.FPort, Data: d.FRMPayload, Counter: d.FCnt})
	}

	m.saveSession()

	switch m.op {
	case OpDataConfirmed:
		m.op = OpNone
		m.setState(StateIdle)
		if d.ACK {
			m.finishDataOp(Event{Kind: EvDataComplete})
		} else {
			m.finishDataOp(Event{Kind: EvDataNak})
		}
	default:
		m.op = OpNone
		m.setState(StateIdle)
		m.finishDataOp(Event{Kind: EvDataComplete})
	}
}

const maxFCNTGap = 16384

func fcntHighBytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
