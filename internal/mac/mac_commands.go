package mac

import (
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-device-core/internal/session"
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan/maccmd"
)

// applyMACCommands processes every command parsed from a downlink's
// FOpts/port-0 payload and stages the resulting answers for the next
// uplink.
func (m *MAC) applyMACCommands(d maccmd.Downlink) {
	var enc maccmd.AnswerEncoder

	if len(d.LinkADRReqs) > 0 {
		m.applyLinkADRBlock(d.LinkADRReqs, &enc)
	}
	if d.DutyCycleReq != nil {
		m.session.MaxDutyCycle = d.DutyCycleReq.MaxDutyCycle
		enc.DutyCycleAns()
	}
	if d.RXParamSetupReq != nil {
		req := d.RXParamSetupReq
		m.session.RX1DROffset = req.RX1DROffset
		m.session.RX2DataRate = req.RX2DataRate
		m.session.RX2Freq = req.Freq * 100
		m.rxParamSetupAnsPending = true
		// the request is applied unconditionally; the sticky
		// RXParamSetupAns built by pendingAnswerBytes reports every
		// field accepted.
	}
	if d.DevStatusReq {
		enc.DevStatusAns(255, 0) // battery unknown; margin always reported as 0
	}
	for _, req := range d.NewChannelReqs {
		ok := m.applyNewChannel(req)
		enc.NewChannelAns(ok, ok)
	}
	if d.RXTimingSetupReq != nil {
		m.session.RX1Delay = d.RXTimingSetupReq.Delay
		if m.session.RX1Delay == 0 {
			m.session.RX1Delay = 1
		}
		m.rxTimingSetupAnsPending = true
	}
	if d.TXParamSetupReq != nil {
		// dwell-time/max-EIRP limits are advisory to the region table;
		// this core's four supported regions don't mandate dwell-time
		// limiting, so the request is accepted and acknowledged.
		enc.TXParamSetupAns()
	}
	for _, req := range d.DLChannelReqs {
		ok := m.applyDLChannel(req)
		enc.DLChannelAns(ok, ok)
		m.dlChannelAnsPending = true
	}
	if d.LinkCheckAns != nil {
		m.emit(Event{Kind: EvLinkStatus, Margin: d.LinkCheckAns.Margin, GwCount: d.LinkCheckAns.GwCount})
	}

	m.pendingFOpts = append(m.pendingFOpts, enc.Bytes()...)
}

// applyLinkADRBlock implements the atomic multi-block LinkADRReq
// roll-back semantics: all requests in the block are applied to a
// shadow copy; if any field is rejected the shadow is discarded and a
// single LinkADRAns reports the failure, otherwise the shadow is
// committed and a single LinkADRAns reports success.
func (m *MAC) applyLinkADRBlock(reqs []maccmd.LinkADRReq, enc *maccmd.AnswerEncoder) {
	shadow := m.session // value copy; slice fields still need a deep copy
	shadow.Channels = append([]session.ChannelConfig{}, m.session.Channels...)
	shadow.ChannelMask = append([]bool{}, m.session.ChannelMask...)

	dataRateOK, powerOK, channelMaskOK := true, true, true

	last := reqs[len(reqs)-1]
	for _, req := range reqs {
		if !m.isValidRate(req.DataRate) {
			dataRateOK = false
		}
		if req.TXPower > 15 {
			powerOK = false
		}
		if !applyChannelMask(&shadow, req, m.region.IsDynamic()) {
			channelMaskOK = false
		}
	}

	if dataRateOK && powerOK && channelMaskOK {
		shadow.Rate = last.DataRate
		shadow.Power = last.TXPower
		shadow.NbTrans = last.NbTrans
		if shadow.NbTrans == 0 {
			shadow.NbTrans = 1
		}
		m.session.Channels = shadow.Channels
		m.session.ChannelMask = shadow.ChannelMask
		m.session.Rate = shadow.Rate
		m.session.Power = shadow.Power
		m.session.NbTrans = shadow.NbTrans
	} else {
		log.Info().Bool("dataRateOK", dataRateOK).Bool("powerOK", powerOK).Bool("channelMaskOK", channelMaskOK).
			Msg("mac: link adr block rejected, rolling back")
	}

	enc.LinkADRAns(powerOK, dataRateOK, channelMaskOK)
}

// isValidRate reports whether the region's rate table defines rate.
// ConvertRate substitutes DR0's entry for undefined rates, so a non-zero
// rate that converts to DR0's parameters is undefined.
func (m *MAC) isValidRate(rate uint8) bool {
	r := m.region.ConvertRate(rate)
	return r.SF != 0 && (rate == 0 || r != m.region.ConvertRate(0))
}

// applyChannelMask applies one LinkADRReq's channel-mask/control pair to
// shadow, per the region-dependent ChannelMaskControl semantics. It
// reports whether the mask/control combination was well-formed.
func applyChannelMask(shadow *session.Record, req maccmd.LinkADRReq, dynamic bool) bool {
	switch {
	case dynamic:
		switch req.ChannelMaskControl {
		case 0:
			for i := 0; i < 16 && i < len(shadow.ChannelMask); i++ {
				shadow.ChannelMask[i] = req.ChannelMask&(1<<uint(i)) != 0
			}
			return true
		case 6:
			for i := range shadow.ChannelMask {
				shadow.ChannelMask[i] = true
			}
			return true
		default:
			return false
		}
	default:
		// Fixed-plan regions: control values 0..4 apply the mask to the
		// 16-channel block starting at 16*control, 6 applies the mask
		// pattern to every block, and 7 enables all channels.
		switch {
		case req.ChannelMaskControl <= 4:
			base := int(req.ChannelMaskControl) * 16
			for i := 0; i < 16 && base+i < len(shadow.ChannelMask); i++ {
				shadow.ChannelMask[base+i] = req.ChannelMask&(1<<uint(i)) != 0
			}
			return true
		case req.ChannelMaskControl == 6:
			for i := range shadow.ChannelMask {
				shadow.ChannelMask[i] = req.ChannelMask&(1<<uint(i%16)) != 0
			}
			return true
		case req.ChannelMaskControl == 7:
			for i := range shadow.ChannelMask {
				shadow.ChannelMask[i] = true
			}
			return true
		default:
			return false
		}
	}
}

// applyNewChannel installs or updates a dynamic-plan channel entry.
func (m *MAC) applyNewChannel(req maccmd.NewChannelReq) bool {
	if !m.region.IsDynamic() {
		return false
	}
	idx := int(req.ChIndex)
	for idx >= len(m.session.Channels) {
		m.session.Channels = append(m.session.Channels, session.ChannelConfig{})
		m.session.ChannelMask = append(m.session.ChannelMask, false)
	}
	m.session.Channels[idx] = session.ChannelConfig{FreqHz: req.Freq * 100, MinDR: req.MinDR, MaxDR: req.MaxDR}
	m.session.ChannelMask[idx] = true
	return true
}

// applyDLChannel retunes an existing channel's RX1-companion frequency.
// Only relevant in dynamic regions per spec.
func (m *MAC) applyDLChannel(req maccmd.DLChannelReq) bool {
	if !m.region.IsDynamic() {
		return false
	}
	idx := int(req.ChIndex)
	if idx < 0 || idx >= len(m.session.Channels) {
		return false
	}
	m.session.Channels[idx].FreqHz = req.Freq * 100
	return true
}
