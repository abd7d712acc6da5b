package mac

// adaptRate implements the ADR walk-down loop, run whenever an RX
// window closes with no downlink while session.ADR is set.
func (m *MAC) adaptRate() {
	if !m.session.ADR {
		return
	}

	if m.adrAckCounter < 255 {
		m.adrAckCounter++
	}

	if m.adrAckCounter >= adrAckLimit {
		m.adrAckReq = true
	}

	if m.adrAckCounter < adrAckLimit+adrAckDelay {
		return
	}
	if (m.adrAckCounter-(adrAckLimit+adrAckDelay))%adrAckDelay != 0 {
		return
	}

	switch {
	case m.session.Power > 0:
		m.session.Power = 0
	case m.session.Rate > m.defaultRate:
		m.session.Rate--
	default:
		for i := range m.session.ChannelMask {
			m.session.ChannelMask[i] = true
		}
		m.adrAckCounter = 255
	}
}

// clearAdrAckCounter resets the ADR-ack bookkeeping; called whenever a
// downlink is accepted.
func (m *MAC) clearAdrAckCounter() {
	m.adrAckCounter = 0
	m.adrAckReq = false
}
