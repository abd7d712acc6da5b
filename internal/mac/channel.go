package mac

import "github.com/lorawan-server/lorawan-device-core/pkg/lorawan/event"

// selectChannel collects every channel that is unmasked, rate-compatible,
// whose band's off-time timer has expired, and for which the aggregate
// duty timer has expired; if more than one qualifies and prevChIndex is
// among them it is excluded to force rotation, otherwise one is picked
// uniformly at random from the remainder.
func (m *MAC) selectChannel(rate uint8, prevChIndex int) (int, bool) {
	now := m.platform.Ticks()

	var candidates []int
	for i, ch := range m.session.Channels {
		if i >= len(m.session.ChannelMask) || !m.session.ChannelMask[i] {
			continue
		}
		if rate < ch.MinDR || rate > ch.MaxDR {
			continue
		}
		band := m.region.Band(ch.FreqHz)
		if !m.bandAvailable(band, now) {
			continue
		}
		if !m.aggregateAvailable(now) {
			continue
		}
		candidates = append(candidates, i)
	}

	if len(candidates) == 0 {
		return 0, false
	}

	if len(candidates) > 1 {
		filtered := candidates[:0]
		for _, c := range candidates {
			if c != prevChIndex {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	if len(candidates) == 1 {
		return candidates[0], true
	}
	idx := int(m.platform.Rand()) % len(candidates)
	return candidates[idx], true
}

// bandTimerSlot maps a band index to a fixed event-primitive timer slot;
// bands beyond the table collapse onto the last slot (only EU plans use
// more than one band in this core).
func bandTimerSlot(band int) event.TimerSlot {
	switch band {
	case 0:
		return event.Band0
	case 1:
		return event.Band1
	case 2:
		return event.Band2
	case 3:
		return event.Band3
	default:
		return event.Band4
	}
}

func (m *MAC) bandAvailable(band int, now uint32) bool {
	return !m.bandArmed[bandTimerSlot(band)]
}

func (m *MAC) aggregateAvailable(now uint32) bool {
	return !m.bandArmed[event.BandAggregate] || m.session.MaxDutyCycle == 0
}

// registerTransmission arms the band's off-time timer and, if an
// aggregate duty-cycle limit is configured, the combined timer too.
func (m *MAC) registerTransmission(freqHz uint32, airTimeMs uint32) {
	now := m.platform.Ticks()
	band := m.region.Band(freqHz)
	factor := m.region.OffTimeFactor(band)
	if factor > 0 {
		slot := bandTimerSlot(band)
		m.events.SetTimer(slot, now, airTimeMs*uint32(factor))
		m.armBand(slot)
	}
	if m.session.MaxDutyCycle > 0 {
		m.events.SetTimer(event.BandAggregate, now, airTimeMs*(1<<m.session.MaxDutyCycle))
		m.armBand(event.BandAggregate)
	}
}

func (m *MAC) armBand(slot event.TimerSlot) {
	if m.bandArmed == nil {
		m.bandArmed = make(map[event.TimerSlot]bool)
	}
	m.bandArmed[slot] = true
}

// pollBandTimers clears armed-band bookkeeping once the underlying
// event-primitive timer has actually fired; called once per Process().
func (m *MAC) pollBandTimers(now uint32) {
	for _, slot := range []event.TimerSlot{event.Band0, event.Band1, event.Band2, event.Band3, event.Band4, event.BandAggregate} {
		if !m.bandArmed[slot] {
			continue
		}
		if _, fired := m.events.CheckTimer(slot, now); fired {
			m.bandArmed[slot] = false
		}
	}
}
