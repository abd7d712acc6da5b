package region

import "github.com/lorawan-server/lorawan-device-core/pkg/lorawan"

// eu433 implements the EU_433 dynamic channel plan. Rate table and RX1
// offsets mirror EU_863_870 (same SF/BW ladder); only the default
// channel frequencies and RX2 default differ.
type eu433 struct{}

func (eu433) Name() lorawan.Region { return lorawan.EU433 }
func (eu433) ConvertRate(rate uint8) Rate { return eu868{}.ConvertRate(rate) }
func (eu433) IsDynamic() bool             { return true }
func (eu433) NumChannels() int            { return 16 }

func (eu433) DefaultChannels() []Channel {
	return []Channel{
		{FreqHz: 433175000, MinDR: 0, MaxDR: 5},
		{FreqHz: 433375000, MinDR: 0, MaxDR: 5},
		{FreqHz: 433575000, MinDR: 0, MaxDR: 5},
	}
}

func (eu433) Channel(chIndex int) Channel {
	defaults := eu433{}.DefaultChannels()
	if chIndex >= 0 && chIndex < len(defaults) {
		return defaults[chIndex]
	}
	return Channel{}
}

// Band collapses to a single band; EU_433 has no regulatory sub-band
// split in this core's region table.
func (eu433) Band(freqHz uint32) int     { return 0 }
func (eu433) OffTimeFactor(band int) int { return 100 } // 1% duty cycle

func (eu433) RX1DataRate(txRate, offset uint8) uint8 { return eu868{}.RX1DataRate(txRate, offset) }
func (eu433) RX1Freq(txFreqHz uint32, chIndex int) uint32 { return txFreqHz }
func (eu433) RX2Freq() uint32                             { return 434665000 }
func (eu433) RX2Rate() uint8                              { return 0 }
func (eu433) JoinRate(trial int) uint8                    { return eu868{}.JoinRate(trial) }
func (eu433) TXPower(power uint8) int32 {
	max := int32(1000) // 10 dBm x100
	step := int32(200)
	p := max - int32(power)*step
	if p < 0 {
		p = 0
	}
	return p
}
func (eu433) MaxEIRP() int32 { return 1000 }
