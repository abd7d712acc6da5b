package region

import "github.com/lorawan-server/lorawan-device-core/pkg/lorawan"

// eu868 implements the EU_863_870 dynamic channel plan.
type eu868 struct{}

var eu868Rates = [8]Rate{
	{SF: 12, BW: 125, MTU: 51},
	{SF: 11, BW: 125, MTU: 51},
	{SF: 10, BW: 125, MTU: 51},
	{SF: 9, BW: 125, MTU: 115},
	{SF: 8, BW: 125, MTU: 222},
	{SF: 7, BW: 125, MTU: 222},
	{SF: 7, BW: 250, MTU: 222},
	{SF: 0, BW: 0, MTU: 0}, // FSK, not used by this core
}

// rx1Table[txRate][offset] per EU868 regional parameters.
var eu868RX1Table = [8][6]uint8{
	{0, 0, 0, 0, 0, 0},
	{1, 0, 0, 0, 0, 0},
	{2, 1, 0, 0, 0, 0},
	{3, 2, 1, 0, 0, 0},
	{4, 3, 2, 1, 0, 0},
	{5, 4, 3, 2, 1, 0},
	{6, 5, 4, 3, 2, 1},
	{7, 6, 5, 4, 3, 2},
}

func (eu868) Name() lorawan.Region { return lorawan.EU863870 }

func (eu868) ConvertRate(rate uint8) Rate {
	if int(rate) >= len(eu868Rates) || eu868Rates[rate].SF == 0 {
		return eu868Rates[0]
	}
	return eu868Rates[rate]
}

func (eu868) IsDynamic() bool { return true }
func (eu868) NumChannels() int { return 16 }

func (eu868) DefaultChannels() []Channel {
	return []Channel{
		{FreqHz: 868100000, MinDR: 0, MaxDR: 5},
		{FreqHz: 868300000, MinDR: 0, MaxDR: 5},
		{FreqHz: 868500000, MinDR: 0, MaxDR: 5},
	}
}

func (eu868) Channel(chIndex int) Channel {
	defaults := eu868{}.DefaultChannels()
	if chIndex >= 0 && chIndex < len(defaults) {
		return defaults[chIndex]
	}
	return Channel{}
}

// Band returns the EU 5-sub-band index per frequency range.
func (eu868) Band(freqHz uint32) int {
	mhz := float64(freqHz) / 1e6
	switch {
	case mhz >= 865 && mhz < 868:
		return 0
	case mhz >= 868.0 && mhz < 868.6:
		return 1
	case mhz >= 868.7 && mhz < 869.2:
		return 2
	case mhz >= 869.4 && mhz < 869.65:
		return 3
	case mhz >= 869.7 && mhz < 870:
		return 4
	default:
		return 0
	}
}

func (eu868) OffTimeFactor(band int) int {
	switch band {
	case 0, 1, 4:
		return 100
	case 2:
		return 1000
	case 3:
		return 10
	default:
		return 100
	}
}

func (eu868) RX1DataRate(txRate, offset uint8) uint8 {
	if int(txRate) >= len(eu868RX1Table) || int(offset) >= len(eu868RX1Table[0]) {
		return txRate
	}
	return eu868RX1Table[txRate][offset]
}

func (eu868) RX1Freq(txFreqHz uint32, chIndex int) uint32 { return txFreqHz }
func (eu868) RX2Freq() uint32                             { return 869525000 }
func (eu868) RX2Rate() uint8                              { return 0 }

func (eu868) JoinRate(trial int) uint8 {
	seq := []uint8{0, 1, 2, 3, 4, 5}
	if trial < 0 {
		trial = 0
	}
	return seq[trial%len(seq)]
}

func (eu868) TXPower(power uint8) int32 {
	max := int32(1600) // 16 dBm x100
	step := int32(200)
	p := max - int32(power)*step
	if p < 0 {
		p = 0
	}
	return p
}

func (eu868) MaxEIRP() int32 { return 1600 }
