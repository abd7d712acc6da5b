package region

import "github.com/lorawan-server/lorawan-device-core/pkg/lorawan"

// au915 implements the AU_915_928 fixed channel plan: 64 125 kHz
// upstream channels plus 8 500 kHz upstream channels on a 915.2/915.9
// MHz base, cross-checked against brocaar/lorawan's band_au915_928.go
// constants.
type au915 struct{}

var au915Rates = [7]Rate{
	{SF: 12, BW: 125, MTU: 51},
	{SF: 11, BW: 125, MTU: 51},
	{SF: 10, BW: 125, MTU: 51},
	{SF: 9, BW: 125, MTU: 115},
	{SF: 8, BW: 125, MTU: 222},
	{SF: 7, BW: 125, MTU: 222},
	{SF: 8, BW: 500, MTU: 222},
}

var au915RX1Table = [7][6]uint8{
	{8, 8, 8, 8, 8, 8},
	{9, 8, 8, 8, 8, 8},
	{10, 9, 8, 8, 8, 8},
	{11, 10, 9, 8, 8, 8},
	{12, 11, 10, 9, 8, 8},
	{13, 12, 11, 10, 9, 8},
	{13, 13, 12, 11, 10, 9},
}

func (au915) Name() lorawan.Region { return lorawan.AU915928 }

func (au915) ConvertRate(rate uint8) Rate {
	if int(rate) >= len(au915Rates) {
		return au915Rates[0]
	}
	return au915Rates[rate]
}

func (au915) IsDynamic() bool  { return false }
func (au915) NumChannels() int { return 72 }

func (au915) DefaultChannels() []Channel {
	chs := make([]Channel, 0, 72)
	for i := 0; i < 64; i++ {
		chs = append(chs, Channel{FreqHz: uint32(915200000 + i*200000), MinDR: 0, MaxDR: 5})
	}
	for i := 0; i < 8; i++ {
		chs = append(chs, Channel{FreqHz: uint32(915900000 + i*1600000), MinDR: 6, MaxDR: 6})
	}
	return chs
}

func (au915) Channel(chIndex int) Channel {
	if chIndex >= 0 && chIndex < 64 {
		return Channel{FreqHz: uint32(915200000 + chIndex*200000), MinDR: 0, MaxDR: 5}
	}
	if chIndex >= 64 && chIndex < 72 {
		return Channel{FreqHz: uint32(915900000 + (chIndex-64)*1600000), MinDR: 6, MaxDR: 6}
	}
	return Channel{}
}

func (au915) Band(freqHz uint32) int     { return 0 }
func (au915) OffTimeFactor(band int) int { return 0 }

func (au915) RX1DataRate(txRate, offset uint8) uint8 {
	if int(txRate) >= len(au915RX1Table) || int(offset) >= len(au915RX1Table[0]) {
		return txRate
	}
	return au915RX1Table[txRate][offset]
}

func (au915) RX1Freq(txFreqHz uint32, chIndex int) uint32 {
	return uint32(923300000 + (chIndex%8)*600000)
}

func (au915) RX2Freq() uint32 { return 923300000 }
func (au915) RX2Rate() uint8  { return 8 }

func (au915) JoinRate(trial int) uint8 {
	seq := []uint8{0, 1, 2, 3, 4, 5}
	if trial%2 == 1 {
		return 6
	}
	return seq[(trial/2)%len(seq)]
}

func (au915) TXPower(power uint8) int32 {
	max := int32(3000)
	step := int32(200)
	p := max - int32(power)*step
	if p < 0 {
		p = 0
	}
	return p
}

func (au915) MaxEIRP() int32 { return 3000 }
