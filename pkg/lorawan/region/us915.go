package region

import "github.com/lorawan-server/lorawan-device-core/pkg/lorawan"

// us915 implements the US_902_928 fixed channel plan: 64 125 kHz
// upstream channels plus 8 500 kHz upstream channels, and a single
// 500 kHz downlink plan.
type us915 struct{}

var us915Rates = [5]Rate{
	{SF: 10, BW: 125, MTU: 11},
	{SF: 9, BW: 125, MTU: 53},
	{SF: 8, BW: 125, MTU: 125},
	{SF: 7, BW: 125, MTU: 242},
	{SF: 8, BW: 500, MTU: 242},
}

var us915RX1Table = [5][4]uint8{
	{10, 9, 8, 8},
	{11, 10, 9, 8},
	{12, 11, 10, 9},
	{13, 12, 11, 10},
	{13, 13, 12, 11},
}

func (us915) Name() lorawan.Region { return lorawan.US902928 }

func (us915) ConvertRate(rate uint8) Rate {
	if int(rate) >= len(us915Rates) {
		return us915Rates[0]
	}
	return us915Rates[rate]
}

func (us915) IsDynamic() bool  { return false }
func (us915) NumChannels() int { return 72 }

func (us915) DefaultChannels() []Channel {
	chs := make([]Channel, 0, 72)
	for i := 0; i < 64; i++ {
		chs = append(chs, Channel{FreqHz: uint32((902300000 + i*200000)), MinDR: 0, MaxDR: 3})
	}
	for i := 0; i < 8; i++ {
		chs = append(chs, Channel{FreqHz: uint32((903000000 + i*1600000)), MinDR: 4, MaxDR: 4})
	}
	return chs
}

func (us915) Channel(chIndex int) Channel {
	if chIndex >= 0 && chIndex < 64 {
		return Channel{FreqHz: uint32(902300000 + chIndex*200000), MinDR: 0, MaxDR: 3}
	}
	if chIndex >= 64 && chIndex < 72 {
		return Channel{FreqHz: uint32(903000000 + (chIndex-64)*1600000), MinDR: 4, MaxDR: 4}
	}
	return Channel{}
}

func (us915) Band(freqHz uint32) int     { return 0 }
func (us915) OffTimeFactor(band int) int { return 0 } // no per-band limit outside EU

func (us915) RX1DataRate(txRate, offset uint8) uint8 {
	if int(txRate) >= len(us915RX1Table) || int(offset) >= len(us915RX1Table[0]) {
		return txRate
	}
	return us915RX1Table[txRate][offset]
}

// RX1Freq: 923.3 + 0.6 * (chIndex mod 8) MHz, per the fixed-plan rule.
func (us915) RX1Freq(txFreqHz uint32, chIndex int) uint32 {
	return uint32(923300000 + (chIndex%8)*600000)
}

func (us915) RX2Freq() uint32 { return 923300000 }
func (us915) RX2Rate() uint8  { return 8 }

// JoinRate alternates the 500 kHz fallback with the decreasing sequence
// on odd trials, per the fixed-plan join-rate rule.
func (us915) JoinRate(trial int) uint8 {
	seq := []uint8{0, 1, 2, 3}
	if trial%2 == 1 {
		return 4
	}
	return seq[(trial/2)%len(seq)]
}

func (us915) TXPower(power uint8) int32 {
	max := int32(3000) // 30 dBm x100
	step := int32(200)
	p := max - int32(power)*step
	if p < 0 {
		p = 0
	}
	return p
}

func (us915) MaxEIRP() int32 { return 3000 }
