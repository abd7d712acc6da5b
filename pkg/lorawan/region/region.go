// Package region implements the per-region channel plan, rate table,
// duty-cycle accounting, and RX1/RX2 derivation for the four regions
// this core supports: EU_863_870, EU_433, US_902_928, AU_915_928.
//
// Grounded on the teacher's pkg/lorawan/region.go RegionConfiguration
// struct-of-tables shape (kept); its CN470-specific generation code is
// replaced outright since CN470 is not one of the four regions this
// core targets. AU915/US915 constants are cross-checked against the
// brocaar/lorawan band_au915_928.go reference.
package region

import "github.com/lorawan-server/lorawan-device-core/pkg/lorawan"

// Channel is one entry of a region's default/configured channel set.
type Channel struct {
	FreqHz uint32
	MinDR  uint8
	MaxDR  uint8
}

// Rate describes the spreading-factor/bandwidth/MTU triple a data-rate
// index maps to.
type Rate struct {
	SF  int
	BW  int // kHz
	MTU int // bytes, at dataOverhead-inclusive application payload
}

const (
	MaxFCNTGap = 16384
	RX1Delay   = 1 // seconds
	JA1Delay   = 5 // seconds
	RX1Offset  = 0
)

// Region is the per-plan behaviour the MAC state machine consults.
type Region interface {
	Name() lorawan.Region
	ConvertRate(rate uint8) Rate
	IsDynamic() bool
	NumChannels() int
	DefaultChannels() []Channel
	Channel(chIndex int) Channel
	Band(freqHz uint32) int
	OffTimeFactor(band int) int // 0 means "no per-band limit"
	RX1DataRate(txRate uint8, offset uint8) uint8
	RX1Freq(txFreqHz uint32, chIndex int) uint32
	RX2Freq() uint32
	RX2Rate() uint8
	JoinRate(trial int) uint8
	TXPower(power uint8) int32 // dBm x100
	MaxEIRP() int32            // dBm x100, region ceiling
}

// Get returns the Region implementation for r.
func Get(r lorawan.Region) Region {
	switch r {
	case lorawan.EU863870:
		return eu868{}
	case lorawan.EU433:
		return eu433{}
	case lorawan.US902928:
		return us915{}
	case lorawan.AU915928:
		return au915{}
	default:
		return eu868{}
	}
}
