// Package session defines the persistable session record and its
// on-the-wire binary layout. The layout is versioned at byte 0; a
// version mismatch on load is reported to the caller so region defaults
// can be applied instead, per the core's persistence design.
//
// Grounded on the teacher's internal/models/device_session.go field
// list, minus its hex-string key fields: keys stay in the security
// module, which the core names by descriptor, and are not in Record;
// the binary layout itself is new; the teacher persists via Postgres
// rows and has no byte-blob analogue.
package session

import (
	"encoding/binary"
	"fmt"

	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan"
)

// CurrentVersion is the wire format version written by MarshalBinary.
const CurrentVersion = 1

// MaxChannels bounds the per-channel table (72 covers the largest fixed
// plan; dynamic plans use a prefix of it).
const MaxChannels = 72

// ChannelConfig is one entry of the per-channel configuration table.
type ChannelConfig struct {
	FreqHz uint32 // Hz, encoded on the wire as Hz/100 in 24 bits
	MinDR  uint8
	MaxDR  uint8
}

// Record is the full persistable session state (spec.md §3).
type Record struct {
	Region lorawan.Region

	DevAddr lorawan.DevAddr
	NetID   uint32 // low 24 bits significant

	FCntUp     uint32
	FCntDown   uint32 // 1.0.x: the only downlink counter used
	AppFCntDown uint32
	NwkFCntDown uint32

	Channels    []ChannelConfig // len <= MaxChannels
	ChannelMask []bool          // len == len(Channels)

	Rate         uint8
	Power        uint8
	NbTrans      uint8 // 1..15
	MaxDutyCycle uint8 // 0..15; 0 = no aggregate limit

	RX1DROffset uint8
	RX1Delay    uint8 // 1..15 seconds
	RX2DataRate uint8
	RX2Freq     uint32

	Joined bool
	ADR    bool

	DevNonce uint16 // never resets across forget(); persists independently
}

// MarshalBinary encodes the record in the versioned little-endian
// layout. Channel count is capped at MaxChannels.
func (r *Record) MarshalBinary() ([]byte, error) {
	n := len(r.Channels)
	if n > MaxChannels {
		return nil, fmt.Errorf("session: %d channels exceeds max %d", n, MaxChannels)
	}
	if len(r.ChannelMask) != n {
		return nil, fmt.Errorf("session: channel mask length %d != channel count %d", len(r.ChannelMask), n)
	}

	buf := make([]byte, 0, 64+n*5)
	buf = append(buf, CurrentVersion)
	buf = append(buf, byte(r.Region))
	buf = append(buf, r.DevAddr[:]...)
	buf = appendUint24LE(buf, r.NetID)
	buf = appendUint32LE(buf, r.FCntUp)
	buf = appendUint32LE(buf, r.FCntDown)
	buf = appendUint32LE(buf, r.AppFCntDown)
	buf = appendUint32LE(buf, r.NwkFCntDown)

	buf = append(buf, byte(n))
	for _, c := range r.Channels {
		buf = appendUint24LE(buf, c.FreqHz/100)
		buf = append(buf, c.MinDR<<4|c.MaxDR&0x0F)
	}
	maskBytes := (n + 7) / 8
	maskBuf := make([]byte, maskBytes)
	for i, enabled := range r.ChannelMask {
		if enabled {
			maskBuf[i/8] |= 1 << uint(i%8)
		}
	}
	buf = append(buf, maskBuf...)

	buf = append(buf, r.Rate, r.Power, r.NbTrans, r.MaxDutyCycle&0x0F)
	buf = append(buf, r.RX1DROffset, r.RX1Delay, r.RX2DataRate)
	buf = appendUint32LE(buf, r.RX2Freq)

	var flags byte
	if r.Joined {
		flags |= 1 << 0
	}
	if r.ADR {
		flags |= 1 << 1
	}
	buf = append(buf, flags)
	buf = append(buf, byte(r.DevNonce), byte(r.DevNonce>>8))

	return buf, nil
}

// UnmarshalBinary decodes a blob previously produced by MarshalBinary.
// A version mismatch is a distinct, checkable error so the caller can
// fall back to region defaults rather than trusting partially-decoded
// fields.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("session: blob too short")
	}
	if data[0] != CurrentVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, data[0], CurrentVersion)
	}
	pos := 1
	r.Region = lorawan.Region(data[pos])
	pos++
	if len(data) < pos+4 {
		return fmt.Errorf("session: truncated devAddr")
	}
	copy(r.DevAddr[:], data[pos:pos+4])
	pos += 4

	r.NetID = readUint24LE(data[pos:])
	pos += 3
	r.FCntUp = binary.LittleEndian.Uint32(data[pos:])
	pos += 4
	r.FCntDown = binary.LittleEndian.Uint32(data[pos:])
	pos += 4
	r.AppFCntDown = binary.LittleEndian.Uint32(data[pos:])
	pos += 4
	r.NwkFCntDown = binary.LittleEndian.Uint32(data[pos:])
	pos += 4

	n := int(data[pos])
	pos++
	if n > MaxChannels {
		return fmt.Errorf("session: channel count %d exceeds max %d", n, MaxChannels)
	}
	r.Channels = make([]ChannelConfig, n)
	for i := 0; i < n; i++ {
		freq100 := readUint24LE(data[pos:])
		pos += 3
		b := data[pos]
		pos++
		r.Channels[i] = ChannelConfig{FreqHz: freq100 * 100, MinDR: b >> 4, MaxDR: b & 0x0F}
	}
	maskBytes := (n + 7) / 8
	r.ChannelMask = make([]bool, n)
	for i := 0; i < n; i++ {
		r.ChannelMask[i] = data[pos+i/8]&(1<<uint(i%8)) != 0
	}
	pos += maskBytes

	r.Rate = data[pos]
	r.Power = data[pos+1]
	r.NbTrans = data[pos+2]
	r.MaxDutyCycle = data[pos+3] & 0x0F
	pos += 4

	r.RX1DROffset = data[pos]
	r.RX1Delay = data[pos+1]
	r.RX2DataRate = data[pos+2]
	pos += 3
	r.RX2Freq = binary.LittleEndian.Uint32(data[pos:])
	pos += 4

	flags := data[pos]
	pos++
	r.Joined = flags&(1<<0) != 0
	r.ADR = flags&(1<<1) != 0

	if len(data) < pos+2 {
		return fmt.Errorf("session: truncated devNonce")
	}
	r.DevNonce = uint16(data[pos]) | uint16(data[pos+1])<<8

	return nil
}

// ErrVersionMismatch is returned by UnmarshalBinary when the blob's
// version byte doesn't match CurrentVersion.
var ErrVersionMismatch = fmt.Errorf("session: version mismatch")

func appendUint24LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16))
}

func appendUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func readUint24LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
