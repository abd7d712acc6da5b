// Package lorawan holds the wire-level types shared by the frame and
// MAC-command codecs: device identifiers, message-type/version tags, and
// the region enumeration.
package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EUI64 is an 8-byte Extended Unique Identifier, stored canonical
// (MSB-first); on the wire it is byte-reversed.
type EUI64 [8]byte

func (e EUI64) String() string { return hex.EncodeToString(e[:]) }

func (e EUI64) MarshalJSON() ([]byte, error) { return json.Marshal(e.String()) }

func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != 8 {
		return fmt.Errorf("lorawan: invalid EUI64 length %d", len(b))
	}
	copy(e[:], b)
	return nil
}

// DevAddr is the 32-bit device address assigned at join time.
type DevAddr [4]byte

func (d DevAddr) String() string { return hex.EncodeToString(d[:]) }

// Uint32 returns the little-endian-on-wire value as a host uint32.
func (d DevAddr) Uint32() uint32 {
	return uint32(d[0]) | uint32(d[1])<<8 | uint32(d[2])<<16 | uint32(d[3])<<24
}

// DevAddrFromUint32 builds a DevAddr from a host uint32.
func DevAddrFromUint32(v uint32) DevAddr {
	return DevAddr{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// MType is the LoRaWAN message type (top 3 bits of MHDR).
type MType byte

const (
	MTypeJoinRequest MType = iota
	MTypeJoinAccept
	MTypeUnconfirmedDataUp
	MTypeUnconfirmedDataDown
	MTypeConfirmedDataUp
	MTypeConfirmedDataDown
	MTypeRFU
	MTypeProprietary
)

// Major is the LoRaWAN protocol major version (bottom 2 bits of MHDR).
type Major byte

const (
	Major1_0 Major = 0
)

// Region enumerates the four channel plans this core supports.
type Region int

const (
	EU863870 Region = iota
	EU433
	US902928
	AU915928
)

func (r Region) String() string {
	switch r {
	case EU863870:
		return "EU_863_870"
	case EU433:
		return "EU_433"
	case US902928:
		return "US_902_928"
	case AU915928:
		return "AU_915_928"
	default:
		return "UNKNOWN"
	}
}
