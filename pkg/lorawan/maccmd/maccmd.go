// Package maccmd implements the downlink MAC-command parser and the
// uplink answer encoder. It only parses and encodes: the LinkADRReq
// atomic-block roll-back, the sticky pending-answer flags and the
// region-dependent ChannelMaskControl semantics are applied by
// internal/mac.
//
// Grounded on the teacher's pkg/lorawan/mac_commands.go (CID table,
// fixed-length-per-direction lookup) and internal/network/mac_handler.go
// (per-CID dispatch idiom), generalised from network-side answer
// interpretation to device-side request parsing.
package maccmd

import "fmt"

// CID is a MAC command identifier, shared between the request and
// answer directions per LoRaWAN convention.
type CID byte

const (
	CIDLinkCheck     CID = 0x02
	CIDLinkADR       CID = 0x03
	CIDDutyCycle     CID = 0x04
	CIDRXParamSetup  CID = 0x05
	CIDDevStatus     CID = 0x06
	CIDNewChannel    CID = 0x07
	CIDRXTimingSetup CID = 0x08
	CIDTXParamSetup  CID = 0x09
	CIDDLChannel     CID = 0x0A
)

// LinkADRReq is one block element of an (possibly multi-command) ADR
// request.
type LinkADRReq struct {
	DataRate           uint8
	TXPower            uint8
	ChannelMask        uint16
	ChannelMaskControl uint8 // 3 bits
	NbTrans            uint8 // 4 bits
}

// Downlink is the union of all parsed downlink commands found in one
// buffer, in receipt order.
type Downlink struct {
	LinkCheckAns     *LinkCheckAns
	LinkADRReqs      []LinkADRReq // adjacent LinkADRReq form one atomic block
	DutyCycleReq     *DutyCycleReq
	RXParamSetupReq  *RXParamSetupReq
	DevStatusReq     bool
	NewChannelReqs   []NewChannelReq
	RXTimingSetupReq *RXTimingSetupReq
	TXParamSetupReq  *TXParamSetupReq
	DLChannelReqs    []DLChannelReq
}

type LinkCheckAns struct {
	Margin   uint8
	GwCount  uint8
}

type DutyCycleReq struct {
	MaxDutyCycle uint8 // 4 bits
}

type RXParamSetupReq struct {
	RX1DROffset uint8
	RX2DataRate uint8
	Freq        uint32 // Hz/100, 24 bits
}

type NewChannelReq struct {
	ChIndex uint8
	Freq    uint32 // Hz/100, 24 bits
	MinDR   uint8
	MaxDR   uint8
}

type RXTimingSetupReq struct {
	Delay uint8 // 4 bits
}

type TXParamSetupReq struct {
	DownlinkDwell bool
	UplinkDwell   bool
	MaxEIRP       uint8
}

type DLChannelReq struct {
	ChIndex uint8
	Freq    uint32 // Hz/100, 24 bits
}

// Parse decodes every recognised command in data (FOpts, or an FRMPayload
// when delivered on port 0). Parsing stops silently at the first unknown
// tag, per spec: everything parsed up to that point is still returned.
func Parse(data []byte) Downlink {
	var out Downlink
	pos := 0
	for pos < len(data) {
		cid := CID(data[pos])
		pos++
		switch cid {
		case CIDLinkCheck:
			if pos+2 > len(data) {
				return out
			}
			out.LinkCheckAns = &LinkCheckAns{Margin: data[pos], GwCount: data[pos+1]}
			pos += 2
		case CIDLinkADR:
			if pos+4 > len(data) {
				return out
			}
			b := data[pos : pos+4]
			out.LinkADRReqs = append(out.LinkADRReqs, LinkADRReq{
				DataRate:           b[0] >> 4,
				TXPower:            b[0] & 0x0F,
				ChannelMask:        uint16(b[1]) | uint16(b[2])<<8,
				ChannelMaskControl: (b[3] >> 4) & 0x07,
				NbTrans:            b[3] & 0x0F,
			})
			pos += 4
		case CIDDutyCycle:
			if pos+1 > len(data) {
				return out
			}
			out.DutyCycleReq = &DutyCycleReq{MaxDutyCycle: data[pos] & 0x0F}
			pos++
		case CIDRXParamSetup:
			if pos+4 > len(data) {
				return out
			}
			b := data[pos : pos+4]
			out.RXParamSetupReq = &RXParamSetupReq{
				RX1DROffset: (b[0] >> 4) & 0x07,
				RX2DataRate: b[0] & 0x0F,
				Freq:        uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16,
			}
			pos += 4
		case CIDDevStatus:
			out.DevStatusReq = true
		case CIDNewChannel:
			if pos+5 > len(data) {
				return out
			}
			b := data[pos : pos+5]
			out.NewChannelReqs = append(out.NewChannelReqs, NewChannelReq{
				ChIndex: b[0],
				Freq:    uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16,
				MinDR:   b[4] >> 4,
				MaxDR:   b[4] & 0x0F,
			})
			pos += 5
		case CIDRXTimingSetup:
			if pos+1 > len(data) {
				return out
			}
			out.RXTimingSetupReq = &RXTimingSetupReq{Delay: data[pos] & 0x0F}
			pos++
		case CIDTXParamSetup:
			if pos+1 > len(data) {
				return out
			}
			b := data[pos]
			out.TXParamSetupReq = &TXParamSetupReq{
				DownlinkDwell: b&0x20 != 0,
				UplinkDwell:   b&0x10 != 0,
				MaxEIRP:       b & 0x0F,
			}
			pos++
		case CIDDLChannel:
			if pos+4 > len(data) {
				return out
			}
			b := data[pos : pos+4]
			out.DLChannelReqs = append(out.DLChannelReqs, DLChannelReq{
				ChIndex: b[0],
				Freq:    uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16,
			})
			pos += 4
		default:
			return out
		}
	}
	return out
}

// AnswerEncoder accumulates uplink answers for the next transmission.
type AnswerEncoder struct {
	buf []byte
}

func (e *AnswerEncoder) Bytes() []byte { return e.buf }

func (e *AnswerEncoder) LinkCheckReq() {
	e.buf = append(e.buf, byte(CIDLinkCheck))
}

func (e *AnswerEncoder) LinkADRAns(powerOK, dataRateOK, channelMaskOK bool) {
	var b byte
	if channelMaskOK {
		b |= 1 << 0
	}
	if dataRateOK {
		b |= 1 << 1
	}
	if powerOK {
		b |= 1 << 2
	}
	e.buf = append(e.buf, byte(CIDLinkADR), b)
}

func (e *AnswerEncoder) DutyCycleAns() {
	e.buf = append(e.buf, byte(CIDDutyCycle))
}

func (e *AnswerEncoder) RXParamSetupAns(rx1DROffsetOK, rx2DataRateOK, channelOK bool) {
	var b byte
	if channelOK {
		b |= 1 << 0
	}
	if rx2DataRateOK {
		b |= 1 << 1
	}
	if rx1DROffsetOK {
		b |= 1 << 2
	}
	e.buf = append(e.buf, byte(CIDRXParamSetup), b)
}

func (e *AnswerEncoder) DevStatusAns(battery, margin uint8) {
	e.buf = append(e.buf, byte(CIDDevStatus), battery, margin&0x3F)
}

func (e *AnswerEncoder) NewChannelAns(dataRateRangeOK, channelFreqOK bool) {
	var b byte
	if channelFreqOK {
		b |= 1 << 0
	}
	if dataRateRangeOK {
		b |= 1 << 1
	}
	e.buf = append(e.buf, byte(CIDNewChannel), b)
}

func (e *AnswerEncoder) RXTimingSetupAns() {
	e.buf = append(e.buf, byte(CIDRXTimingSetup))
}

func (e *AnswerEncoder) TXParamSetupAns() {
	e.buf = append(e.buf, byte(CIDTXParamSetup))
}

func (e *AnswerEncoder) DLChannelAns(uplinkFreqOK, channelFreqOK bool) {
	var b byte
	if channelFreqOK {
		b |= 1 << 0
	}
	if uplinkFreqOK {
		b |= 1 << 1
	}
	e.buf = append(e.buf, byte(CIDDLChannel), b)
}

// String is a debug helper; not used on any hot path.
func (c CID) String() string {
	switch c {
	case CIDLinkCheck:
		return "LinkCheck"
	case CIDLinkADR:
		return "LinkADR"
	case CIDDutyCycle:
		return "DutyCycle"
	case CIDRXParamSetup:
		return "RXParamSetup"
	case CIDDevStatus:
		return "DevStatus"
	case CIDNewChannel:
		return "NewChannel"
	case CIDRXTimingSetup:
		return "RXTimingSetup"
	case CIDTXParamSetup:
		return "TXParamSetup"
	case CIDDLChannel:
		return "DLChannel"
	default:
		return fmt.Sprintf("CID(0x%02X)", byte(c))
	}
}
