// Package frame implements the LoRaWAN PHY-payload codec: building and
// parsing JoinRequest/JoinAccept and Data frames, with AES-CTR payload
// cryptography and AES-CMAC integrity delegated to the security module.
//
// All multi-byte integers are little-endian on the wire; EUIs are
// transmitted byte-reversed relative to their canonical MSB-first form.
//
// Grounded on the teacher's pkg/lorawan/payload.go and aes_cmac.go (same
// B0/Ai block construction and ECB encrypt-as-decrypt JoinAccept trick),
// reshaped around security-module key descriptors and a 32-bit frame
// counter.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lorawan-server/lorawan-device-core/internal/sm"
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan"
)

// PHY and data overheads, in bytes, as exposed to the MAC for MTU math.
const (
	PHYOverhead  = 5  // MHDR + MIC
	DataOverhead = PHYOverhead + 7 // FHDR without FOpts, plus FPort
)

// Direction distinguishes uplink from downlink for MIC/CTR block
// construction.
type Direction byte

const (
	Up   Direction = 0
	Down Direction = 1
)

// JoinRequest is the plaintext content of a type-0x00 frame.
type JoinRequest struct {
	AppEUI   lorawan.EUI64
	DevEUI   lorawan.EUI64
	DevNonce uint16
}

// EncodeJoinRequest emits MHDR(0x00)‖appEUI‖devEUI‖devNonce‖MIC.
func EncodeJoinRequest(security sm.SM, keyDesc sm.KeyDescriptor, jr JoinRequest) ([]byte, error) {
	buf := make([]byte, 1, 23)
	buf[0] = byte(lorawan.MTypeJoinRequest) << 5

	appEUI := reversed(jr.AppEUI[:])
	devEUI := reversed(jr.DevEUI[:])
	buf = append(buf, appEUI...)
	buf = append(buf, devEUI...)
	buf = append(buf, byte(jr.DevNonce), byte(jr.DevNonce>>8))

	mic, err := security.MIC(keyDesc, buf, nil)
	if err != nil {
		return nil, fmt.Errorf("frame: join request mic: %w", err)
	}
	buf = appendUint32LE(buf, mic)
	return buf, nil
}

// JoinAccept is the parsed content of a type-0x01 frame.
type JoinAccept struct {
	AppNonce   uint32 // low 24 bits significant
	NetID      uint32 // low 24 bits significant
	DevAddr    lorawan.DevAddr
	DLSettings DLSettings
	RxDelay    uint8 // 0 is normalised to 1 per spec
	// CFList variants: at most one is populated.
	CFListFreqs [5]uint32 // Hz/100, present iff HasCFListFreqs
	CFListMasks [5]uint16 // present iff HasCFListMasks
	HasCFListFreqs bool
	HasCFListMasks bool
}

// DLSettings carries RX1DROffset/RX2DataRate from the join accept.
type DLSettings struct {
	RX1DROffset uint8
	RX2DataRate uint8
}

// DecodeJoinAccept decrypts (by *encrypting* under the raw AES block
// cipher — LoRaWAN's definition of the join-accept obfuscation) and
// parses a join-accept frame. The MHDR byte is not included in data.
func DecodeJoinAccept(security sm.SM, appKeyDesc sm.KeyDescriptor, mhdr byte, data []byte) (JoinAccept, bool, error) {
	if len(data) != 16 && len(data) != 32 {
		return JoinAccept{}, false, fmt.Errorf("frame: join accept length %d, want 16 or 32", len(data))
	}

	cleartext := make([]byte, len(data))
	copy(cleartext, data)
	for off := 0; off < len(cleartext); off += 16 {
		var block [16]byte
		copy(block[:], cleartext[off:off+16])
		if err := security.ECB(appKeyDesc, &block); err != nil {
			return JoinAccept{}, false, fmt.Errorf("frame: join accept ecb: %w", err)
		}
		copy(cleartext[off:off+16], block[:])
	}

	if len(cleartext) < 4 {
		return JoinAccept{}, false, errors.New("frame: join accept too short")
	}
	micField := cleartext[len(cleartext)-4:]
	body := cleartext[:len(cleartext)-4]

	micHdr := append([]byte{mhdr}, body...)
	wantMIC, err := security.MIC(appKeyDesc, micHdr, nil)
	if err != nil {
		return JoinAccept{}, false, fmt.Errorf("frame: join accept mic: %w", err)
	}
	gotMIC := binary.LittleEndian.Uint32(micField)
	valid := wantMIC == gotMIC

	if len(body) < 12 {
		return JoinAccept{}, valid, errors.New("frame: join accept body too short")
	}

	ja := JoinAccept{
		AppNonce: uint32(body[0]) | uint32(body[1])<<8 | uint32(body[2])<<16,
		NetID:    uint32(body[3]) | uint32(body[4])<<8 | uint32(body[5])<<16,
		DevAddr:  lorawan.DevAddr{body[6], body[7], body[8], body[9]},
		DLSettings: DLSettings{
			RX1DROffset: (body[10] >> 4) & 0x07,
			RX2DataRate: body[10] & 0x0F,
		},
		RxDelay: body[11],
	}
	if ja.RxDelay == 0 {
		ja.RxDelay = 1
	}

	if len(body) >= 12+16 {
		cf := body[12 : 12+16]
		switch cf[15] {
		case 0:
			ja.HasCFListFreqs = true
			for i := 0; i < 5; i++ {
				b := cf[i*3 : i*3+3]
				ja.CFListFreqs[i] = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
			}
		case 1:
			ja.HasCFListMasks = true
			for i := 0; i < 5; i++ {
				ja.CFListMasks[i] = binary.LittleEndian.Uint16(cf[i*2 : i*2+2])
			}
		}
	}

	return ja, valid, nil
}

// Data is the plaintext content of an uplink/downlink data frame.
type Data struct {
	DevAddr    lorawan.DevAddr
	ADR        bool
	ADRACKReq  bool
	ACK        bool
	FPending   bool // downlink only
	FCnt       uint32
	FOpts      []byte // must be <= 15 bytes
	FPort      *uint8 // nil means no FPort/FRMPayload at all
	FRMPayload []byte // plaintext; port 0 carries MAC commands
	Confirmed  bool
}

// EncodeData emits MHDR‖DevAddr‖FCtrl‖FCnt‖FOpts‖FPort‖FRMPayload‖MIC.
func EncodeData(security sm.SM, nwkSKeyDesc, appSKeyDesc sm.KeyDescriptor, dir Direction, d Data) ([]byte, error) {
	if len(d.FOpts) > 15 {
		return nil, errors.New("frame: fopts exceeds 15 bytes")
	}
	if d.FPort != nil && *d.FPort == 0 && len(d.FOpts) > 0 {
		return nil, errors.New("frame: fopts and port-0 payload are mutually exclusive")
	}

	mtype := lorawan.MTypeUnconfirmedDataUp
	switch {
	case dir == Up && d.Confirmed:
		mtype = lorawan.MTypeConfirmedDataUp
	case dir == Down && !d.Confirmed:
		mtype = lorawan.MTypeUnconfirmedDataDown
	case dir == Down && d.Confirmed:
		mtype = lorawan.MTypeConfirmedDataDown
	}

	buf := make([]byte, 0, 32)
	buf = append(buf, byte(mtype)<<5)
	buf = append(buf, d.DevAddr[:]...)

	fctrl := byte(len(d.FOpts) & 0x0F)
	if d.ADR {
		fctrl |= 1 << 7
	}
	if dir == Up && d.ADRACKReq {
		fctrl |= 1 << 6
	}
	if d.ACK {
		fctrl |= 1 << 5
	}
	if dir == Down && d.FPending {
		fctrl |= 1 << 4
	}
	buf = append(buf, fctrl)
	buf = appendUint16LE(buf, uint16(d.FCnt))
	buf = append(buf, d.FOpts...)

	var plainPayload []byte
	var payloadKey sm.KeyDescriptor
	if d.FPort != nil {
		buf = append(buf, *d.FPort)
		plainPayload = append([]byte{}, d.FRMPayload...)
		if *d.FPort == 0 {
			payloadKey = nwkSKeyDesc
		} else {
			payloadKey = appSKeyDesc
		}
		if len(plainPayload) > 0 {
			iv := blockAi(dir, d.DevAddr, d.FCnt, 0)
			if err := security.CTR(payloadKey, iv, plainPayload); err != nil {
				return nil, fmt.Errorf("frame: encrypt payload: %w", err)
			}
		}
		buf = append(buf, plainPayload...)
	}

	b0 := blockB0(dir, d.DevAddr, d.FCnt, len(buf))
	mic, err := security.MIC(nwkSKeyDesc, b0[:], buf)
	if err != nil {
		return nil, fmt.Errorf("frame: mic: %w", err)
	}
	buf = appendUint32LE(buf, mic)
	return buf, nil
}

// DecodeData parses and decrypts a data frame (the inverse of
// EncodeData). mhdr is the raw MHDR byte (already stripped from data).
// Valid reflects MIC equality; the caller must still range-check FCnt.
func DecodeData(security sm.SM, nwkSKeyDesc, appSKeyDesc sm.KeyDescriptor, dir Direction, mhdr byte, data, fcntHigh []byte) (Data, bool, error) {
	if len(data) < 7 {
		return Data{}, false, errors.New("frame: data frame too short")
	}
	var devAddr lorawan.DevAddr
	copy(devAddr[:], data[0:4])
	fctrl := data[4]
	fcntLow := binary.LittleEndian.Uint16(data[5:7])
	foptsLen := int(fctrl & 0x0F)
	if len(data) < 7+foptsLen+4 {
		return Data{}, false, errors.New("frame: data frame truncated")
	}
	fopts := append([]byte{}, data[7:7+foptsLen]...)

	rest := data[7+foptsLen:]
	micField := rest[len(rest)-4:]
	payload := rest[:len(rest)-4]

	var fport *uint8
	var frmEnc []byte
	if len(payload) > 0 {
		p := payload[0]
		fport = &p
		frmEnc = append([]byte{}, payload[1:]...)
	}

	// Resolve the full 32-bit counter: the caller supplies its stored
	// 32-bit counter (4 bytes little-endian, nil if unknown) used only to
	// compose the B0/Ai blocks and MIC/CTR correctly; FCnt itself is
	// reported back to the caller as the resolved 32-bit value.
	fcnt := resolveFCnt(fcntLow, fcntHigh)

	hdrForMIC := append([]byte{mhdr}, data[:len(data)-4]...)
	b0 := blockB0(dir, devAddr, fcnt, len(hdrForMIC))
	wantMIC, err := security.MIC(nwkSKeyDesc, b0[:], hdrForMIC)
	if err != nil {
		return Data{}, false, fmt.Errorf("frame: mic: %w", err)
	}
	gotMIC := binary.LittleEndian.Uint32(micField)
	valid := wantMIC == gotMIC

	d := Data{
		DevAddr:   devAddr,
		ADR:       fctrl&(1<<7) != 0,
		FCnt:      fcnt,
		FOpts:     fopts,
		FPort:     fport,
		Confirmed: mtype(mhdr) == lorawan.MTypeConfirmedDataUp || mtype(mhdr) == lorawan.MTypeConfirmedDataDown,
	}
	if dir == Up {
		d.ADRACKReq = fctrl&(1<<6) != 0
	} else {
		d.FPending = fctrl&(1<<4) != 0
	}
	d.ACK = fctrl&(1<<5) != 0

	if fport != nil && len(frmEnc) > 0 {
		payloadKey := appSKeyDesc
		if *fport == 0 {
			payloadKey = nwkSKeyDesc
		}
		iv := blockAi(dir, devAddr, fcnt, 0)
		if err := security.CTR(payloadKey, iv, frmEnc); err != nil {
			return Data{}, false, fmt.Errorf("frame: decrypt payload: %w", err)
		}
	}
	d.FRMPayload = frmEnc

	return d, valid, nil
}

func mtype(mhdr byte) lorawan.MType { return lorawan.MType(mhdr >> 5) }

// blockB0 builds the B0 MIC block: [0x49, 0,0,0,0, dir, DevAddr(LE),
// FCnt32(LE), 0x00, len].
func blockB0(dir Direction, devAddr lorawan.DevAddr, fcnt uint32, length int) [16]byte {
	var b [16]byte
	b[0] = 0x49
	b[5] = byte(dir)
	copy(b[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(b[10:14], fcnt)
	b[14] = 0x00
	b[15] = byte(length)
	return b
}

// blockAi builds the per-block CTR IV: [0x01, 0,0,0,0, dir,
// DevAddr(LE), FCnt32(LE), 0x00, blockIndex+1]; blockIndex is 0-based,
// the last byte is the 1-based block number.
func blockAi(dir Direction, devAddr lorawan.DevAddr, fcnt uint32, blockIndex byte) [16]byte {
	var b [16]byte
	b[0] = 0x01
	b[5] = byte(dir)
	copy(b[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(b[10:14], fcnt)
	b[14] = 0x00
	b[15] = blockIndex + 1
	return b
}

// resolveFCnt reconstructs the 32-bit frame counter from the 16-bit
// on-wire low half and the caller's stored 32-bit counter (4 bytes
// little-endian; any other length, including nil, means unknown and the
// low half is used as-is). The result is the smallest value not below
// the stored counter whose low 16 bits equal low.
func resolveFCnt(low uint16, storedHigh []byte) uint32 {
	if len(storedHigh) != 4 {
		return uint32(low)
	}
	stored := binary.LittleEndian.Uint32(storedHigh)
	high := stored &^ 0xFFFF
	full := high | uint32(low)
	if full < stored {
		full += 1 << 16
	}
	return full
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}

func appendUint16LE(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

func appendUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
