package session

import (
	"errors"
	"testing"

	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	r := &Record{
		Region:       lorawan.EU863870,
		DevAddr:      lorawan.DevAddr{1, 2, 3, 4},
		NetID:        0x00ABCDEF & 0xFFFFFF,
		FCntUp:       1000,
		FCntDown:     2000,
		AppFCntDown:  3000,
		NwkFCntDown:  4000,
		Channels: []ChannelConfig{
			{FreqHz: 868100000, MinDR: 0, MaxDR: 5},
			{FreqHz: 868300000, MinDR: 0, MaxDR: 5},
			{FreqHz: 868500000, MinDR: 0, MaxDR: 5},
		},
		ChannelMask:  []bool{true, false, true},
		Rate:         4,
		Power:        1,
		NbTrans:      3,
		MaxDutyCycle: 7,
		RX1DROffset:  2,
		RX1Delay:     1,
		RX2DataRate:  0,
		RX2Freq:      869525000,
		Joined:       true,
		ADR:          true,
		DevNonce:     0xBEEF,
	}

	data, err := r.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	var got Record
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}

	if got.Region != r.Region {
		t.Errorf("Region: got %v, want %v", got.Region, r.Region)
	}
	if got.DevAddr != r.DevAddr {
		t.Errorf("DevAddr: got %v, want %v", got.DevAddr, r.DevAddr)
	}
	if got.NetID != r.NetID {
		t.Errorf("NetID: got %d, want %d", got.NetID, r.NetID)
	}
	if got.FCntUp != r.FCntUp || got.FCntDown != r.FCntDown {
		t.Errorf("FCnt: got up=%d down=%d, want up=%d down=%d", got.FCntUp, got.FCntDown, r.FCntUp, r.FCntDown)
	}
	if got.AppFCntDown != r.AppFCntDown || got.NwkFCntDown != r.NwkFCntDown {
		t.Errorf("split FCntDown: got app=%d nwk=%d, want app=%d nwk=%d",
			got.AppFCntDown, got.NwkFCntDown, r.AppFCntDown, r.NwkFCntDown)
	}
	if len(got.Channels) != len(r.Channels) {
		t.Fatalf("got %d channels, want %d", len(got.Channels), len(r.Channels))
	}
	for i := range r.Channels {
		if got.Channels[i] != r.Channels[i] {
			t.Errorf("channel %d: got %+v, want %+v", i, got.Channels[i], r.Channels[i])
		}
	}
	if len(got.ChannelMask) != len(r.ChannelMask) {
		t.Fatalf("got %d mask bits, want %d", len(got.ChannelMask), len(r.ChannelMask))
	}
	for i := range r.ChannelMask {
		if got.ChannelMask[i] != r.ChannelMask[i] {
			t.Errorf("mask bit %d: got %v, want %v", i, got.ChannelMask[i], r.ChannelMask[i])
		}
	}
	if got.Rate != r.Rate || got.Power != r.Power || got.NbTrans != r.NbTrans || got.MaxDutyCycle != r.MaxDutyCycle {
		t.Errorf("adr fields: got %+v, want rate=%d power=%d nbTrans=%d maxDutyCycle=%d",
			got, r.Rate, r.Power, r.NbTrans, r.MaxDutyCycle)
	}
	if got.RX1DROffset != r.RX1DROffset || got.RX1Delay != r.RX1Delay ||
		got.RX2DataRate != r.RX2DataRate || got.RX2Freq != r.RX2Freq {
		t.Errorf("rx params round-trip mismatch: got %+v", got)
	}
	if got.Joined != r.Joined || got.ADR != r.ADR {
		t.Errorf("flags: got joined=%v adr=%v, want joined=%v adr=%v", got.Joined, got.ADR, r.Joined, r.ADR)
	}
	if got.DevNonce != r.DevNonce {
		t.Errorf("DevNonce: got %#x, want %#x", got.DevNonce, r.DevNonce)
	}
}

func TestUnmarshalVersionMismatch(t *testing.T) {
	var r Record
	err := r.UnmarshalBinary([]byte{0xFF, 0x00})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("got %v, want ErrVersionMismatch", err)
	}
}

func TestUnmarshalTooShort(t *testing.T) {
	var r Record
	if err := r.UnmarshalBinary([]byte{CurrentVersion}); err == nil {
		t.Fatalf("expected error decoding a truncated blob")
	}
}

func TestMarshalRejectsChannelCountOverflow(t *testing.T) {
	r := &Record{
		Channels:    make([]ChannelConfig, MaxChannels+1),
		ChannelMask: make([]bool, MaxChannels+1),
	}
	if _, err := r.MarshalBinary(); err == nil {
		t.Fatalf("expected error for channel count exceeding MaxChannels")
	}
}

func TestMarshalRejectsMaskLengthMismatch(t *testing.T) {
	r := &Record{
		Channels:    make([]ChannelConfig, 2),
		ChannelMask: make([]bool, 1),
	}
	if _, err := r.MarshalBinary(); err == nil {
		t.Fatalf("expected error for channel mask length mismatch")
	}
}

func TestMarshalEmptyChannelTable(t *testing.T) {
	r := &Record{Region: lorawan.US902928}
	data, err := r.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got Record
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}
	if len(got.Channels) != 0 || len(got.ChannelMask) != 0 {
		t.Errorf("got %d channels / %d mask bits, want 0/0", len(got.Channels), len(got.ChannelMask))
	}
}
