package maccmd

import "testing"

func TestParseLinkADRBlock(t *testing.T) {
	// two adjacent LinkADRReq commands form one atomic block.
	data := []byte{
		byte(CIDLinkADR), 0x53, 0x01, 0x00, 0x20, // DR=5,TXPower=3, mask=0x0001, control=2,nbTrans=0
		byte(CIDLinkADR), 0x31, 0xFF, 0x00, 0x10, // DR=3,TXPower=1, mask=0x00FF, control=1,nbTrans=0
	}
	d := Parse(data)
	if len(d.LinkADRReqs) != 2 {
		t.Fatalf("got %d LinkADRReqs, want 2", len(d.LinkADRReqs))
	}
	first := d.LinkADRReqs[0]
	if first.DataRate != 5 || first.TXPower != 3 || first.ChannelMask != 0x0001 {
		t.Errorf("unexpected first req: %+v", first)
	}
	second := d.LinkADRReqs[1]
	if second.DataRate != 3 || second.TXPower != 1 || second.ChannelMask != 0x00FF {
		t.Errorf("unexpected second req: %+v", second)
	}
}

func TestParseStopsAtUnknownCID(t *testing.T) {
	data := []byte{
		byte(CIDDutyCycle), 0x05,
		0xFF, // unknown CID
		byte(CIDRXTimingSetup), 0x03,
	}
	d := Parse(data)
	if d.DutyCycleReq == nil || d.DutyCycleReq.MaxDutyCycle != 5 {
		t.Fatalf("expected duty cycle req parsed before unknown tag, got %+v", d.DutyCycleReq)
	}
	if d.RXTimingSetupReq != nil {
		t.Errorf("parsing should have stopped at the unknown tag, but found an RXTimingSetup req")
	}
}

func TestParseTruncatedCommandStops(t *testing.T) {
	data := []byte{byte(CIDNewChannel), 0x01, 0x02} // needs 5 bytes, only 2 given
	d := Parse(data)
	if len(d.NewChannelReqs) != 0 {
		t.Errorf("truncated command must not be parsed: got %+v", d.NewChannelReqs)
	}
}

func TestAnswerEncoderOrderAndBits(t *testing.T) {
	var enc AnswerEncoder
	enc.LinkADRAns(true, false, true) // power, !dataRate, channelMask
	enc.DutyCycleAns()
	enc.DevStatusAns(200, 5)

	got := enc.Bytes()
	want := []byte{
		byte(CIDLinkADR), 0b101, // channelMaskOK(bit0) | powerOK(bit2), dataRateOK bit1 clear
		byte(CIDDutyCycle),
		byte(CIDDevStatus), 200, 5,
	}
	if string(got) != string(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseDevStatusReqNoPayload(t *testing.T) {
	data := []byte{byte(CIDDevStatus)}
	d := Parse(data)
	if !d.DevStatusReq {
		t.Errorf("DevStatusReq not recorded")
	}
}
