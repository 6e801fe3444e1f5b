package meshcore

import "testing"

func TestIsPush(t *testing.T) {
	cases := map[byte]bool{0x00: false, 0x05: false, 0x7F: false, 0x80: true, 0x88: true, 0xFF: true}
	for code, want := range cases {
		if got := IsPush(code); got != want {
			t.Errorf("IsPush(0x%X) = %v, want %v", code, got, want)
		}
	}
}

func TestIsStreaming(t *testing.T) {
	for _, code := range []byte{RespContactsStart, RespContact, RespContactMsgRecv, RespChannelMsgRecv} {
		if !IsStreaming(code) {
			t.Errorf("expected code %d to be streaming", code)
		}
	}
	for _, code := range []byte{RespOK, RespErr, RespEndOfContacts, RespSelfInfo} {
		if IsStreaming(code) {
			t.Errorf("expected code %d to be terminal, not streaming", code)
		}
	}
}

func TestDecodePushAdvert(t *testing.T) {
	payload := make([]byte, 33)
	payload[0] = PushAdvert
	for i := range 32 {
		payload[1+i] = byte(i)
	}
	d := DecodePush(payload)
	if d.Kind != KindAdvert {
		t.Fatalf("expected KindAdvert, got %v", d.Kind)
	}
	for i := range 32 {
		if d.Advert.PublicKey[i] != byte(i) {
			t.Fatalf("public key mismatch at %d", i)
		}
	}
}

func TestDecodePushAdvertTooShortIsOpaque(t *testing.T) {
	d := DecodePush([]byte{PushAdvert, 0x01, 0x02})
	if d.Kind != KindOpaque {
		t.Fatalf("expected short Advert payload to decode opaque, got %v", d.Kind)
	}
}

func TestDecodePushSendConfirmed(t *testing.T) {
	payload := []byte{PushSendConfirmed, 0x01, 0x00, 0x00, 0x00, 0x2C, 0x01, 0x00, 0x00}
	d := DecodePush(payload)
	if d.Kind != KindSendConfirmed {
		t.Fatalf("expected KindSendConfirmed, got %v", d.Kind)
	}
	if d.SendConfirmed.AckCode != 1 || d.SendConfirmed.RoundTripMS != 300 {
		t.Fatalf("unexpected decode: %+v", d.SendConfirmed)
	}
}

func TestDecodePushRawData(t *testing.T) {
	payload := []byte{PushRawData, 0x08, 0xF6, 0x01, 0x02, 0x03}
	d := DecodePush(payload)
	if d.Kind != KindRawData {
		t.Fatalf("expected KindRawData, got %v", d.Kind)
	}
	if d.RawData.SNR != 2 {
		t.Fatalf("expected snr=2, got %v", d.RawData.SNR)
	}
	if d.RawData.RSSI != -10 {
		t.Fatalf("expected rssi=-10, got %v", d.RawData.RSSI)
	}
	if string(d.RawData.Data) != "\x02\x03" {
		t.Fatalf("unexpected opaque tail: %v", d.RawData.Data)
	}
}

func TestDecodePushLogRxData(t *testing.T) {
	payload := []byte{PushLogRxData, 0x04, 0xEC, 0xAA, 0xBB}
	d := DecodePush(payload)
	if d.Kind != KindLogRxData {
		t.Fatalf("expected KindLogRxData, got %v", d.Kind)
	}
	if d.LogRxData.SNR != 1 {
		t.Fatalf("expected snr=1, got %v", d.LogRxData.SNR)
	}
	if d.LogRxData.RSSI != -20 {
		t.Fatalf("expected rssi=-20, got %v", d.LogRxData.RSSI)
	}
}

func TestDecodePushUnknownCodeIsOpaque(t *testing.T) {
	d := DecodePush([]byte{0x99, 0x01, 0x02, 0x03})
	if d.Kind != KindOpaque {
		t.Fatalf("expected opaque fallback for unknown code, got %v", d.Kind)
	}
	if d.Code != 0x99 {
		t.Fatalf("expected code preserved, got 0x%X", d.Code)
	}
}

func TestDecodeSelfInfo(t *testing.T) {
	payload := make([]byte, 58+len("radio-1"))
	for i := range 32 {
		payload[4+i] = byte(i + 1)
	}
	copy(payload[58:], "radio-1")
	id, ok := DecodeSelfInfo(payload)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if id.Name != "radio-1" {
		t.Fatalf("expected name radio-1, got %q", id.Name)
	}
	if id.PublicKey[0] != 1 || id.PublicKey[31] != 32 {
		t.Fatalf("unexpected public key: %v", id.PublicKey)
	}
}

func TestDecodeSelfInfoNameStopsAtNull(t *testing.T) {
	payload := make([]byte, 58+10)
	copy(payload[58:], "abc\x00junk")
	id, ok := DecodeSelfInfo(payload)
	if !ok || id.Name != "abc" {
		t.Fatalf("expected name truncated at NUL, got %q ok=%v", id.Name, ok)
	}
}

func TestDecodeSelfInfoTooShort(t *testing.T) {
	if _, ok := DecodeSelfInfo(make([]byte, 10)); ok {
		t.Fatal("expected ok=false for short payload")
	}
}
