package meshcore

import (
	"bytes"
	"encoding/binary"
)

// PushKind distinguishes decoded push payload shapes for logging and for
// whatever downstream consumer wants structured fields instead of raw bytes.
type PushKind int

const (
	KindOpaque PushKind = iota
	KindAdvert
	KindPathUpdated
	KindSendConfirmed
	KindMsgWaiting
	KindRawData
	KindLogRxData
)

// Advert is the shape shared by Advert(0x80) and PathUpdated(0x81).
type Advert struct {
	PublicKey [32]byte
}

// SendConfirmed(0x82): an ack code and observed round-trip time.
type SendConfirmed struct {
	AckCode    uint32
	RoundTripMS uint32
}

// RawData(0x84): signal quality plus an opaque tail.
type RawData struct {
	SNR  float64
	RSSI int8
	Data []byte
}

// LogRxData(0x88): signal quality plus an opaque raw tail.
type LogRxData struct {
	SNR  float64
	RSSI int8
	Raw  []byte
}

// DecodedPush is the best-effort decode of a push frame's payload. Kind
// selects which of the typed fields is meaningful; unrecognized codes decode
// to KindOpaque with only Code and Payload set.
type DecodedPush struct {
	Code    byte
	Kind    PushKind
	Payload []byte // the full push payload (code byte included), for every kind

	Advert        Advert
	SendConfirmed SendConfirmed
	RawData       RawData
	LogRxData     LogRxData
}

// DecodePush best-effort decodes a push frame's payload (payload[0] is the
// push code). Shapes it doesn't recognize, or that are too short for their
// required fields, fall back to KindOpaque rather than erroring — push
// decoding never blocks forwarding the raw frame to clients.
func DecodePush(payload []byte) DecodedPush {
	if len(payload) == 0 {
		return DecodedPush{}
	}
	code := payload[0]
	d := DecodedPush{Code: code, Kind: KindOpaque, Payload: payload}

	switch code {
	case PushAdvert, PushPathUpdated:
		if len(payload) < 33 {
			return d
		}
		var a Advert
		copy(a.PublicKey[:], payload[1:33])
		d.Advert = a
		if code == PushAdvert {
			d.Kind = KindAdvert
		} else {
			d.Kind = KindPathUpdated
		}
	case PushSendConfirmed:
		if len(payload) < 9 {
			return d
		}
		d.Kind = KindSendConfirmed
		d.SendConfirmed = SendConfirmed{
			AckCode:     binary.LittleEndian.Uint32(payload[1:5]),
			RoundTripMS: binary.LittleEndian.Uint32(payload[5:9]),
		}
	case PushMsgWaiting:
		d.Kind = KindMsgWaiting
	case PushRawData:
		if len(payload) < 4 {
			return d
		}
		d.Kind = KindRawData
		d.RawData = RawData{
			SNR:  float64(int8(payload[1])) / 4,
			RSSI: int8(payload[2]),
			Data: payload[4:],
		}
	case PushLogRxData:
		if len(payload) < 3 {
			return d
		}
		d.Kind = KindLogRxData
		d.LogRxData = LogRxData{
			SNR:  float64(int8(payload[1])) / 4,
			RSSI: int8(payload[2]),
			Raw:  payload[3:],
		}
	}
	return d
}

// DecodeSelfInfo extracts the device public key and name from a SelfInfo(0x05)
// response payload. The key lives at offset 4; the name is the NUL-terminated
// (or run-to-end) string starting at offset 58. Returns ok=false if the
// payload is too short to contain the fixed header.
func DecodeSelfInfo(payload []byte) (DeviceIdentity, bool) {
	var id DeviceIdentity
	if len(payload) < 58 {
		return id, false
	}
	copy(id.PublicKey[:], payload[4:36])
	name := payload[58:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	id.Name = string(name)
	return id, true
}
