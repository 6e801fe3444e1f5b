// Package frame implements the companion protocol's length-prefixed framing:
// [direction:u8][len:u16 LE][payload]. The same codec serves the continuous
// serial byte stream and each TCP client's independent per-connection
// accumulator, since both speak identical wire framing.
package frame

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/meshcore-bridge/internal/meshcore"
	"github.com/kstaniek/meshcore-bridge/internal/metrics"
)

const headerLen = 3 // direction(1) + len(2)

// Codec is stateless and safe for concurrent use; all mutable state (the
// byte accumulator) lives in the caller-owned buffer passed to Feed.
type Codec struct{}

// Feed appends data to acc and emits every complete frame it can extract, in
// FIFO order, leaving any partial trailing frame buffered for the next call.
//
// Algorithm (per spec): while at least 3 bytes are buffered, peek the
// direction byte. If it is neither ToRadio nor FromRadio, drop one byte and
// retry — a resync policy that never raises an error on stray noise. Read the
// 16-bit little-endian length; a zero length is a framing artefact, so drop
// just the direction byte and retry. If the full payload isn't buffered yet,
// stop and wait for more data.
func (Codec) Feed(acc *bytes.Buffer, data []byte, emit func(meshcore.Frame)) {
	if len(data) > 0 {
		acc.Write(data)
	}
	for {
		buf := acc.Bytes()
		if len(buf) < headerLen {
			return
		}
		dir := meshcore.Direction(buf[0])
		if dir != meshcore.FromRadio && dir != meshcore.ToRadio {
			metrics.IncMalformed()
			acc.Next(1)
			continue
		}
		length := int(binary.LittleEndian.Uint16(buf[1:3]))
		if length == 0 {
			metrics.IncMalformed()
			acc.Next(1) // framing artefact: drop direction byte, retry
			continue
		}
		total := headerLen + length
		if len(buf) < total {
			return // wait for the rest of the payload
		}
		payload := make([]byte, length)
		copy(payload, buf[headerLen:total])
		acc.Next(total)
		emit(meshcore.Frame{Direction: dir, Payload: payload})
	}
}

// ParseOne decodes a single complete frame from a message-delimited
// transport (a WebSocket binary message), where no byte-stream resync is
// needed because the transport already preserves message boundaries.
// Returns false if buf isn't exactly one well-formed frame.
func ParseOne(buf []byte) (meshcore.Frame, bool) {
	if len(buf) < headerLen {
		return meshcore.Frame{}, false
	}
	dir := meshcore.Direction(buf[0])
	if dir != meshcore.FromRadio && dir != meshcore.ToRadio {
		return meshcore.Frame{}, false
	}
	length := int(binary.LittleEndian.Uint16(buf[1:3]))
	if length == 0 || headerLen+length != len(buf) {
		return meshcore.Frame{}, false
	}
	payload := make([]byte, length)
	copy(payload, buf[headerLen:])
	return meshcore.Frame{Direction: dir, Payload: payload}, true
}

// Build encodes one frame: direction, little-endian length, payload.
func Build(direction meshcore.Direction, payload []byte) []byte {
	out := make([]byte, headerLen+len(payload))
	out[0] = byte(direction)
	binary.LittleEndian.PutUint16(out[1:3], uint16(len(payload)))
	copy(out[headerLen:], payload)
	return out
}

// BuildOutgoing is the canonical helper for host-to-radio commands.
func BuildOutgoing(payload []byte) []byte {
	return Build(meshcore.ToRadio, payload)
}
