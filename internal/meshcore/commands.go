package meshcore

import "encoding/binary"

// Command payload builders. Each returns the raw opcode+argument bytes; the
// caller (queue, sequencer, weather producer) frames them for the wire via
// frame.BuildOutgoing.

// appProtocolVersion is the fixed appVer byte the handshake advertises.
const appProtocolVersion = 1

// BuildAppStart builds the payload for the startup handshake command, sent
// once per serial session ahead of the command queue gate:
// [cmd=1][appVer=1][6 reserved zero bytes][appName UTF-8].
func BuildAppStart(appName string) []byte {
	out := make([]byte, 0, 8+len(appName))
	out = append(out, CmdAppStart, appProtocolVersion)
	out = append(out, make([]byte, 6)...)
	out = append(out, []byte(appName)...)
	return out
}

// textTypePlain is the only txt_type the weather producer emits: a plain
// UTF-8 channel broadcast, no reply-to or signed-message framing.
const textTypePlain = 0

// BuildSendChannelTxtMsg builds the payload for a plaintext broadcast on the
// given channel index: [cmd][txt_type=0][channel_idx][timestamp_u32_LE][utf8 text].
func BuildSendChannelTxtMsg(channel byte, timestamp uint32, text string) []byte {
	out := make([]byte, 0, 7+len(text))
	out = append(out, CmdSendChannelTxtMsg, textTypePlain, channel)
	var ts [4]byte
	binary.LittleEndian.PutUint32(ts[:], timestamp)
	out = append(out, ts[:]...)
	out = append(out, []byte(text)...)
	return out
}
