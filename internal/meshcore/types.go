// Package meshcore defines the wire-level vocabulary of the MeshCore
// companion protocol: frame direction, response/push codes, and the
// small set of values decoded from the radio without reference to how
// they are transported or queued.
package meshcore

// Direction is the first byte of a framed block on the companion wire.
type Direction byte

const (
	// FromRadio marks a frame originating at the radio (response or push).
	FromRadio Direction = 0x3E
	// ToRadio marks a frame sent to the radio (a command).
	ToRadio Direction = 0x3C
)

// Host-to-radio command opcodes used by the core.
const (
	CmdAppStart          = 1
	CmdSendChannelTxtMsg = 2 // opcode as defined by device firmware; used by the weather producer
)

// Radio-to-host response codes (< 0x80: solicited reply to the current command).
const (
	RespOK             = 0
	RespErr            = 1
	RespContactsStart  = 2
	RespContact        = 3
	RespEndOfContacts  = 4
	RespSelfInfo       = 5
	RespSent           = 6
	RespContactMsgRecv = 7
	RespChannelMsgRecv = 8
	RespCurrTime       = 9
	RespNoMoreMessages = 10
	RespExportContact  = 11
	RespBatteryVoltage = 12
	RespDeviceInfo     = 13
)

// Radio-to-host push codes (>= 0x80: unsolicited, delivered asynchronously).
const (
	PushAdvert        = 0x80
	PushPathUpdated   = 0x81
	PushSendConfirmed = 0x82
	PushMsgWaiting    = 0x83
	PushRawData       = 0x84
	PushLogRxData     = 0x88
)

// PushThreshold is the boundary between solicited responses and push
// notifications: any response code >= PushThreshold is a push.
const PushThreshold = 0x80

// IsPush reports whether a response code is an unsolicited push notification.
func IsPush(code byte) bool { return code >= PushThreshold }

// StreamingCodes lists response codes that may precede further replies to
// the same command without releasing the command queue lock. Embedded
// policy, not protocol-discoverable — see the spec's design notes.
var StreamingCodes = map[byte]bool{
	RespContactsStart:  true,
	RespContact:        true,
	RespContactMsgRecv: true,
	RespChannelMsgRecv: true,
}

// IsStreaming reports whether code is in the streaming-response set.
func IsStreaming(code byte) bool { return StreamingCodes[code] }

// Frame is one complete [direction][len][payload] unit on the wire.
type Frame struct {
	Direction Direction
	Payload   []byte
}

// ResponseCode returns the first payload byte, or false if the frame carries
// no payload — a case the codec never actually emits, since zero-length
// frames are discarded during decode.
func (f Frame) ResponseCode() (byte, bool) {
	if len(f.Payload) == 0 {
		return 0, false
	}
	return f.Payload[0], true
}

// DeviceIdentity is populated once per serial session by the startup
// sequencer from a SelfInfo response.
type DeviceIdentity struct {
	PublicKey [32]byte
	Name      string
}

// ClientHandle abstracts over the two concrete client transports (WebSocket,
// TCP) for unicast routing and set membership. A minimal capability set:
// send bytes, report a kind for logging. Equality is by pointer identity —
// handles are never copied.
type ClientHandle interface {
	// Send delivers one complete framed message to the client. Implementations
	// are expected to queue and let delivery happen on an independent
	// goroutine rather than blocking the caller.
	Send(raw []byte) error
	// Kind identifies the transport for logging ("ws" or "tcp").
	Kind() string
}
