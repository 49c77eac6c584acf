package domain

import "fmt"

// TypeTag is the integer message type shared by client and host.
type TypeTag uint32

const (
	TagJoinRoom TypeTag = iota + 1
	TagJoinRoomAck
	TagKeepalive
	TagKeepaliveAck
	TagRelayedMessage
	TagDisconnected
	TagServiceStatus
)

const (
	TagTimeSyncProbe TypeTag = iota + 100
	TagTimeSyncEcho
	TagStartTransmission
	TagStartTransmissionAck
	TagStatReport
	TagCursorInfo
)

const (
	TagVideoFrame TypeTag = iota + 200
	TagAudioFrame
	TagInputEvent
)

func (t TypeTag) String() string {
	switch t {
	case TagJoinRoom:
		return "join_room"
	case TagJoinRoomAck:
		return "join_room_ack"
	case TagKeepalive:
		return "keepalive"
	case TagKeepaliveAck:
		return "keepalive_ack"
	case TagRelayedMessage:
		return "relayed_message"
	case TagDisconnected:
		return "disconnected"
	case TagServiceStatus:
		return "service_status"
	case TagTimeSyncProbe:
		return "time_sync_probe"
	case TagTimeSyncEcho:
		return "time_sync_echo"
	case TagStartTransmission:
		return "start_transmission"
	case TagStartTransmissionAck:
		return "start_transmission_ack"
	case TagStatReport:
		return "stat_report"
	case TagCursorInfo:
		return "cursor_info"
	case TagVideoFrame:
		return "video_frame"
	case TagAudioFrame:
		return "audio_frame"
	case TagInputEvent:
		return "input_event"
	default:
		return fmt.Sprintf("tag_%d", uint32(t))
	}
}

// Lane is an ordering scope for message delivery.
type Lane int

const (
	LaneReliable Lane = iota
	LaneMedia
)

func (l Lane) String() string {
	if l == LaneMedia {
		return "media"
	}
	return "reliable"
}

// Lane returns the inbound delivery lane for t. Frames and pointer
// position ride the media lane; everything else is control.
func (t TypeTag) Lane() Lane {
	switch t {
	case TagVideoFrame, TagAudioFrame, TagInputEvent, TagCursorInfo:
		return LaneMedia
	default:
		return LaneReliable
	}
}

// OutboundEnvelope is an encoded message waiting to be sent.
type OutboundEnvelope struct {
	Tag      TypeTag
	Payload  []byte
	Reliable bool
}

// Message is the decoded form of an envelope. The set is closed: only
// types in this package implement it.
type Message interface {
	Tag() TypeTag
	isMessage()
}

type JoinRoomRequest struct {
	RoomID    RoomID   `cbor:"room_id"`
	ClientID  ClientID `cbor:"client_id"`
	AuthToken string   `cbor:"auth_token"`
}

type JoinRoomAck struct {
	Code ErrorCode `cbor:"code"`
}

// Result converts the ack code into a tagged variant.
func (a JoinRoomAck) Result() JoinResult {
	if a.Code == CodeSuccess {
		return JoinAccepted{}
	}
	return JoinRejected{Code: a.Code}
}

type Keepalive struct {
	Seq uint64 `cbor:"seq"`
}

type KeepaliveAck struct {
	Seq uint64 `cbor:"seq"`
}

// RelayedMessage tunnels one transport-negotiation key/value pair through
// the signaling server.
type RelayedMessage struct {
	Transport TransportKind `cbor:"transport"`
	Key       string        `cbor:"key"`
	Value     string        `cbor:"value"`
}

type Disconnected struct {
	Reason string `cbor:"reason,omitempty"`
}

type ServiceStatusReport struct {
	Code ErrorCode `cbor:"code"`
}

// TimeSyncProbe carries the local send time in microseconds.
type TimeSyncProbe struct {
	Seq uint64 `cbor:"seq"`
	T0  int64  `cbor:"t0"`
}

// TimeSyncEcho returns the probe plus the remote receive and send times.
type TimeSyncEcho struct {
	Seq uint64 `cbor:"seq"`
	T0  int64  `cbor:"t0"`
	T1  int64  `cbor:"t1"`
	T2  int64  `cbor:"t2"`
}

type StartTransmission struct {
	ClientID      ClientID `cbor:"client_id"`
	AuthToken     string   `cbor:"auth_token"`
	Codec         string   `cbor:"codec"`
	Width         uint32   `cbor:"width"`
	Height        uint32   `cbor:"height"`
	RefreshRate   uint32   `cbor:"refresh_rate"`
	AudioFreq     uint32   `cbor:"audio_freq"`
	AudioChannels uint32   `cbor:"audio_channels"`
	DriverInput   bool     `cbor:"driver_input"`
	Gamepad       bool     `cbor:"gamepad"`
}

type StartTransmissionAck struct {
	Code ErrorCode `cbor:"code"`
}

// StatReport is the host's send-side statistics.
type StatReport struct {
	BitrateKbps uint32  `cbor:"bitrate_kbps"`
	FPS         uint32  `cbor:"fps"`
	LossRate    float32 `cbor:"loss_rate"`
	EncodeMs    float32 `cbor:"encode_ms"`
}

type CursorInfo struct {
	X       int32 `cbor:"x"`
	Y       int32 `cbor:"y"`
	Visible bool  `cbor:"visible"`
	Preset  int32 `cbor:"preset"`
}

// VideoFrame is an encoded frame; CaptureTS is host time in microseconds.
type VideoFrame struct {
	CaptureTS int64  `cbor:"capture_ts"`
	Keyframe  bool   `cbor:"keyframe"`
	Data      []byte `cbor:"data"`
}

type AudioFrame struct {
	CaptureTS int64  `cbor:"capture_ts"`
	Data      []byte `cbor:"data"`
}

// InputEvent is an opaque local input event routed to the host.
type InputEvent struct {
	Data []byte `cbor:"data"`
}

func (JoinRoomRequest) Tag() TypeTag      { return TagJoinRoom }
func (JoinRoomAck) Tag() TypeTag          { return TagJoinRoomAck }
func (Keepalive) Tag() TypeTag            { return TagKeepalive }
func (KeepaliveAck) Tag() TypeTag         { return TagKeepaliveAck }
func (RelayedMessage) Tag() TypeTag       { return TagRelayedMessage }
func (Disconnected) Tag() TypeTag         { return TagDisconnected }
func (ServiceStatusReport) Tag() TypeTag  { return TagServiceStatus }
func (TimeSyncProbe) Tag() TypeTag        { return TagTimeSyncProbe }
func (TimeSyncEcho) Tag() TypeTag         { return TagTimeSyncEcho }
func (StartTransmission) Tag() TypeTag    { return TagStartTransmission }
func (StartTransmissionAck) Tag() TypeTag { return TagStartTransmissionAck }
func (StatReport) Tag() TypeTag           { return TagStatReport }
func (CursorInfo) Tag() TypeTag           { return TagCursorInfo }
func (VideoFrame) Tag() TypeTag           { return TagVideoFrame }
func (AudioFrame) Tag() TypeTag           { return TagAudioFrame }
func (InputEvent) Tag() TypeTag           { return TagInputEvent }

func (JoinRoomRequest) isMessage()      {}
func (JoinRoomAck) isMessage()          {}
func (Keepalive) isMessage()            {}
func (KeepaliveAck) isMessage()         {}
func (RelayedMessage) isMessage()       {}
func (Disconnected) isMessage()         {}
func (ServiceStatusReport) isMessage()  {}
func (TimeSyncProbe) isMessage()        {}
func (TimeSyncEcho) isMessage()         {}
func (StartTransmission) isMessage()    {}
func (StartTransmissionAck) isMessage() {}
func (StatReport) isMessage()           {}
func (CursorInfo) isMessage()           {}
func (VideoFrame) isMessage()           {}
func (AudioFrame) isMessage()           {}
func (InputEvent) isMessage()           {}
