package codec

import (
	"errors"
	"fmt"

	"github.com/dkeye/Desk/internal/domain"
)

var ErrUnknownTag = errors.New("unknown type tag")

// Encode serializes msg into an envelope for the requested lane.
func Encode(msg domain.Message, reliable bool) (domain.OutboundEnvelope, error) {
	payload, err := Marshal(msg)
	if err != nil {
		return domain.OutboundEnvelope{}, fmt.Errorf("encode %s: %w", msg.Tag(), err)
	}
	return domain.OutboundEnvelope{Tag: msg.Tag(), Payload: payload, Reliable: reliable}, nil
}

// Decode turns one envelope into its typed message. Every failure is an
// *domain.EnvelopeDecodeError; unknown tags wrap ErrUnknownTag.
func Decode(tag domain.TypeTag, payload []byte) (domain.Message, error) {
	switch tag {
	case domain.TagJoinRoom:
		return decodeAs[domain.JoinRoomRequest](tag, payload)
	case domain.TagJoinRoomAck:
		return decodeAs[domain.JoinRoomAck](tag, payload)
	case domain.TagKeepalive:
		return decodeAs[domain.Keepalive](tag, payload)
	case domain.TagKeepaliveAck:
		return decodeAs[domain.KeepaliveAck](tag, payload)
	case domain.TagRelayedMessage:
		return decodeAs[domain.RelayedMessage](tag, payload)
	case domain.TagDisconnected:
		return decodeAs[domain.Disconnected](tag, payload)
	case domain.TagServiceStatus:
		return decodeAs[domain.ServiceStatusReport](tag, payload)
	case domain.TagTimeSyncProbe:
		return decodeAs[domain.TimeSyncProbe](tag, payload)
	case domain.TagTimeSyncEcho:
		return decodeAs[domain.TimeSyncEcho](tag, payload)
	case domain.TagStartTransmission:
		return decodeAs[domain.StartTransmission](tag, payload)
	case domain.TagStartTransmissionAck:
		return decodeAs[domain.StartTransmissionAck](tag, payload)
	case domain.TagStatReport:
		return decodeAs[domain.StatReport](tag, payload)
	case domain.TagCursorInfo:
		return decodeAs[domain.CursorInfo](tag, payload)
	case domain.TagVideoFrame:
		return decodeAs[domain.VideoFrame](tag, payload)
	case domain.TagAudioFrame:
		return decodeAs[domain.AudioFrame](tag, payload)
	case domain.TagInputEvent:
		return decodeAs[domain.InputEvent](tag, payload)
	default:
		return nil, &domain.EnvelopeDecodeError{Tag: tag, Err: ErrUnknownTag}
	}
}

func decodeAs[T domain.Message](tag domain.TypeTag, payload []byte) (domain.Message, error) {
	var m T
	if err := Unmarshal(payload, &m); err != nil {
		return nil, &domain.EnvelopeDecodeError{Tag: tag, Err: err}
	}
	return m, nil
}
