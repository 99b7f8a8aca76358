package astws

import (
	"strconv"
	"strings"

	"github.com/pion/rtp"
)

// The media frame header is a plain RTP header: sequence number,
// timestamp, PCMU payload type with an 8kHz clock. Frame payloads are
// raw ulaw samples, one byte per sample.
const (
	payloadTypePCMU = 0
	rtpVersion      = 2
)

// MarshalFrame serializes a media frame to its binary wire form.
func MarshalFrame(frame *MediaFrame, ssrc uint32) ([]byte, error) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        rtpVersion,
			PayloadType:    payloadTypePCMU,
			SequenceNumber: frame.Seq,
			Timestamp:      frame.Timestamp,
			SSRC:           ssrc,
		},
		Payload: frame.Payload,
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return nil, WrapError(err, ErrCodeProtocol)
	}
	return buf, nil
}

// UnmarshalFrame decodes a binary media message into a frame.
func UnmarshalFrame(data []byte) (*MediaFrame, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return nil, WrapError(err, ErrCodeProtocol).AddDetail("bytes", len(data))
	}
	return &MediaFrame{
		Seq:       pkt.SequenceNumber,
		Timestamp: pkt.Timestamp,
		Payload:   pkt.Payload,
	}, nil
}

// NotificationKind enum
type NotificationKind string

const (
	NotifyMediaStart         NotificationKind = "MEDIA_START"
	NotifyMediaXOff          NotificationKind = "MEDIA_XOFF"
	NotifyMediaXOn           NotificationKind = "MEDIA_XON"
	NotifyStartBuffering     NotificationKind = "START_MEDIA_BUFFERING"
	NotifyStopBuffering      NotificationKind = "STOP_MEDIA_BUFFERING"
	NotifyBufferingCompleted NotificationKind = "MEDIA_BUFFERING_COMPLETED"
	NotifyHangup             NotificationKind = "HANGUP"
)

// MediaNotification is a text message on the media socket. These belong
// to the media protocol, not the control protocol: session parameters,
// flow control and the end-of-media signal all arrive this way.
type MediaNotification struct {
	Kind             NotificationKind
	Channel          string
	OptimalFrameSize int
	Tag              string
	Raw              string
}

// ParseMediaNotification parses a media socket text message of the form
// "KIND [arg ...]" where MEDIA_START args are key:value pairs and
// buffering markers carry an optional tag.
func ParseMediaNotification(text string) (*MediaNotification, error) {
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil, NewProtocolError("empty media notification")
	}

	n := &MediaNotification{Kind: NotificationKind(parts[0]), Raw: text}
	switch n.Kind {
	case NotifyMediaStart:
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, ":", 2)
			if len(kv) != 2 {
				continue
			}
			switch kv[0] {
			case "channel":
				n.Channel = kv[1]
			case "optimal_frame_size":
				size, err := strconv.Atoi(kv[1])
				if err != nil {
					return nil, NewProtocolError("bad optimal_frame_size").
						AddDetail("value", kv[1])
				}
				n.OptimalFrameSize = size
			}
		}
	case NotifyStopBuffering, NotifyBufferingCompleted:
		if len(parts) > 1 {
			n.Tag = parts[1]
		}
	case NotifyMediaXOff, NotifyMediaXOn, NotifyStartBuffering, NotifyHangup:
	default:
		return nil, NewProtocolError("unknown media notification").
			AddDetail("notification", parts[0])
	}
	return n, nil
}

// String renders the notification back to its wire form.
func (n *MediaNotification) String() string {
	switch n.Kind {
	case NotifyMediaStart:
		s := string(NotifyMediaStart)
		if n.Channel != "" {
			s += " channel:" + n.Channel
		}
		if n.OptimalFrameSize > 0 {
			s += " optimal_frame_size:" + strconv.Itoa(n.OptimalFrameSize)
		}
		return s
	case NotifyStopBuffering, NotifyBufferingCompleted:
		if n.Tag != "" {
			return string(n.Kind) + " " + n.Tag
		}
		return string(n.Kind)
	default:
		return string(n.Kind)
	}
}
