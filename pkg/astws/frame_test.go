package astws

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 160)
	in := &MediaFrame{Seq: 4242, Timestamp: 678800, Payload: payload}

	data, err := MarshalFrame(in, 0xDEADBEEF)
	require.NoError(t, err)

	out, err := UnmarshalFrame(data)
	require.NoError(t, err)
	assert.Equal(t, in.Seq, out.Seq)
	assert.Equal(t, in.Timestamp, out.Timestamp)
	assert.Equal(t, payload, out.Payload)
	assert.Nil(t, out.Anomaly)
}

func TestUnmarshalFrameRejectsGarbage(t *testing.T) {
	_, err := UnmarshalFrame([]byte{0x01})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeProtocol))
}

func TestParseMediaNotification(t *testing.T) {
	tests := []struct {
		name string
		text string
		want MediaNotification
	}{
		{
			name: "media start with parameters",
			text: "MEDIA_START channel:UnitTest/test-0000001 optimal_frame_size:160",
			want: MediaNotification{
				Kind:             NotifyMediaStart,
				Channel:          "UnitTest/test-0000001",
				OptimalFrameSize: 160,
			},
		},
		{
			name: "media start bare",
			text: "MEDIA_START",
			want: MediaNotification{Kind: NotifyMediaStart},
		},
		{
			name: "xoff",
			text: "MEDIA_XOFF",
			want: MediaNotification{Kind: NotifyMediaXOff},
		},
		{
			name: "xon",
			text: "MEDIA_XON",
			want: MediaNotification{Kind: NotifyMediaXOn},
		},
		{
			name: "start buffering",
			text: "START_MEDIA_BUFFERING",
			want: MediaNotification{Kind: NotifyStartBuffering},
		},
		{
			name: "stop buffering with tag",
			text: "STOP_MEDIA_BUFFERING test.ulaw",
			want: MediaNotification{Kind: NotifyStopBuffering, Tag: "test.ulaw"},
		},
		{
			name: "buffering completed with tag",
			text: "MEDIA_BUFFERING_COMPLETED zombies.ulaw",
			want: MediaNotification{Kind: NotifyBufferingCompleted, Tag: "zombies.ulaw"},
		},
		{
			name: "buffering completed bare",
			text: "MEDIA_BUFFERING_COMPLETED",
			want: MediaNotification{Kind: NotifyBufferingCompleted},
		},
		{
			name: "hangup",
			text: "HANGUP",
			want: MediaNotification{Kind: NotifyHangup},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := ParseMediaNotification(tt.text)
			require.NoError(t, err)
			tt.want.Raw = tt.text
			assert.Equal(t, &tt.want, n)
		})
	}
}

func TestParseMediaNotificationErrors(t *testing.T) {
	for _, text := range []string{"", "   ", "NOT_A_NOTIFICATION", "MEDIA_START optimal_frame_size:nope"} {
		_, err := ParseMediaNotification(text)
		require.Error(t, err, "input %q", text)
		assert.True(t, IsErrorCode(err, ErrCodeProtocol))
	}
}

func TestMediaNotificationString(t *testing.T) {
	n := &MediaNotification{Kind: NotifyMediaStart, Channel: "UnitTest/x-01", OptimalFrameSize: 160}
	assert.Equal(t, "MEDIA_START channel:UnitTest/x-01 optimal_frame_size:160", n.String())

	n = &MediaNotification{Kind: NotifyStopBuffering, Tag: "clip.ulaw"}
	assert.Equal(t, "STOP_MEDIA_BUFFERING clip.ulaw", n.String())

	n = &MediaNotification{Kind: NotifyHangup}
	assert.Equal(t, "HANGUP", n.String())
}
