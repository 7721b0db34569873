package proto_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/PixelWeatherProject/pwmp-server/internal/proto"
)

func u16ptr(v uint16) *uint16 { return &v }

// TestMessageRoundTrip verifies serialize-then-parse is the identity for
// every request and response variant.
func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	mac, err := proto.ParseMac("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("ParseMac: %v", err)
	}

	tests := []struct {
		name string
		msg  proto.Message
	}{
		{
			name: "Handshake",
			msg:  proto.RequestMessage(17, proto.Request{Kind: proto.RequestHandshake, Mac: mac}),
		},
		{
			name: "Ping",
			msg:  proto.RequestMessage(1, proto.Request{Kind: proto.RequestPing}),
		},
		{
			name: "GetSettings",
			msg:  proto.RequestMessage(2, proto.Request{Kind: proto.RequestGetSettings}),
		},
		{
			name: "PostResults with air pressure",
			msg: proto.RequestMessage(3, proto.Request{
				Kind:        proto.RequestPostResults,
				Temperature: 21.5,
				Humidity:    47,
				AirPressure: u16ptr(1013),
			}),
		},
		{
			name: "PostResults without air pressure",
			msg: proto.RequestMessage(4, proto.Request{
				Kind:        proto.RequestPostResults,
				Temperature: -7.25,
				Humidity:    99,
			}),
		},
		{
			name: "PostStats",
			msg: proto.RequestMessage(5, proto.Request{
				Kind:     proto.RequestPostStats,
				Battery:  3.70,
				WifiSSID: "home",
				WifiRSSI: -63,
			}),
		},
		{
			name: "SendNotification",
			msg: proto.RequestMessage(6, proto.Request{
				Kind: proto.RequestSendNotification,
				Text: "battery low",
			}),
		},
		{
			name: "UpdateCheck",
			msg: proto.RequestMessage(7, proto.Request{
				Kind:    proto.RequestUpdateCheck,
				Current: proto.Version{Major: 1, Middle: 2, Minor: 3},
			}),
		},
		{
			name: "NextUpdateChunk",
			msg:  proto.RequestMessage(8, proto.Request{Kind: proto.RequestNextUpdateChunk, ChunkSize: 8192}),
		},
		{
			name: "ReportFirmwareUpdate success",
			msg:  proto.RequestMessage(9, proto.Request{Kind: proto.RequestReportFirmwareUpdate, Success: true}),
		},
		{
			name: "Bye",
			msg:  proto.RequestMessage(10, proto.Request{Kind: proto.RequestBye}),
		},
		{
			name: "Ok",
			msg:  proto.ResponseMessage(11, proto.OkResponse()),
		},
		{
			name: "Reject",
			msg:  proto.ResponseMessage(12, proto.RejectResponse()),
		},
		{
			name: "Pong",
			msg:  proto.ResponseMessage(13, proto.PongResponse()),
		},
		{
			name: "Settings present",
			msg: proto.ResponseMessage(14, proto.SettingsResponse(&proto.NodeSettings{
				BatteryIgnore:     true,
				OTA:               true,
				SleepTime:         300,
				SBOP:              false,
				MuteNotifications: true,
			})),
		},
		{
			name: "Settings absent",
			msg:  proto.ResponseMessage(15, proto.SettingsResponse(nil)),
		},
		{
			name: "UpdateAvailable",
			msg:  proto.ResponseMessage(16, proto.UpdateAvailableResponse(proto.Version{Major: 1, Middle: 2, Minor: 3})),
		},
		{
			name: "FirmwareUpToDate",
			msg:  proto.ResponseMessage(17, proto.Response{Kind: proto.ResponseFirmwareUpToDate}),
		},
		{
			name: "UpdatePart",
			msg:  proto.ResponseMessage(18, proto.UpdatePartResponse([]byte{0xDE, 0xAD, 0xBE, 0xEF})),
		},
		{
			name: "UpdateEnd",
			msg:  proto.ResponseMessage(19, proto.Response{Kind: proto.ResponseUpdateEnd}),
		},
		{
			name: "Stalling",
			msg:  proto.ResponseMessage(20, proto.Response{Kind: proto.ResponseStalling}),
		},
		{
			name: "RateLimitExceeded",
			msg:  proto.ResponseMessage(21, proto.Response{Kind: proto.ResponseRateLimitExceeded}),
		},
		{
			name: "InvalidRequest",
			msg:  proto.ResponseMessage(22, proto.Response{Kind: proto.ResponseInvalidRequest}),
		},
		{
			name: "InternalServerError",
			msg:  proto.ResponseMessage(23, proto.Response{Kind: proto.ResponseInternalServerError}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			payload, err := proto.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}

			got, err := proto.Unmarshal(payload)
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}

			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, tt.msg)
			}
		})
	}
}

// TestUnmarshalRejectsMalformed verifies malformed payloads fail with
// ErrMessageParse rather than yielding a message.
func TestUnmarshalRejectsMalformed(t *testing.T) {
	t.Parallel()

	ping, err := proto.Marshal(proto.RequestMessage(1, proto.Request{Kind: proto.RequestPing}))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "short header", data: []byte{0x01, 0x00, 0x00}},
		{name: "unknown message kind", data: append([]byte{0x7F}, ping[1:]...)},
		{name: "unknown request tag", data: replaceTag(ping, 0xEE)},
		{name: "trailing bytes", data: append(append([]byte(nil), ping...), 0x00)},
		{name: "truncated handshake", data: truncatedHandshake(t)},
		{name: "bad boolean", data: badBoolReport(t)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := proto.Unmarshal(tt.data); !errors.Is(err, proto.ErrMessageParse) {
				t.Errorf("Unmarshal(%x) err = %v, want ErrMessageParse", tt.data, err)
			}
		})
	}
}

func replaceTag(payload []byte, tag byte) []byte {
	out := append([]byte(nil), payload...)
	out[9] = tag
	return out
}

func truncatedHandshake(t *testing.T) []byte {
	t.Helper()
	payload, err := proto.Marshal(proto.RequestMessage(1, proto.Request{Kind: proto.RequestHandshake}))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return payload[:len(payload)-2]
}

func badBoolReport(t *testing.T) []byte {
	t.Helper()
	payload, err := proto.Marshal(proto.RequestMessage(1, proto.Request{Kind: proto.RequestReportFirmwareUpdate}))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out := append([]byte(nil), payload...)
	out[len(out)-1] = 0x02
	return out
}
