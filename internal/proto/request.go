package proto

import "fmt"

// -------------------------------------------------------------------------
// Request Kinds — wire tags
// -------------------------------------------------------------------------

// RequestKind is the request variant tag as carried on the wire.
type RequestKind uint8

const (
	// RequestHandshake is the mandatory first request of a session and
	// carries the node's MAC address.
	RequestHandshake RequestKind = 0x01

	// RequestPing probes server liveness.
	RequestPing RequestKind = 0x02

	// RequestGetSettings fetches the node's settings.
	RequestGetSettings RequestKind = 0x03

	// RequestPostResults submits an environment measurement.
	RequestPostResults RequestKind = 0x04

	// RequestPostStats submits node diagnostics for the last measurement.
	RequestPostStats RequestKind = 0x05

	// RequestSendNotification emits a node notification.
	RequestSendNotification RequestKind = 0x06

	// RequestUpdateCheck asks whether newer firmware is available.
	RequestUpdateCheck RequestKind = 0x07

	// RequestNextUpdateChunk requests the next firmware chunk.
	RequestNextUpdateChunk RequestKind = 0x08

	// RequestReportFirmwareUpdate reports the outcome of a completed
	// firmware update.
	RequestReportFirmwareUpdate RequestKind = 0x09

	// RequestBye terminates the session.
	RequestBye RequestKind = 0x0A
)

// requestKindNames maps request tags to human-readable strings.
var requestKindNames = map[RequestKind]string{
	RequestHandshake:            "Handshake",
	RequestPing:                 "Ping",
	RequestGetSettings:          "GetSettings",
	RequestPostResults:          "PostResults",
	RequestPostStats:            "PostStats",
	RequestSendNotification:     "SendNotification",
	RequestUpdateCheck:          "UpdateCheck",
	RequestNextUpdateChunk:      "NextUpdateChunk",
	RequestReportFirmwareUpdate: "ReportFirmwareUpdate",
	RequestBye:                  "Bye",
}

// String returns the human-readable name for the request kind.
func (k RequestKind) String() string {
	if name, ok := requestKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf(unknownFmt, uint8(k))
}

// -------------------------------------------------------------------------
// Request
// -------------------------------------------------------------------------

// Request is a node-originated message. Kind selects the variant; only the
// fields belonging to that variant are meaningful.
type Request struct {
	Kind RequestKind

	// Mac is the node identity (Handshake).
	Mac Mac

	// Temperature, Humidity and AirPressure are the measurement values
	// (PostResults). AirPressure is optional.
	Temperature float32
	Humidity    uint8
	AirPressure *uint16

	// Battery, WifiSSID and WifiRSSI are the node diagnostics (PostStats).
	Battery  float32
	WifiSSID string
	WifiRSSI int8

	// Text is the notification body (SendNotification).
	Text string

	// Current is the node's running firmware version (UpdateCheck).
	Current Version

	// ChunkSize is the requested chunk length in bytes (NextUpdateChunk).
	ChunkSize uint32

	// Success is the reported update outcome (ReportFirmwareUpdate).
	Success bool
}

// -------------------------------------------------------------------------
// Response Kinds — wire tags
// -------------------------------------------------------------------------

// ResponseKind is the response variant tag as carried on the wire.
type ResponseKind uint8

const (
	// ResponseOk acknowledges a successful request.
	ResponseOk ResponseKind = 0x01

	// ResponseReject refuses an unauthenticated or unknown peer.
	ResponseReject ResponseKind = 0x02

	// ResponsePong answers a Ping.
	ResponsePong ResponseKind = 0x03

	// ResponseSettings carries the node's settings, which may be absent.
	ResponseSettings ResponseKind = 0x04

	// ResponseUpdateAvailable announces a newer firmware version.
	ResponseUpdateAvailable ResponseKind = 0x05

	// ResponseFirmwareUpToDate reports no newer firmware exists.
	ResponseFirmwareUpToDate ResponseKind = 0x06

	// ResponseUpdatePart carries one firmware chunk.
	ResponseUpdatePart ResponseKind = 0x07

	// ResponseUpdateEnd signals the end of the firmware stream.
	ResponseUpdateEnd ResponseKind = 0x08

	// ResponseStalling notifies the peer it exceeded the idle budget.
	ResponseStalling ResponseKind = 0x09

	// ResponseRateLimitExceeded notifies the peer it exceeded the request
	// rate budget.
	ResponseRateLimitExceeded ResponseKind = 0x0A

	// ResponseInvalidRequest reports a request precondition violation.
	ResponseInvalidRequest ResponseKind = 0x0B

	// ResponseInternalServerError reports a server-side failure.
	ResponseInternalServerError ResponseKind = 0x0C
)

// responseKindNames maps response tags to human-readable strings.
var responseKindNames = map[ResponseKind]string{
	ResponseOk:                  "Ok",
	ResponseReject:              "Reject",
	ResponsePong:                "Pong",
	ResponseSettings:            "Settings",
	ResponseUpdateAvailable:     "UpdateAvailable",
	ResponseFirmwareUpToDate:    "FirmwareUpToDate",
	ResponseUpdatePart:          "UpdatePart",
	ResponseUpdateEnd:           "UpdateEnd",
	ResponseStalling:            "Stalling",
	ResponseRateLimitExceeded:   "RateLimitExceeded",
	ResponseInvalidRequest:      "InvalidRequest",
	ResponseInternalServerError: "InternalServerError",
}

// String returns the human-readable name for the response kind.
func (k ResponseKind) String() string {
	if name, ok := responseKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf(unknownFmt, uint8(k))
}

// -------------------------------------------------------------------------
// Response
// -------------------------------------------------------------------------

// Response is a server-originated message. Kind selects the variant; only
// the fields belonging to that variant are meaningful.
type Response struct {
	Kind ResponseKind

	// Settings carries the node settings (Settings); nil when the node
	// has none configured.
	Settings *NodeSettings

	// Version is the offered firmware version (UpdateAvailable).
	Version Version

	// Chunk is one firmware chunk (UpdatePart).
	Chunk []byte
}

// OkResponse returns an Ok response.
func OkResponse() Response { return Response{Kind: ResponseOk} }

// RejectResponse returns a Reject response.
func RejectResponse() Response { return Response{Kind: ResponseReject} }

// PongResponse returns a Pong response.
func PongResponse() Response { return Response{Kind: ResponsePong} }

// SettingsResponse returns a Settings response; settings may be nil.
func SettingsResponse(settings *NodeSettings) Response {
	return Response{Kind: ResponseSettings, Settings: settings}
}

// UpdateAvailableResponse announces the given firmware version.
func UpdateAvailableResponse(v Version) Response {
	return Response{Kind: ResponseUpdateAvailable, Version: v}
}

// UpdatePartResponse carries one firmware chunk.
func UpdatePartResponse(chunk []byte) Response {
	return Response{Kind: ResponseUpdatePart, Chunk: chunk}
}
