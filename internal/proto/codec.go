package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// -------------------------------------------------------------------------
// Payload Layout
// -------------------------------------------------------------------------

// Every payload starts with a fixed header:
//
//	byte 0      message kind: 0x01 Request, 0x02 Response
//	bytes 1-8   message id (u64, big-endian)
//	byte 9      variant tag
//	bytes 10+   variant fields
//
// All multi-byte integers are big-endian. Optional fields are encoded as a
// presence byte (0x00 absent, 0x01 present) followed by the value.
// Deployed node firmware depends on this exact layout.

const (
	msgKindRequest  = 0x01
	msgKindResponse = 0x02

	// headerSize is the fixed payload header: kind + id + variant tag.
	headerSize = 10

	// maxSSIDLen bounds the PostStats SSID field (u8 length prefix).
	maxSSIDLen = math.MaxUint8

	// maxNotificationLen bounds the SendNotification body (u16 length
	// prefix).
	maxNotificationLen = math.MaxUint16
)

// Sentinel codec errors.
var (
	// ErrMessageParse indicates a malformed payload.
	ErrMessageParse = errors.New("failed to parse message")

	// ErrFieldTooLong indicates a variable-length field exceeding its
	// length-prefix range.
	ErrFieldTooLong = errors.New("field exceeds encodable length")
)

// -------------------------------------------------------------------------
// Marshal
// -------------------------------------------------------------------------

// Marshal serializes a Message into its wire payload.
func Marshal(msg Message) ([]byte, error) {
	switch {
	case msg.Request != nil:
		return marshalRequest(msg.ID, msg.Request)
	case msg.Response != nil:
		return marshalResponse(msg.ID, msg.Response)
	default:
		return nil, fmt.Errorf("%w: message has neither request nor response", ErrMessageParse)
	}
}

// header appends the fixed payload header to buf.
func header(buf []byte, kind uint8, id MsgID, tag uint8) []byte {
	buf = append(buf, kind)
	buf = binary.BigEndian.AppendUint64(buf, uint64(id))
	return append(buf, tag)
}

func marshalRequest(id MsgID, req *Request) ([]byte, error) {
	buf := header(make([]byte, 0, headerSize+16), msgKindRequest, id, uint8(req.Kind))

	switch req.Kind {
	case RequestHandshake:
		buf = append(buf, req.Mac[:]...)

	case RequestPing, RequestGetSettings, RequestBye:
		// No fields.

	case RequestPostResults:
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(req.Temperature))
		buf = append(buf, req.Humidity)
		buf = appendOptionalUint16(buf, req.AirPressure)

	case RequestPostStats:
		if len(req.WifiSSID) > maxSSIDLen {
			return nil, fmt.Errorf("%w: ssid %d bytes", ErrFieldTooLong, len(req.WifiSSID))
		}
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(req.Battery))
		buf = append(buf, uint8(len(req.WifiSSID)))
		buf = append(buf, req.WifiSSID...)
		buf = append(buf, uint8(req.WifiRSSI))

	case RequestSendNotification:
		if len(req.Text) > maxNotificationLen {
			return nil, fmt.Errorf("%w: notification %d bytes", ErrFieldTooLong, len(req.Text))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(req.Text)))
		buf = append(buf, req.Text...)

	case RequestUpdateCheck:
		buf = append(buf, req.Current.Major, req.Current.Middle, req.Current.Minor)

	case RequestNextUpdateChunk:
		buf = binary.BigEndian.AppendUint32(buf, req.ChunkSize)

	case RequestReportFirmwareUpdate:
		buf = appendBool(buf, req.Success)

	default:
		return nil, fmt.Errorf("%w: unknown request kind %d", ErrMessageParse, req.Kind)
	}

	return buf, nil
}

func marshalResponse(id MsgID, resp *Response) ([]byte, error) {
	buf := header(make([]byte, 0, headerSize+len(resp.Chunk)+8), msgKindResponse, id, uint8(resp.Kind))

	switch resp.Kind {
	case ResponseOk, ResponseReject, ResponsePong, ResponseFirmwareUpToDate,
		ResponseUpdateEnd, ResponseStalling, ResponseRateLimitExceeded,
		ResponseInvalidRequest, ResponseInternalServerError:
		// No fields.

	case ResponseSettings:
		if resp.Settings == nil {
			buf = append(buf, 0x00)
			break
		}
		buf = append(buf, 0x01)
		buf = appendBool(buf, resp.Settings.BatteryIgnore)
		buf = appendBool(buf, resp.Settings.OTA)
		buf = binary.BigEndian.AppendUint16(buf, resp.Settings.SleepTime)
		buf = appendBool(buf, resp.Settings.SBOP)
		buf = appendBool(buf, resp.Settings.MuteNotifications)

	case ResponseUpdateAvailable:
		buf = append(buf, resp.Version.Major, resp.Version.Middle, resp.Version.Minor)

	case ResponseUpdatePart:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(resp.Chunk)))
		buf = append(buf, resp.Chunk...)

	default:
		return nil, fmt.Errorf("%w: unknown response kind %d", ErrMessageParse, resp.Kind)
	}

	return buf, nil
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 0x01)
	}
	return append(buf, 0x00)
}

func appendOptionalUint16(buf []byte, v *uint16) []byte {
	if v == nil {
		return append(buf, 0x00)
	}
	buf = append(buf, 0x01)
	return binary.BigEndian.AppendUint16(buf, *v)
}

// -------------------------------------------------------------------------
// Unmarshal
// -------------------------------------------------------------------------

// Unmarshal parses a wire payload into a Message. Unknown tags, short
// fields, malformed booleans, and trailing bytes all fail with
// ErrMessageParse.
func Unmarshal(data []byte) (Message, error) {
	if len(data) < headerSize {
		return Message{}, fmt.Errorf("%w: payload %d bytes, want >= %d", ErrMessageParse, len(data), headerSize)
	}

	kind := data[0]
	id := MsgID(binary.BigEndian.Uint64(data[1:9]))
	tag := data[9]
	r := reader{buf: data[headerSize:]}

	var msg Message
	var err error
	switch kind {
	case msgKindRequest:
		var req Request
		req, err = unmarshalRequest(RequestKind(tag), &r)
		msg = Message{ID: id, Request: &req}
	case msgKindResponse:
		var resp Response
		resp, err = unmarshalResponse(ResponseKind(tag), &r)
		msg = Message{ID: id, Response: &resp}
	default:
		return Message{}, fmt.Errorf("%w: unknown message kind 0x%02x", ErrMessageParse, kind)
	}
	if err != nil {
		return Message{}, err
	}

	if r.remaining() != 0 {
		return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrMessageParse, r.remaining())
	}

	return msg, nil
}

func unmarshalRequest(kind RequestKind, r *reader) (Request, error) {
	req := Request{Kind: kind}

	switch kind {
	case RequestHandshake:
		mac, err := r.bytes(MacSize)
		if err != nil {
			return Request{}, err
		}
		copy(req.Mac[:], mac)

	case RequestPing, RequestGetSettings, RequestBye:
		// No fields.

	case RequestPostResults:
		bits, err := r.uint32()
		if err != nil {
			return Request{}, err
		}
		req.Temperature = math.Float32frombits(bits)
		if req.Humidity, err = r.uint8(); err != nil {
			return Request{}, err
		}
		if req.AirPressure, err = r.optionalUint16(); err != nil {
			return Request{}, err
		}

	case RequestPostStats:
		bits, err := r.uint32()
		if err != nil {
			return Request{}, err
		}
		req.Battery = math.Float32frombits(bits)
		ssidLen, err := r.uint8()
		if err != nil {
			return Request{}, err
		}
		ssid, err := r.bytes(int(ssidLen))
		if err != nil {
			return Request{}, err
		}
		req.WifiSSID = string(ssid)
		rssi, err := r.uint8()
		if err != nil {
			return Request{}, err
		}
		req.WifiRSSI = int8(rssi)

	case RequestSendNotification:
		textLen, err := r.uint16()
		if err != nil {
			return Request{}, err
		}
		text, err := r.bytes(int(textLen))
		if err != nil {
			return Request{}, err
		}
		if !utf8.Valid(text) {
			return Request{}, fmt.Errorf("%w: notification is not valid UTF-8", ErrMessageParse)
		}
		req.Text = string(text)

	case RequestUpdateCheck:
		v, err := r.version()
		if err != nil {
			return Request{}, err
		}
		req.Current = v

	case RequestNextUpdateChunk:
		var err error
		if req.ChunkSize, err = r.uint32(); err != nil {
			return Request{}, err
		}

	case RequestReportFirmwareUpdate:
		var err error
		if req.Success, err = r.bool(); err != nil {
			return Request{}, err
		}

	default:
		return Request{}, fmt.Errorf("%w: unknown request tag 0x%02x", ErrMessageParse, uint8(kind))
	}

	return req, nil
}

func unmarshalResponse(kind ResponseKind, r *reader) (Response, error) {
	resp := Response{Kind: kind}

	switch kind {
	case ResponseOk, ResponseReject, ResponsePong, ResponseFirmwareUpToDate,
		ResponseUpdateEnd, ResponseStalling, ResponseRateLimitExceeded,
		ResponseInvalidRequest, ResponseInternalServerError:
		// No fields.

	case ResponseSettings:
		present, err := r.bool()
		if err != nil {
			return Response{}, err
		}
		if !present {
			break
		}
		var s NodeSettings
		if s.BatteryIgnore, err = r.bool(); err != nil {
			return Response{}, err
		}
		if s.OTA, err = r.bool(); err != nil {
			return Response{}, err
		}
		if s.SleepTime, err = r.uint16(); err != nil {
			return Response{}, err
		}
		if s.SBOP, err = r.bool(); err != nil {
			return Response{}, err
		}
		if s.MuteNotifications, err = r.bool(); err != nil {
			return Response{}, err
		}
		resp.Settings = &s

	case ResponseUpdateAvailable:
		v, err := r.version()
		if err != nil {
			return Response{}, err
		}
		resp.Version = v

	case ResponseUpdatePart:
		chunkLen, err := r.uint32()
		if err != nil {
			return Response{}, err
		}
		chunk, err := r.bytes(int(chunkLen))
		if err != nil {
			return Response{}, err
		}
		resp.Chunk = append([]byte(nil), chunk...)

	default:
		return Response{}, fmt.Errorf("%w: unknown response tag 0x%02x", ErrMessageParse, uint8(kind))
	}

	return resp, nil
}

// -------------------------------------------------------------------------
// Field Reader
// -------------------------------------------------------------------------

// reader is a bounds-checked cursor over a payload's variant fields.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrMessageParse, n, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint8() (uint8, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) bool() (bool, error) {
	b, err := r.uint8()
	if err != nil {
		return false, err
	}
	switch b {
	case 0x00:
		return false, nil
	case 0x01:
		return true, nil
	default:
		return false, fmt.Errorf("%w: invalid boolean 0x%02x", ErrMessageParse, b)
	}
}

func (r *reader) optionalUint16() (*uint16, error) {
	present, err := r.bool()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	v, err := r.uint16()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *reader) version() (Version, error) {
	b, err := r.bytes(3)
	if err != nil {
		return Version{}, err
	}
	for _, c := range b {
		if c > VersionComponentMax {
			return Version{}, fmt.Errorf("%w: version component %d out of range", ErrMessageParse, c)
		}
	}
	return Version{Major: b[0], Middle: b[1], Minor: b[2]}, nil
}
