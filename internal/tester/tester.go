// Package tester implements the self-test client: it connects to a
// running PWMP server as if it were a node and exercises the full request
// grammar.
package tester

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/PixelWeatherProject/pwmp-server/internal/proto"
	"github.com/PixelWeatherProject/pwmp-server/internal/server"
)

// DefaultPort is the well-known PWMP port used when none is given.
const DefaultPort = 55300

// ioTimeout bounds every exchange with the server under test.
const ioTimeout = 10 * time.Second

// testChunkSize is the firmware chunk size requested during the OTA probe.
const testChunkSize = 4096

// Run connects to host:port, authenticates with rawMac, and walks the
// protocol end to end. Returns the first failure.
func Run(host string, port uint16, rawMac string, logger *slog.Logger) error {
	mac, err := proto.ParseMac(rawMac)
	if err != nil {
		return fmt.Errorf("parse MAC: %w", err)
	}
	if port == 0 {
		port = DefaultPort
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, ioTimeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close test connection",
				slog.String("error", closeErr.Error()),
			)
		}
	}()
	logger.Info("client connected successfully")

	c := &client{conn: conn, logger: logger}

	logger.Info("performing handshake")
	if _, err := c.exchange(proto.Request{Kind: proto.RequestHandshake, Mac: mac}, proto.ResponseOk); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	logger.Debug("pinging")
	if _, err := c.exchange(proto.Request{Kind: proto.RequestPing}, proto.ResponsePong); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	logger.Debug("requesting settings")
	if _, err := c.exchange(proto.Request{Kind: proto.RequestGetSettings}, proto.ResponseSettings); err != nil {
		return fmt.Errorf("get settings: %w", err)
	}

	logger.Debug("testing measurement posting")
	if _, err := c.exchange(proto.Request{
		Kind:        proto.RequestPostResults,
		Temperature: 0,
		Humidity:    0,
	}, proto.ResponseOk); err != nil {
		return fmt.Errorf("post results: %w", err)
	}

	logger.Debug("testing stats posting")
	if _, err := c.exchange(proto.Request{
		Kind:     proto.RequestPostStats,
		Battery:  3.70,
		WifiSSID: "<PWMP Test>",
		WifiRSSI: -50,
	}, proto.ResponseOk); err != nil {
		return fmt.Errorf("post stats: %w", err)
	}

	logger.Debug("testing OTA API")
	if err := c.probeUpdate(); err != nil {
		return fmt.Errorf("OTA probe: %w", err)
	}

	logger.Debug("testing notification posting")
	if _, err := c.exchange(proto.Request{
		Kind: proto.RequestSendNotification,
		Text: "Example notification",
	}, proto.ResponseOk); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}

	if err := c.send(proto.Request{Kind: proto.RequestBye}); err != nil {
		return fmt.Errorf("goodbye: %w", err)
	}

	logger.Info("test passed", slog.Duration("elapsed", time.Since(start)))
	return nil
}

// client is one test connection with its receive buffer.
type client struct {
	conn   net.Conn
	logger *slog.Logger
	buf    [proto.RecvBufferSize]byte
}

// probeUpdate checks for an update; when one is offered it pulls a chunk
// and reports a failed install so the server's records stay truthful.
func (c *client) probeUpdate() error {
	resp, err := c.exchangeAny(proto.Request{Kind: proto.RequestUpdateCheck})
	if err != nil {
		return err
	}

	switch resp.Kind {
	case proto.ResponseFirmwareUpToDate:
		return nil

	case proto.ResponseUpdateAvailable:
		c.logger.Debug("testing update chunk request",
			slog.String("offered", resp.Version.String()),
		)
		chunk, err := c.exchangeAny(proto.Request{
			Kind:      proto.RequestNextUpdateChunk,
			ChunkSize: testChunkSize,
		})
		if err != nil {
			return err
		}
		if chunk.Kind != proto.ResponseUpdatePart && chunk.Kind != proto.ResponseUpdateEnd {
			return fmt.Errorf("unexpected chunk response %s", chunk.Kind)
		}

		c.logger.Debug("testing firmware report")
		if _, err := c.exchange(proto.Request{
			Kind: proto.RequestReportFirmwareUpdate,
		}, proto.ResponseOk); err != nil {
			return err
		}
		return nil

	default:
		return fmt.Errorf("unexpected update check response %s", resp.Kind)
	}
}

// exchange sends one request and requires a response of the given kind.
func (c *client) exchange(req proto.Request, want proto.ResponseKind) (proto.Response, error) {
	resp, err := c.exchangeAny(req)
	if err != nil {
		return proto.Response{}, err
	}
	if resp.Kind != want {
		return proto.Response{}, fmt.Errorf("%s: got %s, want %s", req.Kind, resp.Kind, want)
	}
	return resp, nil
}

// exchangeAny sends one request and returns whatever response arrives.
func (c *client) exchangeAny(req proto.Request) (proto.Response, error) {
	if err := c.send(req); err != nil {
		return proto.Response{}, err
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
		return proto.Response{}, fmt.Errorf("arm read deadline: %w", err)
	}
	msg, err := proto.ReadFrame(c.conn, c.buf[:])
	if err != nil {
		return proto.Response{}, fmt.Errorf("read response: %w", err)
	}
	if msg.Response == nil {
		return proto.Response{}, fmt.Errorf("expected a response to %s", req.Kind)
	}
	return *msg.Response, nil
}

// send writes one request with a fresh unpredictable message id.
func (c *client) send(req proto.Request) error {
	id, err := server.MsgIDs().Next()
	if err != nil {
		return fmt.Errorf("mint message id: %w", err)
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
		return fmt.Errorf("arm write deadline: %w", err)
	}
	if err := proto.WriteFrame(c.conn, proto.RequestMessage(id, req)); err != nil {
		return fmt.Errorf("send %s: %w", req.Kind, err)
	}
	return nil
}
