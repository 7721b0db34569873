package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/PixelWeatherProject/pwmp-server/internal/db"
	"github.com/PixelWeatherProject/pwmp-server/internal/proto"
)

// -------------------------------------------------------------------------
// Session Phase
// -------------------------------------------------------------------------

// Phase is the authentication state of a session.
type Phase uint8

const (
	// PhaseUnauthenticated is the state between accept and a successful
	// handshake.
	PhaseUnauthenticated Phase = iota + 1

	// PhaseAuthenticated is the state after a successful handshake. A
	// session enters it exactly once; there is no reverse transition.
	PhaseAuthenticated
)

// String returns the human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseUnauthenticated:
		return "Unauthenticated"
	case PhaseAuthenticated:
		return "Authenticated"
	default:
		return fmt.Sprintf(unknownFmt, uint8(p))
	}
}

// UpdatePhase is the firmware update substate of an authenticated session.
type UpdatePhase uint8

const (
	// UpdateUnchecked means no update check has happened yet.
	UpdateUnchecked UpdatePhase = iota

	// UpdateUpToDate means the last check found no newer firmware.
	UpdateUpToDate

	// UpdateAvailable means a newer firmware was found and its image is
	// being streamed.
	UpdateAvailable
)

// String returns the human-readable name for the update phase.
func (p UpdatePhase) String() string {
	switch p {
	case UpdateUnchecked:
		return "Unchecked"
	case UpdateUpToDate:
		return "UpToDate"
	case UpdateAvailable:
		return "Available"
	default:
		return fmt.Sprintf(unknownFmt, uint8(p))
	}
}

// unknownFmt is the format string for unrecognized enum values.
const unknownFmt = "Unknown(%d)"

// updateState tracks one firmware update sequence. The blob is owned
// exclusively by the session; the cursor only advances.
type updateState struct {
	phase   UpdatePhase
	current proto.Version
	offered proto.Version
	blob    db.FirmwareBlob
	off     int
}

// -------------------------------------------------------------------------
// Session Configuration
// -------------------------------------------------------------------------

// initialSentID is the starting value of the response id chain. The first
// response a session sends carries initialSentID+1.
const initialSentID proto.MsgID = 1

// SessionConfig carries the per-session parameters taken from the server
// configuration.
type SessionConfig struct {
	// StallTime bounds every blocking read.
	StallTime time.Duration

	// RateWindow and MaxRequests parameterize the per-session request
	// limiter.
	RateWindow  time.Duration
	MaxRequests int
}

// Session is the per-connection protocol state machine. All state is
// owned by the session goroutine; nothing here is shared across tasks.
type Session struct {
	conn    net.Conn
	peer    string
	backend db.Backend
	logger  *slog.Logger
	metrics MetricsReporter

	stallTime time.Duration
	limiter   *RateLimiter
	recvBuf   []byte
	dupes     DupFilter

	// lastSentID is the response id chain: each response carries the
	// previous id plus one.
	lastSentID proto.MsgID

	phase      Phase
	nodeID     db.NodeID
	mac        proto.Mac
	lastSubmit *db.MeasurementID
	update     updateState
}

// NewSession binds a freshly accepted connection to a session.
func NewSession(conn net.Conn, backend db.Backend, cfg SessionConfig, logger *slog.Logger, metrics MetricsReporter) *Session {
	peer := "?"
	if addr := conn.RemoteAddr(); addr != nil {
		peer = addr.String()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}

	return &Session{
		conn:       conn,
		peer:       peer,
		backend:    backend,
		logger:     logger.With(slog.String("peer", peer)),
		metrics:    metrics,
		stallTime:  cfg.StallTime,
		limiter:    NewRateLimiter(cfg.RateWindow, cfg.MaxRequests),
		recvBuf:    make([]byte, proto.RecvBufferSize),
		lastSentID: initialSentID,
		phase:      PhaseUnauthenticated,
	}
}

// NodeID returns the authenticated node id.
func (s *Session) NodeID() (db.NodeID, error) {
	if s.phase != PhaseAuthenticated {
		return 0, ErrClientNotAuthenticated
	}
	return s.nodeID, nil
}

// debugID identifies the session in logs: the node id once authenticated,
// the peer address before that.
func (s *Session) debugID() string {
	if s.phase == PhaseAuthenticated {
		return fmt.Sprintf("#%d", s.nodeID)
	}
	return s.peer
}

// -------------------------------------------------------------------------
// Session Loop
// -------------------------------------------------------------------------

// Run drives the session to completion: handshake, authenticated
// request/response loop, shutdown. The connection is closed on return.
// Run returns nil on an orderly goodbye and the terminating error
// otherwise.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("failed to close client socket",
				slog.String("error", err.Error()),
			)
		}
	}()

	if err := s.handshake(ctx); err != nil {
		return err
	}

	s.logger.Debug("session authenticated",
		slog.Int("node", int(s.nodeID)),
		slog.String("mac", s.mac.String()),
	)

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("session cancelled: %w", err)
		}

		req, err := s.readRequest(ctx)
		if err != nil {
			return err
		}

		if s.limiter.Hit() {
			s.logger.Warn("kicking rate-limited client", slog.String("id", s.debugID()))
			s.metrics.SessionKicked("rate_limit")
			s.sendBestEffort(proto.Response{Kind: proto.ResponseRateLimitExceeded})
			return ErrTooManyRequests
		}

		if req.Kind == proto.RequestBye {
			s.logger.Debug("peer said goodbye")
			return nil
		}

		resp, err := s.dispatch(ctx, req)
		if err != nil {
			s.sendBestEffort(proto.Response{Kind: proto.ResponseInternalServerError})
			s.metrics.RequestHandled(req.Kind.String(), "error")
			return err
		}

		if err := s.send(resp); err != nil {
			return err
		}
		s.metrics.RequestHandled(req.Kind.String(), resp.Kind.String())
	}
}

// handshake performs the mandatory first exchange. Anything other than a
// Handshake request from a registered MAC is rejected.
func (s *Session) handshake(ctx context.Context) error {
	req, err := s.readRequest(ctx)
	if err != nil {
		return err
	}

	if req.Kind != proto.RequestHandshake {
		s.sendBestEffort(proto.Response{Kind: proto.ResponseReject})
		return fmt.Errorf("%w: got %s", ErrNotHandshake, req.Kind)
	}

	id, ok, err := s.backend.AuthorizeDevice(ctx, req.Mac)
	if err != nil {
		s.sendBestEffort(proto.Response{Kind: proto.ResponseInternalServerError})
		return fmt.Errorf("authorize %s: %w", req.Mac, err)
	}
	if !ok {
		s.logger.Warn("rejecting unknown device",
			slog.String("mac", req.Mac.String()),
		)
		s.sendBestEffort(proto.Response{Kind: proto.ResponseReject})
		return fmt.Errorf("%s: %w", req.Mac, ErrAuth)
	}

	// The one and only promotion.
	s.phase = PhaseAuthenticated
	s.nodeID = id
	s.mac = req.Mac

	return s.send(proto.OkResponse())
}

// readRequest reads one frame under the stall deadline and applies the
// message-level invariants: request kind and duplicate window. The rate
// budget is charged by the authenticated loop.
func (s *Session) readRequest(ctx context.Context) (proto.Request, error) {
	if err := ctx.Err(); err != nil {
		return proto.Request{}, fmt.Errorf("session cancelled: %w", err)
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(s.stallTime)); err != nil {
		return proto.Request{}, fmt.Errorf("arm stall deadline: %w", err)
	}

	msg, err := proto.ReadFrame(s.conn, s.recvBuf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			s.logger.Warn("kicking stalling client", slog.String("id", s.debugID()))
			s.metrics.SessionKicked("stall")
			s.sendBestEffort(proto.Response{Kind: proto.ResponseStalling})
			return proto.Request{}, ErrStallTimeExceeded
		}
		if errors.Is(err, proto.ErrMessageParse) {
			s.sendBestEffort(proto.Response{Kind: proto.ResponseInternalServerError})
		}
		return proto.Request{}, err
	}

	if msg.Request == nil {
		return proto.Request{}, ErrNotRequest
	}

	if !s.dupes.Observe(msg.ID) {
		s.metrics.SessionKicked("duplicate")
		return proto.Request{}, fmt.Errorf("id %d: %w", msg.ID, ErrDuplicateMessage)
	}

	return *msg.Request, nil
}

// send writes one response, advancing the id chain.
func (s *Session) send(resp proto.Response) error {
	s.lastSentID++
	if err := proto.WriteFrame(s.conn, proto.ResponseMessage(s.lastSentID, resp)); err != nil {
		return fmt.Errorf("send %s: %w", resp.Kind, err)
	}
	return nil
}

// sendBestEffort writes a farewell diagnostic during teardown. Send
// failures here are logged and otherwise ignored.
func (s *Session) sendBestEffort(resp proto.Response) {
	if err := s.send(resp); err != nil {
		s.logger.Warn("failed to send farewell response",
			slog.String("kind", resp.Kind.String()),
			slog.String("error", err.Error()),
		)
	}
}
