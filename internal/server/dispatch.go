package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/PixelWeatherProject/pwmp-server/internal/proto"
)

// dispatch maps one authenticated request to a backend call and produces
// exactly one response. Precondition violations are recovered locally
// with an InvalidRequest response; returned errors terminate the session.
func (s *Session) dispatch(ctx context.Context, req proto.Request) (proto.Response, error) {
	switch req.Kind {
	case proto.RequestPing:
		return proto.PongResponse(), nil

	case proto.RequestHandshake:
		// A second handshake is benign; warn and discard.
		s.logger.Warn("received duplicate handshake", slog.String("id", s.debugID()))
		return proto.Response{Kind: proto.ResponseInvalidRequest}, nil

	case proto.RequestPostResults:
		return s.handlePostResults(ctx, req)

	case proto.RequestPostStats:
		return s.handlePostStats(ctx, req)

	case proto.RequestSendNotification:
		if err := s.backend.CreateNotification(ctx, s.nodeID, req.Text); err != nil {
			return proto.Response{}, fmt.Errorf("create notification: %w", err)
		}
		return proto.OkResponse(), nil

	case proto.RequestGetSettings:
		settings, err := s.backend.GetSettings(ctx, s.nodeID)
		if err != nil {
			return proto.Response{}, fmt.Errorf("get settings: %w", err)
		}
		if settings == nil {
			s.logger.Warn("settings are undefined", slog.String("id", s.debugID()))
		}
		return proto.SettingsResponse(settings), nil

	case proto.RequestUpdateCheck:
		return s.handleUpdateCheck(ctx, req)

	case proto.RequestNextUpdateChunk:
		return s.handleNextUpdateChunk(ctx, req)

	case proto.RequestReportFirmwareUpdate:
		return s.handleReportFirmwareUpdate(ctx, req)

	default:
		s.logger.Error("unhandled request kind",
			slog.String("kind", req.Kind.String()),
		)
		return proto.Response{Kind: proto.ResponseInvalidRequest}, nil
	}
}

// handlePostResults stores one measurement. A session posts at most one
// measurement; any second post, whether or not stats were posted in
// between, is a precondition violation.
func (s *Session) handlePostResults(ctx context.Context, req proto.Request) (proto.Response, error) {
	if s.lastSubmit != nil {
		s.logger.Error("multiple measurement posts in one session",
			slog.String("id", s.debugID()),
		)
		return proto.Response{Kind: proto.ResponseInvalidRequest}, nil
	}

	s.logger.Debug("storing measurement",
		slog.String("id", s.debugID()),
		slog.Float64("temperature", float64(req.Temperature)),
		slog.Int("humidity", int(req.Humidity)),
	)

	id, err := s.backend.PostResults(ctx, s.nodeID, req.Temperature, req.Humidity, req.AirPressure)
	if err != nil {
		return proto.Response{}, fmt.Errorf("post results: %w", err)
	}

	s.lastSubmit = &id
	return proto.OkResponse(), nil
}

// handlePostStats attaches diagnostics to the measurement posted earlier
// in this session.
func (s *Session) handlePostStats(ctx context.Context, req proto.Request) (proto.Response, error) {
	if s.lastSubmit == nil {
		s.logger.Error("stats posted without a measurement",
			slog.String("id", s.debugID()),
		)
		return proto.Response{Kind: proto.ResponseInvalidRequest}, nil
	}

	if err := s.backend.PostStats(ctx, *s.lastSubmit, req.Battery, req.WifiSSID, req.WifiRSSI); err != nil {
		return proto.Response{}, fmt.Errorf("post stats: %w", err)
	}
	return proto.OkResponse(), nil
}

// handleUpdateCheck queries for newer firmware and arms the update cursor
// when one exists.
func (s *Session) handleUpdateCheck(ctx context.Context, req proto.Request) (proto.Response, error) {
	s.logger.Debug("update check",
		slog.String("id", s.debugID()),
		slog.String("version", req.Current.String()),
	)

	update, err := s.backend.CheckOSUpdate(ctx, s.nodeID, req.Current)
	if err != nil {
		return proto.Response{}, fmt.Errorf("check update: %w", err)
	}

	if update == nil {
		s.update = updateState{phase: UpdateUpToDate}
		return proto.Response{Kind: proto.ResponseFirmwareUpToDate}, nil
	}

	s.update = updateState{
		phase:   UpdateAvailable,
		current: req.Current,
		offered: update.Version,
		blob:    update.Blob,
	}
	return proto.UpdateAvailableResponse(update.Version), nil
}

// handleNextUpdateChunk copies at most the requested number of bytes from
// the firmware cursor. An exhausted cursor records the update attempt and
// ends the stream.
func (s *Session) handleNextUpdateChunk(ctx context.Context, req proto.Request) (proto.Response, error) {
	if s.update.phase != UpdateAvailable {
		s.logger.Error("chunk requested with no update available",
			slog.String("id", s.debugID()),
			slog.String("update_phase", s.update.phase.String()),
		)
		return proto.Response{Kind: proto.ResponseInvalidRequest}, nil
	}

	remaining := len(s.update.blob) - s.update.off
	if remaining == 0 {
		if _, err := s.backend.SendOSUpdateStat(ctx, s.nodeID, s.update.current, s.update.offered); err != nil {
			return proto.Response{}, fmt.Errorf("record update attempt: %w", err)
		}
		return proto.Response{Kind: proto.ResponseUpdateEnd}, nil
	}

	n := int(req.ChunkSize)
	if n > remaining {
		n = remaining
	}
	chunk := make([]byte, n)
	copy(chunk, s.update.blob[s.update.off:s.update.off+n])
	s.update.off += n

	return proto.UpdatePartResponse(chunk), nil
}

// handleReportFirmwareUpdate records the final outcome of an update on
// the node's most recent attempt.
func (s *Session) handleReportFirmwareUpdate(ctx context.Context, req proto.Request) (proto.Response, error) {
	if s.update.phase == UpdateUnchecked {
		s.logger.Error("update outcome reported before any update check",
			slog.String("id", s.debugID()),
		)
		return proto.Response{Kind: proto.ResponseInvalidRequest}, nil
	}

	if err := s.backend.MarkOSUpdateStat(ctx, s.nodeID, req.Success); err != nil {
		return proto.Response{}, fmt.Errorf("mark update stat: %w", err)
	}
	return proto.OkResponse(), nil
}
