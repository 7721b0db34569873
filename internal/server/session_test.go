package server_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/PixelWeatherProject/pwmp-server/internal/db"
	"github.com/PixelWeatherProject/pwmp-server/internal/proto"
	"github.com/PixelWeatherProject/pwmp-server/internal/server"
)

// -------------------------------------------------------------------------
// Fake Backend
// -------------------------------------------------------------------------

type measurementRec struct {
	node        db.NodeID
	temperature float32
	humidity    uint8
	airPressure *uint16
}

type statRec struct {
	measurement db.MeasurementID
	battery     float32
	wifiSSID    string
	wifiRSSI    int8
}

type updateStatRec struct {
	node   db.NodeID
	oldVer proto.Version
	newVer proto.Version
}

// fakeBackend records every mutation and serves canned lookups.
type fakeBackend struct {
	mu sync.Mutex

	nodes    map[string]db.NodeID
	settings map[db.NodeID]*proto.NodeSettings
	firmware *db.FirmwareUpdate

	measurements  []measurementRec
	stats         []statRec
	notifications []string
	updateStats   []updateStatRec
	marks         []bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nodes:    make(map[string]db.NodeID),
		settings: make(map[db.NodeID]*proto.NodeSettings),
	}
}

func (f *fakeBackend) AuthorizeDevice(_ context.Context, mac proto.Mac) (db.NodeID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.nodes[mac.String()]
	return id, ok, nil
}

func (f *fakeBackend) GetSettings(_ context.Context, node db.NodeID) (*proto.NodeSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings[node], nil
}

func (f *fakeBackend) PostResults(_ context.Context, node db.NodeID, temperature float32, humidity uint8, airPressure *uint16) (db.MeasurementID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.measurements = append(f.measurements, measurementRec{node, temperature, humidity, airPressure})
	return db.MeasurementID(len(f.measurements)), nil
}

func (f *fakeBackend) PostStats(_ context.Context, measurement db.MeasurementID, battery float32, wifiSSID string, wifiRSSI int8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, statRec{measurement, battery, wifiSSID, wifiRSSI})
	return nil
}

func (f *fakeBackend) CreateNotification(_ context.Context, _ db.NodeID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, text)
	return nil
}

func (f *fakeBackend) CheckOSUpdate(_ context.Context, _ db.NodeID, current proto.Version) (*db.FirmwareUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.firmware == nil || !f.firmware.Version.NewerThan(current) {
		return nil, nil
	}
	return f.firmware, nil
}

func (f *fakeBackend) SendOSUpdateStat(_ context.Context, node db.NodeID, oldVer, newVer proto.Version) (db.UpdateStatID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateStats = append(f.updateStats, updateStatRec{node, oldVer, newVer})
	return db.UpdateStatID(len(f.updateStats)), nil
}

func (f *fakeBackend) MarkOSUpdateStat(_ context.Context, node db.NodeID, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updateStats) == 0 {
		return db.ErrNoUpdateStat
	}
	f.marks = append(f.marks, success)
	return nil
}

func (f *fakeBackend) SetupTimezone(context.Context, string) error { return nil }
func (f *fakeBackend) RunMigrations(context.Context) error         { return nil }
func (f *fakeBackend) Erase(context.Context, bool, bool) error     { return nil }
func (f *fakeBackend) Close() error                                { return nil }

func (f *fakeBackend) snapshot() fakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeBackend{
		measurements:  append([]measurementRec(nil), f.measurements...),
		stats:         append([]statRec(nil), f.stats...),
		notifications: append([]string(nil), f.notifications...),
		updateStats:   append([]updateStatRec(nil), f.updateStats...),
		marks:         append([]bool(nil), f.marks...),
	}
}

// -------------------------------------------------------------------------
// Harness
// -------------------------------------------------------------------------

const testMacStr = "aa:bb:cc:dd:ee:ff"

func testMac(t *testing.T) proto.Mac {
	t.Helper()
	mac, err := proto.ParseMac(testMacStr)
	if err != nil {
		t.Fatalf("ParseMac: %v", err)
	}
	return mac
}

func defaultSessionConfig() server.SessionConfig {
	return server.SessionConfig{
		StallTime:   5 * time.Second,
		RateWindow:  time.Second,
		MaxRequests: 100,
	}
}

// startSession runs one session over an in-memory pipe and returns the
// client end plus the session's exit error channel.
func startSession(t *testing.T, backend db.Backend, cfg server.SessionConfig) (net.Conn, <-chan error) {
	t.Helper()

	client, srvConn := net.Pipe()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess := server.NewSession(srvConn, backend, cfg, logger, nil)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	t.Cleanup(func() { _ = client.Close() })
	return client, done
}

func sendRequest(t *testing.T, conn net.Conn, id proto.MsgID, req proto.Request) {
	t.Helper()
	if err := proto.WriteFrame(conn, proto.RequestMessage(id, req)); err != nil {
		t.Fatalf("send request %s: %v", req.Kind, err)
	}
}

func readResponse(t *testing.T, conn net.Conn) (proto.MsgID, proto.Response) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	buf := make([]byte, proto.RecvBufferSize)
	msg, err := proto.ReadFrame(conn, buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if msg.Response == nil {
		t.Fatalf("expected a response, got %+v", msg)
	}
	return msg.ID, *msg.Response
}

func waitExit(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("session did not exit")
		return nil
	}
}

// authenticate performs the handshake with message id 17 against node 42.
func authenticate(t *testing.T, backend *fakeBackend, conn net.Conn) {
	t.Helper()
	backend.mu.Lock()
	backend.nodes[testMacStr] = 42
	backend.mu.Unlock()

	sendRequest(t, conn, 17, proto.Request{Kind: proto.RequestHandshake, Mac: testMac(t)})
	id, resp := readResponse(t, conn)
	if resp.Kind != proto.ResponseOk {
		t.Fatalf("handshake response = %s, want Ok", resp.Kind)
	}
	if id != 2 {
		t.Fatalf("handshake response id = %d, want 2", id)
	}
}

// -------------------------------------------------------------------------
// Scenarios
// -------------------------------------------------------------------------

func TestHandshakeSuccess(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	conn, done := startSession(t, backend, defaultSessionConfig())

	authenticate(t, backend, conn)

	sendRequest(t, conn, 18, proto.Request{Kind: proto.RequestBye})
	if err := waitExit(t, done); err != nil {
		t.Errorf("session exit = %v, want nil", err)
	}
}

func TestHandshakeReject(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	conn, done := startSession(t, backend, defaultSessionConfig())

	sendRequest(t, conn, 17, proto.Request{Kind: proto.RequestHandshake, Mac: testMac(t)})
	id, resp := readResponse(t, conn)
	if resp.Kind != proto.ResponseReject {
		t.Errorf("response = %s, want Reject", resp.Kind)
	}
	if id != 2 {
		t.Errorf("response id = %d, want 2", id)
	}

	if err := waitExit(t, done); !errors.Is(err, server.ErrAuth) {
		t.Errorf("session exit = %v, want ErrAuth", err)
	}
}

func TestFirstFrameMustBeHandshake(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	conn, done := startSession(t, backend, defaultSessionConfig())

	sendRequest(t, conn, 1, proto.Request{Kind: proto.RequestPing})
	_, resp := readResponse(t, conn)
	if resp.Kind != proto.ResponseReject {
		t.Errorf("response = %s, want Reject", resp.Kind)
	}

	if err := waitExit(t, done); !errors.Is(err, server.ErrNotHandshake) {
		t.Errorf("session exit = %v, want ErrNotHandshake", err)
	}
}

func TestResultsThenStats(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	conn, done := startSession(t, backend, defaultSessionConfig())
	authenticate(t, backend, conn)

	pressure := uint16(1013)
	sendRequest(t, conn, 20, proto.Request{
		Kind:        proto.RequestPostResults,
		Temperature: 21.5,
		Humidity:    47,
		AirPressure: &pressure,
	})
	if _, resp := readResponse(t, conn); resp.Kind != proto.ResponseOk {
		t.Fatalf("PostResults response = %s, want Ok", resp.Kind)
	}

	sendRequest(t, conn, 21, proto.Request{
		Kind:     proto.RequestPostStats,
		Battery:  3.70,
		WifiSSID: "home",
		WifiRSSI: -63,
	})
	if _, resp := readResponse(t, conn); resp.Kind != proto.ResponseOk {
		t.Fatalf("PostStats response = %s, want Ok", resp.Kind)
	}

	sendRequest(t, conn, 22, proto.Request{Kind: proto.RequestBye})
	_ = waitExit(t, done)

	state := backend.snapshot()
	if len(state.measurements) != 1 {
		t.Fatalf("measurement rows = %d, want 1", len(state.measurements))
	}
	if len(state.stats) != 1 {
		t.Fatalf("stat rows = %d, want 1", len(state.stats))
	}
	if state.stats[0].measurement != 1 {
		t.Errorf("stat references measurement %d, want 1", state.stats[0].measurement)
	}
	if state.stats[0].wifiSSID != "home" || state.stats[0].wifiRSSI != -63 {
		t.Errorf("stat row = %+v", state.stats[0])
	}
}

func TestDoublePostResultsRejected(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	conn, done := startSession(t, backend, defaultSessionConfig())
	authenticate(t, backend, conn)

	post := proto.Request{Kind: proto.RequestPostResults, Temperature: 1, Humidity: 2}

	sendRequest(t, conn, 20, post)
	if _, resp := readResponse(t, conn); resp.Kind != proto.ResponseOk {
		t.Fatalf("first PostResults = %s, want Ok", resp.Kind)
	}

	sendRequest(t, conn, 21, post)
	if _, resp := readResponse(t, conn); resp.Kind != proto.ResponseInvalidRequest {
		t.Fatalf("second PostResults = %s, want InvalidRequest", resp.Kind)
	}

	sendRequest(t, conn, 22, proto.Request{Kind: proto.RequestBye})
	_ = waitExit(t, done)

	if rows := len(backend.snapshot().measurements); rows != 1 {
		t.Errorf("measurement rows = %d, want 1 (no row for rejected post)", rows)
	}
}

func TestStatsWithoutResultsRejected(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	conn, _ := startSession(t, backend, defaultSessionConfig())
	authenticate(t, backend, conn)

	sendRequest(t, conn, 20, proto.Request{Kind: proto.RequestPostStats, Battery: 3.7})
	if _, resp := readResponse(t, conn); resp.Kind != proto.ResponseInvalidRequest {
		t.Fatalf("PostStats = %s, want InvalidRequest", resp.Kind)
	}

	// The violation is recovered locally; the session keeps serving.
	sendRequest(t, conn, 21, proto.Request{Kind: proto.RequestPing})
	if _, resp := readResponse(t, conn); resp.Kind != proto.ResponsePong {
		t.Errorf("Ping after violation = %s, want Pong", resp.Kind)
	}
}

func TestUpdateStream(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	blob := make([]byte, 16*1024)
	for i := range blob {
		blob[i] = byte(i)
	}
	backend.firmware = &db.FirmwareUpdate{
		Version: proto.Version{Major: 1, Middle: 2, Minor: 3},
		Blob:    blob,
	}

	conn, done := startSession(t, backend, defaultSessionConfig())
	authenticate(t, backend, conn)

	sendRequest(t, conn, 30, proto.Request{Kind: proto.RequestUpdateCheck})
	_, resp := readResponse(t, conn)
	if resp.Kind != proto.ResponseUpdateAvailable {
		t.Fatalf("UpdateCheck = %s, want UpdateAvailable", resp.Kind)
	}
	if resp.Version != (proto.Version{Major: 1, Middle: 2, Minor: 3}) {
		t.Fatalf("offered version = %s, want 1.2.3", resp.Version)
	}

	var received []byte
	for i, wantLen := range []int{8192, 8192} {
		sendRequest(t, conn, proto.MsgID(31+i), proto.Request{
			Kind:      proto.RequestNextUpdateChunk,
			ChunkSize: 8192,
		})
		_, resp := readResponse(t, conn)
		if resp.Kind != proto.ResponseUpdatePart {
			t.Fatalf("chunk %d = %s, want UpdatePart", i+1, resp.Kind)
		}
		if len(resp.Chunk) != wantLen {
			t.Fatalf("chunk %d length = %d, want %d", i+1, len(resp.Chunk), wantLen)
		}
		received = append(received, resp.Chunk...)
	}

	// No stat is recorded until the stream is drained.
	if stats := len(backend.snapshot().updateStats); stats != 0 {
		t.Fatalf("update stats before end = %d, want 0", stats)
	}

	sendRequest(t, conn, 33, proto.Request{Kind: proto.RequestNextUpdateChunk, ChunkSize: 8192})
	if _, resp := readResponse(t, conn); resp.Kind != proto.ResponseUpdateEnd {
		t.Fatalf("final chunk = %s, want UpdateEnd", resp.Kind)
	}

	state := backend.snapshot()
	if len(state.updateStats) != 1 {
		t.Fatalf("update stats = %d, want exactly 1", len(state.updateStats))
	}
	if got := state.updateStats[0]; got.node != 42 ||
		got.oldVer != (proto.Version{}) ||
		got.newVer != (proto.Version{Major: 1, Middle: 2, Minor: 3}) {
		t.Errorf("update stat = %+v", got)
	}

	for i, b := range received {
		if b != byte(i) {
			t.Fatalf("blob byte %d = %d, want %d", i, b, byte(i))
		}
	}

	sendRequest(t, conn, 34, proto.Request{Kind: proto.RequestBye})
	_ = waitExit(t, done)
}

func TestUpdateChunkWithoutCheck(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	conn, _ := startSession(t, backend, defaultSessionConfig())
	authenticate(t, backend, conn)

	sendRequest(t, conn, 20, proto.Request{Kind: proto.RequestNextUpdateChunk, ChunkSize: 128})
	if _, resp := readResponse(t, conn); resp.Kind != proto.ResponseInvalidRequest {
		t.Errorf("NextUpdateChunk = %s, want InvalidRequest", resp.Kind)
	}
}

func TestStallKick(t *testing.T) {
	t.Parallel()

	cfg := defaultSessionConfig()
	cfg.StallTime = 100 * time.Millisecond

	backend := newFakeBackend()
	conn, done := startSession(t, backend, cfg)
	authenticate(t, backend, conn)

	// Send nothing past the stall budget.
	_, resp := readResponse(t, conn)
	if resp.Kind != proto.ResponseStalling {
		t.Errorf("response = %s, want Stalling", resp.Kind)
	}

	if err := waitExit(t, done); !errors.Is(err, server.ErrStallTimeExceeded) {
		t.Errorf("session exit = %v, want ErrStallTimeExceeded", err)
	}
}

func TestRateLimitKick(t *testing.T) {
	t.Parallel()

	cfg := defaultSessionConfig()
	cfg.RateWindow = time.Second
	cfg.MaxRequests = 4

	backend := newFakeBackend()
	conn, done := startSession(t, backend, cfg)
	authenticate(t, backend, conn)

	for i := range 4 {
		sendRequest(t, conn, proto.MsgID(100+i), proto.Request{Kind: proto.RequestPing})
		if _, resp := readResponse(t, conn); resp.Kind != proto.ResponsePong {
			t.Fatalf("ping %d = %s, want Pong", i+1, resp.Kind)
		}
	}

	sendRequest(t, conn, 104, proto.Request{Kind: proto.RequestPing})
	if _, resp := readResponse(t, conn); resp.Kind != proto.ResponseRateLimitExceeded {
		t.Errorf("fifth ping = %s, want RateLimitExceeded", resp.Kind)
	}

	if err := waitExit(t, done); !errors.Is(err, server.ErrTooManyRequests) {
		t.Errorf("session exit = %v, want ErrTooManyRequests", err)
	}
}

func TestDuplicateIdKick(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	conn, done := startSession(t, backend, defaultSessionConfig())
	authenticate(t, backend, conn)

	sendRequest(t, conn, 17, proto.Request{Kind: proto.RequestPing})

	if err := waitExit(t, done); !errors.Is(err, server.ErrDuplicateMessage) {
		t.Errorf("session exit = %v, want ErrDuplicateMessage", err)
	}
}

func TestResponseIdChain(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	conn, _ := startSession(t, backend, defaultSessionConfig())
	authenticate(t, backend, conn)

	// The handshake response carried id 2; every later response
	// increments by exactly one.
	for i := range 5 {
		sendRequest(t, conn, proto.MsgID(50+i), proto.Request{Kind: proto.RequestPing})
		id, _ := readResponse(t, conn)
		if want := proto.MsgID(3 + i); id != want {
			t.Fatalf("response id = %d, want %d", id, want)
		}
	}
}

func TestPostAuthHandshakeIsBenign(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	conn, _ := startSession(t, backend, defaultSessionConfig())
	authenticate(t, backend, conn)

	sendRequest(t, conn, 20, proto.Request{Kind: proto.RequestHandshake, Mac: testMac(t)})
	if _, resp := readResponse(t, conn); resp.Kind != proto.ResponseInvalidRequest {
		t.Errorf("second handshake = %s, want InvalidRequest", resp.Kind)
	}

	sendRequest(t, conn, 21, proto.Request{Kind: proto.RequestPing})
	if _, resp := readResponse(t, conn); resp.Kind != proto.ResponsePong {
		t.Errorf("ping after second handshake = %s, want Pong", resp.Kind)
	}
}

func TestGetSettings(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.settings[42] = &proto.NodeSettings{OTA: true, SleepTime: 300}

	conn, _ := startSession(t, backend, defaultSessionConfig())
	authenticate(t, backend, conn)

	sendRequest(t, conn, 20, proto.Request{Kind: proto.RequestGetSettings})
	_, resp := readResponse(t, conn)
	if resp.Kind != proto.ResponseSettings {
		t.Fatalf("GetSettings = %s, want Settings", resp.Kind)
	}
	if resp.Settings == nil || !resp.Settings.OTA || resp.Settings.SleepTime != 300 {
		t.Errorf("settings = %+v", resp.Settings)
	}
}
