// Package db provides the persistence layer for the PWMP server.
//
// One capability set, two relational backends: Postgres for shared
// deployments and SQLite for single-host ones. Sessions mutate persistent
// state exclusively through the Backend interface.
package db

import (
	"context"
	"errors"

	"github.com/PixelWeatherProject/pwmp-server/internal/proto"
)

// -------------------------------------------------------------------------
// Identifiers
// -------------------------------------------------------------------------

// NodeID identifies a registered device. Ids minted by the backend are
// strictly positive.
type NodeID int32

// MeasurementID identifies a stored measurement row.
type MeasurementID int32

// UpdateStatID identifies a firmware update attempt record.
type UpdateStatID int32

// FirmwareBlob is an opaque firmware image owned by the session once
// retrieved.
type FirmwareBlob []byte

// FirmwareUpdate is the result of a successful update check: the offered
// version and its image.
type FirmwareUpdate struct {
	Version proto.Version
	Blob    FirmwareBlob
}

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrInvalidTimeZone indicates an unsupported timezone name.
	ErrInvalidTimeZone = errors.New("invalid timezone")

	// ErrNoUpdateStat indicates MarkOSUpdateStat was called for a node
	// with no prior update attempt on record.
	ErrNoUpdateStat = errors.New("no update stat recorded for node")

	// ErrUnknownDriver indicates an unrecognized database driver name.
	ErrUnknownDriver = errors.New("unknown database driver")
)

// -------------------------------------------------------------------------
// Backend
// -------------------------------------------------------------------------

// Backend is the capability set sessions use to read and write persistent
// state. All operations are safe for concurrent use; writes from distinct
// sessions are independent transactions.
type Backend interface {
	// AuthorizeDevice looks up a device by MAC. ok is false when the MAC
	// is not registered. No side effect.
	AuthorizeDevice(ctx context.Context, mac proto.Mac) (id NodeID, ok bool, err error)

	// GetSettings returns the node's settings, or nil if none are
	// configured.
	GetSettings(ctx context.Context, node NodeID) (*proto.NodeSettings, error)

	// PostResults inserts a measurement with a server-side timestamp and
	// returns the fresh id.
	PostResults(ctx context.Context, node NodeID, temperature float32, humidity uint8, airPressure *uint16) (MeasurementID, error)

	// PostStats attaches node diagnostics to a previously posted
	// measurement. Referential integrity ties the stats row to the
	// measurement row.
	PostStats(ctx context.Context, measurement MeasurementID, battery float32, wifiSSID string, wifiRSSI int8) error

	// CreateNotification appends a node notification.
	CreateNotification(ctx context.Context, node NodeID, text string) error

	// CheckOSUpdate returns the newest firmware in the node's channel
	// strictly newer than current, or nil if the node is up to date.
	CheckOSUpdate(ctx context.Context, node NodeID, current proto.Version) (*FirmwareUpdate, error)

	// SendOSUpdateStat records an update attempt in progress.
	SendOSUpdateStat(ctx context.Context, node NodeID, oldVer, newVer proto.Version) (UpdateStatID, error)

	// MarkOSUpdateStat records the final outcome on the node's most
	// recent update attempt. Fails with ErrNoUpdateStat when there is
	// none.
	MarkOSUpdateStat(ctx context.Context, node NodeID, success bool) error

	// SetupTimezone applies the given IANA timezone for timestamp
	// rendering. Fails with ErrInvalidTimeZone for unsupported values.
	SetupTimezone(ctx context.Context, tz string) error

	// RunMigrations creates or updates the schema.
	RunMigrations(ctx context.Context) error

	// Erase removes stored data. With contentOnly the tables survive;
	// with keepDevices the device registry survives.
	Erase(ctx context.Context, contentOnly, keepDevices bool) error

	// Close releases the connection pool.
	Close() error
}

// -------------------------------------------------------------------------
// Config
// -------------------------------------------------------------------------

// Driver names accepted by Open.
const (
	// DriverPostgres selects the Postgres backend.
	DriverPostgres = "postgres"

	// DriverSQLite selects the embedded SQLite backend.
	DriverSQLite = "sqlite"
)

// maxPoolConns caps the connection pool. Pool contention is a
// backpressure signal, not an error.
const maxPoolConns = 3

// Config selects and parameterizes a backend.
type Config struct {
	// Driver is DriverPostgres or DriverSQLite.
	Driver string

	// Host, Port, User, Password, Name and SSL configure the Postgres
	// backend.
	Host     string
	Port     uint16
	User     string
	Password string
	Name     string
	SSL      bool

	// Path is the SQLite database file.
	Path string

	// Timezone is the configured IANA zone. Open does not apply it;
	// timestamps use the host zone until SetupTimezone is called.
	Timezone string
}
