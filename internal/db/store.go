package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/PixelWeatherProject/pwmp-server/internal/proto"
)

// store implements Backend on top of GORM. Both backends share this
// implementation; the driver only affects opening and timezone setup.
type store struct {
	db     *gorm.DB
	driver string

	// loc renders server-side timestamps. Defaults to the host zone
	// until SetupTimezone is called.
	loc *time.Location
}

// Interface compliance.
var _ Backend = (*store)(nil)

// Open connects a backend per the config and caps its connection pool.
func Open(cfg Config) (Backend, error) {
	var (
		gdb *gorm.DB
		err error
	)

	switch cfg.Driver {
	case DriverPostgres:
		gdb, err = openPostgres(cfg)
	case DriverSQLite:
		gdb, err = openSQLite(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxPoolConns)

	return &store{db: gdb, driver: cfg.Driver, loc: time.Local}, nil
}

func (s *store) now() time.Time {
	return time.Now().In(s.loc)
}

// -------------------------------------------------------------------------
// Device & Settings
// -------------------------------------------------------------------------

func (s *store) AuthorizeDevice(ctx context.Context, mac proto.Mac) (NodeID, bool, error) {
	var device Device
	err := s.db.WithContext(ctx).Where("mac = ?", mac.String()).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("authorize device %s: %w", mac, err)
	}
	return device.ID, true, nil
}

func (s *store) GetSettings(ctx context.Context, node NodeID) (*proto.NodeSettings, error) {
	var setting Setting
	err := s.db.WithContext(ctx).Where("node_id = ?", node).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings for node %d: %w", node, err)
	}

	return &proto.NodeSettings{
		BatteryIgnore:     setting.BatteryIgnore,
		OTA:               setting.OTA,
		SleepTime:         setting.SleepTime,
		SBOP:              setting.SBOP,
		MuteNotifications: setting.MuteNotifications,
	}, nil
}

// -------------------------------------------------------------------------
// Measurements & Diagnostics
// -------------------------------------------------------------------------

func (s *store) PostResults(ctx context.Context, node NodeID, temperature float32, humidity uint8, airPressure *uint16) (MeasurementID, error) {
	measurement := Measurement{
		NodeID:      node,
		TakenAt:     s.now(),
		Temperature: temperature,
		Humidity:    humidity,
		AirPressure: airPressure,
	}
	if err := s.db.WithContext(ctx).Create(&measurement).Error; err != nil {
		return 0, fmt.Errorf("post results for node %d: %w", node, err)
	}
	return measurement.ID, nil
}

func (s *store) PostStats(ctx context.Context, measurement MeasurementID, battery float32, wifiSSID string, wifiRSSI int8) error {
	stat := Stat{
		MeasurementID: measurement,
		Battery:       battery,
		WifiSSID:      wifiSSID,
		WifiRSSI:      wifiRSSI,
	}
	if err := s.db.WithContext(ctx).Create(&stat).Error; err != nil {
		return fmt.Errorf("post stats for measurement %d: %w", measurement, err)
	}
	return nil
}

func (s *store) CreateNotification(ctx context.Context, node NodeID, text string) error {
	notification := Notification{
		NodeID:    node,
		Content:   text,
		CreatedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return fmt.Errorf("create notification for node %d: %w", node, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Firmware Updates
// -------------------------------------------------------------------------

func (s *store) CheckOSUpdate(ctx context.Context, node NodeID, current proto.Version) (*FirmwareUpdate, error) {
	var device Device
	if err := s.db.WithContext(ctx).First(&device, "id = ?", node).Error; err != nil {
		return nil, fmt.Errorf("load device %d: %w", node, err)
	}

	var firmware Firmware
	err := s.db.WithContext(ctx).
		Where("channel = ?", device.FirmwareChannel).
		Where(
			"(major > ?) OR (major = ? AND middle > ?) OR (major = ? AND middle = ? AND minor > ?)",
			current.Major, current.Major, current.Middle,
			current.Major, current.Middle, current.Minor,
		).
		Order("major DESC, middle DESC, minor DESC").
		First(&firmware).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check update for node %d: %w", node, err)
	}

	version, err := proto.NewVersion(firmware.Major, firmware.Middle, firmware.Minor)
	if err != nil {
		return nil, fmt.Errorf("stored firmware %d: %w", firmware.ID, err)
	}

	return &FirmwareUpdate{
		Version: version,
		Blob:    FirmwareBlob(firmware.Blob),
	}, nil
}

func (s *store) SendOSUpdateStat(ctx context.Context, node NodeID, oldVer, newVer proto.Version) (UpdateStatID, error) {
	stat := FirmwareStat{
		NodeID:    node,
		OldMajor:  oldVer.Major,
		OldMiddle: oldVer.Middle,
		OldMinor:  oldVer.Minor,
		NewMajor:  newVer.Major,
		NewMiddle: newVer.Middle,
		NewMinor:  newVer.Minor,
		CreatedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&stat).Error; err != nil {
		return 0, fmt.Errorf("record update attempt for node %d: %w", node, err)
	}
	return stat.ID, nil
}

func (s *store) MarkOSUpdateStat(ctx context.Context, node NodeID, success bool) error {
	var stat FirmwareStat
	err := s.db.WithContext(ctx).
		Where("node_id = ?", node).
		Order("id DESC").
		First(&stat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("node %d: %w", node, ErrNoUpdateStat)
	}
	if err != nil {
		return fmt.Errorf("load update stat for node %d: %w", node, err)
	}

	if err := s.db.WithContext(ctx).
		Model(&stat).
		Update("success", success).Error; err != nil {
		return fmt.Errorf("mark update stat %d: %w", stat.ID, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Administration
// -------------------------------------------------------------------------

func (s *store) SetupTimezone(ctx context.Context, tz string) error {
	if tz == "" {
		return nil
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimeZone, tz)
	}
	s.loc = loc

	if s.driver == DriverPostgres {
		// tz passed LoadLocation, so it is a plain IANA name.
		stmt := fmt.Sprintf("SET TIME ZONE '%s'", strings.ReplaceAll(tz, "'", ""))
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("set session timezone %q: %w", tz, err)
		}
	}

	return nil
}

func (s *store) RunMigrations(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *store) Erase(ctx context.Context, contentOnly, keepDevices bool) error {
	models := allModels()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Reverse creation order keeps FK constraints satisfied.
		for i := len(models) - 1; i >= 0; i-- {
			model := models[i]
			if keepDevices {
				if _, isDevice := model.(*Device); isDevice {
					continue
				}
			}

			if contentOnly {
				if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
					return fmt.Errorf("erase rows: %w", err)
				}
				continue
			}

			if err := tx.Migrator().DropTable(model); err != nil {
				return fmt.Errorf("drop table: %w", err)
			}
		}
		return nil
	})
}

func (s *store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("access connection pool: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close connection pool: %w", err)
	}
	return nil
}
