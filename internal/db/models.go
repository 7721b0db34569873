package db

import "time"

// GORM models for the persistent state layout. Table names follow GORM's
// pluralized snake_case convention.

// Device registers a node by MAC address.
type Device struct {
	ID NodeID `gorm:"primaryKey"`

	// Mac is the canonical lowercase colon-separated form.
	Mac string `gorm:"uniqueIndex;size:17;not null"`

	// FirmwareChannel selects which firmware lineage the node follows.
	FirmwareChannel string `gorm:"size:32;not null;default:stable"`
}

// Setting holds the per-node configuration delivered on GetSettings.
type Setting struct {
	ID                int32  `gorm:"primaryKey"`
	NodeID            NodeID `gorm:"uniqueIndex;not null"`
	Node              Device `gorm:"foreignKey:NodeID"`
	BatteryIgnore     bool   `gorm:"not null;default:false"`
	OTA               bool   `gorm:"not null;default:false"`
	SleepTime         uint16 `gorm:"not null;default:60"`
	SBOP              bool   `gorm:"column:sbop;not null;default:false"`
	MuteNotifications bool   `gorm:"not null;default:false"`
}

// Measurement is one environment reading with a server-side timestamp.
type Measurement struct {
	ID          MeasurementID `gorm:"primaryKey"`
	NodeID      NodeID        `gorm:"index;not null"`
	Node        Device        `gorm:"foreignKey:NodeID"`
	TakenAt     time.Time     `gorm:"index;not null"`
	Temperature float32       `gorm:"not null"`
	Humidity    uint8         `gorm:"not null"`
	AirPressure *uint16
}

// Stat holds node diagnostics attached to a measurement.
type Stat struct {
	ID            int32         `gorm:"primaryKey"`
	MeasurementID MeasurementID `gorm:"uniqueIndex;not null"`
	Measurement   Measurement   `gorm:"foreignKey:MeasurementID;constraint:OnDelete:CASCADE"`
	Battery       float32       `gorm:"not null"`
	WifiSSID      string        `gorm:"size:255;not null"`
	WifiRSSI      int8          `gorm:"not null"`
}

// Notification is an append-only node message.
type Notification struct {
	ID        int32     `gorm:"primaryKey"`
	NodeID    NodeID    `gorm:"index;not null"`
	Node      Device    `gorm:"foreignKey:NodeID"`
	Content   string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// Firmware is a versioned image within a channel.
type Firmware struct {
	ID      int32  `gorm:"primaryKey"`
	Channel string `gorm:"index;size:32;not null;default:stable"`
	Major   uint8  `gorm:"not null"`
	Middle  uint8  `gorm:"not null"`
	Minor   uint8  `gorm:"not null"`
	Blob    []byte `gorm:"not null"`
}

// FirmwareStat records one firmware update attempt and its outcome.
// Success stays NULL while the attempt is in flight.
type FirmwareStat struct {
	ID        UpdateStatID `gorm:"primaryKey"`
	NodeID    NodeID       `gorm:"index;not null"`
	Node      Device       `gorm:"foreignKey:NodeID"`
	OldMajor  uint8        `gorm:"not null"`
	OldMiddle uint8        `gorm:"not null"`
	OldMinor  uint8        `gorm:"not null"`
	NewMajor  uint8        `gorm:"not null"`
	NewMiddle uint8        `gorm:"not null"`
	NewMinor  uint8        `gorm:"not null"`
	Success   *bool
	CreatedAt time.Time `gorm:"index;not null"`
}

// allModels lists every model for migration and erase ordering. The order
// is FK-safe for creation; erase walks it in reverse.
func allModels() []any {
	return []any{
		&Device{},
		&Setting{},
		&Measurement{},
		&Stat{},
		&Notification{},
		&Firmware{},
		&FirmwareStat{},
	}
}
