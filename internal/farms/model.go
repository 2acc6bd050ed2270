package farms

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidFarmID indicates a farm identifier is empty or exceeds storage bounds.
	ErrInvalidFarmID = errors.New("farms: invalid farm id")
	// ErrInvalidOwnerID indicates an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("farms: invalid owner id")
)

// FarmID represents a validated farm identifier.
type FarmID string

// NewFarmID validates raw input and returns a FarmID.
func NewFarmID(rawInput string) (FarmID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFarmID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFarmID, maxIdentifierLength)
	}
	return FarmID(trimmed), nil
}

// String returns the underlying string identifier.
func (id FarmID) String() string {
	return string(id)
}

// OwnerID represents a validated owner identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// Farm models a registered crop profile: one farm, one crop, one owner.
type Farm struct {
	FarmID    string  `gorm:"column:farm_id;primaryKey;size:190;not null"`
	OwnerID   string  `gorm:"column:owner_id;size:190;not null;index:idx_farms_owner"`
	Name      string  `gorm:"column:name;size:190;not null;default:''"`
	CropType  string  `gorm:"column:crop_type;size:64;not null"`
	Latitude  float64 `gorm:"column:lat;not null"`
	Longitude float64 `gorm:"column:lon;not null"`
	Active    bool    `gorm:"column:active;not null;default:true;index:idx_farms_active"`
}

// TableName provides the explicit table binding for GORM.
func (Farm) TableName() string {
	return "farms"
}

// OwnerDevice stores the push delivery endpoint for an owner. A cleared
// token means the owner currently has no reachable device.
type OwnerDevice struct {
	OwnerID        string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	DeviceToken    string `gorm:"column:device_token;size:500;not null;default:''"`
	TokenUpdatedAt int64  `gorm:"column:token_updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (OwnerDevice) TableName() string {
	return "owner_devices"
}
