package farms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoDeviceToken indicates the owner has no registered push endpoint.
var ErrNoDeviceToken = errors.New("farms: no device token registered")

// ServiceConfig describes the dependencies required by the farm service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service reads crop profiles and manages owner device tokens. The alert
// core treats it as an external collaborator: profiles are read-only input,
// token invalidation is the one write the push adapter triggers.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	tokenCache sync.Map
}

// NewService constructs the farm service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("farms: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// ListActiveFarms returns every farm currently enrolled in monitoring.
func (s *Service) ListActiveFarms(ctx context.Context) ([]Farm, error) {
	var result []Farm
	err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("farm_id").
		Find(&result).
		Error
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetOwnerDeviceToken returns the owner's push endpoint.
func (s *Service) GetOwnerDeviceToken(ctx context.Context, ownerID OwnerID) (string, error) {
	if cached, ok := s.tokenCache.Load(ownerID.String()); ok {
		token, ok := cached.(string)
		if ok && token != "" {
			return token, nil
		}
	}

	var device OwnerDevice
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID.String()).
		Take(&device).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoDeviceToken
	}
	if err != nil {
		return "", err
	}
	if device.DeviceToken == "" {
		return "", ErrNoDeviceToken
	}

	s.tokenCache.Store(ownerID.String(), device.DeviceToken)
	return device.DeviceToken, nil
}

// RegisterDeviceToken records or replaces the owner's push endpoint.
func (s *Service) RegisterDeviceToken(ctx context.Context, ownerID OwnerID, token string) error {
	if token == "" {
		return fmt.Errorf("farms: device token must not be empty")
	}
	device := OwnerDevice{
		OwnerID:        ownerID.String(),
		DeviceToken:    token,
		TokenUpdatedAt: s.now().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"device_token", "token_updated_at_s"}),
		}).
		Create(&device).
		Error
	if err != nil {
		return err
	}
	s.tokenCache.Store(ownerID.String(), token)
	return nil
}

// InvalidateDeviceToken clears a token the provider reported as dead.
func (s *Service) InvalidateDeviceToken(ctx context.Context, ownerID OwnerID) error {
	err := s.db.WithContext(ctx).
		Model(&OwnerDevice{}).
		Where("owner_id = ?", ownerID.String()).
		Updates(map[string]interface{}{
			"device_token":       "",
			"token_updated_at_s": s.now().UTC().Unix(),
		}).
		Error
	if err != nil {
		return err
	}
	s.tokenCache.Delete(ownerID.String())
	return nil
}
