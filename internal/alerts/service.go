// Package alerts holds the notification core: the decision pipeline that
// turns risk assessments into deliveries, the durable history behind the
// notification center, and the batch dispatcher for routine alerts.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agrolert/backend/internal/farms"
	"gorm.io/gorm"
)

// ErrRecordNotFound indicates the notification does not exist or belongs to
// another owner.
var ErrRecordNotFound = errors.New("alerts: notification not found")

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// HistoryServiceConfig describes the dependencies required by the history service.
type HistoryServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// HistoryService reads and mutates the persisted notification history. All
// queries are owner-scoped; a record id from another owner behaves as if it
// did not exist.
type HistoryService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewHistoryService constructs the history service.
func NewHistoryService(cfg HistoryServiceConfig) (*HistoryService, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("alerts: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &HistoryService{db: cfg.Database, now: clock}, nil
}

// HistoryPage is one page of an owner's notification history, newest first.
type HistoryPage struct {
	Records     []NotificationRecord
	TotalCount  int64
	UnreadCount int64
	Page        int
	PageSize    int
}

// Save persists a new notification record.
func (s *HistoryService) Save(ctx context.Context, record NotificationRecord) error {
	if record.ID == "" {
		return fmt.Errorf("alerts: record id is required")
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// SetExternalDeliveryID attaches the provider's message id after a
// successful push.
func (s *HistoryService) SetExternalDeliveryID(ctx context.Context, recordID string, externalID string) error {
	return s.db.WithContext(ctx).
		Model(&NotificationRecord{}).
		Where("id = ?", recordID).
		Update("external_delivery_id", externalID).
		Error
}

// List returns one page of the owner's history, newest first. Page numbering
// starts at 1; out-of-range pages return an empty record list with accurate
// counts.
func (s *HistoryService) List(ctx context.Context, ownerID farms.OwnerID, page int, pageSize int) (HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	scoped := s.db.WithContext(ctx).
		Model(&NotificationRecord{}).
		Where("owner_id = ?", ownerID.String())

	var totalCount int64
	if err := scoped.Count(&totalCount).Error; err != nil {
		return HistoryPage{}, err
	}
	unreadCount, err := s.UnreadCount(ctx, ownerID)
	if err != nil {
		return HistoryPage{}, err
	}

	var records []NotificationRecord
	err = s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID.String()).
		Order("created_at_s DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).
		Error
	if err != nil {
		return HistoryPage{}, err
	}

	return HistoryPage{
		Records:     records,
		TotalCount:  totalCount,
		UnreadCount: unreadCount,
		Page:        page,
		PageSize:    pageSize,
	}, nil
}

// UnreadCount returns the number of unread notifications for the owner.
func (s *HistoryService) UnreadCount(ctx context.Context, ownerID farms.OwnerID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&NotificationRecord{}).
		Where("owner_id = ? AND is_read = ?", ownerID.String(), false).
		Count(&count).
		Error
	return count, err
}

// MarkRead flags a single notification as read.
func (s *HistoryService) MarkRead(ctx context.Context, ownerID farms.OwnerID, recordID string) error {
	result := s.db.WithContext(ctx).
		Model(&NotificationRecord{}).
		Where("id = ? AND owner_id = ?", recordID, ownerID.String()).
		Update("is_read", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkAllRead flags every unread notification of the owner as read and
// returns how many rows changed.
func (s *HistoryService) MarkAllRead(ctx context.Context, ownerID farms.OwnerID) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&NotificationRecord{}).
		Where("owner_id = ? AND is_read = ?", ownerID.String(), false).
		Update("is_read", true)
	return result.RowsAffected, result.Error
}

// DeleteOlderThan removes the owner's notifications created before the
// cutoff age and returns how many rows were deleted.
func (s *HistoryService) DeleteOlderThan(ctx context.Context, ownerID farms.OwnerID, age time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-age).Unix()
	result := s.db.WithContext(ctx).
		Where("owner_id = ? AND created_at_s < ?", ownerID.String(), cutoff).
		Delete(&NotificationRecord{})
	return result.RowsAffected, result.Error
}

// PurgeOlderThan removes notifications across all owners created before the
// cutoff age. Used by the retention job.
func (s *HistoryService) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-age).Unix()
	result := s.db.WithContext(ctx).
		Where("created_at_s < ?", cutoff).
		Delete(&NotificationRecord{})
	return result.RowsAffected, result.Error
}
