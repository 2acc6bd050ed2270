package alerts

// NotificationRecord is the durable row behind the alert history. Rows are
// append-only except for the read flag and the external delivery id, which
// is set after a successful push.
type NotificationRecord struct {
	ID                 string `gorm:"column:id;primaryKey;size:64"`
	OwnerID            string `gorm:"column:owner_id;size:190;index:idx_notifications_owner_created,priority:1"`
	FarmID             string `gorm:"column:farm_id;size:190;index"`
	Severity           string `gorm:"column:severity;size:16"`
	Category           string `gorm:"column:category;size:32"`
	Message            string `gorm:"column:message;size:1000"`
	Advice             string `gorm:"column:advice;size:1000"`
	Fingerprint        string `gorm:"column:fingerprint;size:64;index"`
	IsRead             bool   `gorm:"column:is_read;index"`
	ExternalDeliveryID string `gorm:"column:external_delivery_id;size:190"`
	CreatedAt          int64  `gorm:"column:created_at_s;index:idx_notifications_owner_created,priority:2,sort:desc"`
}

// TableName overrides the table name used by gorm.
func (NotificationRecord) TableName() string {
	return "notification_records"
}
