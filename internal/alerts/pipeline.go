package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/agrolert/backend/internal/dedup"
	"github.com/agrolert/backend/internal/farms"
	"github.com/agrolert/backend/internal/observability"
	"github.com/agrolert/backend/internal/push"
	"github.com/agrolert/backend/internal/realtime"
	"github.com/agrolert/backend/internal/risk"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Action is the terminal outcome of one pipeline decision.
type Action string

const (
	// ActionNone means the assessment carried no risk and was discarded.
	ActionNone Action = "none"
	// ActionSuppressed means dedup or quota stopped the notification.
	ActionSuppressed Action = "suppressed"
	// ActionDelivered means the notification was accepted on the urgent path.
	ActionDelivered Action = "delivered"
	// ActionQueued means the notification was accepted and handed to the
	// batch dispatcher.
	ActionQueued Action = "queued"
)

// SuppressReason distinguishes the two suppression causes in logs and metrics.
type SuppressReason string

const (
	SuppressDuplicate SuppressReason = "duplicate"
	SuppressQuota     SuppressReason = "quota"
)

// Decision reports what the pipeline did with one assessment.
type Decision struct {
	Action   Action
	Reason   SuppressReason
	RecordID string
	// PushError carries the final push failure, if any. The notification is
	// still visible in history and on the live stream when this is set.
	PushError error
}

// Pusher is the slice of the push adapter the pipeline needs.
type Pusher interface {
	SendToOwner(ctx context.Context, ownerID farms.OwnerID, payload push.Payload) (string, error)
}

// PipelineConfig describes the dependencies of the decision pipeline.
type PipelineConfig struct {
	Store       dedup.Store
	History     *HistoryService
	Broadcaster *realtime.Broadcaster
	Pusher      Pusher
	Dispatcher  *Dispatcher
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	Clock       clockwork.Clock

	PushDedupWindow time.Duration
	HistoryWindow   time.Duration
	HourlyQuota     int
	DailyQuota      int
}

// Pipeline turns risk assessments into suppression, immediate delivery, or
// batched delivery. It is safe for concurrent use; all shared state lives in
// the dedup store and the database.
type Pipeline struct {
	store       dedup.Store
	history     *HistoryService
	broadcaster *realtime.Broadcaster
	pusher      Pusher
	dispatcher  *Dispatcher
	metrics     *observability.Metrics
	logger      *zap.Logger
	clock       clockwork.Clock

	pushWindow    time.Duration
	historyWindow time.Duration
	hourlyQuota   int
	dailyQuota    int
}

// NewPipeline constructs the decision pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("alerts: dedup store is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("alerts: history service is required")
	}
	if cfg.Broadcaster == nil {
		return nil, fmt.Errorf("alerts: broadcaster is required")
	}
	if cfg.Pusher == nil {
		return nil, fmt.Errorf("alerts: push adapter is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("alerts: batch dispatcher is required")
	}
	if cfg.PushDedupWindow <= 0 || cfg.HistoryWindow <= cfg.PushDedupWindow {
		return nil, fmt.Errorf("alerts: history window must exceed push dedup window")
	}
	if cfg.HourlyQuota <= 0 || cfg.DailyQuota <= 0 {
		return nil, fmt.Errorf("alerts: quotas must be positive")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pipeline{
		store:         cfg.Store,
		history:       cfg.History,
		broadcaster:   cfg.Broadcaster,
		pusher:        cfg.Pusher,
		dispatcher:    cfg.Dispatcher,
		metrics:       metrics,
		logger:        logger,
		clock:         clock,
		pushWindow:    cfg.PushDedupWindow,
		historyWindow: cfg.HistoryWindow,
		hourlyQuota:   cfg.HourlyQuota,
		dailyQuota:    cfg.DailyQuota,
	}, nil
}

// Decide runs one assessment through the acceptance algorithm:
// history-dedup, quota, push-dedup, persist, broadcast, then either an
// immediate push (critical and high) or the batch queue. Suppression by a
// history-window duplicate refreshes the window; suppression by quota leaves
// it untouched so the alert can surface as soon as quota resets.
func (p *Pipeline) Decide(ctx context.Context, assessment risk.Assessment) (Decision, error) {
	if assessment.Severity == risk.SeverityNone || assessment.Severity == "" {
		return Decision{Action: ActionNone}, nil
	}

	fingerprint := Fingerprint(assessment.OwnerID, assessment.FarmID, assessment.Severity, assessment.Dimension)
	ownerID := assessment.OwnerID.String()

	duplicate, err := p.store.Seen(ctx, dedup.WindowHistory, fingerprint)
	if err != nil {
		return Decision{}, fmt.Errorf("alerts: history dedup check: %w", err)
	}
	if duplicate {
		// A continuously dangerous condition keeps sliding the window
		// forward instead of re-alerting on every tick.
		if err := p.store.MarkSeen(ctx, dedup.WindowHistory, fingerprint, p.historyWindow); err != nil {
			return Decision{}, fmt.Errorf("alerts: history dedup refresh: %w", err)
		}
		p.metrics.Decisions.WithLabelValues("suppressed_duplicate").Inc()
		p.logger.Debug("notification suppressed",
			zap.String("owner_id", ownerID),
			zap.String("reason", string(SuppressDuplicate)),
			zap.String("fingerprint", fingerprint))
		return Decision{Action: ActionSuppressed, Reason: SuppressDuplicate}, nil
	}

	accepted, err := p.reserveQuota(ctx, ownerID)
	if err != nil {
		return Decision{}, err
	}
	if !accepted {
		p.metrics.Decisions.WithLabelValues("suppressed_quota").Inc()
		p.logger.Info("notification suppressed",
			zap.String("owner_id", ownerID),
			zap.String("reason", string(SuppressQuota)))
		return Decision{Action: ActionSuppressed, Reason: SuppressQuota}, nil
	}

	pushedRecently, err := p.store.Seen(ctx, dedup.WindowPush, fingerprint)
	if err != nil {
		p.releaseQuota(ctx, ownerID)
		return Decision{}, fmt.Errorf("alerts: push dedup check: %w", err)
	}

	record := NotificationRecord{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		FarmID:      assessment.FarmID.String(),
		Severity:    string(assessment.Severity),
		Category:    string(assessment.Dimension),
		Message:     assessment.Message,
		Advice:      assessment.Advice,
		Fingerprint: fingerprint,
		CreatedAt:   p.clock.Now().UTC().Unix(),
	}
	if err := p.history.Save(ctx, record); err != nil {
		p.releaseQuota(ctx, ownerID)
		return Decision{}, fmt.Errorf("alerts: persist record: %w", err)
	}
	// The record now exists, so the history window must hold the fingerprint
	// no matter how delivery goes.
	if err := p.store.MarkSeen(ctx, dedup.WindowHistory, fingerprint, p.historyWindow); err != nil {
		return Decision{RecordID: record.ID}, fmt.Errorf("alerts: history dedup mark: %w", err)
	}

	p.broadcaster.Publish(realtime.AlertEvent{
		NotificationID: record.ID,
		OwnerID:        record.OwnerID,
		FarmID:         record.FarmID,
		Severity:       record.Severity,
		Category:       record.Category,
		Message:        record.Message,
		Advice:         record.Advice,
		CreatedAt:      time.Unix(record.CreatedAt, 0).UTC(),
	})

	if assessment.Severity.AtLeast(risk.SeverityHigh) {
		decision := Decision{Action: ActionDelivered, RecordID: record.ID}
		if pushedRecently {
			// Same alert was pushed inside the short window. The screen and
			// stream already carry the fresh record; the push channel stays
			// quiet.
			p.metrics.Decisions.WithLabelValues("delivered").Inc()
			return decision, nil
		}
		decision.PushError = p.pushImmediate(ctx, assessment, record, fingerprint)
		p.metrics.Decisions.WithLabelValues("delivered").Inc()
		return decision, nil
	}

	item := batchItem{
		recordID:     record.ID,
		ownerID:      assessment.OwnerID,
		severity:     assessment.Severity,
		message:      record.Message,
		fingerprint:  fingerprint,
		pushEligible: !pushedRecently,
	}
	if !p.dispatcher.Enqueue(item) {
		p.logger.Warn("batch queue full, notification kept in history only",
			zap.String("owner_id", ownerID),
			zap.String("record_id", record.ID))
	}
	p.metrics.Decisions.WithLabelValues("queued").Inc()
	return Decision{Action: ActionQueued, RecordID: record.ID}, nil
}

// TestDeliver forces one synthetic push through the delivery adapter,
// bypassing dedup and quota. Operational verification only; nothing is
// persisted or broadcast.
func (p *Pipeline) TestDeliver(ctx context.Context, ownerID farms.OwnerID) (string, error) {
	externalID, err := p.pusher.SendToOwner(ctx, ownerID, push.Payload{
		Title:    "AgroLert Test",
		Body:     "Push delivery is working for this device.",
		Severity: string(risk.SeverityLow),
		Data:     map[string]string{"kind": "test"},
	})
	if err != nil {
		p.metrics.PushAttempts.WithLabelValues(pushResultLabel(err)).Inc()
		return "", err
	}
	p.metrics.PushAttempts.WithLabelValues("success").Inc()
	return externalID, nil
}

// pushImmediate delivers an urgent alert, retrying once on a transient
// failure. On success both dedup windows and the quota reservation stand;
// on failure the reservation is returned so the attempt does not consume
// the owner's allowance.
func (p *Pipeline) pushImmediate(ctx context.Context, assessment risk.Assessment, record NotificationRecord, fingerprint string) error {
	payload := push.Payload{
		Title:    pushTitle(assessment.Severity, assessment.Dimension),
		Body:     assessment.Message,
		Severity: string(assessment.Severity),
		Data: map[string]string{
			"notification_id": record.ID,
			"farm_id":         record.FarmID,
			"category":        record.Category,
		},
	}

	externalID, err := p.pusher.SendToOwner(ctx, assessment.OwnerID, payload)
	if push.IsRetryable(err) {
		p.metrics.PushAttempts.WithLabelValues("retryable").Inc()
		externalID, err = p.pusher.SendToOwner(ctx, assessment.OwnerID, payload)
	}
	if err != nil {
		p.metrics.PushAttempts.WithLabelValues(pushResultLabel(err)).Inc()
		p.releaseQuota(ctx, assessment.OwnerID.String())
		p.logger.Warn("push delivery failed",
			zap.String("owner_id", record.OwnerID),
			zap.String("record_id", record.ID),
			zap.Error(err))
		return err
	}

	p.metrics.PushAttempts.WithLabelValues("success").Inc()
	if err := p.store.MarkSeen(ctx, dedup.WindowPush, fingerprint, p.pushWindow); err != nil {
		p.logger.Warn("push dedup mark failed", zap.Error(err))
	}
	if err := p.history.SetExternalDeliveryID(ctx, record.ID, externalID); err != nil {
		p.logger.Warn("external delivery id update failed",
			zap.String("record_id", record.ID),
			zap.Error(err))
	}
	return nil
}

// reserveQuota claims one hourly and one daily slot atomically per window.
// A daily refusal rolls back the hourly claim so the two counters stay
// consistent.
func (p *Pipeline) reserveQuota(ctx context.Context, ownerID string) (bool, error) {
	hourlyOK, err := p.store.ReserveQuota(ctx, ownerID, dedup.QuotaHourly, p.hourlyQuota)
	if err != nil {
		return false, fmt.Errorf("alerts: hourly quota: %w", err)
	}
	if !hourlyOK {
		return false, nil
	}
	dailyOK, err := p.store.ReserveQuota(ctx, ownerID, dedup.QuotaDaily, p.dailyQuota)
	if err != nil {
		p.releaseOne(ctx, ownerID, dedup.QuotaHourly)
		return false, fmt.Errorf("alerts: daily quota: %w", err)
	}
	if !dailyOK {
		p.releaseOne(ctx, ownerID, dedup.QuotaHourly)
		return false, nil
	}
	return true, nil
}

func (p *Pipeline) releaseQuota(ctx context.Context, ownerID string) {
	p.releaseOne(ctx, ownerID, dedup.QuotaHourly)
	p.releaseOne(ctx, ownerID, dedup.QuotaDaily)
}

func (p *Pipeline) releaseOne(ctx context.Context, ownerID string, window dedup.QuotaWindow) {
	if err := p.store.ReleaseQuota(ctx, ownerID, window); err != nil {
		p.logger.Warn("quota release failed",
			zap.String("owner_id", ownerID),
			zap.String("window", string(window)),
			zap.Error(err))
	}
}

func pushResultLabel(err error) string {
	if push.IsRetryable(err) {
		return "retryable"
	}
	return "fatal"
}

func pushTitle(severity risk.Severity, dimension risk.Dimension) string {
	label := map[risk.Dimension]string{
		risk.DimensionHeatStress:      "Heat Alert",
		risk.DimensionFrost:           "Frost Alert",
		risk.DimensionFlood:           "Flood Alert",
		risk.DimensionWindDamage:      "Wind Alert",
		risk.DimensionDiseasePressure: "Disease Alert",
	}[dimension]
	if label == "" {
		label = "Weather Alert"
	}
	if severity == risk.SeverityCritical {
		return "URGENT: " + label
	}
	return label
}
