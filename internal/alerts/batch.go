package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agrolert/backend/internal/dedup"
	"github.com/agrolert/backend/internal/farms"
	"github.com/agrolert/backend/internal/observability"
	"github.com/agrolert/backend/internal/push"
	"github.com/agrolert/backend/internal/risk"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const defaultMaxQueuedPerOwner = 50

// batchItem is one queued non-urgent notification awaiting the next flush.
type batchItem struct {
	recordID     string
	ownerID      farms.OwnerID
	severity     risk.Severity
	message      string
	fingerprint  string
	pushEligible bool
}

// DispatcherConfig describes the dependencies of the batch dispatcher.
type DispatcherConfig struct {
	Pusher  Pusher
	Store   dedup.Store
	History *HistoryService
	Metrics *observability.Metrics
	Logger  *zap.Logger
	Clock   clockwork.Clock

	FlushInterval     time.Duration
	PushDedupWindow   time.Duration
	MaxQueuedPerOwner int
}

// Dispatcher accumulates routine alerts per owner and flushes each owner's
// queue as one grouped push on a fixed interval. Queued items live only in
// process memory; an ungraceful exit loses them, which is the accepted
// trade-off for keeping routine alerts off the urgent path.
type Dispatcher struct {
	pusher  Pusher
	store   dedup.Store
	history *HistoryService
	metrics *observability.Metrics
	logger  *zap.Logger
	clock   clockwork.Clock

	flushInterval time.Duration
	pushWindow    time.Duration
	maxPerOwner   int

	mu     sync.Mutex
	queues map[string][]batchItem

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewDispatcher constructs the batch dispatcher. Call Run to start flushing.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Pusher == nil {
		return nil, fmt.Errorf("alerts: push adapter is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("alerts: dedup store is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("alerts: history service is required")
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("alerts: flush interval must be positive")
	}
	if cfg.PushDedupWindow <= 0 {
		return nil, fmt.Errorf("alerts: push dedup window must be positive")
	}
	maxPerOwner := cfg.MaxQueuedPerOwner
	if maxPerOwner <= 0 {
		maxPerOwner = defaultMaxQueuedPerOwner
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
	return &Dispatcher{
		pusher:        cfg.Pusher,
		store:         cfg.Store,
		history:       cfg.History,
		metrics:       metrics,
		logger:        logger,
		clock:         clock,
		flushInterval: cfg.FlushInterval,
		pushWindow:    cfg.PushDedupWindow,
		maxPerOwner:   maxPerOwner,
		queues:        make(map[string][]batchItem),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// Enqueue adds an item to its owner's queue without blocking. It reports
// false when the owner's queue is full; the item is rejected rather than
// growing the queue without bound.
func (d *Dispatcher) Enqueue(item batchItem) bool {
	ownerKey := item.ownerID.String()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queues[ownerKey]) >= d.maxPerOwner {
		return false
	}
	d.queues[ownerKey] = append(d.queues[ownerKey], item)
	return true
}

// QueuedCount reports how many items the owner currently has pending.
func (d *Dispatcher) QueuedCount(ownerID farms.OwnerID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[ownerID.String()])
}

// Run flushes queues on the configured interval until Stop is called or ctx
// is cancelled. A final flush drains whatever is queued at shutdown.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.stopped)
	ticker := d.clock.NewTicker(d.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			d.FlushAll(ctx)
		case <-d.stop:
			d.FlushAll(context.WithoutCancel(ctx))
			return
		case <-ctx.Done():
			d.FlushAll(context.WithoutCancel(ctx))
			return
		}
	}
}

// Stop signals Run to perform a final drain flush and exit, then waits for
// it to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	<-d.stopped
}

// FlushAll delivers every owner's pending queue. An empty queue performs no
// adapter call; a populated queue becomes exactly one grouped push.
func (d *Dispatcher) FlushAll(ctx context.Context) {
	d.mu.Lock()
	pending := d.queues
	d.queues = make(map[string][]batchItem)
	d.mu.Unlock()

	for ownerKey, items := range pending {
		if len(items) == 0 {
			continue
		}
		d.flushOwner(ctx, farms.OwnerID(ownerKey), items)
	}
}

func (d *Dispatcher) flushOwner(ctx context.Context, ownerID farms.OwnerID, items []batchItem) {
	// Items whose fingerprint was pushed inside the short window were
	// accepted for history and stream only; they leave the queue without a
	// second push.
	eligible := items[:0:0]
	for _, item := range items {
		if item.pushEligible {
			eligible = append(eligible, item)
		}
	}
	if len(eligible) == 0 {
		return
	}
	items = eligible
	d.metrics.BatchFlushSize.Observe(float64(len(items)))

	payload := groupedPayload(items)
	externalID, err := d.pusher.SendToOwner(ctx, ownerID, payload)
	if push.IsRetryable(err) {
		d.metrics.PushAttempts.WithLabelValues("retryable").Inc()
		externalID, err = d.pusher.SendToOwner(ctx, ownerID, payload)
	}
	if err != nil {
		d.metrics.PushAttempts.WithLabelValues(pushResultLabel(err)).Inc()
		d.logger.Warn("batch push failed",
			zap.String("owner_id", ownerID.String()),
			zap.Int("items", len(items)),
			zap.Error(err))
		// The records stay visible in history; only the push side of the
		// quota reservation is returned.
		for _, item := range items {
			d.releaseQuota(ctx, item.ownerID.String())
		}
		return
	}

	d.metrics.PushAttempts.WithLabelValues("success").Inc()
	for _, item := range items {
		if err := d.store.MarkSeen(ctx, dedup.WindowPush, item.fingerprint, d.pushWindow); err != nil {
			d.logger.Warn("push dedup mark failed", zap.Error(err))
		}
		if err := d.history.SetExternalDeliveryID(ctx, item.recordID, externalID); err != nil {
			d.logger.Warn("external delivery id update failed",
				zap.String("record_id", item.recordID),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) releaseQuota(ctx context.Context, ownerID string) {
	for _, window := range []dedup.QuotaWindow{dedup.QuotaHourly, dedup.QuotaDaily} {
		if err := d.store.ReleaseQuota(ctx, ownerID, window); err != nil {
			d.logger.Warn("quota release failed",
				zap.String("owner_id", ownerID),
				zap.String("window", string(window)),
				zap.Error(err))
		}
	}
}

// groupedPayload summarizes a queue into one push: count in the title, the
// most severe item's message as the body.
func groupedPayload(items []batchItem) push.Payload {
	top := items[0]
	for _, item := range items[1:] {
		if item.severity.Rank() > top.severity.Rank() {
			top = item
		}
	}

	title := "Weather Update"
	if len(items) > 1 {
		title = fmt.Sprintf("%d Weather Updates", len(items))
	}
	body := top.message
	if len(items) > 1 {
		body = fmt.Sprintf("%s (and %d more)", top.message, len(items)-1)
	}
	return push.Payload{
		Title:    title,
		Body:     body,
		Severity: string(top.severity),
		Data:     map[string]string{"count": fmt.Sprintf("%d", len(items))},
	}
}
