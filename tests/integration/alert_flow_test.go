package integration_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agrolert/backend/internal/alerts"
	"github.com/agrolert/backend/internal/database"
	"github.com/agrolert/backend/internal/dedup"
	"github.com/agrolert/backend/internal/farms"
	"github.com/agrolert/backend/internal/monitor"
	"github.com/agrolert/backend/internal/push"
	"github.com/agrolert/backend/internal/realtime"
	"github.com/agrolert/backend/internal/risk"
	"github.com/agrolert/backend/internal/weather"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type stubSource struct {
	observation weather.Observation
}

func (s stubSource) FetchObservation(_ context.Context, location weather.Location) (weather.Observation, error) {
	observation := s.observation
	observation.Location = location
	return observation, nil
}

// heatwaveObservation is hot enough to be critical for wheat.
func heatwaveObservation() weather.Observation {
	return weather.Observation{
		TemperatureC: 46,
		HumidityPct:  30,
		RainfallMm:   0,
		WindSpeedKmh: 10,
		Fields:       weather.FieldTemperature | weather.FieldHumidity | weather.FieldRainfall | weather.FieldWindSpeed,
	}
}

func TestMonitorToPushFlow(testContext *testing.T) {
	var pushCalls atomic.Int64
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushCalls.Add(1)
		w.Write([]byte(`{"message_id": "ext-flow-1"}`))
	}))
	defer provider.Close()

	databasePath := filepath.Join(testContext.TempDir(), "integration.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	farmService, err := farms.NewService(farms.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build farm service: %v", err)
	}
	if err := db.Create(&farms.Farm{
		FarmID:    "farm-wheat",
		OwnerID:   "owner-flow",
		CropType:  "wheat",
		Latitude:  48.1,
		Longitude: 11.5,
		Active:    true,
	}).Error; err != nil {
		testContext.Fatalf("failed to seed farm: %v", err)
	}
	if err := farmService.RegisterDeviceToken(context.Background(), farms.OwnerID("owner-flow"), "device-flow"); err != nil {
		testContext.Fatalf("failed to register device token: %v", err)
	}

	historyService, err := alerts.NewHistoryService(alerts.HistoryServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build history service: %v", err)
	}

	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	store := dedup.NewMemoryStore(clock)
	broadcaster := realtime.NewBroadcaster()

	pushAdapter, err := push.NewAdapter(push.AdapterConfig{
		ProviderURL: provider.URL,
		ProviderKey: "integration-key",
		Tokens:      farmService,
	})
	if err != nil {
		testContext.Fatalf("failed to build push adapter: %v", err)
	}

	dispatcher, err := alerts.NewDispatcher(alerts.DispatcherConfig{
		Pusher:          pushAdapter,
		Store:           store,
		History:         historyService,
		Clock:           clock,
		FlushInterval:   15 * time.Minute,
		PushDedupWindow: time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build dispatcher: %v", err)
	}

	pipeline, err := alerts.NewPipeline(alerts.PipelineConfig{
		Store:           store,
		History:         historyService,
		Broadcaster:     broadcaster,
		Pusher:          pushAdapter,
		Dispatcher:      dispatcher,
		Clock:           clock,
		PushDedupWindow: time.Hour,
		HistoryWindow:   24 * time.Hour,
		HourlyQuota:     5,
		DailyQuota:      20,
	})
	if err != nil {
		testContext.Fatalf("failed to build pipeline: %v", err)
	}

	alertMonitor, err := monitor.NewMonitor(monitor.Config{
		Farms:    farmService,
		Source:   stubSource{observation: heatwaveObservation()},
		Engine:   risk.NewEngine(),
		Pipeline: pipeline,
		Clock:    clock,
		Interval: 5 * time.Minute,
		Workers:  2,
	})
	if err != nil {
		testContext.Fatalf("failed to build monitor: %v", err)
	}

	streamCtx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	stream, cleanup := broadcaster.Subscribe(streamCtx, "owner-flow")
	defer cleanup()

	alertMonitor.RunTick(context.Background())

	if got := pushCalls.Load(); got != 1 {
		testContext.Fatalf("expected one immediate push, got %d", got)
	}
	select {
	case event := <-stream:
		if event.Severity != "critical" || event.Category != "heat-stress" {
			testContext.Fatalf("unexpected broadcast event: %+v", event)
		}
	default:
		testContext.Fatal("expected broadcast event from evaluation")
	}

	page, err := historyService.List(context.Background(), farms.OwnerID("owner-flow"), 1, 10)
	if err != nil {
		testContext.Fatalf("failed to list history: %v", err)
	}
	if len(page.Records) != 1 {
		testContext.Fatalf("expected one record, got %d", len(page.Records))
	}
	record := page.Records[0]
	if record.Severity != "critical" || record.ExternalDeliveryID != "ext-flow-1" {
		testContext.Fatalf("unexpected record: %+v", record)
	}

	// A second tick ten minutes later hits the history dedup window: no new
	// record, no second push.
	clock.Advance(10 * time.Minute)
	alertMonitor.RunTick(context.Background())

	if got := pushCalls.Load(); got != 1 {
		testContext.Fatalf("expected no second push, got %d", got)
	}
	page, err = historyService.List(context.Background(), farms.OwnerID("owner-flow"), 1, 10)
	if err != nil {
		testContext.Fatalf("failed to list history: %v", err)
	}
	if page.TotalCount != 1 {
		testContext.Fatalf("expected the duplicate to be suppressed, got %d records", page.TotalCount)
	}
}
