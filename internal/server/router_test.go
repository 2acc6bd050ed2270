package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agrolert/backend/internal/alerts"
	"github.com/agrolert/backend/internal/auth"
	"github.com/agrolert/backend/internal/farms"
	"github.com/agrolert/backend/internal/monitor"
	"github.com/agrolert/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stubDeliverer struct {
	externalID string
	err        error
	owners     []string
}

func (s *stubDeliverer) TestDeliver(_ context.Context, ownerID farms.OwnerID) (string, error) {
	s.owners = append(s.owners, ownerID.String())
	return s.externalID, s.err
}

type stubStateReporter struct{ state monitor.State }

func (s stubStateReporter) State() monitor.State { return s.state }

type routerFixture struct {
	server      *httptest.Server
	history     *alerts.HistoryService
	broadcaster *realtime.Broadcaster
	deliverer   *stubDeliverer
	token       string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&alerts.NotificationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	history, err := alerts.NewHistoryService(alerts.HistoryServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build history service: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "agrolert-auth",
		Audience:      "agrolert-api",
		TokenTTL:      time.Minute,
	})
	broadcaster := realtime.NewBroadcaster()
	deliverer := &stubDeliverer{externalID: "ext-test"}

	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator: issuer,
		History:        history,
		Broadcaster:    broadcaster,
		Pipeline:       deliverer,
		Monitor:        stubStateReporter{state: monitor.StateIdle},
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	token, _, err := issuer.IssueOwnerToken("owner-1")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return &routerFixture{
		server:      server,
		history:     history,
		broadcaster: broadcaster,
		deliverer:   deliverer,
		token:       token,
	}
}

func (f *routerFixture) do(t *testing.T, method, path string, authorize bool) *http.Response {
	t.Helper()
	request, err := http.NewRequest(method, f.server.URL+path, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if authorize {
		request.Header.Set("Authorization", "Bearer "+f.token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func (f *routerFixture) seed(t *testing.T, id string, createdAt int64) {
	t.Helper()
	record := alerts.NotificationRecord{
		ID:        id,
		OwnerID:   "owner-1",
		FarmID:    "farm-1",
		Severity:  "high",
		Category:  "frost",
		Message:   "Frost risk tonight.",
		CreatedAt: createdAt,
	}
	if err := f.history.Save(context.Background(), record); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
}

func TestHealthEndpointIsPublic(t *testing.T) {
	fixture := newRouterFixture(t)
	response := fixture.do(t, http.MethodGet, "/healthz", false)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", response.StatusCode)
	}
	var payload map[string]string
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["monitor"] != string(monitor.StateIdle) {
		t.Fatalf("expected monitor state in health payload, got %v", payload)
	}
}

func TestAPIRejectsMissingToken(t *testing.T) {
	fixture := newRouterFixture(t)
	response := fixture.do(t, http.MethodGet, "/api/notifications", false)
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", response.StatusCode)
	}
}

func TestListNotificationsReturnsOwnerHistory(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seed(t, "record-1", 1700000000)
	fixture.seed(t, "record-2", 1700000100)

	response := fixture.do(t, http.MethodGet, "/api/notifications?page=1&page_size=10", true)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", response.StatusCode)
	}
	var payload listResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.TotalCount != 2 || payload.UnreadCount != 2 {
		t.Fatalf("unexpected counts: %+v", payload)
	}
	if len(payload.Notifications) != 2 || payload.Notifications[0].ID != "record-2" {
		t.Fatalf("expected newest-first listing, got %+v", payload.Notifications)
	}
}

func TestMarkReadRoundTrip(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seed(t, "record-1", 1700000000)

	response := fixture.do(t, http.MethodPatch, "/api/notifications/record-1/read", true)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", response.StatusCode)
	}

	countResponse := fixture.do(t, http.MethodGet, "/api/notifications/unread-count", true)
	var payload map[string]int64
	if err := json.NewDecoder(countResponse.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["unread_count"] != 0 {
		t.Fatalf("expected zero unread after mark-read, got %d", payload["unread_count"])
	}
}

func TestMarkReadUnknownRecordReturnsNotFound(t *testing.T) {
	fixture := newRouterFixture(t)
	response := fixture.do(t, http.MethodPatch, "/api/notifications/missing/read", true)
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown record, got %d", response.StatusCode)
	}
}

func TestMarkAllReadReportsUpdatedCount(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seed(t, "record-1", 1700000000)
	fixture.seed(t, "record-2", 1700000100)

	response := fixture.do(t, http.MethodPost, "/api/notifications/read-all", true)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", response.StatusCode)
	}
	var payload map[string]int64
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["updated"] != 2 {
		t.Fatalf("expected 2 updated rows, got %d", payload["updated"])
	}
}

func TestDeleteOlderThanValidatesInput(t *testing.T) {
	fixture := newRouterFixture(t)
	response := fixture.do(t, http.MethodDelete, "/api/notifications?older_than_days=zero", true)
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid age, got %d", response.StatusCode)
	}
}

func TestDeleteOlderThanRemovesAgedRecords(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seed(t, "record-old", time.Now().Add(-72*time.Hour).Unix())
	fixture.seed(t, "record-new", time.Now().Unix())

	response := fixture.do(t, http.MethodDelete, "/api/notifications?older_than_days=2", true)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", response.StatusCode)
	}
	var payload map[string]int64
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["deleted"] != 1 {
		t.Fatalf("expected 1 deleted row, got %d", payload["deleted"])
	}
}

func TestTestDeliverRoutesToPipeline(t *testing.T) {
	fixture := newRouterFixture(t)
	response := fixture.do(t, http.MethodPost, "/api/push/test", true)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", response.StatusCode)
	}
	if len(fixture.deliverer.owners) != 1 || fixture.deliverer.owners[0] != "owner-1" {
		t.Fatalf("expected synthetic push for owner-1, got %v", fixture.deliverer.owners)
	}
}

func TestTestDeliverWithoutDeviceTokenConflicts(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.deliverer.err = farms.ErrNoDeviceToken

	response := fixture.do(t, http.MethodPost, "/api/push/test", true)
	if response.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without device token, got %d", response.StatusCode)
	}
}
