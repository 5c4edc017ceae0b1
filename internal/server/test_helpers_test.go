package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/terrains/internal/auth"
	"github.com/MarcoPoloResearchLab/terrains/internal/contributions"
	"github.com/MarcoPoloResearchLab/terrains/internal/database"
	"github.com/MarcoPoloResearchLab/terrains/internal/terrains"
	"github.com/MarcoPoloResearchLab/terrains/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testToken      = "valid-token"
	testOwnerToken = "other-token"
)

var testNow = time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)

type stubSessionValidator struct{}

func (stubSessionValidator) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	switch r.Header.Get("Authorization") {
	case "Bearer " + testToken:
		return auth.SessionClaims{UserID: "google:user-1", RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}}, nil
	case "Bearer " + testOwnerToken:
		return auth.SessionClaims{UserID: "google:user-2", RegisteredClaims: jwt.RegisteredClaims{Subject: "user-2"}}, nil
	case "Bearer expired":
		return auth.SessionClaims{}, auth.ErrExpiredSessionToken
	default:
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	}
}

type stubFetcher struct {
	mu        sync.Mutex
	responses [][]contributions.KingdomContribution
	err       error
	calls     int
}

func (f *stubFetcher) Fetch(_ context.Context, _ contributions.TerrainID, _, _ contributions.Date) ([]contributions.KingdomContribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := f.calls
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, nil
	}
	if index >= len(f.responses) {
		index = len(f.responses) - 1
	}
	return f.responses[index], nil
}

type testServer struct {
	handler   http.Handler
	db        *gorm.DB
	fetcher   *stubFetcher
	collector *contributions.Collector
	feed      *contributions.ChangeFeed
}

func newTestServer(t *testing.T, fetcher *stubFetcher) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if fetcher == nil {
		fetcher = &stubFetcher{}
	}
	feed := contributions.NewChangeFeed()
	collector, err := contributions.NewCollector(contributions.CollectorConfig{
		Database: db,
		Fetcher:  fetcher,
		Feed:     feed,
		Clock:    func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("failed to construct collector: %v", err)
	}
	ranker, err := contributions.NewRanker(contributions.RankerConfig{Database: db, Feed: feed})
	if err != nil {
		t.Fatalf("failed to construct ranker: %v", err)
	}
	terrainService, err := terrains.NewService(terrains.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct terrain service: %v", err)
	}
	owners, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator:  stubSessionValidator{},
		Owners:            owners,
		TerrainService:    terrainService,
		Collector:         collector,
		Ranker:            ranker,
		MetricsHandler:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics\n")) }),
		Clock:             func() time.Time { return testNow },
		Location:          time.UTC,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &testServer{handler: handler, db: db, fetcher: fetcher, collector: collector, feed: feed}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	decodeBody(t, recorder, &payload)
	return payload.Error
}

func kingdom(id, name string, total float64) contributions.KingdomContribution {
	return contributions.KingdomContribution{KingdomID: contributions.KingdomID(id), Name: name, Continent: "12", Total: total}
}

var errUpstream = errors.New("upstream unavailable")

func newGinContext(recorder *httptest.ResponseRecorder, token string) (*gin.Context, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	ctx, engine := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/terrains", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	ctx.Request = request
	return ctx, engine
}
