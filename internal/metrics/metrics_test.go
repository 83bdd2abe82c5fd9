package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"refbot/internal/store"
	"refbot/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics(t *testing.T) {
	m := New(zap.NewNop())

	m.ObserveDialogEvent("start", "no_referral")
	m.ObserveDialogEvent("start", "no_referral")
	m.ObserveAttribution("attributed")
	m.ObserveBackendCall("postgres", "create_profile", store.StatusOK, 15*time.Millisecond)
	m.SetActiveSessions(3)
	m.RecordAudit(2, time.Unix(1700000000, 0))

	// неизвестные имена только логируются
	m.IncrementCounter("unknown_total", "x")
	m.SetGauge("unknown", 1)

	out := scrape(t, m.Handler())
	assert.Contains(t, out, `onboarding_events_total{event="start",result="no_referral"} 2`)
	assert.Contains(t, out, `referral_attributions_total{outcome="attributed"} 1`)
	assert.Contains(t, out, `storage_calls_total{backend="postgres",op="create_profile",status="ok"} 1`)
	assert.Contains(t, out, `storage_call_duration_seconds_count{backend="postgres",op="create_profile"} 1`)
	assert.Contains(t, out, "onboarding_active_sessions 3")
	assert.Contains(t, out, "referral_orphans 2")
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// повторное создание не паникует на регистрации
	a := New(zap.NewNop())
	b := New(zap.NewNop())
	a.ObserveAttribution("partial")

	assert.Contains(t, scrape(t, a.Handler()), `referral_attributions_total{outcome="partial"} 1`)
	assert.NotContains(t, scrape(t, b.Handler()), `outcome="partial"`)
}

func TestHandler_Health(t *testing.T) {
	h := NewHandler(New(zap.NewNop()), "refbot", nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"refbot"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/referrals/"+uuid.NewString()+"/stats", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Stats(t *testing.T) {
	known := uuid.New()
	broken := uuid.New()

	stats := func(_ context.Context, id uuid.UUID) (*models.LevelCounts, error) {
		switch id {
		case known:
			lc := &models.LevelCounts{Source: models.StatsSourceRecursive}
			lc.SetLevel(1, 2)
			lc.SetLevel(2, 1)
			return lc, nil
		case broken:
			return nil, &store.BackendError{Backend: "rest", Op: "stats", Err: assert.AnError}
		default:
			return nil, fmt.Errorf("профиль: %w", store.ErrNotFound)
		}
	}
	h := NewHandler(New(zap.NewNop()), "refbot", stats, zap.NewNop())

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"найден", "/referrals/" + known.String() + "/stats", http.StatusOK},
		{"не найден", "/referrals/" + uuid.NewString() + "/stats", http.StatusNotFound},
		{"хранилище недоступно", "/referrals/" + broken.String() + "/stats", http.StatusServiceUnavailable},
		{"некорректный id", "/referrals/abc/stats", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/referrals/"+known.String()+"/stats", nil))

	var lc models.LevelCounts
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&lc))
	assert.Equal(t, 2, lc.Level1Count)
	assert.Equal(t, 3, lc.Total)
}
