package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/phiwatch/internal/activation"
	"github.com/straja-ai/phiwatch/internal/alerts"
	"github.com/straja-ai/phiwatch/internal/auth"
	"github.com/straja-ai/phiwatch/internal/config"
	"github.com/straja-ai/phiwatch/internal/engine"
	"github.com/straja-ai/phiwatch/internal/metrics"
	"github.com/straja-ai/phiwatch/internal/observability"
	"github.com/straja-ai/phiwatch/internal/store"
)

const blockedInput = "SSN 123-45-6789 email a@b.com phone 5551234567 patient"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	srv   *Server
	store engine.Store
	prom  *observability.Prometheus
}

type envOption func(*config.Config, *Deps)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := config.Default()
	deps := Deps{Prometheus: observability.NewPrometheus()}
	var st engine.Store = store.NewMemoryStore()
	for _, o := range opts {
		o(cfg, &deps)
	}
	if deps.Engine == nil {
		eng, err := engine.New(engine.Options{Store: st, Observer: deps.Prometheus})
		require.NoError(t, err)
		deps.Engine = eng
	}
	if deps.Auth == nil {
		a, err := auth.NewFromConfig(cfg)
		require.NoError(t, err)
		deps.Auth = a
	}
	srv, err := New(cfg.Server, deps)
	require.NoError(t, err)
	return &testEnv{srv: srv, store: deps.Engine.Store(), prom: deps.Prometheus}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestCheckOutput(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/check-output", map[string]any{
		"input":     "Contact me at a@b.com regarding patient diagnosis",
		"output":    "",
		"modelName": "gpt-test",
		"metadata":  map[string]any{"tenant": "clinic-a"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[checkOutputResponse](t, rec)
	assert.Equal(t, "FLAGGED", string(resp.Status))
	assert.InDelta(t, 0.5, resp.RiskScore, 1e-9)
	assert.Equal(t, []string{"Email address detected", "Patient information referenced"}, resp.Reasons)
	assert.NotEmpty(t, resp.ID)
	assert.False(t, resp.Degraded)

	rec = env.do(t, http.MethodPost, "/api/check-output", map[string]any{
		"input":     "Patient SSN is 123-45-6789",
		"output":    "Confirmed.",
		"modelName": "gpt-test",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reasons":[]`)
	assert.Contains(t, rec.Body.String(), `"status":"SAFE"`)
	assert.NotContains(t, rec.Body.String(), "degraded")

	rec = env.do(t, http.MethodGet, "/api/logs?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[[]engine.Evaluation](t, rec)
	require.Len(t, logs, 1)
	assert.Equal(t, "Patient SSN is [REDACTED_SSN]", logs[0].Input)
}

func TestCheckOutput_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/check-output", `{"input": "x", "modelName": ""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "modelName", body.Error.Field)

	rec = env.do(t, http.MethodPost, "/api/check-output", `{"input": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/logs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckOutput_BodyLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, _ *Deps) { c.Server.MaxRequestBodyBytes = 64 })
	rec := env.do(t, http.MethodPost, "/api/check-output", map[string]any{
		"input":     strings.Repeat("a", 200),
		"modelName": "m",
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

type brokenStore struct{ *store.MemoryStore }

func (brokenStore) AppendEvaluation(context.Context, engine.Evaluation) error {
	return errors.New("disk full")
}

func TestCheckOutput_DegradedPersistence(t *testing.T) {
	env := newTestEnv(t, func(_ *config.Config, d *Deps) {
		eng, err := engine.New(engine.Options{Store: brokenStore{store.NewMemoryStore()}})
		require.NoError(t, err)
		d.Engine = eng
	})
	rec := env.do(t, http.MethodPost, "/api/check-output", map[string]any{"input": "hello", "modelName": "m"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[checkOutputResponse](t, rec)
	assert.True(t, resp.Degraded)
	assert.NotEmpty(t, resp.Warning)
	assert.Equal(t, "SAFE", string(resp.Status))
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, _ *Deps) {
		c.Clients = []config.ClientConfig{{ID: "dashboard", APIKeys: []string{"phw_secret"}}}
	})

	rec := env.do(t, http.MethodGet, "/api/metrics", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/metrics", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/metrics", nil, "Authorization", "Bearer phw_secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, _ *Deps) {
		c.Server.RateLimitRPS = 0.001
		c.Server.RateLimitBurst = 2
	})
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/alerts", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/alerts", nil).Code)
	rec := env.do(t, http.MethodGet, "/api/alerts", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, _ *Deps) {
		c.Server.CORSAllowedOrigins = []string{"https://dash.example"}
	})
	rec := env.do(t, http.MethodOptions, "/api/check-output", nil, "Origin", "https://dash.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(t, http.MethodGet, "/api/alerts", nil, "Origin", "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAlertsLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/check-output", map[string]any{"input": blockedInput, "modelName": "gpt-test"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BLOCKED", string(decode[checkOutputResponse](t, rec).Status))

	rec = env.do(t, http.MethodGet, "/api/alerts?status=open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	open := decode[[]alerts.Alert](t, rec)
	require.Len(t, open, 1)
	assert.Equal(t, alerts.TypePHIExposure, open[0].AlertType)

	rec = env.do(t, http.MethodPost, "/api/alerts/"+open[0].ID+"/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decode[alerts.Alert](t, rec)
	assert.Equal(t, alerts.StatusResolved, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)

	rec = env.do(t, http.MethodPost, "/api/alerts/"+open[0].ID+"/resolve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/alerts/does-not-exist/resolve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/alerts?status=pending", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/alerts?status=open", nil)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[metrics.Snapshot](t, rec)
	assert.Equal(t, 100.0, snap.ComplianceScore)
	assert.Equal(t, 0, snap.TotalCount)

	for _, in := range []string{"hello", "Contact me at a@b.com regarding patient diagnosis", "fine", "ok"} {
		require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/check-output", map[string]any{"input": in, "modelName": "m"}).Code)
	}

	rec = env.do(t, http.MethodPost, "/api/metrics/recompute?window_hours=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decode[metrics.Snapshot](t, rec)
	assert.Equal(t, 4, snap.TotalCount)
	assert.Equal(t, 1, snap.FlaggedCount)
	assert.InDelta(t, 75.0, snap.ComplianceScore, 1e-9)

	rec = env.do(t, http.MethodPost, "/api/metrics/recompute?window_hours=-3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/metrics/history?days=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]metrics.Snapshot](t, rec)
	assert.Len(t, history, 2)

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `phiwatch_evaluations_total{status="FLAGGED"} 1`)
	assert.Contains(t, rec.Body.String(), "phiwatch_window_compliance_score_percent 75")
}

func TestMonitoringEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/drift-data", map[string]any{
		"modelName": "gpt-test", "driftScore": 12.5, "baselineAccuracy": 0.9, "currentAccuracy": 0.8,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	drift := decode[recordResponse[engine.DriftMeasurement]](t, rec)
	assert.NotEmpty(t, drift.Record.ID)
	require.NotNil(t, drift.Alert)
	assert.Equal(t, alerts.SeverityHigh, drift.Alert.Severity)

	rec = env.do(t, http.MethodGet, "/api/drift-data?model=gpt-test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]engine.DriftMeasurement](t, rec), 1)

	rec = env.do(t, http.MethodPost, "/api/bias-results", map[string]any{"modelName": "gpt-test", "demographicGroup": "", "biasScore": 0.3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/bias-results", map[string]any{"modelName": "gpt-test", "demographicGroup": "age_65_plus", "biasScore": 0.05})
	require.Equal(t, http.StatusCreated, rec.Code)
	bias := decode[recordResponse[engine.BiasResult]](t, rec)
	assert.Nil(t, bias.Alert)

	rec = env.do(t, http.MethodGet, "/api/bias-results", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]engine.BiasResult](t, rec), 1)

	rec = env.do(t, http.MethodPost, "/api/training-scans", map[string]any{"fileName": "notes.csv", "totalRows": 100, "flaggedRows": 20})
	require.Equal(t, http.StatusCreated, rec.Code)
	scan := decode[recordResponse[engine.TrainingScan]](t, rec)
	require.NotNil(t, scan.Alert)
	assert.Equal(t, alerts.TypeTrainingData, scan.Alert.AlertType)

	rec = env.do(t, http.MethodGet, "/api/training-scans?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]engine.TrainingScan](t, rec), 1)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"phiwatch-patterns"`)
}

func TestAlertStream(t *testing.T) {
	hub := NewHub()
	em := activation.NewEmitter(activation.EmitterConfig{QueueSize: 16, Workers: 1}, []activation.Sink{hub})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		em.Close(ctx)
	})

	env := newTestEnv(t, func(_ *config.Config, d *Deps) {
		eng, err := engine.New(engine.Options{Store: store.NewMemoryStore(), Events: em})
		require.NoError(t, err)
		d.Engine = eng
		d.Hub = hub
		d.Emitter = em
	})

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/alerts/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	body, err := json.Marshal(map[string]any{"input": blockedInput, "modelName": "gpt-test"})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/check-output", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev activation.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, activation.KindAlertRaised, ev.Kind)
	assert.Equal(t, alerts.TypePHIExposure, ev.Alert.AlertType)
	assert.Equal(t, activation.EventVersion, ev.Version)

	require.NoError(t, hub.Close(context.Background()))
	assert.Equal(t, 0, hub.Clients())
	assert.Error(t, hub.Deliver(context.Background(), &ev))
}

func TestConsoleIsServedWithoutAuth(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, _ *Deps) {
		c.Clients = []config.ClientConfig{{ID: "dashboard", APIKeys: []string{"phw_secret"}}}
	})
	rec := env.do(t, http.MethodGet, "/console", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "noindex, nofollow", rec.Header().Get("X-Robots-Tag"))
}

func TestAuditReports(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/check-output", map[string]any{
		"input":     "SSN 123-45-6789 email a@b.com phone 5551234567 born 1/2/1980",
		"output":    "patient diagnosis noted",
		"modelName": "gpt-test",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/generate-report", map[string]any{
		"reportType": "monthly", "complianceFramework": "gdpr", "periodDays": 7,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[engine.AuditReport](t, rec)
	assert.Equal(t, "GDPR", created.Framework)
	assert.Equal(t, 1, created.Findings.BlockedEvaluations)
	assert.Equal(t, 1, created.Findings.OpenAlerts)
	assert.False(t, created.Findings.Compliant)
	assert.NotEmpty(t, created.Recommendations)

	rec = env.do(t, http.MethodGet, "/api/report/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.Title, decode[engine.AuditReport](t, rec).Title)

	rec = env.do(t, http.MethodGet, "/api/report/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/audit-reports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]engine.AuditReport](t, rec), 1)

	rec = env.do(t, http.MethodPost, "/api/generate-report", map[string]any{"reportType": "monthly"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "complianceFramework", decode[errorBody](t, rec).Error.Field)
}
