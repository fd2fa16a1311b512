package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/audit"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/console/handler"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/console/service"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/domain"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/engine"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/flightlog"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/infra"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/infra/auth"
)

const head = `"v":"1","ts":"2026-03-01T11:00:00Z","trace_id":"api","actor":"agent","payload_digest":"p","domain_class":"X"`

var riskyLog = strings.Join([]string{
	`{` + head + `,"seq":1,"event_type":"DEP_INSTALL","declared":true,"details":{"package":"left-pad","version":"latest"}}`,
	`{` + head + `,"seq":2,"event_type":"PROC_EXEC","details":{"cmd":"make"}}`,
	`{` + head + `,"seq":3,"event_type":"FILE_IO","declared":true,"details":{"path":"/etc/passwd","op":"write"}}`,
}, "\n")

type chainStore struct {
	chains map[string][]audit.Receipt
}

func (c chainStore) FetchChain(_ context.Context, runID string) ([]audit.Receipt, error) {
	return c.chains[runID], nil
}

type anchorStore map[string]audit.Anchor

func (a anchorStore) FetchAnchor(_ context.Context, runID string) (audit.Anchor, error) {
	return a[runID], nil
}

func newServer(t *testing.T, cfg infra.ServerConfig, validator auth.TokenValidator, chains service.ChainSource, anchors service.AnchorSource) *ConsoleServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)
	log := zap.NewNop()
	runs := service.NewRunService(nil, engine.Options{}, metrics, log)
	verify := service.NewVerifyService(chains, anchors, nil, log)
	return NewConsoleServer(cfg, log, validator, reg,
		handler.NewRunHandler(runs, log), handler.NewVerifyHandler(verify, log))
}

func do(s http.Handler, method, target, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestCreateRun(t *testing.T) {
	s := newServer(t, infra.ServerConfig{}, nil, nil, nil)

	rec := do(s, http.MethodPost, "/v1/runs?policy_sim=true&anchor=true", riskyLog, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp handler.RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, domain.StatusAttention, resp.Badge.Status)
	require.NotNil(t, resp.Badge.PolicySimulation)
	assert.True(t, resp.Badge.PolicySimulation.WouldBlock)
	assert.Equal(t, 3, resp.Badge.PolicySimulation.ViolationCount)
	require.Len(t, resp.Receipts, 3)
	require.NotNil(t, resp.Anchor)
	assert.Equal(t, resp.Badge.Tip, resp.Anchor.Tip)
	assert.True(t, audit.Verify(resp.Receipts).OK)

	// метрики прогона видны на /metrics
	m := do(s, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, m.Code)
	assert.Contains(t, m.Body.String(), "flightrec_runs_total")
}

func TestCreateRunBadParams(t *testing.T) {
	s := newServer(t, infra.ServerConfig{}, nil, nil, nil)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/v1/runs?profile=nope", riskyLog, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/v1/runs?policy_sim=maybe", riskyLog, "").Code)
}

func TestCreateRunBodyLimit(t *testing.T) {
	s := newServer(t, infra.ServerConfig{MaxBodyBytes: 64}, nil, nil, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, do(s, http.MethodPost, "/v1/runs", riskyLog, "").Code)
}

func TestProfiles(t *testing.T) {
	s := newServer(t, infra.ServerConfig{}, nil, nil, nil)
	rec := do(s, http.MethodGet, "/v1/profiles", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"profiles":["default","minimal","strict"]}`, rec.Body.String())
}

func TestVerifyEndpoint(t *testing.T) {
	s := newServer(t, infra.ServerConfig{}, nil, nil, nil)
	recs, err := flightlog.ReadAll(strings.NewReader(riskyLog))
	require.NoError(t, err)
	receipts := audit.Build(recs)
	body, err := audit.MarshalJSONL(receipts)
	require.NoError(t, err)

	rec := do(s, http.MethodPost, "/v1/verify", string(body), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep audit.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.True(t, rep.OK)
	assert.Equal(t, 3, rep.Total)

	tampered := strings.Replace(string(body), receipts[1].EventHash, strings.Repeat("0", 64), 1)
	rec = do(s, http.MethodPost, "/v1/verify", tampered, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.False(t, rep.OK)
	assert.Equal(t, 1, rep.FirstBreak)
}

func TestVerifyStoredRun(t *testing.T) {
	recs, err := flightlog.ReadAll(strings.NewReader(riskyLog))
	require.NoError(t, err)
	receipts := audit.Build(recs)
	good, err := audit.NewAnchor(receipts[2].ReceiptHash, 3, nil)
	require.NoError(t, err)

	chains := chainStore{chains: map[string][]audit.Receipt{"r1": receipts, "r2": receipts}}
	anchors := anchorStore{"r1": good, "r2": {Tip: strings.Repeat("a", 64), ReceiptCount: 3}}
	s := newServer(t, infra.ServerConfig{}, nil, chains, anchors)

	var res service.VerifyResult
	rec := do(s, http.MethodGet, "/v1/runs/r1/verify", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Report.OK)
	require.NotNil(t, res.AnchorMatch)
	assert.True(t, *res.AnchorMatch)

	res = service.VerifyResult{}
	rec = do(s, http.MethodGet, "/v1/runs/r2/verify", "", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.AnchorMatch)
	assert.False(t, *res.AnchorMatch)
	assert.Contains(t, res.AnchorError, "tip")

	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/v1/runs/absent/verify", "", "").Code)

	bare := newServer(t, infra.ServerConfig{}, nil, nil, nil)
	assert.Equal(t, http.StatusNotImplemented, do(bare, http.MethodGet, "/v1/runs/r1/verify", "", "").Code)
}

func TestAuthAndScopes(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token := func(scopes map[string]bool) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, domain.CustomClaims{
			UserID:           "ops",
			Scopes:           scopes,
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		}).SignedString(key)
		require.NoError(t, err)
		return tok
	}
	s := newServer(t, infra.ServerConfig{}, auth.NewRSAValidator(&key.PublicKey), nil, nil)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodPost, "/v1/runs", riskyLog, "").Code)
	assert.Equal(t, http.StatusForbidden,
		do(s, http.MethodPost, "/v1/runs", riskyLog, token(map[string]bool{domain.ScopeVerify: true})).Code)
	assert.Equal(t, http.StatusOK,
		do(s, http.MethodPost, "/v1/runs", riskyLog, token(map[string]bool{domain.ScopeRunsWrite: true})).Code)
	assert.Equal(t, http.StatusOK,
		do(s, http.MethodPost, "/v1/verify", "", token(map[string]bool{domain.ScopeAdmin: true})).Code)
}

func TestRateLimit(t *testing.T) {
	s := newServer(t, infra.ServerConfig{RateLimit: 0.001, RateBurst: 1}, nil, nil, nil)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/v1/profiles", "", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(s, http.MethodGet, "/v1/profiles", "", "").Code)
	// health не под лимитом
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "", "").Code)
}

func TestHealthServer(t *testing.T) {
	srv, hs := NewHealthServer()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	hs.Shutdown()
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
