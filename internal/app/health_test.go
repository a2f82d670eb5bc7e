package app

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kvredis "github.com/communityforge/synthesis-core/internal/adapter/kv/redis"
	"github.com/communityforge/synthesis-core/internal/config"
	"github.com/communityforge/synthesis-core/internal/domain"
)

type stubConsumer struct {
	name   string
	status domain.ConsumerStatus
}

func (s *stubConsumer) Name() string                  { return s.name }
func (s *stubConsumer) Status() domain.ConsumerStatus { return s.status }

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestHealth(t *testing.T, consumers ...statusSource) (*healthHandler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := kvredis.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return &healthHandler{
		consumers:   consumers,
		kv:          kv,
		thresholdMB: 0, // disabled so CI memory spikes cannot flake the test
		startedAt:   time.Now(),
	}, mr
}

func doHealth(h *healthHandler) (*httptest.ResponseRecorder, healthResponse) {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var body healthResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	return rr, body
}

func TestHealthyWhenConsumingAndKVUp(t *testing.T) {
	t.Parallel()
	h, _ := newTestHealth(t,
		&stubConsumer{name: "events", status: domain.ConsumerStatus{Connected: true, Consuming: true, MessagesProcessed: 7}},
		&stubConsumer{name: "interactions", status: domain.ConsumerStatus{Connected: true, Consuming: true}},
	)
	h.lg = testLogger()

	rr, body := doHealth(h)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.KV.OK)
	require.Contains(t, body.Consumers, "events")
	assert.Equal(t, int64(7), body.Consumers["events"].MessagesProcessed)
}

func TestDegradedWhenNoConsumerConsuming(t *testing.T) {
	t.Parallel()
	h, _ := newTestHealth(t,
		&stubConsumer{name: "events", status: domain.ConsumerStatus{Connected: true, Consuming: false}},
	)
	h.lg = testLogger()

	rr, body := doHealth(h)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "degraded", body.Status)
}

func TestDegradedWhenKVDown(t *testing.T) {
	t.Parallel()
	h, mr := newTestHealth(t,
		&stubConsumer{name: "events", status: domain.ConsumerStatus{Connected: true, Consuming: true}},
	)
	h.lg = testLogger()
	mr.Close()

	rr, body := doHealth(h)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.False(t, body.KV.OK)
	assert.NotEmpty(t, body.KV.Error)
}

func TestOneConsumingConsumerIsEnough(t *testing.T) {
	t.Parallel()
	h, _ := newTestHealth(t,
		&stubConsumer{name: "events", status: domain.ConsumerStatus{Connected: true, Consuming: true}},
		&stubConsumer{name: "interactions", status: domain.ConsumerStatus{Connected: false, Consuming: false}},
	)
	h.lg = testLogger()

	rr, _ := doHealth(h)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestOpsRouterServesHealthAndMetrics(t *testing.T) {
	t.Parallel()
	h, _ := newTestHealth(t,
		&stubConsumer{name: "events", status: domain.ConsumerStatus{Connected: true, Consuming: true}},
	)
	h.lg = testLogger()

	router := newOpsRouter(config.Config{OpsRatePerMinute: 120, CORSAllowOrigins: "*"}, h)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}
