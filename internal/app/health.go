package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"

	kvredis "github.com/communityforge/synthesis-core/internal/adapter/kv/redis"
	"github.com/communityforge/synthesis-core/internal/config"
	"github.com/communityforge/synthesis-core/internal/domain"
	"github.com/communityforge/synthesis-core/internal/engine"
)

// statusSource is the slice of a consumer the health endpoint needs.
type statusSource interface {
	Name() string
	Status() domain.ConsumerStatus
}

// healthHandler aggregates liveness of the consumers, the KV store, and the
// process itself.
type healthHandler struct {
	consumers   []statusSource
	kv          *kvredis.Store
	eng         *engine.Engine
	thresholdMB uint64
	startedAt   time.Time
	lg          *slog.Logger
}

type healthResponse struct {
	Status    string                           `json:"status"`
	UptimeSec int64                            `json:"uptimeSec"`
	Consumers map[string]domain.ConsumerStatus `json:"consumers"`
	KV        kvHealth                         `json:"kv"`
	Memory    memHealth                        `json:"memory"`
	Engine    *domain.EngineStats              `json:"engine,omitempty"`
}

type kvHealth struct {
	OK        bool    `json:"ok"`
	LatencyMS float64 `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

type memHealth struct {
	OK          bool   `json:"ok"`
	RSSMB       uint64 `json:"rssMb"`
	ThresholdMB uint64 `json:"thresholdMb"`
}

// ServeHTTP reports 200 only while at least one consumer is actively
// consuming, the KV store answers, and resident memory is under the
// threshold. Anything else is 503 so the orchestrator recycles the pod.
func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		UptimeSec: int64(time.Since(h.startedAt).Seconds()),
		Consumers: make(map[string]domain.ConsumerStatus, len(h.consumers)),
	}

	consuming := false
	for _, c := range h.consumers {
		st := c.Status()
		resp.Consumers[c.Name()] = st
		if st.Connected && st.Consuming {
			consuming = true
		}
	}

	resp.KV = h.checkKV(r.Context())
	resp.Memory = h.checkMemory()

	if h.eng != nil {
		if stats, err := h.eng.Stats(r.Context()); err == nil {
			resp.Engine = &stats
		}
	}

	healthy := consuming && resp.KV.OK && resp.Memory.OK
	if healthy {
		resp.Status = "ok"
		render.Status(r, http.StatusOK)
	} else {
		resp.Status = "degraded"
		render.Status(r, http.StatusServiceUnavailable)
		h.lg.Warn("health check degraded",
			slog.Bool("consuming", consuming),
			slog.Bool("kv_ok", resp.KV.OK),
			slog.Bool("memory_ok", resp.Memory.OK))
	}
	render.JSON(w, r, resp)
}

func (h *healthHandler) checkKV(ctx context.Context) kvHealth {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := h.kv.Ping(ctx); err != nil {
		return kvHealth{OK: false, LatencyMS: float64(time.Since(start).Microseconds()) / 1000, Error: err.Error()}
	}
	return kvHealth{OK: true, LatencyMS: float64(time.Since(start).Microseconds()) / 1000}
}

func (h *healthHandler) checkMemory() memHealth {
	m := memHealth{OK: true, ThresholdMB: h.thresholdMB}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return m
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return m
	}
	m.RSSMB = info.RSS / (1024 * 1024)
	m.OK = h.thresholdMB == 0 || m.RSSMB < h.thresholdMB
	return m
}

// newOpsRouter builds the operational HTTP surface: health, readiness, and
// Prometheus metrics.
func newOpsRouter(cfg config.Config, h *healthHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(cfg.OpsRatePerMinute, time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{cfg.CORSAllowOrigins},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Method(http.MethodGet, "/", h)
	r.Method(http.MethodGet, "/healthz", h)
	r.Handle("/metrics", promhttp.Handler())
	return r
}
