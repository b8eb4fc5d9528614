package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type APIConfig struct {
	IngestAPIKey      string
	JWTSecret         string
	RequireReadAuth   bool
	RateLimit         int
	RateWindow        time.Duration
	TrustProxyHeaders bool
	MaxBatchSize      int
	MaxBodyBytes      int64
}

func DefaultAPIConfig() APIConfig {
	return APIConfig{
		RateLimit:    600,
		RateWindow:   time.Minute,
		MaxBatchSize: 500,
		MaxBodyBytes: 1 << 20,
	}
}

var statsPeriods = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

type API struct {
	hub            *Hub
	store          Store
	config         APIConfig
	limiter        *requestLimiter
	socketHandler  http.Handler
	metricsHandler http.Handler
	logger         *zap.Logger
	now            func() time.Time
}

type APIOption func(*API)

func WithSocketHandler(handler http.Handler) APIOption {
	return func(api *API) {
		api.socketHandler = handler
	}
}

func WithMetricsHandler(handler http.Handler) APIOption {
	return func(api *API) {
		api.metricsHandler = handler
	}
}

func WithLogger(logger *zap.Logger) APIOption {
	return func(api *API) {
		if logger != nil {
			api.logger = logger.Named("api")
		}
	}
}

func NewAPI(hub *Hub, store Store, config APIConfig, options ...APIOption) *API {
	cfg := config
	defaults := DefaultAPIConfig()

	if cfg.RateLimit < 1 {
		cfg.RateLimit = defaults.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaults.RateWindow
	}
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = defaults.MaxBatchSize
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}

	api := &API{
		hub:            hub,
		store:          store,
		config:         cfg,
		limiter:        newRequestLimiter(cfg.RateLimit, cfg.RateWindow),
		metricsHandler: promhttp.Handler(),
		logger:         zap.NewNop(),
		now:            time.Now,
	}
	for _, option := range options {
		option(api)
	}
	return api
}

func (api *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", api.handleHealth)
	mux.HandleFunc("GET /ready", api.handleReady)
	mux.Handle("GET /metrics", api.metricsHandler)

	mux.HandleFunc("POST /api/sensors/data", api.handleIngest)
	mux.HandleFunc("POST /api/ingest", api.handleIngest)

	mux.HandleFunc("GET /api/sensors/data", api.requireToken(api.handleSamples))
	mux.HandleFunc("GET /api/sensors/data/latest", api.requireToken(api.handleLatest))
	mux.HandleFunc("GET /api/sensors/data/{deviceId}", api.requireToken(api.handleSamples))
	mux.HandleFunc("GET /api/sensors/stats", api.requireToken(api.handleStats))
	mux.HandleFunc("GET /api/ops/events", api.requireToken(api.handleOpsEvents))

	if api.socketHandler != nil {
		mux.Handle("GET /ws", api.socketHandler)
	}
	return mux
}

func (api *API) requireToken(next http.HandlerFunc) http.HandlerFunc {
	if !api.config.RequireReadAuth {
		return next
	}

	return func(response http.ResponseWriter, request *http.Request) {
		if _, err := ParseToken(bearerToken(request), []byte(api.config.JWTSecret)); err != nil {
			writeError(response, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(response, request)
	}
}

func (api *API) handleHealth(response http.ResponseWriter, request *http.Request) {
	records, err := api.store.Count(request.Context())
	if err != nil {
		writeError(response, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{
		"status":      "ok",
		"records":     records,
		"connections": api.hub.ActiveConnections(),
		"uptime":      api.hub.Uptime().Seconds(),
	})
}

func (api *API) handleReady(response http.ResponseWriter, request *http.Request) {
	if err := api.store.Ping(request.Context()); err != nil {
		writeError(response, http.StatusServiceUnavailable, "not ready")
		return
	}

	writeJSON(response, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (api *API) handleIngest(response http.ResponseWriter, request *http.Request) {
	allowed, retryAfter := api.limiter.Allow(clientIdentity(request, api.config.TrustProxyHeaders), api.now())
	if !allowed {
		seconds := int(math.Ceil(retryAfter.Seconds()))
		response.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
		writeError(response, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if !validAPIKey(request, api.config.IngestAPIKey) {
		writeError(response, http.StatusUnauthorized, "invalid api key")
		return
	}

	request.Body = http.MaxBytesReader(response, request.Body, api.config.MaxBodyBytes)
	payload, err := io.ReadAll(request.Body)
	if err != nil {
		writeError(response, http.StatusBadRequest, "invalid request body")
		return
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		api.ingestBatch(response, trimmed)
		return
	}

	record, err := DecodePayload(trimmed)
	if err != nil {
		writeError(response, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	sample, err := api.hub.Ingest(record)
	if err != nil {
		api.writeIngestError(response, err)
		return
	}

	writeJSON(response, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"accepted": 1,
		"sample":   sample,
	})
}

func (api *API) ingestBatch(response http.ResponseWriter, payload []byte) {
	records, err := DecodePayloads(payload, api.config.MaxBatchSize)
	if err != nil {
		writeError(response, http.StatusBadRequest, err.Error())
		return
	}

	samples, err := api.hub.IngestBatch(records)
	if err != nil {
		api.writeIngestError(response, err)
		return
	}

	writeJSON(response, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"accepted": len(samples),
	})
}

func (api *API) writeIngestError(response http.ResponseWriter, err error) {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeError(response, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrHubClosed):
		writeError(response, http.StatusServiceUnavailable, "server shutting down")
	default:
		api.logger.Error("ingest failed", zap.Error(err))
		writeError(response, http.StatusInternalServerError, "failed to ingest sample")
	}
}

func (api *API) handleSamples(response http.ResponseWriter, request *http.Request) {
	page, ok := queryInt(response, request, "page", 1, 1_000_000)
	if !ok {
		return
	}
	limit, ok := queryInt(response, request, "limit", defaultPageLimit, maxPageLimit)
	if !ok {
		return
	}

	samples, pagination, err := api.store.Find(request.Context(), SampleQuery{
		DeviceID: request.PathValue("deviceId"),
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		api.logger.Error("find samples", zap.Error(err))
		writeError(response, http.StatusInternalServerError, "failed to read data")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{
		"data":       samples,
		"pagination": pagination,
	})
}

func (api *API) handleLatest(response http.ResponseWriter, request *http.Request) {
	samples, err := api.store.Latest(request.Context(), 1)
	if err != nil {
		api.logger.Error("latest sample", zap.Error(err))
		writeError(response, http.StatusInternalServerError, "failed to read data")
		return
	}
	if len(samples) == 0 {
		writeError(response, http.StatusNotFound, "no data found")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{"data": samples[0]})
}

func (api *API) handleStats(response http.ResponseWriter, request *http.Request) {
	period := request.URL.Query().Get("period")
	if period == "" {
		period = "24h"
	}
	window, ok := statsPeriods[period]
	if !ok {
		writeError(response, http.StatusBadRequest, "period must be one of 24h, 7d, 30d")
		return
	}

	stats, err := api.store.Aggregate(request.Context(), api.now().Add(-window))
	if err != nil {
		api.logger.Error("aggregate samples", zap.Error(err))
		writeError(response, http.StatusInternalServerError, "failed to read stats")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{
		"period": period,
		"stats":  stats,
	})
}

func (api *API) handleOpsEvents(response http.ResponseWriter, request *http.Request) {
	limit, ok := queryInt(response, request, "limit", 50, 500)
	if !ok {
		return
	}

	events, err := api.hub.OpsEvents(request.Context(), limit)
	if err != nil {
		writeError(response, http.StatusInternalServerError, "failed to read ops events")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{"events": events})
}

func queryInt(response http.ResponseWriter, request *http.Request, key string, fallback int, maxValue int) (int, bool) {
	raw := request.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 1 || parsed > maxValue {
		writeError(response, http.StatusBadRequest, key+" must be between 1 and "+strconv.Itoa(maxValue))
		return 0, false
	}
	return parsed, true
}

func writeJSON(response http.ResponseWriter, statusCode int, payload any) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(statusCode)
	_ = json.NewEncoder(response).Encode(payload)
}

func writeError(response http.ResponseWriter, statusCode int, message string) {
	writeJSON(response, statusCode, map[string]string{"error": message})
}
