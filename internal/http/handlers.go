package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/protobuf/encoding/protojson"

	"github.com/jordan16ellis/fw-coll-env/internal/actions"
	"github.com/jordan16ellis/fw-coll-env/internal/barrier"
	grpcapi "github.com/jordan16ellis/fw-coll-env/internal/grpc"
	"github.com/jordan16ellis/fw-coll-env/internal/logging"
	"github.com/jordan16ellis/fw-coll-env/internal/physics"
	"github.com/jordan16ellis/fw-coll-env/internal/replay"
)

const (
	defaultMaxBodyBytes   = 1 << 20
	defaultRequestTimeout = 5 * time.Second
)

// ReadinessProvider exposes process state required for readiness checks.
type ReadinessProvider interface {
	StartupError() error
	Uptime() time.Duration
}

// RateLimiter gates how frequently a client may invoke the filter.
type RateLimiter interface {
	Allow(key string) bool
}

// LiveStatsFunc returns the connected viewer count and the frames broadcast so far.
type LiveStatsFunc func() (clients int, broadcasts uint64)

// Options configures the HandlerSet.
type Options struct {
	Logger         *logging.Logger
	Filter         *barrier.Filter
	Monitor        *barrier.DecisionMonitor
	Readiness      ReadinessProvider
	RateLimiter    RateLimiter
	TimeSource     func() time.Time
	ReplayStats    func() replay.StorageStats
	LiveStats      LiveStatsFunc
	Live           http.Handler
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// HandlerSet bundles the operational and filter handlers.
type HandlerSet struct {
	logger      *logging.Logger
	filter      *barrier.Filter
	monitor     *barrier.DecisionMonitor
	readiness   ReadinessProvider
	rateLimiter RateLimiter
	now         func() time.Time
	replayStats func() replay.StorageStats
	liveStats   LiveStatsFunc
	live        http.Handler
	maxBody     int64
	timeout     time.Duration
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &HandlerSet{
		logger:      logger,
		filter:      opts.Filter,
		monitor:     opts.Monitor,
		readiness:   opts.Readiness,
		rateLimiter: opts.RateLimiter,
		now:         now,
		replayStats: opts.ReplayStats,
		liveStats:   opts.LiveStats,
		live:        opts.Live,
		maxBody:     maxBody,
		timeout:     timeout,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/v1/filter", h.DescribeHandler())
	mux.HandleFunc("/v1/filter/choose", h.ChooseHandler())
	mux.HandleFunc("/v1/filter/h", h.BarrierHandler())
	if h.live != nil {
		mux.Handle("/live", h.live)
	}
}

// Handler returns a mux with every route registered and trace propagation applied.
func (h *HandlerSet) Handler() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return logging.HTTPTraceMiddleware(h.logger)(mux)
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports whether the filter is loaded and startup succeeded.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Filter        string  `json:"filter,omitempty"`
		LiveClients   int     `json:"live_clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.filter != nil {
			resp.Filter = h.filter.Kind().String()
		} else {
			status = http.StatusServiceUnavailable
			resp.Status = "error"
			resp.Message = "filter not loaded"
		}
		if h.liveStats != nil {
			resp.LiveClients, _ = h.liveStats()
		}
		if h.readiness != nil {
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var uptime float64
		if h.readiness != nil {
			uptime = h.readiness.Uptime().Seconds()
		}
		decisions := h.monitor.Snapshot()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP fwcoll_uptime_seconds Process uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE fwcoll_uptime_seconds gauge\n")
		fmt.Fprintf(w, "fwcoll_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP fwcoll_filter_decisions_total Safety filter decisions taken.\n")
		fmt.Fprintf(w, "# TYPE fwcoll_filter_decisions_total counter\n")
		fmt.Fprintf(w, "fwcoll_filter_decisions_total %d\n", decisions.Decisions)

		fmt.Fprintf(w, "# HELP fwcoll_filter_overrides_total Decisions that replaced the nominal joint action.\n")
		fmt.Fprintf(w, "# TYPE fwcoll_filter_overrides_total counter\n")
		fmt.Fprintf(w, "fwcoll_filter_overrides_total %d\n", decisions.Overrides)

		fmt.Fprintf(w, "# HELP fwcoll_filter_decision_seconds Decision latency summary.\n")
		fmt.Fprintf(w, "# TYPE fwcoll_filter_decision_seconds gauge\n")
		fmt.Fprintf(w, "fwcoll_filter_decision_seconds{stat=\"avg\"} %g\n", decisions.Average.Seconds())
		fmt.Fprintf(w, "fwcoll_filter_decision_seconds{stat=\"max\"} %g\n", decisions.Max.Seconds())
		if h.liveStats != nil {
			clients, broadcasts := h.liveStats()
			fmt.Fprintf(w, "# HELP fwcoll_live_clients Connected live viewers.\n")
			fmt.Fprintf(w, "# TYPE fwcoll_live_clients gauge\n")
			fmt.Fprintf(w, "fwcoll_live_clients %d\n", clients)
			fmt.Fprintf(w, "# HELP fwcoll_live_broadcasts_total Frames broadcast to live viewers.\n")
			fmt.Fprintf(w, "# TYPE fwcoll_live_broadcasts_total counter\n")
			fmt.Fprintf(w, "fwcoll_live_broadcasts_total %d\n", broadcasts)
		}
		if h.replayStats != nil {
			stats := h.replayStats()
			fmt.Fprintf(w, "# HELP fwcoll_replay_episodes Replay bundles retained on disk.\n")
			fmt.Fprintf(w, "# TYPE fwcoll_replay_episodes gauge\n")
			fmt.Fprintf(w, "fwcoll_replay_episodes %d\n", stats.Episodes)
			fmt.Fprintf(w, "# HELP fwcoll_replay_bytes Bytes held by retained replay bundles.\n")
			fmt.Fprintf(w, "# TYPE fwcoll_replay_bytes gauge\n")
			fmt.Fprintf(w, "fwcoll_replay_bytes %d\n", stats.Bytes)
			fmt.Fprintf(w, "# HELP fwcoll_replay_removed_total Replay bundles removed by retention.\n")
			fmt.Fprintf(w, "# TYPE fwcoll_replay_removed_total counter\n")
			fmt.Fprintf(w, "fwcoll_replay_removed_total %d\n", stats.Removed)
		}
	}
}

// DescribeHandler returns the filter description as JSON.
func (h *HandlerSet) DescribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if h.filter == nil {
			writeError(w, http.StatusServiceUnavailable, "filter unavailable")
			return
		}
		msg, err := grpcapi.DescribeFilter(h.filter)
		if err != nil {
			h.logger.Error("describe filter failed", logging.Error(err))
			writeError(w, http.StatusInternalServerError, "describe failed")
			return
		}
		body, err := protojson.Marshal(msg)
		if err != nil {
			h.logger.Error("encode filter description failed", logging.Error(err))
			writeError(w, http.StatusInternalServerError, "describe failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}

type chooseRequest struct {
	States  [][]float64 `json:"states"`
	Nominal []int       `json:"nominal"`
}

type chooseResponse struct {
	Actions []int `json:"actions"`
}

type barrierRequest struct {
	States [][]float64 `json:"states"`
}

type barrierResponse struct {
	H []float64 `json:"h"`
}

// ChooseHandler filters a batch of states and nominal joint action indices.
func (h *HandlerSet) ChooseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chooseRequest
		if !h.admit(w, r, &req) {
			return
		}
		if req.States == nil || req.Nominal == nil {
			writeError(w, http.StatusBadRequest, "states and nominal are required")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		chosen, err := h.filter.Choose(ctx, req.States, req.Nominal)
		if err != nil {
			h.writeFilterError(w, r, "choose", err)
			return
		}
		writeJSON(w, http.StatusOK, chooseResponse{Actions: chosen})
	}
}

// BarrierHandler evaluates the barrier value of each state row.
func (h *HandlerSet) BarrierHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req barrierRequest
		if !h.admit(w, r, &req) {
			return
		}
		if req.States == nil {
			writeError(w, http.StatusBadRequest, "states are required")
			return
		}
		values := make([]float64, len(req.States))
		for i, row := range req.States {
			x, err := physics.JointStateFromRow(row)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("row %d: %v", i, err))
				return
			}
			values[i] = h.filter.CalcH(x)
		}
		writeJSON(w, http.StatusOK, barrierResponse{H: values})
	}
}

// admit runs the checks shared by the filter endpoints and decodes the body.
func (h *HandlerSet) admit(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if h.filter == nil {
		writeError(w, http.StatusServiceUnavailable, "filter unavailable")
		return false
	}
	key := clientKey(r)
	if h.rateLimiter != nil && !h.rateLimiter.Allow(key) {
		logging.LoggerFromContext(r.Context()).Warn("filter request denied: rate limit exceeded", logging.String("client", key))
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return false
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return false
	}
	return true
}

func (h *HandlerSet) writeFilterError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		shape  *barrier.ShapeError
		lookup *actions.LookupError
		rng    *actions.RangeError
	)
	switch {
	case errors.As(err, &shape), errors.As(err, &lookup), errors.As(err, &rng):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		logging.LoggerFromContext(r.Context()).Error("filter request failed", logging.String("op", op), logging.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
