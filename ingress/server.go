// Package ingress is the HTTP surface: chain webhooks, direct signal
// submission, health and stats.
package ingress

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/web3guy0/sigbot/core"
	"github.com/web3guy0/sigbot/feeds"
	"github.com/web3guy0/sigbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INGRESS - Webhook / batch signal intake
// ═══════════════════════════════════════════════════════════════════════════════
//
// Routes:
//   POST /webhook    enhanced transactions (array or object) → stream events
//   POST /signals    trade signals (array or object)
//   GET  /health     liveness plus stream state
//   GET  /stats      portfolio snapshot and pipeline counters
//   GET  /positions  open positions
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	maxBodyBytes  = 5 << 20
	webhookSource = "WEBHOOK"
)

// Pipeline is the part of the engine the server feeds and reads
type Pipeline interface {
	Route(ev types.StreamEvent)
	Submit(sig *types.Signal) error
	Status() core.Status
	Positions() []*types.Position
}

// Config configures the HTTP server
type Config struct {
	Addr       string
	Secret     string  // required in Authorization when set
	RatePerMin float64 // <= 0 disables limiting
}

type Server struct {
	cfg      Config
	pipeline Pipeline
	clk      clock.Clock
	limiter  *rate.Limiter
	srv      *http.Server
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(cfg Config, pipeline Pipeline, clk clock.Clock) *Server {
	limit := rate.Inf
	burst := 1
	if cfg.RatePerMin > 0 {
		limit = rate.Limit(cfg.RatePerMin / 60)
		burst = int(cfg.RatePerMin/60) + 10
	}
	s := &Server{
		cfg:      cfg,
		pipeline: pipeline,
		clk:      clk,
		limiter:  rate.NewLimiter(limit, burst),
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.guard(s.handleWebhook))
	mux.HandleFunc("POST /signals", s.guard(s.handleSignals))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.guard(s.handleStats))
	mux.HandleFunc("GET /positions", s.guard(s.handlePositions))
	return mux
}

// Start listens in the background
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("🌐 Ingress listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Ingress server failed")
		}
	}()
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// guard applies rate limiting and the shared secret
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		if s.cfg.Secret != "" && !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	got := r.Header.Get("Authorization")
	got = strings.TrimPrefix(got, "Bearer ")
	if got == "" {
		got = r.Header.Get("X-Webhook-Secret")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Secret)) == 1
}

// ═══════════════════════════════════════════════════════════════════════════════
// HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	txs, err := feeds.ParseTransactions(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	evs := feeds.NormalizeTransactions(txs, webhookSource, s.clk.Now())
	kinds := make(map[types.StreamEventKind]int)
	for _, ev := range evs {
		s.pipeline.Route(ev)
		kinds[ev.Kind]++
	}

	log.Debug().
		Int("transactions", len(txs)).
		Int("swaps", kinds[types.KindTokenSwap]).
		Msg("📨 Webhook received")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"received": len(txs),
		"events":   kinds,
	})
}

type rejection struct {
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	reqs, err := parseSignalRequests(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := s.clk.Now()
	accepted := 0
	rejected := []rejection{}
	for _, req := range reqs {
		sig, err := req.toSignal(now)
		if err != nil {
			rejected = append(rejected, rejection{ID: req.ID, Reason: err.Error()})
			continue
		}
		if err := s.pipeline.Submit(sig); err != nil {
			reason := err.Error()
			var sr *types.SignalRejected
			if errors.As(err, &sr) {
				reason = sr.Reason
			}
			rejected = append(rejected, rejection{ID: sig.ID, Reason: reason})
			continue
		}
		accepted++
	}

	status := http.StatusAccepted
	if accepted == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{
		"accepted": accepted,
		"rejected": rejected,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.pipeline.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"mode":   st.Mode,
		"stream": st.Stream,
		"paused": st.Paused,
		"time":   s.clk.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.pipeline.Status()
	snap := st.Snapshot
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":         st.Mode,
		"auto_trading": st.AutoTrading,
		"paused":       st.Paused,
		"stream":       st.Stream,
		"queue": map[string]interface{}{
			"queued":   st.Queued,
			"received": st.Received,
			"accepted": st.Accepted,
			"filtered": st.Filtered,
		},
		"circuit_breaker": map[string]interface{}{
			"tripped": st.BreakerOpen,
			"reason":  st.BreakerReason,
		},
		"portfolio": map[string]interface{}{
			"value":             snap.PortfolioValue,
			"cash":              snap.CashBalance,
			"positions_value":   snap.PositionsValue,
			"unrealized_pnl":    snap.UnrealizedPnL,
			"daily_pnl":         snap.DailyPnL,
			"total_pnl":         snap.TotalPnL,
			"win_rate":          snap.WinRate,
			"total_trades":      snap.TotalTrades,
			"successful_trades": snap.SuccessfulTrades,
			"open_positions":    snap.OpenPositions,
		},
		"execution": st.Execution,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.pipeline.Positions()
	out := make([]map[string]interface{}, 0, len(positions))
	for _, p := range positions {
		out = append(out, map[string]interface{}{
			"token":          p.TokenID,
			"symbol":         p.Label(),
			"amount":         p.Amount,
			"average_price":  p.AveragePrice,
			"current_price":  p.CurrentPrice,
			"unrealized_pnl": p.UnrealizedPnL,
			"stop_loss":      p.StopLoss,
			"opened_at":      p.OpenedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response write failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
