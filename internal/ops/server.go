// Package ops exposes the operator HTTP surface: health, delivery
// ledger inspection, dead-letter replay, subscription reactivation and
// the internal consumer feed.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/harborpay/eventflow/internal/feed"
	"github.com/harborpay/eventflow/internal/webhook"
)

// DeliveryLedger is the operator's read/replay window into deliveries.
type DeliveryLedger interface {
	ListDeliveries(ctx context.Context, filter webhook.ListFilter) ([]webhook.Delivery, error)
	GetDelivery(ctx context.Context, id uuid.UUID) (*webhook.Delivery, error)
	ReplayDead(ctx context.Context, id uuid.UUID, now time.Time) error
}

// SubscriptionAdmin controls subscription activation.
type SubscriptionAdmin interface {
	GetSubscription(ctx context.Context, id uuid.UUID) (*webhook.Subscription, error)
	SetSubscriptionActive(ctx context.Context, id uuid.UUID, active bool) error
}

// EventAdmin re-arms events parked for manual replay.
type EventAdmin interface {
	ReplayAbandoned(ctx context.Context, id uuid.UUID) error
}

// Server serves the ops API.
type Server struct {
	health        *HealthChecker
	ledger        DeliveryLedger
	subscriptions SubscriptionAdmin
	events        EventAdmin
	feed          *feed.Manager

	srv *http.Server
}

func NewServer(addr string, health *HealthChecker, ledger DeliveryLedger, subscriptions SubscriptionAdmin, events EventAdmin, feedManager *feed.Manager) *Server {
	s := &Server{
		health:        health,
		ledger:        ledger,
		subscriptions: subscriptions,
		events:        events,
		feed:          feedManager,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /deliveries", s.handleListDeliveries)
	mux.HandleFunc("GET /deliveries/{id}", s.handleGetDelivery)
	mux.HandleFunc("POST /deliveries/{id}/replay", s.handleReplayDelivery)
	mux.HandleFunc("GET /subscriptions/{id}", s.handleGetSubscription)
	mux.HandleFunc("POST /subscriptions/{id}/activate", s.handleSetSubscriptionActive(true))
	mux.HandleFunc("POST /subscriptions/{id}/deactivate", s.handleSetSubscriptionActive(false))
	mux.HandleFunc("POST /events/{id}/replay", s.handleReplayEvent)
	mux.HandleFunc("GET /feed", s.handleFeed)
	mux.HandleFunc("GET /feed/stats", s.handleFeedStats)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           c.Handler(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.srv.Addr).Msg("ops server listening")
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.health.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	filter := webhook.ListFilter{
		Status: webhook.Status(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("subscription_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid subscription_id")
			return
		}
		filter.SubscriptionID = id
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = int32(n)
	}

	deliveries, err := s.ledger.ListDeliveries(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("failed to list deliveries")
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := s.ledger.GetDelivery(r.Context(), id)
	if err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			writeError(w, http.StatusNotFound, "delivery not found")
			return
		}
		log.Error().Err(err).Msg("failed to fetch delivery")
		writeError(w, http.StatusInternalServerError, "failed to fetch delivery")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleReplayDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.ledger.ReplayDead(r.Context(), id, time.Now().UTC()); err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			writeError(w, http.StatusConflict, "delivery is not dead")
			return
		}
		log.Error().Err(err).Msg("failed to replay delivery")
		writeError(w, http.StatusInternalServerError, "failed to replay delivery")
		return
	}
	log.Info().Str("delivery_id", id.String()).Msg("dead delivery re-armed by operator")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "replay scheduled"})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sub, err := s.subscriptions.GetSubscription(r.Context(), id)
	if err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		log.Error().Err(err).Msg("failed to fetch subscription")
		writeError(w, http.StatusInternalServerError, "failed to fetch subscription")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleSetSubscriptionActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := s.subscriptions.SetSubscriptionActive(r.Context(), id, active); err != nil {
			if errors.Is(err, webhook.ErrNotFound) {
				writeError(w, http.StatusNotFound, "subscription not found")
				return
			}
			log.Error().Err(err).Msg("failed to update subscription")
			writeError(w, http.StatusInternalServerError, "failed to update subscription")
			return
		}
		log.Info().Str("subscription_id", id.String()).Bool("active", active).Msg("subscription state changed by operator")
		writeJSON(w, http.StatusOK, map[string]bool{"active": active})
	}
}

func (s *Server) handleReplayEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.events.ReplayAbandoned(r.Context(), id); err != nil {
		log.Error().Err(err).Msg("failed to replay event")
		writeError(w, http.StatusConflict, "event is not abandoned")
		return
	}
	log.Info().Str("event_id", id.String()).Msg("abandoned event re-armed by operator")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "replay scheduled"})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusNotFound, "feed disabled")
		return
	}
	orgID, err := uuid.Parse(r.URL.Query().Get("organization_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid organization_id")
		return
	}
	if err := s.feed.Upgrade(w, r, orgID); err != nil {
		log.Error().Err(err).Msg("failed to upgrade feed connection")
	}
}

func (s *Server) handleFeedStats(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusNotFound, "feed disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.feed.Stats())
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
