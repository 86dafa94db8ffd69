package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/modules/history"
	"github.com/hexaphore/meridian/internal/scheduler"
	"github.com/hexaphore/meridian/internal/venues"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"version": "1.0.0",
		"service": "meridian",
	}

	s.writeJSON(w, http.StatusOK, response)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps service errors onto HTTP statuses. Validation failures
// carry their message through; anything unexpected is logged and returned
// as an opaque 500 so internal detail stays out of responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case venues.IsValidation(err):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case venues.IsNotFound(err) || errors.Is(err, sql.ErrNoRows):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// requireUser reads the mandatory user query parameter.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user query parameter is required"})
		return "", false
	}
	return userID, true
}

// venueInfo is one entry of the GET /api/venues response.
type venueInfo struct {
	Venue     string              `json:"venue"`
	PriceUnit string              `json:"price_unit"`
	Futures   bool                `json:"futures"`
	Funding   bool                `json:"funding"`
	Stream    bool                `json:"stream"`
	Search    bool                `json:"search"`
	Status    *domain.VenueStatus `json:"status,omitempty"`
}

// handleVenues lists the registered venues and their capabilities. With a
// user parameter the response includes that user's last aggregation
// outcome per venue.
func (s *Server) handleVenues(w http.ResponseWriter, r *http.Request) {
	statuses := make(map[string]domain.VenueStatus)
	if userID := r.URL.Query().Get("user"); userID != "" {
		for _, st := range s.portfolio.VenueStatuses(userID) {
			statuses[st.Venue] = st
		}
	}

	list := make([]venueInfo, 0, len(s.registry.All()))
	for _, a := range s.registry.All() {
		caps := a.Capabilities()
		info := venueInfo{
			Venue:     a.Venue(),
			PriceUnit: string(caps.PriceUnit),
			Futures:   caps.SupportsFutures,
			Funding:   caps.SupportsFunding,
			Stream:    caps.SupportsStream,
			Search:    caps.SupportsSearch,
		}
		if st, ok := statuses[a.Venue()]; ok {
			info.Status = &st
		}
		list = append(list, info)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"venues": list,
		"count":  len(list),
	})
}

// handlePortfolioSummary returns the aggregated cross-venue portfolio.
// refresh=true bypasses the summary cache.
func (s *Server) handlePortfolioSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("refresh") == "true"

	summary, err := s.portfolio.Summary(r.Context(), userID, force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handlePortfolioPositions returns the stored positions for a user.
func (s *Server) handlePortfolioPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	positions, err := s.portfolio.PositionsByUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"positions": positions,
		"count":     len(positions),
	})
}

// handleHistoryStats returns period trading statistics.
// period is one of day, week, month or all (the default).
func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	stats, err := s.history.GetStats(r.Context(), userID, r.URL.Query().Get("period"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleHistoryDaily returns per-day realized pnl, oldest first.
func (s *Server) handleHistoryDaily(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))

	daily, err := s.history.GetDailyPnl(r.Context(), userID, days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if daily == nil {
		daily = []history.DailyPnl{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"daily":   daily,
	})
}

// handleHistoryEquity returns the smoothed equity curve.
func (s *Server) handleHistoryEquity(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))

	equity, err := s.history.GetEquityStats(r.Context(), userID, days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, equity)
}

// handleHistoryTrades lists stored fills, filtered by venue, market and
// time window.
func (s *Server) handleHistoryTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := history.TradeFilter{
		Venue:    q.Get("venue"),
		MarketID: q.Get("market"),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		filter.Since = &since
	}

	trades, err := s.history.ListTrades(r.Context(), userID, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"trades":  trades,
		"count":   len(trades),
	})
}

// handleHistoryFunding lists stored funding payments.
func (s *Server) handleHistoryFunding(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	payments, err := s.history.ListFunding(r.Context(), userID, q.Get("venue"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if payments == nil {
		payments = []domain.FundingPayment{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"funding": payments,
		"count":   len(payments),
	})
}

// handleRiskMetrics returns concentration, correlation, category exposure
// and hedged pairs over the stored positions.
func (s *Server) handleRiskMetrics(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	metrics, err := s.risk.Metrics(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, metrics)
}

// handleMatchList returns all declared market equivalences.
func (s *Server) handleMatchList(w http.ResponseWriter, r *http.Request) {
	matches, err := s.arbitrage.Matches(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if matches == nil {
		matches = []domain.ArbMatch{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"matches": matches,
		"count":   len(matches),
	})
}

// handleMatchCreate declares a manual match between markets on different
// venues.
func (s *Server) handleMatchCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Markets []domain.MarketRef `json:"markets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	match, err := s.arbitrage.AddMatch(r.Context(), body.Markets)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, match)
}

// handleMatchDelete removes a match by id.
func (s *Server) handleMatchDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.arbitrage.RemoveMatch(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// handleOpportunities returns the live opportunity set, widest spread
// first.
func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	opps := s.arbitrage.ActiveOpportunities()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"opportunities": opps,
		"count":         len(opps),
	})
}

// handleAlertList returns a user's alerts.
func (s *Server) handleAlertList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	list, err := s.alerts.List(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []domain.Alert{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": list,
		"count":  len(list),
	})
}

// handleAlertCreate arms a new alert. Kind is derived from the condition,
// so the body only carries user, condition and routing.
func (s *Server) handleAlertCreate(w http.ResponseWriter, r *http.Request) {
	var alert domain.Alert
	if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	if err := s.alerts.Create(r.Context(), &alert); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, alert)
}

// handleAlertDelete removes an alert by id.
func (s *Server) handleAlertDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.alerts.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// handleJobs reports the scheduler's per-job run bookkeeping.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []scheduler.JobStatus{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}
