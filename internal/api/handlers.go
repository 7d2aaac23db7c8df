package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/astro-consultation-queue/internal/consultation"
	"github.com/hackgods/astro-consultation-queue/internal/logging"
	"github.com/hackgods/astro-consultation-queue/internal/matching"
	redisclient "github.com/hackgods/astro-consultation-queue/internal/redis"
	"github.com/hackgods/astro-consultation-queue/internal/routing"
	"github.com/hackgods/astro-consultation-queue/internal/session"
	"github.com/hackgods/astro-consultation-queue/internal/websocket"
)

func requestConsultationHandler(svc *consultation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateConsultationRequest
		if !decodeBody(w, r, &req) {
			return
		}

		userID := uuid.MustParse(req.UserID)
		astrologerID := uuid.MustParse(req.AstrologerID)

		details := consultation.RequestDetails{
			Topic:           req.Topic,
			DurationMinutes: req.DurationMinutes,
		}
		if req.Cost != "" {
			cost, err := decimal.NewFromString(req.Cost)
			if err != nil || cost.IsNegative() {
				writeError(w, http.StatusBadRequest, "invalid_cost", "cost must be a non-negative decimal")
				return
			}
			details.Cost = cost
		}

		res, err := svc.RequestConsultation(r.Context(), userID, astrologerID, details)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		resp := RequestConsultationResponse{
			Consultation:          toConsultationResponse(res.Consultation),
			Queued:                res.QueueEntry != nil,
			DisplayAstrologerName: res.DisplayAstrologerName,
		}
		status := http.StatusCreated
		if res.QueueEntry != nil {
			entry := toQueueEntryResponse(*res.QueueEntry)
			resp.QueueEntry = &entry
			status = http.StatusAccepted
		}
		writeJSON(w, status, resp)
	}
}

func getConsultationHandler(svc *consultation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		c, err := svc.GetConsultation(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toConsultationResponse(c))
	}
}

func endConsultationHandler(svc *consultation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req EndConsultationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		c, err := svc.EndConsultation(r.Context(), id, req.Rating, req.Review)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toConsultationResponse(c))
	}
}

// extendConsultationHandler serves both extension routes; they differ only in
// whether the astrologer cap applies.
func extendConsultationHandler(extend func(ctx context.Context, id uuid.UUID, minutes int) (*consultation.Consultation, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req ExtendConsultationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		c, err := extend(r.Context(), id, req.Minutes)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toConsultationResponse(c))
	}
}

func activeForUserHandler(svc *consultation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		c, err := svc.GetActiveForUser(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toConsultationResponse(c))
	}
}

func activeForAstrologerHandler(svc *consultation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		c, err := svc.GetActiveForAstrologer(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toConsultationResponse(c))
	}
}

func queueStatusHandler(svc *consultation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		view, err := svc.GetQueueStatus(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		resp := QueueStatusResponse{
			AstrologerID:              view.AstrologerID,
			Busy:                      view.Busy,
			ActiveConsultationID:      view.ActiveConsultationID,
			Waiting:                   make([]QueueEntryResponse, 0, len(view.Waiting)),
			NextPosition:              view.NextPosition,
			FixedEstimateMinutes:      view.FixedEstimateMinutes,
			HistoricalEstimateMinutes: view.HistoricalEstimateMinutes,
		}
		for _, e := range view.Waiting {
			resp.Waiting = append(resp.Waiting, toQueueEntryResponse(e))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func leaveQueueHandler(svc *consultation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "entryId")
		if !ok {
			return
		}
		entry, err := svc.LeaveQueue(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toQueueEntryResponse(*entry))
	}
}

func findBestHandler(engine *matching.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FindBestRequest
		if !decodeBody(w, r, &req) {
			return
		}
		prefs := matching.Preferences{
			Languages:       req.Languages,
			Specializations: req.Specializations,
			MaxWaitMinutes:  req.MaxWaitMinutes,
			Priority:        matching.Priority(req.Priority),
		}
		m, err := engine.FindBestAvailableAstrologer(r.Context(), prefs)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		resp := FindBestResponse{}
		if m != nil {
			resp.Match = toMatchResponse(m)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func updatePerformanceHandler(engine *matching.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req PerformanceRequest
		if !decodeBody(w, r, &req) {
			return
		}
		wl, err := engine.UpdatePerformanceMetrics(r.Context(), id, req.ResponseTimeMinutes, req.Satisfaction)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toWorkloadResponse(wl))
	}
}

func rebalanceHandler(engine *matching.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := engine.RebalanceWorkload(r.Context())
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, RebalanceResponse{Updated: n})
	}
}

func createRuleHandler(engine *routing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateRoutingRuleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		rule, err := engine.CreateRule(r.Context(),
			uuid.MustParse(req.OriginalAstrologerID),
			uuid.MustParse(req.AssignedAstrologerID),
			req.Priority)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toRoutingRuleResponse(*rule))
	}
}

func listRulesHandler(engine *routing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := engine.ListRules(r.Context())
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		resp := make([]RoutingRuleResponse, 0, len(rules))
		for _, rule := range rules {
			resp = append(resp, toRoutingRuleResponse(rule))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func deactivateRuleHandler(engine *routing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		if err := engine.DeactivateRule(r.Context(), id); err != nil {
			handleServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func websocketHandler(hub *websocket.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.URL.Query().Get("consultation"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_consultation", "consultation query parameter must be a valid UUID")
			return
		}
		hub.ServeRoom(w, r, session.Room(id))
	}
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, consultation.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found", err.Error())
	case errors.Is(err, consultation.ErrAstrologerNotFound):
		writeError(w, http.StatusNotFound, "astrologer_not_found", err.Error())
	case errors.Is(err, consultation.ErrConsultationNotFound):
		writeError(w, http.StatusNotFound, "consultation_not_found", err.Error())
	case errors.Is(err, consultation.ErrQueueEntryNotFound):
		writeError(w, http.StatusNotFound, "queue_entry_not_found", err.Error())
	case errors.Is(err, consultation.ErrRoutingRuleNotFound):
		writeError(w, http.StatusNotFound, "routing_rule_not_found", err.Error())
	case errors.Is(err, consultation.ErrExtensionLimitReached):
		writeError(w, http.StatusConflict, "extension_limit_reached", err.Error())
	case errors.Is(err, consultation.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "insufficient_balance", err.Error())
	case errors.Is(err, consultation.ErrAstrologerBusy),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "astrologer_busy", "astrologer is being booked, please retry shortly")
	case errors.Is(err, consultation.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, consultation.ErrCostBelowPrice):
		writeError(w, http.StatusBadRequest, "invalid_cost", err.Error())
	case errors.Is(err, consultation.ErrInvalidDuration),
		errors.Is(err, routing.ErrInvalidRule),
		errors.Is(err, matching.ErrInvalidMetrics):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
