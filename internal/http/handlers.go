package http

import (
	"net/http"
	"time"

	"bilancio/internal/core"
	applog "bilancio/internal/log"
)

type decisionView struct {
	ID            int64  `json:"id"`
	MonthStart    string `json:"month_start"`
	SurplusAmount string `json:"surplus_amount"`
	Decision      string `json:"decision,omitempty"`
	TargetGoalID  int64  `json:"target_goal_id,omitempty"`
	Processed     bool   `json:"processed"`
}

type pendingActionView struct {
	ID               int64  `json:"id"`
	Kind             string `json:"kind"`
	DueDate          string `json:"due_date"`
	SubscriptionID   int64  `json:"subscription_id,omitempty"`
	SubscriptionName string `json:"subscription_name,omitempty"`
}

func (s *Server) handleRunObligations(w http.ResponseWriter, r *http.Request) {
	stats, err := s.poster.ProcessDueObligations(r.Context(), time.Now())
	if err != nil {
		s.logger.LogError(r.Context(), "Obligation run failed", err,
			applog.ComponentPoster, applog.OpPost, applog.NewFields())
		writeError(w, http.StatusInternalServerError, "obligation run failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"charges_posted":       stats.ChargesPosted,
		"pending_created":      stats.PendingCreated,
		"contributions_posted": stats.ContributionsPosted,
		"skipped":              stats.Skipped,
		"errors":               stats.Errors,
	})
}

func (s *Server) handleRunReconciliation(w http.ResponseWriter, r *http.Request) {
	stats, err := s.recon.ReconcileAll(r.Context(), time.Now())
	if err != nil {
		s.logger.LogError(r.Context(), "Reconciliation run failed", err,
			applog.ComponentReconciler, applog.OpPost, applog.NewFields())
		writeError(w, http.StatusInternalServerError, "reconciliation run failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"users_reconciled": stats.UsersReconciled,
		"decisions_made":   stats.DecisionsMade,
		"skipped":          stats.Skipped,
		"errors":           stats.Errors,
	})
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decisions, err := s.storage.ListPendingDecisions(r.Context(), userID)
	if err != nil {
		s.logger.LogError(r.Context(), "Failed to list decisions", err,
			applog.ComponentHTTP, applog.OpList, applog.NewFields().WithUser(userID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]decisionView, 0, len(decisions))
	for _, d := range decisions {
		views = append(views, decisionView{
			ID:            d.ID,
			MonthStart:    d.MonthStart.ISO(),
			SurplusAmount: core.FormatAmount(d.SurplusAmount),
			Decision:      string(d.Decision),
			TargetGoalID:  d.TargetGoalID,
			Processed:     d.Processed,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleApplyDecision(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	decisionID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Decision     string `json:"decision"`
		TargetGoalID int64  `json:"target_goal_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err = s.applier.Apply(r.Context(), userID, decisionID, core.Decision(req.Decision), req.TargetGoalID, time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleListPendingActions(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	actions, err := s.storage.ListUnresolvedPendingActions(r.Context(), userID)
	if err != nil {
		s.logger.LogError(r.Context(), "Failed to list pending actions", err,
			applog.ComponentHTTP, applog.OpList, applog.NewFields().WithUser(userID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]pendingActionView, 0, len(actions))
	for _, a := range actions {
		v := pendingActionView{
			ID:      a.ID,
			Kind:    string(a.Kind),
			DueDate: a.DueDate.ISO(),
		}
		if a.VariableBill != nil {
			v.SubscriptionID = a.VariableBill.SubscriptionID
			v.SubscriptionName = a.VariableBill.SubscriptionName
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCompletePendingAction(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	actionID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Amount string `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := core.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid amount")
		return
	}

	txnID, err := s.pending.Complete(r.Context(), userID, actionID, amount, time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "completed",
		"transaction_id": txnID,
	})
}
