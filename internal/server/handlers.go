package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sw33tLie/shelfsync/pkg/apply"
	"github.com/sw33tLie/shelfsync/pkg/catalog"
	"github.com/sw33tLie/shelfsync/pkg/plan"
	"github.com/sw33tLie/shelfsync/pkg/storage"
)

type itemView struct {
	Seq       int                  `json:"seq"`
	TargetID  string               `json:"target_id"`
	Field     plan.Field           `json:"field"`
	Old       int64                `json:"old"`
	New       int64                `json:"new"`
	Variant   *catalog.VariantSpec `json:"variant,omitempty"`
	Requires  int                  `json:"requires,omitempty"`
	Status    plan.ItemStatus      `json:"status"`
	Reason    string               `json:"reason,omitempty"`
	ResultID  string               `json:"result_id,omitempty"`
	UpdatedAt *time.Time           `json:"updated_at,omitempty"`
}

type planView struct {
	ID         string      `json:"id"`
	Kind       plan.Kind   `json:"kind"`
	Status     plan.Status `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	ApprovedBy string      `json:"approved_by,omitempty"`
	ApprovedAt *time.Time  `json:"approved_at,omitempty"`
	Counts     plan.Counts `json:"counts"`
	Items      []itemView  `json:"items,omitempty"`
}

func viewPlan(p *plan.Plan, withItems bool) planView {
	v := planView{
		ID:         p.ID,
		Kind:       p.Kind,
		Status:     p.Status,
		CreatedAt:  p.CreatedAt,
		ApprovedBy: p.ApprovedBy,
		ApprovedAt: p.ApprovedAt,
		Counts:     p.Counts(),
	}
	if !withItems {
		return v
	}
	for _, it := range p.Items {
		iv := itemView{
			Seq:      it.Seq,
			TargetID: it.TargetID,
			Field:    it.Field,
			Old:      it.Old,
			New:      it.New,
			Variant:  it.Variant,
			Requires: it.Requires,
			Status:   it.Status,
			Reason:   it.Reason,
			ResultID: it.ResultID,
		}
		if !it.UpdatedAt.IsZero() {
			t := it.UpdatedAt
			iv.UpdatedAt = &t
		}
		v.Items = append(v.Items, iv)
	}
	return v
}

type reportView struct {
	PlanID    string      `json:"plan_id"`
	Status    plan.Status `json:"status"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
	Pending   int         `json:"pending"`
}

func viewReport(r *apply.Report) reportView {
	return reportView{
		PlanID:    r.PlanID,
		Status:    r.Status,
		Succeeded: r.Succeeded,
		Failed:    r.Failed,
		Skipped:   r.Skipped,
		Pending:   r.Pending,
	}
}

// writeError maps plan lifecycle errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, plan.ErrPlanNotFound):
		code = http.StatusNotFound
	case errors.Is(err, plan.ErrPlanNotApproved),
		errors.Is(err, plan.ErrPlanAlreadyApplied),
		errors.Is(err, plan.ErrNotResumable),
		errors.Is(err, plan.ErrPlanActive):
		code = http.StatusConflict
	}
	var sc *storage.StatusConflictError
	if errors.As(err, &sc) {
		code = http.StatusConflict
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Engine.DB.GetStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	f := storage.PlanFilter{
		Status: plan.Status(q.Get("status")),
		Kind:   plan.Kind(q.Get("kind")),
		Limit:  limit,
	}
	if f.Kind != "" && !f.Kind.Valid() {
		http.Error(w, "unknown plan kind "+string(f.Kind), http.StatusBadRequest)
		return
	}

	plans, err := s.Engine.DB.ListPlans(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]planView, 0, len(plans))
	for _, p := range plans {
		out = append(out, viewPlan(p, false))
	}
	writeJSON(w, out)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.Engine.DB.GetPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, viewPlan(p, true))
}

type ApproveRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	// the authenticated user approves unless the body names someone
	if req.Actor == "" {
		req.Actor, _, _ = r.BasicAuth()
	}
	if req.Actor == "" {
		http.Error(w, "actor is required", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if err := s.Engine.Approve(r.Context(), id, req.Actor); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.Engine.DB.GetPlan(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, viewPlan(p, false))
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		rep *apply.Report
		err error
	)
	if r.URL.Query().Get("resume") == "true" {
		rep, err = s.Engine.Resume(r.Context(), id)
	} else {
		rep, err = s.Engine.Apply(r.Context(), id)
	}
	if err != nil && rep == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		// the run stopped part way; the report still says where
		w.Header().Set("X-Apply-Error", err.Error())
	}
	writeJSON(w, viewReport(rep))
}

type RecoverRequest struct {
	Actor string `json:"actor"`
	// StaleAfter is a Go duration such as "15m".
	StaleAfter string `json:"stale_after"`
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Actor == "" {
		req.Actor, _, _ = r.BasicAuth()
	}
	if req.Actor == "" {
		http.Error(w, "actor is required", http.StatusBadRequest)
		return
	}
	staleAfter := apply.DefaultStaleAfter
	if req.StaleAfter != "" {
		d, err := time.ParseDuration(req.StaleAfter)
		if err != nil {
			http.Error(w, "invalid stale_after: "+err.Error(), http.StatusBadRequest)
			return
		}
		staleAfter = d
	}

	rep, err := s.Engine.Recover(r.Context(), r.PathValue("id"), req.Actor, staleAfter)
	if err != nil && rep == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		w.Header().Set("X-Apply-Error", err.Error())
	}
	writeJSON(w, viewReport(rep))
}

type autoMapView struct {
	Reference     summaryView `json:"reference"`
	Competitor    summaryView `json:"competitor"`
	Manual        int         `json:"manual"`
	AlreadyMapped int         `json:"already_mapped"`
}

type summaryView struct {
	Total     int `json:"total"`
	Mapped    int `json:"mapped"`
	Unmatched int `json:"unmatched"`
	Failed    int `json:"failed"`
}

func (s *Server) handleAutoMap(w http.ResponseWriter, r *http.Request) {
	actor, _, _ := r.BasicAuth()
	sum, err := s.Engine.AutoMap(r.Context(), actor)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, autoMapView{
		Reference:     summaryView{sum.Reference.Total, sum.Reference.Mapped, sum.Reference.Unmatched, sum.Reference.Failed},
		Competitor:    summaryView{sum.Competitor.Total, sum.Competitor.Mapped, sum.Competitor.Unmatched, sum.Competitor.Failed},
		Manual:        sum.Manual,
		AlreadyMapped: sum.AlreadyMapped,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	entries, err := s.Engine.DB.ListAudit(r.Context(), storage.AuditFilter{
		PlanID:    q.Get("plan"),
		ItemID:    q.Get("item"),
		Operation: storage.Operation(q.Get("op")),
		Limit:     limit,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	writeJSON(w, entries)
}
