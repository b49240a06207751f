package pipeline

import (
	"encoding/json"
	"net/http"
	"strconv"

	"news_sniper/internal/model"
)

// verdictView is a verdict as served over HTTP.
type verdictView struct {
	model.FilterVerdict
	Categories []string `json:"categories"`
}

// VerdictsHandler serves the most recent verdicts as JSON. The optional
// limit query parameter caps the number returned (default 50).
func (p *Pipeline) VerdictsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		recent := p.Recent(limit)
		out := make([]verdictView, 0, len(recent))
		for _, v := range recent {
			out = append(out, verdictView{FilterVerdict: v, Categories: v.Categories()})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}
