package httpapi

import (
	"net/http"

	"ai_routing/internal/ledger"
	"ai_routing/internal/utils"
)

func (d *Dependencies) usage(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r, "")
	if !ok {
		return
	}
	tf, err := ledger.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	m, err := d.Ledger.Metrics(r.Context(), s, tf)
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, m)
}
