package httpapi

import (
	"net/http"

	"ai_routing/internal/utils"
)

func (d *Dependencies) listProviders(w http.ResponseWriter, r *http.Request) {
	list, err := d.Catalog.List(r.Context())
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"providers": list})
}

// seedProviders upserts the embedded default catalog. Running it again
// changes nothing.
func (d *Dependencies) seedProviders(w http.ResponseWriter, r *http.Request) {
	result, err := d.Catalog.SeedDefaults(r.Context())
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	d.logger.Info("Seeded provider catalog", "inserted", len(result.Inserted), "updated", len(result.Updated))
	utils.RespondWithJSON(w, http.StatusOK, result)
}
