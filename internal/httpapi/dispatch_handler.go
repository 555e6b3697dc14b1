package httpapi

import (
	"net/http"

	"ai_routing/internal/dispatch"
	"ai_routing/internal/models"
	"ai_routing/internal/utils"
)

// DispatchRequest is the body of POST /ai-dispatch. Either alias_name or
// provider is set; provider bypasses aliases.
type DispatchRequest struct {
	WorkspaceID          string         `json:"workspace_id,omitempty"`
	AliasName            string         `json:"alias_name,omitempty" validate:"required_without=Provider,excluded_with=Provider"`
	Provider             string         `json:"provider,omitempty"`
	Model                string         `json:"model,omitempty" validate:"excluded_without=Provider"`
	Modality             string         `json:"modality,omitempty" validate:"omitempty,oneof=text image audio video"`
	Capability           string         `json:"capability,omitempty"`
	Payload              map[string]any `json:"payload" validate:"required"`
	EstimatedInputTokens int64          `json:"estimated_input_tokens,omitempty" validate:"gte=0"`
	MaxOutputTokens      int64          `json:"max_output_tokens,omitempty" validate:"gte=0"`
	EstimatedCostUSD     *float64       `json:"estimated_cost_usd,omitempty" validate:"omitempty,gte=0"`
}

func (d *Dependencies) dispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	s, ok := scope(w, r, req.WorkspaceID)
	if !ok {
		return
	}

	in := dispatch.Request{
		Payload:              req.Payload,
		EstimatedInputTokens: req.EstimatedInputTokens,
		MaxOutputTokens:      req.MaxOutputTokens,
		EstimatedCostUSD:     req.EstimatedCostUSD,
	}

	var (
		resp *dispatch.Response
		err  error
	)
	if req.Provider != "" {
		resp, err = d.Dispatcher.DispatchDirect(r.Context(), s, dispatch.DirectTarget{
			Provider:   req.Provider,
			Model:      req.Model,
			Modality:   models.Modality(req.Modality),
			Capability: models.Feature(req.Capability),
		}, in)
	} else {
		resp, err = d.Dispatcher.Dispatch(r.Context(), s, req.AliasName, in)
	}
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}
