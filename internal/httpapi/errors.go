package httpapi

import (
	"context"
	"errors"
	"net/http"

	"ai_routing/internal/aliases"
	"ai_routing/internal/catalog"
	"ai_routing/internal/dispatch"
	"ai_routing/internal/ledger"
	"ai_routing/internal/utils"
	"ai_routing/internal/vault"
)

// statusClientClosedRequest is logged when the caller went away mid-dispatch
const statusClientClosedRequest = 499

type validationDetails struct {
	Field    string `json:"field"`
	Provider string `json:"provider,omitempty"`
	Reason   string `json:"reason"`
}

// writeError maps domain errors to status codes
func writeError(w http.ResponseWriter, logger *utils.Logger, err error) {
	var (
		keyInvalid   *vault.ValidationError
		aliasInvalid *aliases.ValidationError
		exhausted    *dispatch.ExhaustedError
	)

	switch {
	case errors.As(err, &keyInvalid):
		utils.RespondWithErrorDetails(w, http.StatusBadRequest, err.Error(), validationDetails{
			Field: keyInvalid.Field, Provider: keyInvalid.Provider, Reason: keyInvalid.Reason,
		})
	case errors.As(err, &aliasInvalid):
		utils.RespondWithErrorDetails(w, http.StatusBadRequest, err.Error(), validationDetails{
			Field: aliasInvalid.Field, Provider: aliasInvalid.Provider, Reason: aliasInvalid.Reason,
		})
	case errors.Is(err, ledger.ErrUnknownTimeframe):
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, catalog.ErrUnknownProvider), errors.Is(err, catalog.ErrProviderInactive):
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, vault.ErrForbidden), errors.Is(err, aliases.ErrForbidden):
		utils.RespondWithError(w, http.StatusForbidden, "Resource belongs to another workspace")
	case errors.Is(err, vault.ErrKeyNotFound):
		utils.RespondWithError(w, http.StatusNotFound, "Key not found")
	case errors.Is(err, aliases.ErrAliasNotFound), errors.Is(err, dispatch.ErrAliasNotFound):
		utils.RespondWithError(w, http.StatusNotFound, "Alias not found")
	case errors.As(err, &exhausted):
		status := http.StatusBadGateway
		if errors.Is(err, dispatch.ErrBudgetExhausted) {
			status = http.StatusPaymentRequired
		}
		utils.RespondWithErrorDetails(w, status, exhausted.Kind.Error(), map[string]any{
			"dispatch_id": exhausted.DispatchID,
			"attempts":    exhausted.Attempts,
		})
	case errors.Is(err, context.DeadlineExceeded):
		utils.RespondWithError(w, http.StatusGatewayTimeout, "Request timed out")
	case errors.Is(err, context.Canceled):
		w.WriteHeader(statusClientClosedRequest)
	default:
		logger.Error("Request failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}
