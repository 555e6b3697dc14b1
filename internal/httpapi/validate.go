package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"ai_routing/internal/middleware"
	"ai_routing/internal/models"
	"ai_routing/internal/utils"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json names, not Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

// decodeRequest decodes and validates a JSON body, writing a 400 on failure
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := utils.DecodeJSON(r, dst); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return false
	}

	err := validate.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return false
	}
	details := make([]fieldError, 0, len(verrs))
	for _, fe := range verrs {
		// drop the request type name
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		details = append(details, fieldError{Field: field, Rule: fe.Tag(), Param: fe.Param()})
	}
	first := details[0]
	utils.RespondWithErrorDetails(w, http.StatusBadRequest, fmt.Sprintf("%s failed %s", first.Field, first.Rule), details)
	return false
}

// scope resolves the caller's tenant and the workspace the request acts
// in. A workspace not granted by the token is a 403.
func scope(w http.ResponseWriter, r *http.Request, workspaceID string) (models.Scope, bool) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
		return models.Scope{}, false
	}
	if workspaceID == "" {
		workspaceID = r.URL.Query().Get("workspace_id")
	}
	if workspaceID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "workspace_id is required")
		return models.Scope{}, false
	}
	if !claims.HasWorkspace(workspaceID) {
		utils.RespondWithError(w, http.StatusForbidden, "No access to workspace")
		return models.Scope{}, false
	}
	return models.Scope{TenantID: claims.TenantID, WorkspaceID: workspaceID}, true
}
