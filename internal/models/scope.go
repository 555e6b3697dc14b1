package models

// Scope is the (tenant, workspace) pair every key, alias and usage record
// belongs to.
type Scope struct {
	TenantID    string
	WorkspaceID string
}

// Owns reports whether a row stamped with tenantID/workspaceID belongs to s.
func (s Scope) Owns(tenantID, workspaceID string) bool {
	return s.TenantID == tenantID && s.WorkspaceID == workspaceID
}
