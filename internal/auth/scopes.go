package auth

// Scopes understood by the API.
const (
	ScopeSyncRead  = "sync:read"
	ScopeSyncWrite = "sync:write"
	ScopeConnect   = "athletes:connect"
	ScopeAdmin     = "admin"
)
