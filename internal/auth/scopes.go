package auth

const (
	ScopeOpenID        = "openid"
	ScopeEmail         = "email"
	ScopeFlowRead      = "flowspec:read"
	ScopeFlowExecute   = "flowspec:execute"
	ScopeWorkflowAdmin = "flowspec:admin"
)

// AllScopes is the set granted to the dev identity.
var AllScopes = []string{
	ScopeOpenID,
	ScopeEmail,
	ScopeFlowRead,
	ScopeFlowExecute,
	ScopeWorkflowAdmin,
}
