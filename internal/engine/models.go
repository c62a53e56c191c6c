package engine

// Shared REST API models.

// Status represents the status of an operation
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusOK      Status = "ok"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  Status `json:"status"`
}

// PrincipalKind classifies the authenticated caller.
type PrincipalKind string

const (
	PrincipalUser   PrincipalKind = "user"
	PrincipalAPIKey PrincipalKind = "api_key"
	PrincipalPublic PrincipalKind = "public"
)

// Principal is the resolved caller identity attached to the request
// context by the authentication middleware.
type Principal struct {
	Kind      PrincipalKind
	ProjectID string
	// ActorID is the bound workspace/agent id asserted by the proxy
	// (X-Aweb-Actor-ID). Empty in direct mode, where binding goes
	// through the alias instead.
	ActorID   string
	AgentID   string
	Alias     string
	HumanName string
}

// Redacted reports whether personally identifying fields must be
// stripped from responses for this principal.
func (p *Principal) Redacted() bool {
	return p.Kind == PrincipalPublic
}
