package auth

// Claims is the decoded JWT payload the gateway cares about. It lives only
// for the duration of one request.
type Claims struct {
	Subject    string
	Username   string
	UserType   string // "human" or "agent"
	ClientType string
	Scope      string
	AZP        string // authorized party (client id)
}

// ResolvedIdentity is the effective acting identity derived from Claims.
//
// For a human actor, AgentID is the agent the human operates (verified via
// the ownership oracle). For an agent actor, AgentID is the agent's own
// identifier. Never persisted.
type ResolvedIdentity struct {
	AgentID    string
	TenantName string
	Scope      string
}
