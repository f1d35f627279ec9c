package controlplane

import (
	"slices"

	"teleclaude/internal/domain"
)

// Rule is one endpoint's role requirement. Empty slices admit any role;
// both sets must pass for the call to proceed.
type Rule struct {
	System []domain.SystemRole
	Human  []domain.HumanRole
}

// open admits everyone who passed identity.
var open = Rule{}

// matrix is the static role requirement per endpoint pattern. The key is
// the ServeMux pattern the route was registered with. Endpoints absent here
// (healthz, metrics) are public and bypass identity entirely.
var matrix = map[string]Rule{
	"GET /sessions":                     open,
	"POST /sessions":                    {System: []domain.SystemRole{domain.SystemRoleOrchestrator, domain.SystemRolePeer}, Human: []domain.HumanRole{domain.HumanRoleAdmin, domain.HumanRoleMember}},
	"POST /sessions/{id}/send":          open,
	"GET /sessions/{id}/tail":           open,
	"GET /sessions/{id}/result":         open,
	"POST /sessions/{id}/end":           {System: []domain.SystemRole{domain.SystemRoleOrchestrator}, Human: []domain.HumanRole{domain.HumanRoleAdmin, domain.HumanRoleMember}},
	"POST /sessions/{id}/run":           {System: []domain.SystemRole{domain.SystemRoleOrchestrator}, Human: []domain.HumanRole{domain.HumanRoleAdmin}},
	"POST /sessions/{id}/unsubscribe":   open,
	"POST /sessions/{id}/file":          {System: []domain.SystemRole{domain.SystemRoleOrchestrator, domain.SystemRoleWorker}, Human: []domain.HumanRole{domain.HumanRoleAdmin, domain.HumanRoleMember}},
	"POST /sessions/{id}/widget":        open,
	"POST /sessions/{id}/escalate":      {System: []domain.SystemRole{domain.SystemRoleWorker, domain.SystemRoleOrchestrator}},
	"GET /todos":                        open,
	"POST /todos/{id}/prepare":          {System: []domain.SystemRole{domain.SystemRoleOrchestrator}, Human: []domain.HumanRole{domain.HumanRoleAdmin, domain.HumanRoleMember}},
	"POST /todos/{id}/work":             {System: []domain.SystemRole{domain.SystemRoleOrchestrator}, Human: []domain.HumanRole{domain.HumanRoleAdmin, domain.HumanRoleMember}},
	"POST /todos/{id}/maintain":         {System: []domain.SystemRole{domain.SystemRoleOrchestrator}, Human: []domain.HumanRole{domain.HumanRoleAdmin, domain.HumanRoleMember}},
	"POST /todos/{id}/phase":            {System: []domain.SystemRole{domain.SystemRoleOrchestrator, domain.SystemRoleWorker}},
	"POST /todos/{id}/deps":             {System: []domain.SystemRole{domain.SystemRoleOrchestrator}, Human: []domain.HumanRole{domain.HumanRoleAdmin, domain.HumanRoleMember}},
	"GET /computers":                    open,
	"POST /computers":                   {System: []domain.SystemRole{domain.SystemRoleOrchestrator, domain.SystemRolePeer}, Human: []domain.HumanRole{domain.HumanRoleAdmin}},
	"GET /projects":                     open,
	"POST /projects":                    {System: []domain.SystemRole{domain.SystemRoleOrchestrator}, Human: []domain.HumanRole{domain.HumanRoleAdmin, domain.HumanRoleMember}},
	"POST /agents/status":               {System: []domain.SystemRole{domain.SystemRoleWorker, domain.SystemRoleOrchestrator}},
	"GET /agents/availability":          open,
	"GET /channels":                     open,
	"POST /channels/{name}/publish":     {System: []domain.SystemRole{domain.SystemRoleOrchestrator}, Human: []domain.HumanRole{domain.HumanRoleAdmin, domain.HumanRoleMember}},
	"GET /context/query":                open,
	"GET /context/help":                 open,
	"POST /deploy":                      {System: []domain.SystemRole{domain.SystemRoleOrchestrator}, Human: []domain.HumanRole{domain.HumanRoleAdmin}},
}

// RuleFor returns the role requirement for an endpoint pattern. Unknown
// patterns get the open rule; restriction is opt-in per endpoint.
func RuleFor(endpoint string) Rule {
	if rule, ok := matrix[endpoint]; ok {
		return rule
	}
	return open
}

// Allow checks the caller's roles against the endpoint's rule. Both the
// system set and the human set must admit the caller.
func Allow(endpoint string, id *Identity) error {
	rule := RuleFor(endpoint)
	if len(rule.System) > 0 && !slices.Contains(rule.System, id.SystemRole) {
		return &domain.RoleError{Endpoint: endpoint, SystemRole: id.SystemRole, HumanRole: id.HumanRole}
	}
	if len(rule.Human) > 0 && !slices.Contains(rule.Human, id.HumanRole) {
		return &domain.RoleError{Endpoint: endpoint, SystemRole: id.SystemRole, HumanRole: id.HumanRole}
	}
	return nil
}
