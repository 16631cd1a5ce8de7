package registry

import (
	"github.com/aosanya/workflowcore/internal/execution"
)

// AgentLookup adapts *Registry to execution.AgentLookup. It is a
// separate type (rather than methods directly on *Registry) so that
// *Registry's own Resolve keeps returning the richer *AgentAction for
// callers that want schema validation details.
type AgentLookup struct {
	Registry *Registry
}

// Resolve implements execution.AgentLookup.
func (a AgentLookup) Resolve(agentType, action string) (execution.Dispatchable, error) {
	return a.Registry.Resolve(agentType, action)
}

// IsIdempotent implements execution.AgentLookup.
func (a AgentLookup) IsIdempotent(agentType, action string) bool {
	d, ok := a.Registry.Descriptor(agentType)
	if !ok {
		return false
	}
	return d.IsIdempotent(action)
}
