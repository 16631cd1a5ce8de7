package agent

import "errors"

var (
	// ErrDuplicateAgent is returned by the registry on a conflicting
	// registration of an agentType already known.
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrAgentNotFound is returned when no descriptor exists for an
	// agentType.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrActionNotFound is returned when a descriptor exists but does not
	// expose the requested action.
	ErrActionNotFound = errors.New("action not found")

	// ErrSchemaValidation is returned when action parameters fail
	// validation against the declared JSON schema.
	ErrSchemaValidation = errors.New("parameters failed schema validation")

	// ErrDescriptorUnhealthy is returned when resolve is attempted
	// against a descriptor that failed initialization or is stopped.
	ErrDescriptorUnhealthy = errors.New("agent descriptor is not healthy")
)
