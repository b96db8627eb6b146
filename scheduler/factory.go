package scheduler

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the taskgraph-scheduler component with the given
// registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "taskgraph-scheduler",
		Factory:     NewComponent,
		Schema:      schedulerSchema,
		Type:        "processor",
		Protocol:    "workflow",
		Domain:      "taskgraph",
		Description: "Reacts to task completion/failure events, drives rerun-vs-block decisions, and detects graph finish",
		Version:     "0.1.0",
	})
}
