package scheduler

import "github.com/c360studio/semstreams/component"

func init() {
	registrations := []*component.PayloadRegistration{
		{
			Domain:      "workflow",
			Category:    "task-completed",
			Version:     "v1",
			Description: "Task completion event, success or soft failure",
			Factory:     func() any { return &TaskCompletedPayload{} },
		},
		{
			Domain:      "workflow",
			Category:    "task-failed",
			Version:     "v1",
			Description: "Hard task failure event, executor retries exhausted",
			Factory:     func() any { return &TaskFailedPayload{} },
		},
		{
			Domain:      "workflow",
			Category:    "task-graph-blocked",
			Version:     "v1",
			Description: "Task graph transitioned from running to blocked",
			Factory:     func() any { return &GraphBlockedPayload{} },
		},
		{
			Domain:      "workflow",
			Category:    "task-graph-finished",
			Version:     "v1",
			Description: "Task graph reached the finished state",
			Factory:     func() any { return &GraphFinishedPayload{} },
		},
	}

	for _, reg := range registrations {
		if err := component.RegisterPayload(reg); err != nil {
			panic("failed to register " + reg.Category + " payload: " + err.Error())
		}
	}
}
