package scheduler

import (
	"encoding/json"
	"time"

	"github.com/mkosti/angelia/internal/natsbus"
	"github.com/mkosti/angelia/internal/store"
)

func publishTaskEvent(p EventPublisher, task store.ScheduledTask, status string) {
	event := map[string]any{
		"type":      "scheduled_task_fired",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":     task.ID,
			"name":   task.Name,
			"owner":  task.Owner,
			"status": status,
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = p.Publish(natsbus.TopicEventsTask(task.ID), data)
}
