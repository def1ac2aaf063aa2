package natsbus

import "fmt"

// Subject patterns for bus events.

func TopicEventsChat(chatID string) string {
	return fmt.Sprintf("events.chat.%s", chatID)
}

func TopicEventsTask(taskID string) string {
	return fmt.Sprintf("events.task.%s", taskID)
}

const (
	TopicEventsAll    = "events.>"
	TopicEventsChats  = "events.chat.*"
	TopicEventsTasks  = "events.task.*"
	TopicEventsOutbox = "events.outbox.*"
)
