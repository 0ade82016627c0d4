package natsbus

import "fmt"

// Topic patterns for bus events. Payloads are JSON.

func TopicEventsTurn(userID int64) string {
	return fmt.Sprintf("events.turn.%d", userID)
}

func TopicEventsStep(userID int64) string {
	return fmt.Sprintf("events.step.%d", userID)
}

func TopicEventsBreaker(name string) string {
	return fmt.Sprintf("events.breaker.%s", name)
}

func TopicEventsTask(taskID string) string {
	return fmt.Sprintf("events.task.%s", taskID)
}

const (
	TopicEventsAll      = "events.>"
	TopicEventsTurns    = "events.turn.*"
	TopicEventsSteps    = "events.step.*"
	TopicEventsBreakers = "events.breaker.*"
	TopicEventsTasks    = "events.task.*"
)
