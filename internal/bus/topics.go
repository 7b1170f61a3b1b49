package bus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicOp is the request-reply subject for a single coordination
// operation, e.g. foreman.ipc.register_agent.
func TopicOp(op string) string {
	return fmt.Sprintf("foreman.ipc.%s", op)
}

func TopicEventsType(eventType string) string {
	return fmt.Sprintf("foreman.events.%s", eventType)
}

const (
	TopicOpsAll    = "foreman.ipc.>"
	TopicEventsAll = "foreman.events.>"
)
