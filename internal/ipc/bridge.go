package ipc

import (
	"log/slog"

	"github.com/foreman-dev/foreman/internal/bus"
	"github.com/foreman-dev/foreman/internal/coordinator"
)

// Bridge republishes coordinator events onto the bus so external
// observers can follow coordination activity without polling. It runs
// until the event channel closes; the returned channel closes when the
// bridge drains.
func Bridge(client *bus.Client, events <-chan coordinator.Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			topic := bus.TopicEventsType(string(ev.Type))
			if err := client.PublishJSON(topic, ev); err != nil {
				slog.Warn("event publish failed", "type", ev.Type, "error", err)
			}
		}
	}()
	return done
}
