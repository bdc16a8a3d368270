package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fabrica-dev/fabrica/internal/port/messagequeue"
)

// relaySubjects are the queue subjects mirrored to connected clients.
var relaySubjects = []string{
	messagequeue.SubjectProjectsAll,
	messagequeue.SubjectTasksAll,
}

// Relay forwards engine events from the message queue to the hub. The
// engine publishes every lifecycle transition and output chunk to the
// queue; the relay is what makes those visible to WebSocket clients.
type Relay struct {
	hub   *Hub
	queue messagequeue.Queue
	stops []func()
}

// NewRelay wires queue events to hub broadcasts. Call Start to begin
// forwarding.
func NewRelay(hub *Hub, queue messagequeue.Queue) *Relay {
	return &Relay{hub: hub, queue: queue}
}

// Start subscribes to the project and task subjects. A failure on any
// subject unwinds the subscriptions already made.
func (r *Relay) Start(ctx context.Context) error {
	for _, subject := range relaySubjects {
		stop, err := r.queue.Subscribe(ctx, subject, r.forward)
		if err != nil {
			r.Stop()
			return fmt.Errorf("relay subscribe %s: %w", subject, err)
		}
		r.stops = append(r.stops, stop)
	}
	slog.Info("websocket relay started", "subjects", relaySubjects)
	return nil
}

// forward mirrors one queue message to all connected clients, keeping
// the queue subject as the message type.
func (r *Relay) forward(ctx context.Context, subject string, data []byte) error {
	r.hub.Broadcast(ctx, Message{Type: subject, Payload: json.RawMessage(data)})
	return nil
}

// Stop cancels the active subscriptions. Safe to call more than once.
func (r *Relay) Stop() {
	for _, stop := range r.stops {
		stop()
	}
	r.stops = nil
}
