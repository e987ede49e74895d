package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/events"
	"github.com/kandev/kandev/internal/events/bus"
	ws "github.com/kandev/kandev/pkg/websocket"
)

// BridgeEvents subscribes the hub to every session lifecycle event on the
// bus and fans each one out as a session.updated notification: once to
// every connected client (Hub.Broadcast), and once more to the clients that
// subscribed to that session with session.subscribe (Hub.BroadcastToSession).
func (g *Gateway) BridgeEvents(eventBus bus.EventBus) error {
	if eventBus == nil {
		return nil
	}
	_, err := eventBus.Subscribe(events.BuildSessionWildcardSubject(), func(_ context.Context, event *bus.Event) error {
		g.forwardEvent(event)
		return nil
	})
	return err
}

func (g *Gateway) forwardEvent(event *bus.Event) {
	msg, err := ws.NewNotification(ws.ActionSessionUpdated, event)
	if err != nil {
		g.logger.Error("failed to build session update notification", zap.String("event_type", event.Type), zap.Error(err))
		return
	}
	g.Hub.Broadcast(msg)

	data, _ := event.Data.(map[string]interface{})
	sessionID, _ := data["session_id"].(string)
	if sessionID == "" {
		return
	}
	g.Hub.BroadcastToSession(sessionID, msg)
}
