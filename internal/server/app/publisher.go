package app

import (
	"context"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/registry"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/server/ports"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/utils/id"
)

// runPublisher persists each run event and forwards it to whichever
// connection the run is currently bound to.
type runPublisher struct {
	store          conversation.Store
	conversationID string
	state          *registry.RunState
	logger         logging.Logger
}

// publisherFor returns a publisher that emits through state.
func (c *Coordinator) publisherFor(state *registry.RunState) *runPublisher {
	return &runPublisher{store: c.store, conversationID: state.ConversationID(), state: state, logger: c.logger}
}

func (p *runPublisher) Publish(ctx context.Context, ev conversation.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = utcNow()
	}
	p.state.Exclusive(func() {
		persist(ctx, p.store, p.conversationID, ev, p.logger)
		if err := p.state.Send(ev); err != nil {
			p.logger.Debug("Dropping %s event for %s: %v", ev.Type, p.conversationID, err)
		}
	})
}

// connPublisher persists events and sends them to a single connection.
type connPublisher struct {
	store          conversation.Store
	conversationID string
	conn           ports.Conn
	logger         logging.Logger
}

func (p *connPublisher) Publish(ctx context.Context, ev conversation.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = utcNow()
	}
	persist(ctx, p.store, p.conversationID, ev, p.logger)
	if err := p.conn.Send(ev); err != nil {
		p.logger.Debug("Dropping %s event for %s: %v", ev.Type, p.conversationID, err)
	}
}

func persist(ctx context.Context, store conversation.Store, conversationID string, ev conversation.Event, logger logging.Logger) {
	msg, ok := ev.ToMessage(id.NewMessageKey())
	if !ok {
		return
	}
	if err := store.AppendMessage(ctx, conversationID, msg); err != nil {
		logger.Warn("Failed to persist %s message for %s: %v", msg.Kind, conversationID, err)
	}
}
