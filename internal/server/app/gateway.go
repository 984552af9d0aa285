package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/broker"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/registry"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/server/ports"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/utils/id"
)

// User-facing gateway errors.
const (
	MsgConversationNotFound = "Conversation not found"
	MsgInvalidJSON          = "Invalid JSON"
	MsgUnsupportedMessage   = "Unsupported message"
	MsgRunActive            = "A run is already in progress for this conversation"
)

var errConnectionClosed = errors.New("connection closed")

// Inbound is a frame sent by the client.
type Inbound struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	QuestionID string `json:"questionId,omitempty"`
}

// Session is one open connection to a conversation.
type Session struct {
	c              *Coordinator
	conversationID string
	conn           ports.Conn
	pub            *connPublisher
	closeOnce      sync.Once
}

// ConversationID returns the conversation the session is bound to.
func (s *Session) ConversationID() string { return s.conversationID }

// Open binds conn to conversationID: it replays the persisted log and, when a
// run is still executing, rebinds that run to conn. An unknown conversation
// sends an error event and returns an error wrapping ErrNotFound.
func (c *Coordinator) Open(ctx context.Context, conversationID string, conn ports.Conn) (*Session, error) {
	conv, err := c.store.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			_ = conn.Send(conversation.ErrorEvent(MsgConversationNotFound))
			return nil, NotFoundError(MsgConversationNotFound)
		}
		return nil, err
	}

	s := &Session{
		c:              c,
		conversationID: conversationID,
		conn:           conn,
		pub:            &connPublisher{store: c.store, conversationID: conversationID, conn: conn, logger: c.logger},
	}

	state, live := c.registry.Get(conversationID)
	if !live {
		replay(conv, conn)
		c.metrics.ConnectionOpened(false)
		return s, nil
	}

	state.Exclusive(func() {
		// Re-read under the emit lock so nothing published meanwhile is
		// missed or delivered twice.
		if fresh, err := c.store.Get(ctx, conversationID); err == nil {
			conv = fresh
		}
		replay(conv, conn)
		state.Attach(conn)
		_ = conn.Send(conversation.StatusEvent("running", state.RunID(), true))
	})
	c.logger.Info("Connection reattached to run %s of %s", state.RunID(), conversationID)
	c.metrics.ConnectionOpened(true)
	return s, nil
}

// replay sends the persisted log. It has no side effects on run state.
func replay(conv *conversation.Conversation, conn ports.Conn) {
	for _, m := range conv.Messages {
		ev, ok := conversation.ReplayEvent(m)
		if !ok {
			continue
		}
		if err := conn.Send(ev); err != nil {
			return
		}
	}
}

// HandleInbound processes one raw client frame. Malformed frames produce an
// error event and leave the connection open.
func (s *Session) HandleInbound(ctx context.Context, raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		s.c.metrics.InboundRejected("invalid_json")
		s.pub.Publish(ctx, conversation.ErrorEvent(MsgInvalidJSON))
		return
	}
	if in.Type == "ping" {
		return
	}
	in.Content = strings.TrimSpace(in.Content)
	if (in.Type != string(conversation.EventUserMessage) && in.Type != string(conversation.EventAnswer)) || in.Content == "" {
		s.c.metrics.InboundRejected("unsupported")
		s.pub.Publish(ctx, conversation.ErrorEvent(MsgUnsupportedMessage))
		return
	}
	s.c.accept(ctx, s, in)
}

// Close detaches the connection. A running run keeps executing; otherwise
// outstanding questions of a finished run are rejected and its entry dropped.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		c := s.c
		if state, ok := c.registry.Get(s.conversationID); ok {
			state.DetachSink(s.conn)
		} else if stale, ok := c.registry.Remove(s.conversationID); ok && stale.Broker() != nil {
			stale.Broker().RejectAll(errConnectionClosed)
		}
		c.metrics.ConnectionClosed()
	})
}

// accept persists an inbound message and routes it.
func (c *Coordinator) accept(ctx context.Context, s *Session, in Inbound) {
	kind := conversation.KindUserMessage
	if in.Type == string(conversation.EventAnswer) {
		kind = conversation.KindAnswer
	}
	msg := conversation.Message{
		Key:       id.NewMessageKey(),
		Sender:    conversation.UserSender,
		Kind:      kind,
		Content:   in.Content,
		Timestamp: utcNow(),
	}
	if in.QuestionID != "" {
		msg.Metadata = map[string]any{conversation.MetaQuestionID: in.QuestionID}
	}
	if err := c.store.AppendMessage(ctx, s.conversationID, msg); err != nil {
		c.logger.Warn("Failed to persist inbound message for %s: %v", s.conversationID, err)
	}
	if kind == conversation.KindUserMessage {
		c.maybeSetTitle(ctx, s.conversationID, in.Content)
	}

	if state, ok := c.registry.Get(s.conversationID); ok {
		if b := state.Broker(); b != nil && b.HasPending() {
			if _, err := b.Answer(ctx, in.QuestionID, in.Content); err != nil {
				c.logger.Warn("Answer for %s not applied: %v", s.conversationID, err)
			}
			return
		}
		roster := state.Roster()
		if len(roster) == 0 {
			roster = c.snapshot().Candidates()
		}
		responder, ok := pickResponder(in.Content, roster, state)
		if !ok {
			c.logger.Info("No responder yet for mid-run message in %s", s.conversationID)
			return
		}
		c.replyAsync(ctx, s.conversationID, responder, in.Content, false, c.publisherFor(state))
		return
	}

	if crew, ok := c.recallCrew(ctx, s.conversationID); ok {
		responder, found := FindMentioned(in.Content, crew.Roster)
		if !found {
			responder = crew.Lead
		}
		c.replyAsync(ctx, s.conversationID, responder, in.Content, true, s.pub)
		return
	}

	if err := c.startRun(ctx, s, in.Content); err != nil {
		c.logger.Warn("Run not started for %s: %v", s.conversationID, err)
	}
}

func pickResponder(message string, roster []catalog.Worker, state *registry.RunState) (catalog.Worker, bool) {
	if w, ok := FindMentioned(message, roster); ok {
		return w, true
	}
	if lead, ok := state.Lead(); ok {
		return lead, true
	}
	if len(roster) > 0 {
		return roster[0], true
	}
	return catalog.Worker{}, false
}

// replyAsync answers in the background. Mid-run replies publish through the
// run so they follow the run to a reattached connection.
func (c *Coordinator) replyAsync(ctx context.Context, conversationID string, responder catalog.Worker, message string, tools bool, pub broker.Publisher) {
	ctx = context.WithoutCancel(ctx)
	c.tracker.Go(c.logger, "crew.reply", func() {
		c.reply(ctx, conversationID, responder, message, tools, pub)
	})
}

func (c *Coordinator) maybeSetTitle(ctx context.Context, conversationID, content string) {
	conv, err := c.store.Get(ctx, conversationID)
	if err != nil || !conv.HasDefaultTitle() {
		return
	}
	if err := c.store.SetTitle(ctx, conversationID, TitleFromMessage(content)); err != nil {
		c.logger.Warn("Failed to set title for %s: %v", conversationID, err)
	}
}

// recallCrew returns the crew of the last completed run, rebuilding it from
// the run record when the in-memory entry was evicted or lost on restart.
func (c *Coordinator) recallCrew(ctx context.Context, conversationID string) (CrewRecord, bool) {
	if record, ok := c.crews.Recall(conversationID); ok {
		return record, true
	}
	runs, err := c.store.ListRuns(ctx, conversation.RunFilter{
		ConversationID: conversationID,
		Status:         conversation.RunCompleted,
		Limit:          1,
	})
	if err != nil || len(runs) == 0 {
		return CrewRecord{}, false
	}
	run := runs[0]
	snapshot := c.snapshot()
	record := CrewRecord{RunID: run.ID}
	seen := map[string]bool{}
	for _, task := range run.Tasks {
		w, ok := snapshot.Worker(task.WorkerID)
		if !ok || seen[w.ID] {
			continue
		}
		seen[w.ID] = true
		record.Roster = append(record.Roster, w)
	}
	if len(record.Roster) == 0 {
		return CrewRecord{}, false
	}
	record.Lead = leadOf(record.Roster)
	c.crews.Remember(conversationID, record)
	return record, true
}
