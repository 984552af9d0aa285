// Package broker suspends a run until the user answers a question.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/observability"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/utils/id"
)

var (
	// ErrQuestionTimeout is returned by Ask when no answer arrives in time.
	ErrQuestionTimeout = errors.New("timed out waiting for answer")
	// ErrQuestionRejected is returned by Ask when the question is dropped
	// without an answer, typically because the conversation went away.
	ErrQuestionRejected = errors.New("question rejected")
	// ErrAmbiguousAnswer is returned by Answer under PolicyReject when an
	// answer without a question id could match several questions.
	ErrAmbiguousAnswer = errors.New("answer is ambiguous; include questionId")
)

// DefaultTimeout bounds how long Ask waits.
const DefaultTimeout = 10 * time.Minute

// TimeoutMessage is the error shown to the user when a question expires.
const TimeoutMessage = "Timed out waiting for answer"

// Policy decides what an answer without a matching id resolves when more than
// one question is pending.
type Policy string

const (
	PolicyResolveAll Policy = "resolve_all"
	PolicyReject     Policy = "reject"
)

// Publisher persists and delivers an event for the conversation.
type Publisher interface {
	Publish(ctx context.Context, ev conversation.Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev conversation.Event)

func (f PublisherFunc) Publish(ctx context.Context, ev conversation.Event) { f(ctx, ev) }

// StatusSetter updates the conversation status.
type StatusSetter interface {
	SetStatus(ctx context.Context, id string, status conversation.Status) error
}

// Config wires a Broker to one conversation.
type Config struct {
	ConversationID string
	Publisher      Publisher
	Statuses       StatusSetter
	Timeout        time.Duration
	Policy         Policy
	Logger         logging.Logger
	Metrics        *observability.RunMetrics
}

// PendingQuestion is an unanswered question.
type PendingQuestion struct {
	ID        string
	Prompt    string
	Options   []conversation.Option
	CreatedAt time.Time
}

type resolution struct {
	answer string
	err    error
}

type pending struct {
	PendingQuestion
	ch   chan resolution
	once sync.Once
}

// settle delivers r exactly once and reports whether this call won.
func (p *pending) settle(r resolution) bool {
	won := false
	p.once.Do(func() {
		p.ch <- r
		won = true
	})
	return won
}

// Broker owns the pending-question table of one conversation.
type Broker struct {
	cfg     Config
	logger  logging.Logger
	mu      sync.Mutex
	pending map[string]*pending
}

// New returns a broker for cfg.
func New(cfg Config) *Broker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyResolveAll
	}
	if cfg.Publisher == nil {
		cfg.Publisher = PublisherFunc(func(context.Context, conversation.Event) {})
	}
	return &Broker{
		cfg:     cfg,
		logger:  logging.OrNop(cfg.Logger),
		pending: make(map[string]*pending),
	}
}

// AskOption customises a question.
type AskOption func(*conversation.Event)

// WithOptions attaches structured choices rendered with selectionType.
func WithOptions(selectionType string, options ...conversation.Option) AskOption {
	return func(ev *conversation.Event) {
		ev.Options = options
		ev.SelectionType = selectionType
	}
}

// WithRunID tags the question with the run that asked it.
func WithRunID(runID string) AskOption {
	return func(ev *conversation.Event) { ev.RunID = runID }
}

// Ask publishes a question and blocks until it is answered, rejected, times
// out or ctx ends. A timeout publishes one error event and returns
// ErrQuestionTimeout. However Ask returns, the conversation goes back to
// active once no other question is pending.
func (b *Broker) Ask(ctx context.Context, text string, opts ...AskOption) (string, error) {
	ev := conversation.Event{
		Type:       conversation.EventQuestion,
		Sender:     conversation.SystemSender,
		Content:    text,
		QuestionID: id.NewQuestionID(),
		Timestamp:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&ev)
	}

	q := &pending{
		PendingQuestion: PendingQuestion{
			ID:        ev.QuestionID,
			Prompt:    text,
			Options:   ev.Options,
			CreatedAt: ev.Timestamp,
		},
		ch: make(chan resolution, 1),
	}
	// Registered before publishing so an immediate answer finds it.
	b.mu.Lock()
	b.pending[q.ID] = q
	b.mu.Unlock()

	b.cfg.Publisher.Publish(ctx, ev)
	b.setStatus(ctx, conversation.StatusAwaitingInput)
	b.cfg.Metrics.Question("asked")

	timer := time.NewTimer(b.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-q.ch:
		return b.finish(ctx, r)
	case <-timer.C:
		b.remove(q.ID)
		if q.settle(resolution{err: ErrQuestionTimeout}) {
			<-q.ch
			b.logger.Warn("Question %s timed out after %s", q.ID, b.cfg.Timeout)
			b.cfg.Metrics.Question("timeout")
			b.cfg.Publisher.Publish(ctx, conversation.ErrorEvent(TimeoutMessage))
			b.release(ctx)
			return "", ErrQuestionTimeout
		}
		return b.finish(ctx, <-q.ch)
	case <-ctx.Done():
		b.remove(q.ID)
		if q.settle(resolution{err: ctx.Err()}) {
			<-q.ch
			b.release(context.WithoutCancel(ctx))
			return "", ctx.Err()
		}
		return b.finish(ctx, <-q.ch)
	}
}

func (b *Broker) finish(ctx context.Context, r resolution) (string, error) {
	if r.err != nil {
		b.cfg.Metrics.Question("rejected")
		b.release(context.WithoutCancel(ctx))
		return "", r.err
	}
	b.cfg.Metrics.Question("answered")
	b.release(ctx)
	return r.answer, nil
}

// release leaves awaiting_input unless another question is still open.
func (b *Broker) release(ctx context.Context) {
	if b.HasPending() {
		return
	}
	b.setStatus(ctx, conversation.StatusActive)
}

func (b *Broker) setStatus(ctx context.Context, status conversation.Status) {
	if b.cfg.Statuses == nil || b.cfg.ConversationID == "" {
		return
	}
	if err := b.cfg.Statuses.SetStatus(ctx, b.cfg.ConversationID, status); err != nil {
		b.logger.Warn("Failed to set conversation %s status %s: %v", b.cfg.ConversationID, status, err)
	}
}

func (b *Broker) remove(questionID string) *pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.pending[questionID]
	delete(b.pending, questionID)
	return q
}

func (b *Broker) drain() []*pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*pending, 0, len(b.pending))
	for qid, q := range b.pending {
		out = append(out, q)
		delete(b.pending, qid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Resolve answers one question. It reports false when the id is not pending.
func (b *Broker) Resolve(questionID, answer string) bool {
	q := b.remove(questionID)
	if q == nil {
		return false
	}
	return q.settle(resolution{answer: answer})
}

// ResolveAll answers every pending question and returns how many it resolved.
func (b *Broker) ResolveAll(answer string) int {
	n := 0
	for _, q := range b.drain() {
		if q.settle(resolution{answer: answer}) {
			n++
		}
	}
	return n
}

// RejectAll fails every pending question with an error wrapping
// ErrQuestionRejected.
func (b *Broker) RejectAll(cause error) int {
	err := ErrQuestionRejected
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrQuestionRejected, cause)
	}
	n := 0
	for _, q := range b.drain() {
		if q.settle(resolution{err: err}) {
			n++
		}
	}
	return n
}

// Answer routes an inbound answer. A known questionID resolves that question;
// otherwise a single pending question is resolved, and several pending
// questions are handled according to the configured policy.
func (b *Broker) Answer(ctx context.Context, questionID, answer string) (int, error) {
	if questionID != "" && b.Resolve(questionID, answer) {
		return 1, nil
	}
	pendingIDs := b.Pending()
	switch {
	case len(pendingIDs) == 0:
		return 0, nil
	case len(pendingIDs) == 1:
		if b.Resolve(pendingIDs[0], answer) {
			return 1, nil
		}
		return 0, nil
	case b.cfg.Policy == PolicyReject:
		b.cfg.Metrics.Question("ambiguous")
		b.cfg.Publisher.Publish(ctx, conversation.ErrorEvent(ErrAmbiguousAnswer.Error()))
		return 0, ErrAmbiguousAnswer
	default:
		b.logger.Warn("Answer without matching question id resolves %d pending questions", len(pendingIDs))
		return b.ResolveAll(answer), nil
	}
}

// Pending lists unanswered question ids, oldest first.
func (b *Broker) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs := make([]*pending, 0, len(b.pending))
	for _, q := range b.pending {
		qs = append(qs, q)
	}
	sort.Slice(qs, func(i, j int) bool { return qs[i].CreatedAt.Before(qs[j].CreatedAt) })
	ids := make([]string, 0, len(qs))
	for _, q := range qs {
		ids = append(ids, q.ID)
	}
	return ids
}

// HasPending reports whether any question awaits an answer.
func (b *Broker) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}

// Question returns a snapshot of a pending question.
func (b *Broker) Question(questionID string) (PendingQuestion, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.pending[questionID]
	if !ok {
		return PendingQuestion{}, false
	}
	return q.PendingQuestion, true
}
