package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	events   []conversation.Event
	statuses []conversation.Status
}

func (r *recorder) Publish(_ context.Context, ev conversation.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) SetStatus(_ context.Context, _ string, status conversation.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *recorder) Events() []conversation.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]conversation.Event(nil), r.events...)
}

func (r *recorder) Statuses() []conversation.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]conversation.Status(nil), r.statuses...)
}

func newBroker(rec *recorder, timeout time.Duration, policy Policy) *Broker {
	return New(Config{
		ConversationID: "conv-1",
		Publisher:      rec,
		Statuses:       rec,
		Timeout:        timeout,
		Policy:         policy,
	})
}

type answer struct {
	text string
	err  error
}

func askAsync(b *Broker, text string, opts ...AskOption) <-chan answer {
	out := make(chan answer, 1)
	go func() {
		got, err := b.Ask(context.Background(), text, opts...)
		out <- answer{got, err}
	}()
	return out
}

func waitPending(t *testing.T, b *Broker, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(b.Pending()) == n }, time.Second, 5*time.Millisecond)
	return b.Pending()
}

func TestAskResolvedByID(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	b := newBroker(rec, time.Minute, PolicyResolveAll)
	done := askAsync(b, "Which market?", WithOptions(conversation.SelectionRadio,
		conversation.Option{Value: "us", Label: "US"}), WithRunID("run-1"))

	ids := waitPending(t, b, 1)
	assert.True(t, b.HasPending())
	q, ok := b.Question(ids[0])
	require.True(t, ok)
	assert.Equal(t, "Which market?", q.Prompt)

	assert.True(t, b.Resolve(ids[0], "US"))
	assert.False(t, b.Resolve(ids[0], "again"), "a question resolves exactly once")

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, "US", got.text)
	assert.False(t, b.HasPending())

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, conversation.EventQuestion, events[0].Type)
	assert.Equal(t, ids[0], events[0].QuestionID)
	assert.Equal(t, "run-1", events[0].RunID)
	assert.Equal(t, conversation.SelectionRadio, events[0].SelectionType)
	assert.Regexp(t, "^q-", events[0].QuestionID)

	assert.Equal(t, []conversation.Status{conversation.StatusAwaitingInput, conversation.StatusActive}, rec.Statuses())
}

func TestAskTimesOutExactlyOnce(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	b := newBroker(rec, 30*time.Millisecond, PolicyResolveAll)

	_, err := b.Ask(context.Background(), "Anyone?")
	require.ErrorIs(t, err, ErrQuestionTimeout)
	assert.Empty(t, b.Pending())

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, conversation.EventError, events[1].Type)
	assert.Equal(t, TimeoutMessage, events[1].Message)
	assert.Equal(t, []conversation.Status{conversation.StatusAwaitingInput, conversation.StatusActive}, rec.Statuses())

	// A late answer finds nothing to resolve.
	n, err := b.Answer(context.Background(), events[0].QuestionID, "late")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, rec.Events(), 2)
}

func TestAskHonoursContext(t *testing.T) {
	t.Parallel()

	b := newBroker(&recorder{}, time.Minute, PolicyResolveAll)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for !b.HasPending() {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	_, err := b.Ask(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, b.HasPending())
}

func TestRejectAll(t *testing.T) {
	t.Parallel()

	b := newBroker(&recorder{}, time.Minute, PolicyResolveAll)
	first := askAsync(b, "a")
	second := askAsync(b, "b")
	waitPending(t, b, 2)

	assert.Equal(t, 2, b.RejectAll(errors.New("connection closed")))
	for _, ch := range []<-chan answer{first, second} {
		got := <-ch
		assert.ErrorIs(t, got.err, ErrQuestionRejected)
		assert.Contains(t, got.err.Error(), "connection closed")
	}
	assert.Zero(t, b.RejectAll(nil))
}

func TestStatusRestoredOnlyWhenNothingPending(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	b := newBroker(rec, time.Minute, PolicyResolveAll)
	first, second := askAsync(b, "a"), askAsync(b, "b")
	ids := waitPending(t, b, 2)
	require.Eventually(t, func() bool { return len(rec.Statuses()) == 2 }, time.Second, 5*time.Millisecond)

	require.True(t, b.Resolve(ids[0], "one"))
	rest := second
	select {
	case got := <-first:
		assert.Equal(t, "one", got.text)
	case got := <-second:
		assert.Equal(t, "one", got.text)
		rest = first
	}
	assert.Equal(t, []conversation.Status{conversation.StatusAwaitingInput, conversation.StatusAwaitingInput}, rec.Statuses(),
		"still waiting on the other question")

	assert.Equal(t, 1, b.RejectAll(errors.New("gone")))
	assert.ErrorIs(t, (<-rest).err, ErrQuestionRejected)
	statuses := rec.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, conversation.StatusActive, statuses[2])
}

func TestAnswerWithoutIDSinglePending(t *testing.T) {
	t.Parallel()

	b := newBroker(&recorder{}, time.Minute, PolicyReject)
	done := askAsync(b, "a")
	waitPending(t, b, 1)

	n, err := b.Answer(context.Background(), "q-unknown", "yes")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "yes", (<-done).text)
}

func TestAmbiguousAnswerPolicies(t *testing.T) {
	t.Parallel()

	t.Run("resolve all", func(t *testing.T) {
		t.Parallel()
		b := newBroker(&recorder{}, time.Minute, PolicyResolveAll)
		first, second := askAsync(b, "a"), askAsync(b, "b")
		waitPending(t, b, 2)

		n, err := b.Answer(context.Background(), "", "both")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, "both", (<-first).text)
		assert.Equal(t, "both", (<-second).text)
	})

	t.Run("reject", func(t *testing.T) {
		t.Parallel()
		rec := &recorder{}
		b := newBroker(rec, time.Minute, PolicyReject)
		first, second := askAsync(b, "a"), askAsync(b, "b")
		ids := waitPending(t, b, 2)

		n, err := b.Answer(context.Background(), "", "which?")
		assert.ErrorIs(t, err, ErrAmbiguousAnswer)
		assert.Zero(t, n)
		assert.Len(t, b.Pending(), 2)

		var sawError bool
		for _, ev := range rec.Events() {
			if ev.Type == conversation.EventError {
				sawError = true
				assert.Equal(t, "answer is ambiguous; include questionId", ev.Message)
			}
		}
		assert.True(t, sawError)

		n, err = b.Answer(context.Background(), ids[0], "first")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		b.RejectAll(nil)
		results := map[string]bool{}
		for _, ch := range []<-chan answer{first, second} {
			got := <-ch
			results[got.text] = got.err == nil
		}
		assert.True(t, results["first"])
	})
}
