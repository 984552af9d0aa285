package id

import (
	"context"
	"strings"
	"testing"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithConversationID(ctx, "conv-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithTaskID(ctx, "task-1-draft")

	got := IDsFromContext(ctx)
	if got.ConversationID != "conv-1" {
		t.Fatalf("expected conversation conv-1, got %s", got.ConversationID)
	}
	if got.RunID != "run-1" {
		t.Fatalf("expected run run-1, got %s", got.RunID)
	}
	if got.TaskID != "task-1-draft" {
		t.Fatalf("expected task task-1-draft, got %s", got.TaskID)
	}
}

func TestEmptyValuesAreNotStored(t *testing.T) {
	ctx := WithRunID(context.Background(), "")
	if RunIDFromContext(ctx) != "" {
		t.Fatalf("expected empty run id")
	}
	if ConversationIDFromContext(nil) != "" { //nolint:staticcheck
		t.Fatalf("expected empty conversation id for nil context")
	}
}

func TestPrefixedIdentifiers(t *testing.T) {
	if got := NewRunID(); !strings.HasPrefix(got, "run-") {
		t.Fatalf("unexpected run id %q", got)
	}
	if got := NewQuestionID(); !strings.HasPrefix(got, "q-") {
		t.Fatalf("unexpected question id %q", got)
	}

	SetStrategy(StrategyUUIDv7)
	defer SetStrategy(StrategyKSUID)
	got := NewConversationID()
	if !strings.HasPrefix(got, "conv-") || len(got) != len("conv-")+36 {
		t.Fatalf("expected uuidv7 conversation id, got %q", got)
	}
	if a, b := NewMessageKey(), NewMessageKey(); a == b {
		t.Fatalf("expected unique message keys")
	}
}
