package id

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces prefixed identifiers for conversations, runs and messages.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.mu.Lock()
	defaultGenerator.strategy = strategy
	defaultGenerator.mu.Unlock()
}

// ParseStrategy maps a config value onto a Strategy. Unknown values select KSUID.
func ParseStrategy(name string) Strategy {
	switch name {
	case "uuidv7", "uuid":
		return StrategyUUIDv7
	default:
		return StrategyKSUID
	}
}

// NewConversationID generates a conversation identifier.
func NewConversationID() string {
	return defaultGenerator.newIdentifier("conv")
}

// NewRunID generates a run identifier.
func NewRunID() string {
	return defaultGenerator.newIdentifier("run")
}

// NewQuestionID generates a question identifier used to correlate answers.
func NewQuestionID() string {
	return defaultGenerator.newIdentifier("q")
}

// NewMessageKey returns a short unprefixed key for persisted messages.
func NewMessageKey() string {
	return ksuid.New().String()
}

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		uuidv7, err := uuid.NewV7()
		if err == nil {
			body = uuidv7.String()
			break
		}
		body = ksuid.New().String()
	default:
		body = ksuid.New().String()
	}

	return fmt.Sprintf("%s-%s", prefix, body)
}
