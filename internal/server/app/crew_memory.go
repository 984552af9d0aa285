package app

import (
	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCrewMemorySize = 1024

// CrewRecord is the crew that last completed a run in a conversation.
type CrewRecord struct {
	Roster []catalog.Worker
	Lead   catalog.Worker
	RunID  string
}

// CrewMemory remembers completed crews per conversation so follow-up
// messages are answered by the same workers. Least recently used
// conversations are evicted first.
type CrewMemory struct {
	cache *lru.Cache[string, CrewRecord]
}

// NewCrewMemory returns a memory holding at most size conversations.
func NewCrewMemory(size int) *CrewMemory {
	if size <= 0 {
		size = defaultCrewMemorySize
	}
	cache, err := lru.New[string, CrewRecord](size)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &CrewMemory{cache: cache}
}

func (m *CrewMemory) Remember(conversationID string, record CrewRecord) {
	m.cache.Add(conversationID, record)
}

func (m *CrewMemory) Recall(conversationID string) (CrewRecord, bool) {
	return m.cache.Get(conversationID)
}

func (m *CrewMemory) Forget(conversationID string) {
	m.cache.Remove(conversationID)
}

func (m *CrewMemory) Len() int {
	return m.cache.Len()
}
