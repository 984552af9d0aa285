package app

import (
	"strings"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
)

const minMentionChars = 3

// FindMentioned returns the roster worker the message addresses. Names and
// roles of at least three characters match case-insensitively anywhere in the
// message and the longest match wins; "@<id>" also addresses a worker.
func FindMentioned(message string, roster []catalog.Worker) (catalog.Worker, bool) {
	lower := strings.ToLower(message)
	for _, w := range roster {
		if w.ID != "" && strings.Contains(lower, "@"+strings.ToLower(w.ID)) {
			return w, true
		}
	}

	var (
		best    catalog.Worker
		bestLen int
	)
	for _, w := range roster {
		for _, candidate := range []string{w.Name, w.Role} {
			candidate = strings.TrimSpace(candidate)
			if len(candidate) < minMentionChars {
				continue
			}
			if strings.Contains(lower, strings.ToLower(candidate)) && len(candidate) > bestLen {
				best, bestLen = w, len(candidate)
			}
		}
	}
	return best, bestLen > 0
}
