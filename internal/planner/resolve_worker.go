package planner

import (
	"strings"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
)

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("-", " ", "_", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// ResolveWorker maps a planner-supplied reference to a roster worker. It tries
// an exact id, then a normalized substring match on ids, then a normalized
// match on names and roles, and finally falls back to the first worker. The
// boolean reports whether a match (rather than the fallback) was used.
func ResolveWorker(ref string, roster []catalog.Worker) (catalog.Worker, bool) {
	if len(roster) == 0 {
		return catalog.Worker{}, false
	}
	ref = strings.TrimSpace(ref)
	if ref != "" {
		for _, w := range roster {
			if w.ID == ref {
				return w, true
			}
		}

		norm := normalize(ref)
		if norm != "" {
			for _, w := range roster {
				id := normalize(w.ID)
				if id != "" && (strings.Contains(id, norm) || strings.Contains(norm, id)) {
					return w, true
				}
			}
			for _, w := range roster {
				if normalize(w.Name) == norm || normalize(w.Role) == norm {
					return w, true
				}
			}
			for _, w := range roster {
				name, role := normalize(w.Name), normalize(w.Role)
				if (name != "" && (strings.Contains(name, norm) || strings.Contains(norm, name))) ||
					(role != "" && (strings.Contains(role, norm) || strings.Contains(norm, role))) {
					return w, true
				}
			}
		}
	}
	return roster[0], false
}
