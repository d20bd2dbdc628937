package relay

import (
	"sort"

	"relayspaces/internal/core/domain"
)

// selectEvents applies filters to stored events the way a relay answers a
// REQ: each filter keeps its newest Limit matches, results are merged
// without duplicates and returned oldest first.
func selectEvents(stored []*domain.Event, filters []domain.Filter, maxPerFilter int) []*domain.Event {
	picked := make(map[string]*domain.Event)
	for _, f := range filters {
		var matches []*domain.Event
		for _, e := range stored {
			if f.Matches(e) {
				matches = append(matches, e)
			}
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].Newer(matches[j]) })
		limit := f.Limit
		if limit <= 0 || (maxPerFilter > 0 && limit > maxPerFilter) {
			limit = maxPerFilter
		}
		if limit > 0 && len(matches) > limit {
			matches = matches[:limit]
		}
		for _, e := range matches {
			picked[e.ID] = e
		}
	}
	out := make([]*domain.Event, 0, len(picked))
	for _, e := range picked {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Newer(out[i]) })
	return out
}
