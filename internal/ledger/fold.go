package ledger

import "sort"

// SortDescending orders events newest first. Ties keep input order.
func SortDescending(events []ConsentEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}

// SortAscending orders events oldest first.
func SortAscending(events []ConsentEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}

// FoldLatest scans events newest-first and keeps each address's most recent
// event; older events for an already-seen address are ignored.
func FoldLatest(events []ConsentEvent) map[string]ConsentEvent {
	sorted := make([]ConsentEvent, len(events))
	copy(sorted, events)
	SortDescending(sorted)

	latest := make(map[string]ConsentEvent)
	for _, ev := range sorted {
		if _, seen := latest[ev.Address]; seen {
			continue
		}
		latest[ev.Address] = ev
	}
	return latest
}

// ConsentingAddresses folds the history and returns addresses whose latest
// event is a consent grant.
func ConsentingAddresses(events []ConsentEvent) []string {
	latest := FoldLatest(events)
	out := make([]string, 0, len(latest))
	for addr, ev := range latest {
		if ev.Status {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

// AllAddresses returns every address that ever appears in the history.
func AllAddresses(events []ConsentEvent) []string {
	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, len(events))
	for _, ev := range events {
		if _, ok := seen[ev.Address]; ok {
			continue
		}
		seen[ev.Address] = struct{}{}
		out = append(out, ev.Address)
	}
	sort.Strings(out)
	return out
}
