package revision

import "sort"

// Order returns the commits newest first. Commits sharing a timestamp keep
// the reverse of their input order: the later line is treated as newer.
// The input slice is not modified and nothing is filtered or deduplicated.
func Order(commits []Commit) []Commit {
	type indexed struct {
		commit Commit
		pos    int
	}
	items := make([]indexed, len(commits))
	for i, c := range commits {
		items[i] = indexed{commit: c, pos: i}
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.commit.When.Equal(b.commit.When) {
			return a.commit.When.After(b.commit.When)
		}
		return a.pos > b.pos
	})

	ordered := make([]Commit, len(items))
	for i, item := range items {
		ordered[i] = item.commit
	}
	return ordered
}

// ParseOrdered parses a dump and orders it in one step.
func ParseOrdered(dump string) ([]Commit, error) {
	commits, err := ParseLog(dump)
	if err != nil {
		return nil, err
	}
	return Order(commits), nil
}
