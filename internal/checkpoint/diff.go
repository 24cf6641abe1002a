package checkpoint

import "sort"

// diff returns the change set that turns parent into cur.
func diff(parent, cur state) []Entry {
	var out []Entry
	for path, e := range cur {
		prev, ok := parent[path]
		switch {
		case !ok:
			e.Op = OpAdd
			out = append(out, e)
		case changed(prev, e):
			e.Op = OpModify
			out = append(out, e)
		}
	}
	for path, prev := range parent {
		if _, ok := cur[path]; !ok {
			out = append(out, Entry{Path: path, Kind: prev.Kind, Op: OpDelete})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func changed(a, b Entry) bool {
	return a.Kind != b.Kind || a.Mode != b.Mode || a.Size != b.Size || a.Hash != b.Hash
}

// apply replays a change set onto st in place.
func apply(st state, entries []Entry) {
	for _, e := range entries {
		if e.Op == OpDelete {
			delete(st, e.Path)
			continue
		}
		e.Op = ""
		st[e.Path] = e
	}
}

// equal reports whether two states describe the same tree.
func equal(a, b state) bool {
	if len(a) != len(b) {
		return false
	}
	for p, e := range a {
		o, ok := b[p]
		if !ok || changed(e, o) {
			return false
		}
	}
	return true
}
