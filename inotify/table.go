package inotify

import "sort"

// Watch is one entry of a Session's watch table.
type Watch struct {
	ID   WatchID
	Path string
}

// watchTable maps watch descriptors to paths and back. The kernel returns the
// same descriptor for the same inode, so one id may be re-registered under a
// new path. A path may also map to several live ids when the inode behind it
// was replaced and watched again; the reverse map holds the newest of them.
type watchTable struct {
	paths map[WatchID]string
	ids   map[string]WatchID
	// order records when each id was last registered.
	order map[WatchID]uint64
	seq   uint64
}

func newWatchTable() watchTable {
	return watchTable{
		paths: make(map[WatchID]string),
		ids:   make(map[string]WatchID),
		order: make(map[WatchID]uint64),
	}
}

// set records id -> path. Other ids registered for path keep their forward
// entries: their kernel watches are still live.
func (t *watchTable) set(id WatchID, path string) {
	old, had := t.paths[id]
	t.paths[id] = path
	t.seq++
	t.order[id] = t.seq
	t.ids[path] = id
	if had && old != path && t.ids[old] == id {
		t.repoint(old)
	}
}

func (t *watchTable) lookup(id WatchID) (string, bool) {
	p, ok := t.paths[id]
	return p, ok
}

// lookupPath returns the most recently registered id for path.
func (t *watchTable) lookupPath(path string) (WatchID, bool) {
	id, ok := t.ids[path]
	return id, ok
}

func (t *watchTable) remove(id WatchID) {
	p, ok := t.paths[id]
	if !ok {
		return
	}
	delete(t.paths, id)
	delete(t.order, id)
	if t.ids[p] == id {
		t.repoint(p)
	}
}

// repoint sets the reverse entry for path to the newest id still mapped to
// it, or drops it when there is none.
func (t *watchTable) repoint(path string) {
	var (
		best  WatchID
		bestN uint64
		found bool
	)
	for id, p := range t.paths {
		if p == path && (!found || t.order[id] > bestN) {
			best, bestN, found = id, t.order[id], true
		}
	}
	if found {
		t.ids[path] = best
	} else {
		delete(t.ids, path)
	}
}

func (t *watchTable) len() int { return len(t.paths) }

// snapshot returns the entries ordered by id.
func (t *watchTable) snapshot() []Watch {
	ws := make([]Watch, 0, len(t.paths))
	for id, p := range t.paths {
		ws = append(ws, Watch{ID: id, Path: p})
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].ID < ws[j].ID })
	return ws
}

func (t *watchTable) reset() {
	clear(t.paths)
	clear(t.ids)
	clear(t.order)
}
