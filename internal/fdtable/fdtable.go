// Package fdtable tracks which path each descriptor of the tracee refers to.
//
// Bindings are created when an open-family call succeeds and copied when a
// descriptor is duplicated. A duplicate is a snapshot: rebinding the source
// later does not change what the duplicate resolves to.
//
// Queries (read-only):
//   - Lookup(fd) - Resolve a descriptor
//   - Len() - Number of live bindings
//
// Commands (mutations):
//   - Insert(fd, path) - Bind, replacing any previous binding
//   - InsertAlias(src, dst) - Copy the binding of src to dst
//   - Remove(fd) - Drop a binding after close
//
// Thread-safe with RWMutex so the table can be inspected while tracing.
package fdtable

import "sync"

// Table maps descriptors of one traced process to paths.
type Table struct {
	mu    sync.RWMutex
	paths map[int]string
}

// New creates an empty descriptor table.
func New() *Table {
	return &Table{
		paths: make(map[int]string),
	}
}

// Insert binds fd to path (command).
// The kernel reuses descriptor numbers after close, so the last write wins.
func (t *Table) Insert(fd int, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths[fd] = path
}

// InsertAlias binds dst to the current path of src (command).
// It returns false and leaves the table untouched when src is unbound; the
// duplicating call may have failed or targeted a descriptor we never saw open.
func (t *Table) InsertAlias(src, dst int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, ok := t.paths[src]
	if !ok {
		return false
	}
	t.paths[dst] = path
	return true
}

// Lookup returns the path bound to fd (query).
func (t *Table) Lookup(fd int) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	path, ok := t.paths[fd]
	return path, ok
}

// Remove drops the binding of fd, if any (command).
func (t *Table) Remove(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.paths, fd)
}

// Len returns the number of bound descriptors (query).
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.paths)
}
