package object

import (
	"github.com/litedoc/litedoc/internal/fleece"
	"github.com/litedoc/litedoc/internal/types"
)

// Subdocument is a nested PropertyContainer. It embeds a Container for
// its own staged map/changed-keys bookkeeping and adds the parent
// link spec.md §4.2 describes: mutating a Subdocument bubbles a
// changed-keys entry up through every ancestor to the owning Document.
//
// At most one live Subdocument instance exists per (container, key)
// path at a time: Container.materializeSubdocument memoizes the
// instance into the parent's staged map the first time it's read.
type Subdocument struct {
	*Container

	parent *Container
	key    string

	// valid is false once this instance has been displaced by an
	// overwrite, a reparent into a different container, or a revert
	// that found no persisted root to restore. A detached Subdocument
	// can still be read and written in isolation (it simply never
	// bubbles its changes anywhere), matching spec.md §4.2's note that
	// callers may keep a reference after detaching it.
	valid bool
}

// NewSubdocument creates a fresh, detached, empty Subdocument, ready to
// be staged into a Container via Set.
func NewSubdocument() *Subdocument {
	return newSubdocument(fleece.NewSharedKeys())
}

func newSubdocument(sk *fleece.SharedKeys) *Subdocument {
	return &Subdocument{
		Container: NewContainer(sk),
		valid:     true,
	}
}

// Exists reports whether this subdocument has a persisted encoded
// root, i.e. it was read from a saved revision rather than created
// fresh by the caller or by ReplaceProperties.
func (s *Subdocument) Exists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root != nil
}

// Valid reports whether this instance is still the live Subdocument
// at its (parent, key) path. It becomes false once a different value
// is staged at that key, the document is reverted away from it, or it
// is adopted into a different parent.
func (s *Subdocument) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// invalidate detaches s and empties it, per spec.md §3/§4.2: an
// invalidated subdocument becomes a detached empty container, not just
// an unreachable one, so a caller still holding a reference never
// observes the stale properties it displaced.
func (s *Subdocument) invalidate() {
	s.mu.Lock()
	s.valid = false
	s.parent = nil
	s.key = ""
	s.onMutate = nil
	s.root = nil
	s.staged = make(map[string]types.Value)
	s.changed = make(map[string]struct{})
	s.mu.Unlock()
}

// revertInPlace rebuilds this subdocument's staged map from its own
// persisted root, discarding any changes made since it was read. Used
// when a parent Revert() displaces this instance but it still has a
// root to fall back to, so that Subdocument identity survives the
// parent's revert.
func (s *Subdocument) revertInPlace() {
	s.Container.Revert()
}

// adopt detaches s from wherever it currently lives (if anywhere) and
// binds it into parent at key, per spec.md §4.1.2's handling of a
// foreign Subdocument being set as a new value. A Subdocument already
// live at (parent, key) is reused as-is.
func (s *Subdocument) adopt(parent *Container, key string) {
	s.mu.Lock()
	s.parent = parent
	s.key = key
	s.valid = true
	s.sk = parent.sk
	s.db = parent.db
	s.owner = parent.owner
	s.onMutate = func() { parent.markChanged(key) }
	s.mu.Unlock()
}
