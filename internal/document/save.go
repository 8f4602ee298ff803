package document

import (
	"github.com/cockroachdb/errors"

	"github.com/litedoc/litedoc/internal/fleece"
	"github.com/litedoc/litedoc/internal/storage"
	"github.com/litedoc/litedoc/internal/types"
)

// Save implements spec.md §4.4.1's save algorithm: a no-op fast path
// when nothing changed, one write attempt, and (on conflict) exactly
// one merge-then-retry before surfacing ErrConflict.
func (d *Document) Save() error {
	return d.save(false)
}

// Delete saves a tombstone revision; per spec.md §4.4.3, deletion may
// still conflict and runs through the same merge path.
func (d *Document) Delete() error {
	return d.save(true)
}

func (d *Document) save(deletion bool) error {
	d.mu.Lock()
	hasChanges := d.Container.HasChanges()
	exists := d.exists
	d.mu.Unlock()

	if !hasChanges && !deletion && exists {
		return nil
	}

	var endedEarly bool

	// A save made from inside the caller's InBatch joins that batch's
	// transaction instead of trying to open a second one.
	inBatch := d.db.InBatch
	if d.db.Engine().IsInTransaction() {
		inBatch = func(fn func() error) error { return fn() }
	}

	err := inBatch(func() error {
		newRev, err := d.tryPut(deletion)
		if err != nil {
			return err
		}

		if newRev == nil {
			if _, err := d.merge(deletion); err != nil {
				return err
			}

			d.mu.Lock()
			stillChanged := d.Container.HasChanges() || deletion
			d.mu.Unlock()

			if !stillChanged {
				endedEarly = true
				return nil
			}

			newRev, err = d.tryPut(deletion)
			if err != nil {
				return err
			}
			if newRev == nil {
				return ErrConflict
			}
		}

		if endedEarly {
			return nil
		}

		if err := d.bind(newRev); err != nil {
			return err
		}

		if deletion {
			if err := d.Container.ReplaceProperties(nil); err != nil {
				return err
			}
		}

		d.db.Notify(d.id, newRev.Sequence)
		return nil
	})
	if err != nil {
		return err
	}

	d.db.MarkSaved(d)

	if !endedEarly {
		d.fireSaved(false)
	}

	return nil
}

// tryPut attempts a single write atop the document's current revID.
// A nil, nil result means the storage engine reported a conflict.
func (d *Document) tryPut(deletion bool) (*storage.Record, error) {
	d.mu.Lock()
	parentRev := d.revID
	d.mu.Unlock()

	props := d.Container.Properties()

	var flags storage.RevFlags
	if deletion {
		flags |= storage.FlagDeleted
	}
	if containsBlob(props) {
		flags |= storage.FlagHasAttachments
	}

	if !deletion {
		if err := installBlobs(props, d.db); err != nil {
			return nil, err
		}
	}

	body, err := fleece.EncodeRoot(d.Container, d.db.SharedKeys())
	if err != nil {
		return nil, errors.Wrap(err, "document: encode revision body")
	}

	res, err := d.db.Engine().Put(d.id, parentRev, body, flags)
	if errors.Is(err, storage.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &storage.Record{ID: d.id, RevID: res.RevID, Sequence: res.Sequence, Flags: flags, Body: body}, nil
}

// merge implements spec.md §4.4.2: fetch theirs, resolve against mine
// and base, rebind to theirs's revision handle, and assign the
// resolved map via the bulk-replace path.
func (d *Document) merge(deletion bool) (map[string]types.Value, error) {
	rec, err := d.db.Engine().Get(d.id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	var theirs map[string]types.Value
	var theirsRec *storage.Record
	if rec != nil {
		dict, derr := fleece.DecodeRoot(rec.Body, d.db.SharedKeys())
		if derr != nil {
			return nil, derr
		}
		theirs = decodeDictProperties(dict)
		theirsRec = rec
	}

	mine := d.Container.Properties()
	base := d.saved

	var resolved map[string]types.Value
	theirsWins := false
	switch {
	case deletion:
		resolved = theirs
		theirsWins = true
	case d.resolver != nil:
		resolved = d.resolver.Resolve(mine, theirs, base)
		if resolved == nil {
			return nil, ErrConflict
		}
	default:
		mineGen := storage.Generation(d.revID) + 1
		theirsGen := uint64(0)
		if theirsRec != nil {
			theirsGen = storage.Generation(theirsRec.RevID)
		}
		if mineGen >= theirsGen {
			resolved = mine
		} else {
			resolved = theirs
			theirsWins = true
		}
	}

	if theirsRec != nil {
		if err := d.bind(theirsRec); err != nil {
			return nil, err
		}
	}

	// bind already rebinds the container root to theirs, so when the
	// resolution is exactly theirs there is nothing further to stage:
	// Container.HasChanges() is already false and a fresh save attempt
	// is unnecessary (the caller's stillChanged check ends the save
	// early). Only a resolution that actually diverges from theirs
	// needs to be staged as a bulk replace.
	if !theirsWins && !valuesEqual(resolved, theirs) {
		raw := valuesToRaw(resolved)
		if err := d.Container.ReplaceProperties(raw); err != nil {
			return nil, err
		}
	}

	return resolved, nil
}

func decodeDictProperties(dict *fleece.Dict) map[string]types.Value {
	out := make(map[string]types.Value)
	_ = dict.Iterate(func(key string, v types.Value) error {
		if !types.IsNull(v) {
			out[key] = v
		}
		return nil
	})
	return out
}

// valuesToRaw converts a map[string]types.Value into the any-valued
// map ReplaceProperties/convert expects. Each Value is passed through
// as-is rather than unwrapped to a Go-native form, since convert
// already accepts a types.Value directly.
func valuesToRaw(m map[string]types.Value) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func valuesEqual(a, b map[string]types.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !types.Equal(av, bv) {
			return false
		}
	}
	return true
}
