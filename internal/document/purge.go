package document

import (
	"github.com/cockroachdb/errors"

	"github.com/litedoc/litedoc/internal/storage"
)

// Purge permanently removes every revision of this document from
// storage, bypassing the revision tree entirely; per spec.md §4.4.3 it
// is not itself a revision and is not replicated.
func (d *Document) Purge() error {
	d.mu.Lock()
	id := d.id
	d.mu.Unlock()

	ok, err := d.db.Engine().PurgeRevision(id, "")
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	d.mu.Lock()
	d.revID = ""
	d.sequence = 0
	d.exists = false
	d.deleted = false
	d.mu.Unlock()

	d.saved = nil
	if err := d.Container.ReplaceProperties(nil); err != nil {
		return err
	}
	d.Container.BindRoot(nil)
	d.db.MarkSaved(d)

	return nil
}

// ChangedExternally reloads this document's current revision from
// storage, firing saved(external=true) when the loaded revID differs
// from the one this Document already held, per spec.md §4.4.3's
// external-change path (e.g. after a pull replication or another
// Document handle in the same process saving the same id). A document
// with pending local mutations ignores the notification and defers to
// its next save's conflict handling instead.
func (d *Document) ChangedExternally() error {
	if d.Container.HasChanges() {
		return nil
	}

	rec, err := d.db.Engine().Get(d.id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	sameRev := d.exists && d.revID == rec.RevID
	d.mu.Unlock()

	if sameRev {
		return nil
	}

	if err := d.bind(rec); err != nil {
		return err
	}

	if d.deleted {
		if err := d.Container.ReplaceProperties(nil); err != nil {
			return err
		}
	}

	d.fireMutation()
	d.fireSaved(true)

	return nil
}
