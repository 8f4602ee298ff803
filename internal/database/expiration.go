package database

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/litedoc/litedoc/internal/fleece"
	"github.com/litedoc/litedoc/internal/storage"
	"github.com/litedoc/litedoc/internal/types"
)

// expirationField mirrors internal/document's reserved property name;
// duplicated here rather than imported since internal/document already
// imports internal/database and the reverse would cycle.
const expirationField = "$expiration"

// expirationSweepEvery bounds how often InBatch pays for a scan: once
// every this many batches, not on every single one, since a full
// document scan is O(n) in the live document count.
const expirationSweepEvery = 32

// PurgeExpired purges every document whose $expiration property names
// a time at or before now, per spec.md's supplemented document
// expiration feature ("purged opportunistically in inBatch"). It scans
// the full document set, so callers needing a tight bound should call
// it directly rather than relying on the InBatch sweep cadence.
func (db *Database) PurgeExpired(now time.Time) (int, error) {
	var expired []string

	err := db.engine.Iterate(func(rec *storage.Record) (bool, error) {
		if rec.Flags&storage.FlagDeleted != 0 {
			return true, nil
		}
		dict, err := fleece.DecodeRoot(rec.Body, db.sk)
		if err != nil {
			return true, nil
		}
		v, err := dict.GetByField(expirationField)
		if err != nil || types.IsNull(v) || v.Type() != types.TextValue {
			return true, nil
		}
		// Dates have no encoded tag of their own (see internal/types'
		// value.go): they round-trip through their RFC-3339 string, so
		// a decoded root always reports a date field as TextValue.
		at, err := types.ParseDate(types.As[string](v))
		if err != nil {
			return true, nil
		}
		if !at.After(now) {
			expired = append(expired, rec.ID)
		}
		return true, nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "database: scan expired documents")
	}

	n := 0
	for _, id := range expired {
		ok, err := db.engine.PurgeRevision(id, "")
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}

	return n, nil
}

// maybeSweepExpired runs PurgeExpired roughly every expirationSweepEvery
// calls, giving InBatch its "opportunistic" cadence without taxing
// every single batch with a full scan.
func (db *Database) maybeSweepExpired(now time.Time) {
	db.mu.Lock()
	db.batchCount++
	due := db.batchCount%expirationSweepEvery == 0
	db.mu.Unlock()

	if !due {
		return
	}

	_, _ = db.PurgeExpired(now)
}
