package document

import "time"

// expirationField is the reserved property spec.md's supplemented
// document-expiration feature stores the TTL under. It rides the same
// storage-engine put path as every other property (there is no
// separate metadata channel) and is simply excluded from nothing:
// callers see it in Properties() like any other key, the same way
// Couchbase Lite's document metadata leaks into the body on this kind
// of minimal core.
const expirationField = "$expiration"

// SetExpiration records when this document should be purged. A zero
// Time clears any existing expiration. The expiration only takes
// effect once the document is saved; ChangedExternally/New pick it
// back up from storage like any other property.
func (d *Document) SetExpiration(at time.Time) error {
	if at.IsZero() {
		return d.Container.Remove(expirationField)
	}
	return d.Container.Set(expirationField, at)
}

// Expiration returns the document's current expiration, if any.
func (d *Document) Expiration() (time.Time, bool) {
	return d.Container.GetDate(expirationField)
}
