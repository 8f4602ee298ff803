package fleece

// Tags identify the encoded representation of a PropertyValue inside
// a root dict or array. Per spec.md ยง6, dates have no tag of their own
// (they round-trip as TagText) and blobs have no tag of their own
// (they round-trip as a TagDict carrying the "_cbltype":"blob" marker
// fields) -- only the primitive union needs distinct tags.
const (
	TagNull byte = iota
	TagFalse
	TagTrue
	TagInt
	TagDouble
	TagText
	TagArray
	TagDict
)
