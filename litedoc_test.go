package litedoc_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/litedoc/litedoc"
)

func openTestDB(t *testing.T) *litedoc.Database {
	t.Helper()
	db, err := litedoc.Open(t.TempDir(), litedoc.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = db.Close()
	})
	return db
}

func TestNewDoc(t *testing.T) {
	db := openTestDB(t)

	doc, err := db.NewDocument()
	require.NoError(t, err)
	require.False(t, doc.Exists())
	require.Empty(t, doc.RevisionID())

	require.NoError(t, doc.Set("name", "alice"))
	require.NoError(t, doc.Set("age", int64(30)))
	require.NoError(t, doc.Save())

	require.True(t, doc.Exists())
	require.NotEmpty(t, doc.RevisionID())

	reloaded, err := db.Document(doc.ID(), true)
	require.NoError(t, err)
	require.Equal(t, "alice", reloaded.GetString("name"))
	require.Equal(t, int64(30), reloaded.GetLong("age"))
}

func TestPropertyAccessors(t *testing.T) {
	db := openTestDB(t)

	doc, err := db.NewDocument()
	require.NoError(t, err)

	require.NoError(t, doc.Set("active", true))
	require.NoError(t, doc.Set("score", 3.5))
	require.NoError(t, doc.Set("name", "bob"))

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, doc.Set("joined", now))

	sub := litedoc.NewSubdocument()
	require.NoError(t, sub.Set("city", "nowhere"))
	require.NoError(t, doc.Set("address", sub))

	arr := litedoc.NewArray()
	require.NoError(t, arr.Append(int64(1)))
	require.NoError(t, arr.Append(int64(2)))
	require.NoError(t, doc.Set("tags", arr))

	require.Equal(t, true, doc.GetBool("active"))
	require.Equal(t, 3.5, doc.GetDouble("score"))
	require.Equal(t, "bob", doc.GetString("name"))

	joined, ok := doc.GetDate("joined")
	require.True(t, ok)
	require.True(t, now.Equal(joined))

	addr := doc.GetSubdocument("address")
	require.NotNil(t, addr)
	require.Equal(t, "nowhere", addr.GetString("city"))

	tags := doc.GetArray("tags")
	require.NotNil(t, tags)
	n, err := tags.Len()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, doc.Save())

	reloaded, err := db.Document(doc.ID(), true)
	require.NoError(t, err)
	require.Equal(t, "nowhere", reloaded.GetSubdocument("address").GetString("city"))
}

func TestRemoveProperties(t *testing.T) {
	db := openTestDB(t)

	doc, err := db.NewDocument()
	require.NoError(t, err)
	require.NoError(t, doc.Set("a", int64(1)))
	require.NoError(t, doc.Set("b", int64(2)))
	require.NoError(t, doc.Save())

	require.NoError(t, doc.Remove("a"))
	require.NoError(t, doc.Save())

	reloaded, err := db.Document(doc.ID(), true)
	require.NoError(t, err)
	props := reloaded.Properties()
	_, hasA := props["a"]
	require.False(t, hasA)
	require.Equal(t, int64(2), reloaded.GetLong("b"))
}

func TestConflictEqualDepthFavorsLocal(t *testing.T) {
	db := openTestDB(t)

	orig, err := db.NewDocument()
	require.NoError(t, err)
	require.NoError(t, orig.Set("value", int64(1)))
	require.NoError(t, orig.Save())

	id := orig.ID()

	mine, err := db.Document(id, true)
	require.NoError(t, err)
	theirs, err := db.Document(id, true)
	require.NoError(t, err)

	require.NoError(t, theirs.Set("value", int64(2)))
	require.NoError(t, theirs.Save())

	require.NoError(t, mine.Set("value", int64(3)))
	err = mine.Save()
	require.NoError(t, err)

	// theirs saved at generation 2; the default tiebreak compares that
	// with mine's generation + 1, which is also 2. Its >= rule favors
	// the local write on a tie, so
	// mine's value, not theirs', is what ends up persisted.
	final, err := db.Document(id, true)
	require.NoError(t, err)
	require.Equal(t, int64(3), final.GetLong("value"))
}

func TestConflictDeeperPersistedRevisionWins(t *testing.T) {
	db := openTestDB(t)

	orig, err := db.NewDocument()
	require.NoError(t, err)
	require.NoError(t, orig.Set("value", int64(1)))
	require.NoError(t, orig.Save())
	id := orig.ID()

	ahead, err := db.Document(id, true)
	require.NoError(t, err)
	behind, err := db.Document(id, true)
	require.NoError(t, err)

	// ahead advances two generations before behind ever tries to save,
	// so by the time behind's write conflicts, the persisted revision
	// is strictly deeper than behind's own prospective generation.
	require.NoError(t, ahead.Set("value", int64(2)))
	require.NoError(t, ahead.Save())
	require.NoError(t, ahead.Set("value", int64(3)))
	require.NoError(t, ahead.Save())

	require.NoError(t, behind.Set("value", int64(99)))
	err = behind.Save()
	require.NoError(t, err)

	// The already-persisted, deeper revision wins over behind's
	// shallow conflicting edit.
	final, err := db.Document(id, true)
	require.NoError(t, err)
	require.Equal(t, int64(3), final.GetLong("value"))
}

func TestBlob(t *testing.T) {
	db := openTestDB(t)

	doc, err := db.NewDocument()
	require.NoError(t, err)

	content := []byte("hello, blob")
	b := litedoc.NewBlobFromBytes("text/plain", content)
	require.False(t, b.IsInstalled())

	require.NoError(t, doc.Set("avatar", b))
	require.NoError(t, doc.Save())
	require.True(t, b.IsInstalled())
	require.NotEmpty(t, b.Digest())

	reloaded, err := db.Document(doc.ID(), true)
	require.NoError(t, err)
	got := reloaded.GetBlob("avatar")
	require.NotNil(t, got)
	require.Equal(t, "text/plain", got.ContentType())
	require.Equal(t, int64(len(content)), got.Length())

	data, err := got.Content()
	require.NoError(t, err)
	require.Equal(t, content, data)
}

func TestDatabaseNotification(t *testing.T) {
	db := openTestDB(t)

	var gotIDs []string
	var calls int
	db.AddChangeListener(func(ids []string, lastSeq uint64, external bool) {
		calls++
		gotIDs = append(gotIDs, ids...)
		require.False(t, external)
	})

	err := db.InBatch(func() error {
		for i := 0; i < 10; i++ {
			doc, err := db.NewDocument()
			if err != nil {
				return err
			}
			if err := doc.Set("i", int64(i)); err != nil {
				return err
			}
			if err := doc.Save(); err != nil {
				return fmt.Errorf("save %d: %w", i, err)
			}
		}
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, 1, calls)
	require.Len(t, gotIDs, 10)
}

func TestDatabaseCount(t *testing.T) {
	db := openTestDB(t)

	n, err := db.Count()
	require.NoError(t, err)
	require.Equal(t, 0, n)

	for i := 0; i < 3; i++ {
		doc, err := db.NewDocument()
		require.NoError(t, err)
		require.NoError(t, doc.Set("i", int64(i)))
		require.NoError(t, doc.Save())
	}

	n, err = db.Count()
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestExpiration(t *testing.T) {
	db := openTestDB(t)

	doc, err := db.NewDocument()
	require.NoError(t, err)
	require.NoError(t, doc.Set("v", int64(1)))
	require.NoError(t, doc.SetExpiration(time.Now().Add(-time.Hour)))
	require.NoError(t, doc.Save())

	n, err := db.PurgeExpired(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = db.Document(doc.ID(), true)
	require.ErrorIs(t, err, litedoc.ErrNotFound)
}

func TestPropertiesRoundTripDiff(t *testing.T) {
	db := openTestDB(t)

	doc, err := db.NewDocument()
	require.NoError(t, err)
	require.NoError(t, doc.Set("name", "dana"))
	require.NoError(t, doc.Set("age", int64(27)))
	require.NoError(t, doc.Set("active", true))
	require.NoError(t, doc.Save())

	want := doc.Properties()

	reloaded, err := db.Document(doc.ID(), true)
	require.NoError(t, err)
	got := reloaded.Properties()

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("reloaded properties differ from saved properties (-want +got):\n%s", diff)
	}

	require.NoError(t, reloaded.Set("age", int64(28)))
	if diff := cmp.Diff(want, reloaded.Properties()); diff == "" {
		t.Fatal("expected a diff after mutating age, got none")
	}
}

func TestToJSONFromJSON(t *testing.T) {
	db := openTestDB(t)

	doc, err := db.NewDocument()
	require.NoError(t, err)

	require.NoError(t, doc.FromJSON([]byte(`{"name":"carol","age":42}`)))
	require.Equal(t, "carol", doc.GetString("name"))
	require.Equal(t, int64(42), doc.GetLong("age"))

	data, err := doc.ToJSON()
	require.NoError(t, err)
	require.Contains(t, string(data), "carol")
}
