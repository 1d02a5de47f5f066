package identity

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/tasksync/tasksync/internal/schema"
)

func genRecord() *rapid.Generator[*schema.TaskRecord] {
	return rapid.Custom(func(t *rapid.T) *schema.TaskRecord {
		return &schema.TaskRecord{
			Title:      rapid.String().Draw(t, "title"),
			Date:       rapid.StringMatching(`20[0-9]{2}-[01][0-9]-[0-3][0-9]`).Draw(t, "date"),
			Time:       rapid.SampledFrom([]string{"", "08:00", "12:30", "23:59"}).Draw(t, "time"),
			FilePath:   rapid.StringMatching(`[a-z]{1,8}/[a-z]{1,8}\.md`).Draw(t, "file"),
			LineNumber: rapid.IntRange(0, 5000).Draw(t, "line"),
			RawText:    rapid.String().Draw(t, "raw"),
		}
	})
}

// Property: both digests are pure functions of their inputs.
func TestProperty_DigestsAreDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rec := genRecord().Draw(rt, "record")
		clone := *rec

		if StableID(rec) != StableID(&clone) {
			rt.Fatalf("stable id differs for identical records")
		}
		if Fingerprint(rec) != Fingerprint(&clone) {
			rt.Fatalf("fingerprint differs for identical records")
		}
	})
}

// Property: changing the title changes the stable ID.
func TestProperty_TitleChangeChangesID(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rec := genRecord().Draw(rt, "record")
		suffix := rapid.StringMatching(`[a-z]{1,6}`).Draw(rt, "suffix")

		renamed := *rec
		renamed.Title = rec.Title + suffix

		if StableID(rec) == StableID(&renamed) {
			rt.Fatalf("rename %q -> %q kept id %s", rec.Title, renamed.Title, StableID(rec))
		}
	})
}
