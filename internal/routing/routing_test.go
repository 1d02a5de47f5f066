package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tasksync/tasksync/internal/schema"
)

var collections = []Collection{
	{ID: "primary@example.com", Name: "Personal", Primary: true},
	{ID: "work-123", Name: "Work"},
	{ID: "fam-456", Name: "Family"},
}

func TestResolve(t *testing.T) {
	router := New(Rules{
		DefaultCalendar: "Personal",
		Tags:            map[string]string{"work": "Work", "kids": "Family", "ghost": "Nowhere"},
		Paths:           map[string]string{"Projects/": "Work", "Projects/Home/": "Family"},
	}, collections)

	tests := []struct {
		name     string
		rec      schema.TaskRecord
		want     string
		wantWarn bool
	}{
		{"default", schema.TaskRecord{Title: "a", FilePath: "inbox.md"}, "primary@example.com", false},
		{"tag", schema.TaskRecord{Title: "b", FilePath: "inbox.md", Tags: []string{"work"}}, "work-123", false},
		{"hash tag", schema.TaskRecord{Title: "b", FilePath: "inbox.md", Tags: []string{"#kids"}}, "fam-456", false},
		{"tag case", schema.TaskRecord{Title: "b", FilePath: "inbox.md", Tags: []string{"Work"}}, "work-123", false},
		{"tag beats path", schema.TaskRecord{Title: "c", FilePath: "Projects/x.md", Tags: []string{"kids"}}, "fam-456", false},
		{"path prefix", schema.TaskRecord{Title: "d", FilePath: "Projects/x.md"}, "work-123", false},
		{"longest prefix", schema.TaskRecord{Title: "e", FilePath: "Projects/Home/y.md"}, "fam-456", false},
		{"missing calendar", schema.TaskRecord{Title: "f", FilePath: "inbox.md", Tags: []string{"ghost"}}, "primary@example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := router.Resolve(&tt.rec)
			assert.Equal(t, tt.want, got.CollectionID)
			assert.Equal(t, tt.wantWarn, got.Warning != "", got.Warning)
		})
	}
}

func TestResolve_DefaultByIDAndFallback(t *testing.T) {
	byID := New(Rules{DefaultCalendar: "work-123"}, collections)
	assert.Equal(t, "work-123", byID.Resolve(&schema.TaskRecord{}).CollectionID)

	noDefault := New(Rules{}, collections)
	assert.Equal(t, "primary@example.com", noDefault.Resolve(&schema.TaskRecord{}).CollectionID)

	missing := New(Rules{DefaultCalendar: "Gone"}, collections)
	got := missing.Resolve(&schema.TaskRecord{})
	assert.Equal(t, "primary@example.com", got.CollectionID)
	assert.Contains(t, got.Warning, "Gone")
}
