package changeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasksync/tasksync/internal/schema"
)

func TestMarshalUnmarshal(t *testing.T) {
	ops := []Operation{
		&CreateOp{Header: newHeader("t1", "cal"), Record: schema.TaskRecord{Title: "x", Date: "2024-03-15"}, Fingerprint: "f"},
		&UpdateOp{Header: newHeader("t2", "cal"), EventID: "E2"},
		&DeleteOp{Header: newHeader("t3", "cal"), EventID: "E3", Reason: DeleteCompleted},
		&MoveOp{Header: newHeader("t4", "cal"), EventID: "E4", To: "other"},
		&CompleteOp{Header: newHeader("t5", "cal"), EventID: "E5"},
	}
	for _, op := range ops {
		t.Run(string(op.Kind()), func(t *testing.T) {
			p, err := Marshal(op)
			require.NoError(t, err)
			assert.Equal(t, op.Kind(), p.Type)
			assert.Equal(t, op.Head().TaskID, p.TaskID)

			back, err := Unmarshal(p)
			require.NoError(t, err)
			assert.Equal(t, op.Kind(), back.Kind())
			assert.Equal(t, EventID(op), EventID(back))
			assert.NotEqual(t, op.Head().CorrelationID, back.Head().CorrelationID)
		})
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	_, err := Unmarshal(schema.PendingOperation{Type: "explode", Payload: []byte(`{}`)})
	assert.Error(t, err)
}

func TestFetch(t *testing.T) {
	upd := &UpdateOp{Header: newHeader("t2", "cal"), EventID: "E2"}
	g := Fetch(upd)
	assert.Equal(t, "E2", g.EventID)
	assert.Equal(t, upd.CorrelationID, g.For)
	assert.Equal(t, "cal", g.CollectionID)
	assert.True(t, NeedsFetch(upd))
	assert.False(t, NeedsFetch(g))
}
