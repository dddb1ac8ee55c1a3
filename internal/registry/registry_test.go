package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegisterDisplacesPriorHolder(t *testing.T) {
	var ready []Entry
	var gone []Entry
	r := New(zap.NewNop(), Events{
		OnReady: func(e Entry) { ready = append(ready, e) },
		OnGone:  func(e Entry) { gone = append(gone, e) },
	})

	d, ok := r.Register(Entry{Name: "alice", ConnID: "c1"})
	require.True(t, ok)
	assert.Nil(t, d)

	d, ok = r.Register(Entry{Name: "alice", ConnID: "c2"})
	require.True(t, ok)
	require.NotNil(t, d)
	assert.Equal(t, "c1", d.PreviousConnID)

	entry, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "c2", entry.ConnID)

	assert.Len(t, ready, 2)
	assert.Len(t, gone, 0, "displacement notifies via the caller force-closing c1, not OnGone")
}

func TestDeregisterIgnoresStaleConnAfterDisplacement(t *testing.T) {
	var gone []Entry
	r := New(zap.NewNop(), Events{OnGone: func(e Entry) { gone = append(gone, e) }})

	r.Register(Entry{Name: "alice", ConnID: "c1"})
	r.Register(Entry{Name: "alice", ConnID: "c2"})

	// The displaced connection's own teardown must not evict the displacer.
	r.Deregister("c1")
	entry, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "c2", entry.ConnID)
	assert.Len(t, gone, 0)

	r.Deregister("c2")
	_, ok = r.Lookup("alice")
	assert.False(t, ok)
	require.Len(t, gone, 1)
	assert.Equal(t, "c2", gone[0].ConnID)
}

func TestListActiveAndCount(t *testing.T) {
	r := New(zap.NewNop(), Events{})
	r.Register(Entry{Name: "alice", ConnID: "c1"})
	r.Register(Entry{Name: "bob", ConnID: "c2"})

	assert.Equal(t, 2, r.Count())
	assert.ElementsMatch(t, []string{"alice", "bob"}, namesOf(r.ListActive()))
}

func namesOf(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}
