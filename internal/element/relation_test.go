package element

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/mapdb-go/internal/tags"
)

func newTestRelation() *Relation {
	r := NewRelation(7, TypeMultipolygon, 3, tags.Tags{"name": "park"})
	r.AddMember(RoleOuter, WayID(1))
	r.AddMember(RoleInner, WayID(2))
	return r
}

func TestCopyOnWriteIsolatesMutations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Relation)
	}{
		{name: "add member", mutate: func(r *Relation) { r.AddMember(RoleOuter, WayID(9)) }},
		{name: "remove member", mutate: func(r *Relation) { r.RemoveMember(WayID(1)) }},
		{name: "remove member with role", mutate: func(r *Relation) { r.RemoveMemberWithRole(RoleInner, WayID(2)) }},
		{name: "replace member", mutate: func(r *Relation) { r.ReplaceMember(WayID(1), WayID(5)) }},
		{name: "set members", mutate: func(r *Relation) { r.SetMembers([]Entry{{Role: "x", Member: NodeID(1)}}) }},
		{name: "set type", mutate: func(r *Relation) { r.SetType(TypeMultilinestring) }},
		{name: "clear", mutate: func(r *Relation) { r.Clear() }},
		{name: "set tags", mutate: func(r *Relation) { r.SetTags(tags.Tags{"name": "lake"}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r1 := newTestRelation()
			wantMembers := append([]Entry(nil), r1.Members()...)

			r2 := r1.Copy()
			require.True(t, r1.Shared())
			require.True(t, r2.Shared())

			tt.mutate(r2)

			assert.Equal(t, wantMembers, r1.Members())
			assert.Equal(t, TypeMultipolygon, r1.Type())
			assert.Equal(t, tags.Tags{"name": "park"}, r1.Tags())
			assert.False(t, r1.Shared())
			assert.False(t, r2.Shared())
		})
	}
}

func TestCopiesAreIndependentlyMutableAfterSplit(t *testing.T) {
	r1 := newTestRelation()
	r2 := r1.Copy()

	r2.AddMember("", NodeID(10))
	r1.AddMember("", NodeID(20))

	assert.True(t, r1.Contains(NodeID(20)))
	assert.False(t, r1.Contains(NodeID(10)))
	assert.True(t, r2.Contains(NodeID(10)))
	assert.False(t, r2.Contains(NodeID(20)))
}

func TestExclusiveMutationDoesNotClone(t *testing.T) {
	r := newTestRelation()
	before := r.data
	r.AddMember("", NodeID(1))
	assert.Same(t, before, r.data)
}

func TestReleaseReturnsOwnership(t *testing.T) {
	r1 := newTestRelation()
	r2 := r1.Copy()
	r2.Release()

	before := r1.data
	r1.Clear()
	assert.Same(t, before, r1.data, "sole owner should mutate in place")
}

func TestRemoveMember(t *testing.T) {
	r := NewRelation(1, "", 0, nil)
	r.AddMember("a", NodeID(1))
	r.AddMember("b", NodeID(1))
	r.AddMember("a", NodeID(2))

	r.RemoveMemberWithRole("a", NodeID(1))
	assert.Equal(t, []Entry{{Role: "b", Member: NodeID(1)}, {Role: "a", Member: NodeID(2)}}, r.Members())

	r.RemoveMember(NodeID(1))
	assert.Equal(t, []Entry{{Role: "a", Member: NodeID(2)}}, r.Members())
}

func TestReplaceMemberKeepsRoleAndPosition(t *testing.T) {
	r := newTestRelation()
	r.ReplaceMember(WayID(1), WayID(100))
	assert.Equal(t, []Entry{
		{Role: RoleOuter, Member: WayID(100)},
		{Role: RoleInner, Member: WayID(2)},
	}, r.Members())
}

type recordingListener struct {
	events []string
}

func (l *recordingListener) PreGeometryChange(r *Relation)  { l.events = append(l.events, "pre") }
func (l *recordingListener) PostGeometryChange(r *Relation) { l.events = append(l.events, "post") }

func TestGeometryHooksWrapMembershipChanges(t *testing.T) {
	r := newTestRelation()
	l := &recordingListener{}
	r.SetGeometryListener(l)

	r.AddMember("", NodeID(1))
	r.SetType("route")
	r.Clear()

	assert.Equal(t, []string{"pre", "post", "pre", "post"}, l.events)
}

func TestPersistedTagsIncludeType(t *testing.T) {
	r := newTestRelation()
	assert.Equal(t, tags.Tags{"name": "park", "type": "multipolygon"}, r.PersistedTags())
	// the relation's own tags are untouched
	assert.Equal(t, tags.Tags{"name": "park"}, r.Tags())

	bare := NewRelation(2, "", 0, nil)
	assert.Nil(t, bare.PersistedTags())
}
