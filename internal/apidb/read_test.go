package apidb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/mapdb-go/internal/element"
	"github.com/wegman-software/mapdb-go/internal/tags"
	"github.com/wegman-software/mapdb-go/internal/tile"
)

func TestSelectMembersSkipsUnknownTypes(t *testing.T) {
	s, f, logs := newTestSession(10)
	f.rowsFn = func(sql string, args []any) ([][]any, error) {
		return [][]any{
			{"way", int64(2), "outer"},
			{"area", int64(3), "outer"},
			{"Node", int64(4), ""},
		}, nil
	}

	members, err := s.SelectMembersForRelation(context.Background(), 1, 9)
	require.NoError(t, err)
	assert.Equal(t, []element.Entry{
		{Role: "outer", Member: element.WayID(2)},
		{Role: "", Member: element.NodeID(4)},
	}, members)

	warnings := logs.FilterMessage("Skipping relation member with unknown type").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "area", warnings[0].ContextMap()["member_type"])
}

func TestSelectRelationRestoresType(t *testing.T) {
	s, f, _ := newTestSession(10)
	f.onRow("SELECT changeset_id, tags FROM current_relations_1", func([]any) ([]any, error) {
		return []any{int64(5), `"name"=>"park","type"=>"multipolygon"`}, nil
	})
	f.rowsFn = func(string, []any) ([][]any, error) {
		return [][]any{{"way", int64(7), "outer"}}, nil
	}

	r, err := s.SelectRelation(context.Background(), 1, 20)
	require.NoError(t, err)
	assert.Equal(t, element.TypeMultipolygon, r.Type())
	assert.Equal(t, tags.Tags{"name": "park"}, r.Tags())
	assert.Equal(t, int64(5), r.ChangesetID())
	assert.True(t, r.Contains(element.WayID(7)))
}

func TestSelectNodeNotFound(t *testing.T) {
	s, _, _ := newTestSession(10)
	_, err := s.SelectNode(context.Background(), 1, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSelectNodeMalformedTags(t *testing.T) {
	s, f, _ := newTestSession(10)
	f.onRow("SELECT latitude, longitude", func([]any) ([]any, error) {
		return []any{int64(0), int64(0), int64(5), `"name"=>`}, nil
	})

	_, err := s.SelectNode(context.Background(), 1, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrData)
	assert.ErrorIs(t, err, tags.ErrMalformed)
}

func TestReadsSeeBufferedWrites(t *testing.T) {
	ctx := context.Background()
	s, f, _ := newTestSession(10)
	openChangesets(f)

	_, err := s.InsertNode(ctx, 1, element.NewNode(1, 0, 0, 5, nil), false)
	require.NoError(t, err)
	_, err = s.NumElements(ctx, 1, element.KindNode)
	require.Error(t, err, "the fake has no count row")

	assert.Less(t,
		indexOf(t, f.log, "copy current_nodes_1 1"),
		indexOf(t, f.log, "queryrow SELECT COUNT(*) FROM current_nodes_1"))
}

func TestCalculateEnvelope(t *testing.T) {
	ctx := context.Background()

	s, f, _ := newTestSession(10)
	f.onRow("SELECT MIN(latitude)", func([]any) ([]any, error) {
		return []any{nil, nil, nil, nil}, nil
	})
	env, err := s.CalculateEnvelope(ctx, 1)
	require.NoError(t, err)
	assert.True(t, env.IsNull(), "a map without nodes has a null envelope")

	s, f, _ = newTestSession(10)
	f.onRow("SELECT MIN(latitude)", func([]any) ([]any, error) {
		return []any{int64(-50000000), int64(100000000), int64(200000000), int64(300000000)}, nil
	})
	env, err = s.CalculateEnvelope(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, element.NewEnvelope(-5, 20, 10, 30), env)
}

func TestSelectNodesInBounds(t *testing.T) {
	s, f, _ := newTestSession(10)
	var gotArgs []any
	f.rowsFn = func(sql string, args []any) ([][]any, error) {
		gotArgs = args
		return [][]any{{int64(1), int64(10000000), int64(20000000), int64(5), ""}}, nil
	}

	env := element.NewEnvelope(0, 1, 2, 3)
	nodes, err := s.SelectNodesInBounds(context.Background(), 1, env)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, 1.0, nodes[0].LatDegrees())
	assert.Equal(t, 2.0, nodes[0].LonDegrees())

	lo, hi := tile.Range(0, 1, 2, 3)
	assert.Equal(t, []any{
		int64(lo), int64(hi),
		int64(0), int64(20000000),
		int64(10000000), int64(30000000),
	}, gotArgs)

	empty, err := s.SelectNodesInBounds(context.Background(), 1, element.Envelope{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLoadMap(t *testing.T) {
	s, f, _ := newTestSession(10)
	f.rowsFn = func(sql string, _ []any) ([][]any, error) {
		switch {
		case strings.Contains(sql, "FROM current_nodes_1"):
			return [][]any{
				{int64(1), int64(0), int64(0), int64(5), `"name"=>"A"`},
				{int64(2), int64(10000000), int64(0), int64(5), ""},
			}, nil
		case strings.Contains(sql, "FROM current_ways_1"):
			return [][]any{{int64(10), int64(5), ""}}, nil
		case strings.Contains(sql, "FROM current_way_nodes_1"):
			return [][]any{{int64(10), int64(1)}, {int64(10), int64(2)}}, nil
		case strings.Contains(sql, "FROM current_relations_1"):
			return [][]any{{int64(20), int64(5), `"type"=>"multilinestring"`}}, nil
		case strings.Contains(sql, "FROM current_relation_members_1"):
			return [][]any{
				{int64(20), "way", int64(10), ""},
				{int64(20), "bogus", int64(11), ""},
			}, nil
		}
		return nil, errors.New("unexpected query " + sql)
	}

	m, err := s.LoadMap(context.Background(), 1)
	require.NoError(t, err)

	nodes, ways, relations := m.Len()
	assert.Equal(t, [3]int{2, 1, 1}, [3]int{nodes, ways, relations})
	assert.Equal(t, []int64{1, 2}, m.Way(10).NodeIDs)
	assert.Equal(t, tags.Tags{"name": "A"}, m.Node(1).Tags())

	r := m.Relation(20)
	assert.Equal(t, element.TypeMultilinestring, r.Type())
	if diff := cmp.Diff([]element.Entry{{Member: element.WayID(10)}}, r.Members()); diff != "" {
		t.Errorf("members mismatch (-want +got):\n%s", diff)
	}

	env := m.RelationEnvelope(20)
	assert.False(t, env.IsNull())
	assert.Equal(t, 1.0, env.MaxLat())
}

func TestForEachElementID(t *testing.T) {
	s, f, _ := newTestSession(10)
	f.rowsFn = func(sql string, _ []any) ([][]any, error) {
		require.Equal(t, "SELECT id FROM current_ways_4 ORDER BY id", sql)
		return [][]any{{int64(1)}, {int64(5)}, {int64(9)}}, nil
	}

	var seen []int64
	err := s.ForEachElementID(context.Background(), 4, element.KindWay, func(id int64) error {
		seen = append(seen, id)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 5, 9}, seen)

	stop := errors.New("stop")
	seen = nil
	err = s.ForEachElementID(context.Background(), 4, element.KindWay, func(id int64) error {
		seen = append(seen, id)
		if id == 5 {
			return stop
		}
		return nil
	})
	assert.Same(t, stop, err)
	assert.Equal(t, []int64{1, 5}, seen)
}
