package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/mapdb-go/internal/element"
	"github.com/wegman-software/mapdb-go/internal/tags"
)

const sample = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6">
  <bounds minlat="0" minlon="0" maxlat="1" maxlon="1"/>
  <node id="1" lat="0.5" lon="0.25"><tag k="name" v="A"/></node>
  <node id="2" lat="0.75" lon="0.5"/>
  <way id="10">
    <nd ref="1"/><nd ref="2"/><nd ref="3"/>
    <tag k="highway" v="path"/>
  </way>
  <relation id="20">
    <member type="way" ref="10" role="outer"/>
    <member type="relation" ref="21" role="sub"/>
    <member type="node" ref="99" role=""/>
    <tag k="type" v="multipolygon"/>
    <tag k="name" v="park"/>
  </relation>
  <relation id="21">
    <member type="node" ref="2" role="label"/>
  </relation>
</osm>`

// fakeStore records calls and hands out ids from per-kind counters
type fakeStore struct {
	calls     []string
	nodes     []*element.Node
	ways      []*element.Way
	relations []*element.Relation
	next      map[element.Kind]int64

	failWay error
}

func newFakeStore() *fakeStore {
	return &fakeStore{next: map[element.Kind]int64{
		element.KindNode:     100,
		element.KindWay:      200,
		element.KindRelation: 300,
	}}
}

func (f *fakeStore) Begin(context.Context) error    { f.calls = append(f.calls, "begin"); return nil }
func (f *fakeStore) Commit(context.Context) error   { f.calls = append(f.calls, "commit"); return nil }
func (f *fakeStore) Rollback(context.Context) error { f.calls = append(f.calls, "rollback"); return nil }

func (f *fakeStore) InsertChangeset(_ context.Context, mapID, userID int64, t tags.Tags) (int64, error) {
	f.calls = append(f.calls, fmt.Sprintf("changeset %d %d", mapID, userID))
	return 7, nil
}

func (f *fakeStore) CloseChangeset(_ context.Context, _, id int64) error {
	f.calls = append(f.calls, fmt.Sprintf("close %d", id))
	return nil
}

func (f *fakeStore) NextID(_ context.Context, _ int64, k element.Kind) (int64, error) {
	id := f.next[k]
	f.next[k]++
	return id, nil
}

func (f *fakeStore) InsertNode(ctx context.Context, mapID int64, n *element.Node, createNewID bool) (int64, error) {
	if createNewID {
		n.ID, _ = f.NextID(ctx, mapID, element.KindNode)
	}
	f.nodes = append(f.nodes, n)
	return n.ID, nil
}

func (f *fakeStore) InsertWay(ctx context.Context, mapID int64, w *element.Way, createNewID bool) (int64, error) {
	if f.failWay != nil {
		return 0, f.failWay
	}
	if createNewID {
		w.ID, _ = f.NextID(ctx, mapID, element.KindWay)
	}
	f.ways = append(f.ways, w)
	return w.ID, nil
}

func (f *fakeStore) InsertRelation(ctx context.Context, mapID int64, r *element.Relation, createNewID bool) (int64, error) {
	if createNewID {
		r.ID, _ = f.NextID(ctx, mapID, element.KindRelation)
	}
	f.relations = append(f.relations, r)
	return r.ID, nil
}

func TestImportKeepsSourceIDs(t *testing.T) {
	store := newFakeStore()
	im := New(store, Options{MapID: 1, UserID: 2})

	stats, err := im.Run(context.Background(), NewScanner(context.Background(), strings.NewReader(sample), FormatXML))
	require.NoError(t, err)

	assert.Equal(t, []string{"begin", "changeset 1 2", "close 7", "commit"}, store.calls)
	assert.Equal(t, int64(2), stats.Nodes.Load())
	assert.Equal(t, int64(1), stats.Ways.Load())
	assert.Equal(t, int64(2), stats.Relations.Load())
	assert.Equal(t, int64(2), stats.DroppedRefs.Load(), "node 3 and node 99 are not in the file")
	assert.Equal(t, int64(7), stats.ChangesetID)

	require.Len(t, store.nodes, 2)
	assert.Equal(t, tags.Tags{"name": "A"}, store.nodes[0].Tags())
	assert.Equal(t, 0.5, store.nodes[0].LatDegrees())
	assert.Equal(t, int64(7), store.nodes[0].ChangesetID())

	require.Len(t, store.ways, 1)
	assert.Equal(t, []int64{1, 2}, store.ways[0].NodeIDs)

	require.Len(t, store.relations, 2)
	r := store.relations[0]
	assert.Equal(t, int64(20), r.ID)
	assert.Equal(t, element.TypeMultipolygon, r.Type())
	assert.Equal(t, tags.Tags{"name": "park"}, r.Tags())
	assert.Equal(t, []element.Entry{
		{Role: "outer", Member: element.WayID(10)},
		{Role: "sub", Member: element.RelationID(21)},
	}, r.Members())
}

func TestImportCreatesNewIDs(t *testing.T) {
	store := newFakeStore()
	im := New(store, Options{MapID: 1, UserID: 2, CreateNewIDs: true})

	stats, err := im.Run(context.Background(), NewScanner(context.Background(), strings.NewReader(sample), FormatXML))
	require.NoError(t, err)

	require.Len(t, store.nodes, 2)
	assert.Equal(t, int64(100), store.nodes[0].ID)
	assert.Equal(t, int64(101), store.nodes[1].ID)
	assert.Equal(t, []int64{100, 101}, store.ways[0].NodeIDs)

	// relation 21 is referenced before it is read, so its id is reserved
	// first and it is stored under that id
	require.Len(t, store.relations, 2)
	outer, inner := store.relations[0], store.relations[1]
	assert.Equal(t, int64(300), inner.ID)
	assert.Equal(t, int64(301), outer.ID)
	assert.Equal(t, []element.Entry{
		{Role: "outer", Member: element.WayID(200)},
		{Role: "sub", Member: element.RelationID(300)},
	}, outer.Members())
	assert.Equal(t, []element.Entry{{Role: "label", Member: element.NodeID(101)}}, inner.Members())
	assert.Zero(t, stats.UnresolvedRelations.Load())
}

const danglingSample = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6">
  <node id="1" lat="0" lon="0"/>
  <relation id="30">
    <member type="node" ref="1" role=""/>
    <member type="relation" ref="77" role="sub"/>
  </relation>
</osm>`

func TestImportCountsUnresolvedRelations(t *testing.T) {
	tests := []struct {
		name   string
		newIDs bool
		member int64
	}{
		{"source ids", false, 77},
		{"new ids", true, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			im := New(store, Options{MapID: 1, UserID: 2, CreateNewIDs: tt.newIDs})

			stats, err := im.Run(context.Background(), NewScanner(context.Background(), strings.NewReader(danglingSample), FormatXML))
			require.NoError(t, err)

			assert.Equal(t, int64(1), stats.UnresolvedRelations.Load(), "relation 77 is never defined")
			assert.Zero(t, stats.DroppedRefs.Load())
			require.Len(t, store.relations, 1)
			members := store.relations[0].Members()
			require.Len(t, members, 2)
			assert.Equal(t, element.RelationID(tt.member), members[1].Member)
		})
	}
}

func TestImportFailureRollsBack(t *testing.T) {
	store := newFakeStore()
	store.failWay = errors.New("disk full")
	im := New(store, Options{MapID: 1, UserID: 2, QueueSize: 1})

	_, err := im.Run(context.Background(), NewScanner(context.Background(), strings.NewReader(sample), FormatXML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write way 10")
	assert.ErrorIs(t, err, store.failWay)

	assert.Equal(t, []string{"begin", "changeset 1 2", "rollback"}, store.calls)
}

func TestImportDecodeError(t *testing.T) {
	store := newFakeStore()
	im := New(store, Options{MapID: 1})

	_, err := im.Run(context.Background(), NewScanner(context.Background(), strings.NewReader("<osm><node id="), FormatXML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode input")
	assert.Equal(t, "rollback", store.calls[len(store.calls)-1])
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"monaco-latest.osm.pbf", FormatPBF, false},
		{"EXTRACT.PBF", FormatPBF, false},
		{"small.osm", FormatXML, false},
		{"export.xml", FormatXML, false},
		{"changes.osc.gz", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := DetectFormat(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
