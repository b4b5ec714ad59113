package osc

import (
	"context"
	"strings"
	"testing"

	"github.com/paulmach/osm"
)

const oscData = `<?xml version="1.0" encoding="UTF-8"?>
<osmChange version="0.6" generator="test">
  <create>
    <node id="1" lat="43.7384" lon="7.4246" version="1" changeset="123" timestamp="2024-01-15T12:00:00Z" user="testuser" uid="1">
      <tag k="name" v="Test Node"/>
      <tag k="amenity" v="cafe"/>
    </node>
    <way id="100" version="1" changeset="124">
      <nd ref="1"/>
      <nd ref="2"/>
      <nd ref="3"/>
      <tag k="highway" v="primary"/>
    </way>
  </create>
  <modify>
    <node id="2" lat="43.7390" lon="7.4250" version="2">
      <tag k="name" v="Modified Node"/>
    </node>
    <relation id="200" version="2">
      <member type="way" ref="100" role="outer"/>
      <member type="way" ref="101" role="inner"/>
      <tag k="type" v="multipolygon"/>
    </relation>
  </modify>
  <delete>
    <node id="999"/>
    <way id="998"/>
  </delete>
</osmChange>`

func TestParseOSC(t *testing.T) {
	parser := NewParser()
	ctx := context.Background()
	changes, errChan := parser.ParseReader(ctx, strings.NewReader(oscData))

	var allChanges []Change
	for change := range changes {
		allChanges = append(allChanges, change)
	}
	for err := range errChan {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	stats := parser.Stats()
	if stats.NodesCreated != 1 {
		t.Errorf("expected 1 node created, got %d", stats.NodesCreated)
	}
	if stats.NodesModified != 1 {
		t.Errorf("expected 1 node modified, got %d", stats.NodesModified)
	}
	if stats.NodesDeleted != 1 {
		t.Errorf("expected 1 node deleted, got %d", stats.NodesDeleted)
	}
	if stats.WaysCreated != 1 {
		t.Errorf("expected 1 way created, got %d", stats.WaysCreated)
	}
	if stats.WaysDeleted != 1 {
		t.Errorf("expected 1 way deleted, got %d", stats.WaysDeleted)
	}
	if stats.RelationsModified != 1 {
		t.Errorf("expected 1 relation modified, got %d", stats.RelationsModified)
	}
	if stats.Total() != 6 {
		t.Errorf("expected 6 changes in total, got %d", stats.Total())
	}

	if len(allChanges) != 6 {
		t.Fatalf("expected 6 changes, got %d", len(allChanges))
	}

	first := allChanges[0]
	if first.Action != ActionCreate {
		t.Errorf("expected create action, got %s", first.Action)
	}
	node, ok := first.Object.(*osm.Node)
	if !ok {
		t.Fatalf("expected a node, got %T", first.Object)
	}
	if node.ID != 1 {
		t.Errorf("expected node ID 1, got %d", node.ID)
	}
	if got := node.Tags.Find("name"); got != "Test Node" {
		t.Errorf("expected name 'Test Node', got '%s'", got)
	}

	way, ok := allChanges[1].Object.(*osm.Way)
	if !ok {
		t.Fatalf("expected a way, got %T", allChanges[1].Object)
	}
	if way.ID != 100 || len(way.Nodes) != 3 {
		t.Errorf("expected way 100 with 3 node refs, got way %d with %d", way.ID, len(way.Nodes))
	}

	rel, ok := allChanges[3].Object.(*osm.Relation)
	if !ok {
		t.Fatalf("expected a relation, got %T", allChanges[3].Object)
	}
	if allChanges[3].Action != ActionModify {
		t.Errorf("expected modify action, got %s", allChanges[3].Action)
	}
	if len(rel.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(rel.Members))
	}
	if rel.Members[0].Type != osm.TypeWay {
		t.Errorf("expected member type 'way', got '%s'", rel.Members[0].Type)
	}

	if allChanges[5].Action != ActionDelete {
		t.Errorf("expected delete action, got %s", allChanges[5].Action)
	}
}

func TestParseElementOutsideBlock(t *testing.T) {
	changes, errChan := NewParser().ParseReader(context.Background(),
		strings.NewReader(`<osmChange><node id="1" lat="0" lon="0"/></osmChange>`))
	for range changes {
		t.Error("no change expected")
	}
	if err := <-errChan; err == nil || !strings.Contains(err.Error(), "outside of a create") {
		t.Errorf("expected a block error, got %v", err)
	}
}

func TestParseMalformedXML(t *testing.T) {
	changes, errChan := NewParser().ParseReader(context.Background(),
		strings.NewReader(`<osmChange><create><node id="1"`))
	for range changes {
	}
	if err := <-errChan; err == nil {
		t.Error("expected a parse error")
	}
}
