// Package importer streams an OSM file into a map. Decoding runs on its own
// goroutine; every store call is made from a single writer goroutine.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/paulmach/osm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/mapdb-go/internal/element"
	"github.com/wegman-software/mapdb-go/internal/logger"
	"github.com/wegman-software/mapdb-go/internal/tags"
)

// Store is the part of the map store an import writes through.
// *apidb.Session implements it.
type Store interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	InsertChangeset(ctx context.Context, mapID, userID int64, t tags.Tags) (int64, error)
	CloseChangeset(ctx context.Context, mapID, id int64) error
	InsertNode(ctx context.Context, mapID int64, n *element.Node, createNewID bool) (int64, error)
	InsertWay(ctx context.Context, mapID int64, w *element.Way, createNewID bool) (int64, error)
	InsertRelation(ctx context.Context, mapID int64, r *element.Relation, createNewID bool) (int64, error)
	NextID(ctx context.Context, mapID int64, k element.Kind) (int64, error)
}

// Options controls one import
type Options struct {
	MapID  int64
	UserID int64

	// CreateNewIDs assigns ids from the map's sequences instead of keeping
	// the ids in the file
	CreateNewIDs bool

	// ChangesetTags are stored on the import's changeset
	ChangesetTags tags.Tags

	// QueueSize is the number of decoded objects buffered between the
	// decoder and the writer
	QueueSize int
}

// Stats counts imported elements; safe to read while an import runs
type Stats struct {
	Nodes       atomic.Int64
	Ways        atomic.Int64
	Relations   atomic.Int64
	DroppedRefs atomic.Int64 // way nodes and members referring to elements not in the file

	// relation members kept because relations may be defined further down,
	// but whose relation never appeared
	UnresolvedRelations atomic.Int64
	ChangesetID int64
	Duration    time.Duration
}

// Importer writes decoded OSM objects into a map
type Importer struct {
	store Store
	opts  Options
	log   *zap.Logger

	changeset int64
	ids       map[element.ID]int64 // source id -> stored id
	seen      mapset.Set[element.ID]
	forward   mapset.Set[element.ID] // relations used as members before being read

	stats Stats
}

// New creates an importer writing through store
func New(store Store, opts Options) *Importer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	return &Importer{
		store: store,
		opts:  opts,
		log:   logger.Named("importer"),
		ids:   make(map[element.ID]int64),
		seen:  mapset.NewThreadUnsafeSet[element.ID](),

		forward: mapset.NewThreadUnsafeSet[element.ID](),
	}
}

// Stats returns live counters
func (im *Importer) Stats() *Stats { return &im.stats }

// Run imports everything scanner yields inside one transaction. On failure
// the transaction is rolled back and nothing of the import is kept.
func (im *Importer) Run(ctx context.Context, scanner osm.Scanner) (*Stats, error) {
	start := time.Now()
	log := im.log.With(zap.Int64("map_id", im.opts.MapID))

	if err := im.store.Begin(ctx); err != nil {
		return nil, err
	}

	if err := im.run(ctx, scanner); err != nil {
		if rbErr := im.store.Rollback(ctx); rbErr != nil {
			log.Warn("Rollback after failed import also failed", zap.Error(rbErr))
		}
		return nil, err
	}

	if err := im.store.Commit(ctx); err != nil {
		if rbErr := im.store.Rollback(ctx); rbErr != nil {
			log.Warn("Rollback after failed commit also failed", zap.Error(rbErr))
		}
		return nil, err
	}

	im.stats.ChangesetID = im.changeset
	im.stats.Duration = time.Since(start)
	log.Info("Import complete",
		zap.Int64("nodes", im.stats.Nodes.Load()),
		zap.Int64("ways", im.stats.Ways.Load()),
		zap.Int64("relations", im.stats.Relations.Load()),
		zap.Int64("dropped_refs", im.stats.DroppedRefs.Load()),
		zap.Int64("unresolved_relations", im.stats.UnresolvedRelations.Load()),
		zap.Duration("duration", im.stats.Duration.Round(time.Millisecond)))
	return &im.stats, nil
}

func (im *Importer) run(ctx context.Context, scanner osm.Scanner) error {
	cs, err := im.store.InsertChangeset(ctx, im.opts.MapID, im.opts.UserID, im.opts.ChangesetTags)
	if err != nil {
		return err
	}
	im.changeset = cs

	g, gctx := errgroup.WithContext(ctx)
	objects := make(chan osm.Object, im.opts.QueueSize)

	// Decoder
	g.Go(func() error {
		defer close(objects)
		for scanner.Scan() {
			select {
			case objects <- scanner.Object():
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to decode input: %w", err)
		}
		return nil
	})

	// Writer
	g.Go(func() error {
		for obj := range objects {
			if err := im.write(gctx, obj); err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	missing := im.forward.Difference(im.seen)
	if n := missing.Cardinality(); n > 0 {
		im.stats.UnresolvedRelations.Add(int64(n))
		im.log.Warn("Relation members refer to relations not in the file",
			zap.Int64("map_id", im.opts.MapID),
			zap.Int("relations", n))
	}
	return im.store.CloseChangeset(ctx, im.opts.MapID, cs)
}

func (im *Importer) write(ctx context.Context, obj osm.Object) error {
	switch o := obj.(type) {
	case *osm.Node:
		return im.writeNode(ctx, o)
	case *osm.Way:
		return im.writeWay(ctx, o)
	case *osm.Relation:
		return im.writeRelation(ctx, o)
	}
	// bounds, changesets, notes and users carry no map data
	return nil
}

func (im *Importer) writeNode(ctx context.Context, o *osm.Node) error {
	src := element.NodeID(int64(o.ID))
	n := element.NewNode(int64(o.ID), o.Lat, o.Lon, im.changeset, element.TagsFromOSM(o.Tags))

	id, err := im.store.InsertNode(ctx, im.opts.MapID, n, im.opts.CreateNewIDs)
	if err != nil {
		return fmt.Errorf("failed to write node %d: %w", o.ID, err)
	}
	im.record(src, id)
	im.stats.Nodes.Add(1)
	return nil
}

func (im *Importer) writeWay(ctx context.Context, o *osm.Way) error {
	w, dropped := element.WayFromOSM(o, int64(o.ID), im.changeset, im.stored)
	im.stats.DroppedRefs.Add(int64(dropped))

	id, err := im.store.InsertWay(ctx, im.opts.MapID, w, im.opts.CreateNewIDs)
	if err != nil {
		return fmt.Errorf("failed to write way %d: %w", o.ID, err)
	}
	im.record(element.WayID(int64(o.ID)), id)
	im.stats.Ways.Add(1)
	return nil
}

func (im *Importer) writeRelation(ctx context.Context, o *osm.Relation) error {
	src := element.RelationID(int64(o.ID))

	// a relation referenced earlier as a member already has its id
	id, reserved := im.ids[src]
	createNew := im.opts.CreateNewIDs && !reserved
	if !reserved {
		id = int64(o.ID)
	}

	var resolveErr error
	r, dropped := element.RelationFromOSM(o, id, im.changeset, func(ref element.ID) (int64, bool) {
		if resolveErr != nil {
			return 0, false
		}
		memberID, ok, err := im.member(ctx, ref)
		resolveErr = err
		return memberID, ok
	})
	if resolveErr != nil {
		return resolveErr
	}
	im.stats.DroppedRefs.Add(int64(dropped))

	stored, err := im.store.InsertRelation(ctx, im.opts.MapID, r, createNew)
	if err != nil {
		return fmt.Errorf("failed to write relation %d: %w", o.ID, err)
	}
	im.record(src, stored)
	im.stats.Relations.Add(1)
	return nil
}

// member resolves a relation member to its stored id. Relations may refer
// to relations further down the file; those get an id reserved now. A
// reference that is never defined keeps its member row and is counted in
// Stats.UnresolvedRelations.
func (im *Importer) member(ctx context.Context, ref element.ID) (int64, bool, error) {
	if id, ok := im.stored(ref); ok {
		return id, true, nil
	}
	if ref.Kind != element.KindRelation {
		return 0, false, nil
	}
	im.forward.Add(ref)
	if !im.opts.CreateNewIDs {
		return ref.Ref, true, nil
	}
	id, err := im.store.NextID(ctx, im.opts.MapID, element.KindRelation)
	if err != nil {
		return 0, false, err
	}
	im.ids[ref] = id
	return id, true, nil
}

// stored returns the id an already written element was stored under
func (im *Importer) stored(ref element.ID) (int64, bool) {
	if !im.seen.Contains(ref) {
		return 0, false
	}
	if !im.opts.CreateNewIDs {
		return ref.Ref, true
	}
	id, ok := im.ids[ref]
	return id, ok
}

func (im *Importer) record(src element.ID, id int64) {
	im.seen.Add(src)
	if im.opts.CreateNewIDs {
		im.ids[src] = id
	}
}
