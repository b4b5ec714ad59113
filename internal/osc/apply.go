package osc

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/mapdb-go/internal/element"
	"github.com/wegman-software/mapdb-go/internal/logger"
	"github.com/wegman-software/mapdb-go/internal/tags"
)

// Store is the part of the map store a change file is applied through.
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
	UpdateNode(ctx context.Context, mapID int64, n *element.Node) error
	UpdateWay(ctx context.Context, mapID int64, w *element.Way) error
	UpdateRelation(ctx context.Context, mapID int64, r *element.Relation) error
	DeleteElement(ctx context.Context, mapID int64, id element.ID, changesetID int64) error
}

// ApplyOptions controls one change file
type ApplyOptions struct {
	MapID         int64
	UserID        int64
	ChangesetTags tags.Tags
}

// ApplyStats counts applied changes
type ApplyStats struct {
	Created     int64
	Modified    int64
	Deleted     int64
	ChangesetID int64
	Duration    time.Duration

	// IDs maps each placeholder (negative) id in the file to the id it was
	// stored under
	IDs map[element.ID]int64
}

// Applier writes the changes of one OSC file into a map inside a single
// transaction. Elements created with negative ids get new ids from the
// map's sequences and later references to them are rewritten.
type Applier struct {
	store Store
	opts  ApplyOptions
	log   *zap.Logger

	changeset    int64
	placeholders map[element.ID]int64
	stats        ApplyStats
}

// NewApplier creates an applier writing through store
func NewApplier(store Store, opts ApplyOptions) *Applier {
	return &Applier{
		store:        store,
		opts:         opts,
		log:          logger.Named("osc"),
		placeholders: make(map[element.ID]int64),
	}
}

// ApplyFile parses and applies an OSC file
func (a *Applier) ApplyFile(ctx context.Context, filename string) (*ApplyStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	changes, errc := NewParser().ParseFile(ctx, filename)
	return a.apply(ctx, changes, errc)
}

// ApplyReader parses and applies OSC data from r
func (a *Applier) ApplyReader(ctx context.Context, r io.Reader) (*ApplyStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	changes, errc := NewParser().ParseReader(ctx, r)
	return a.apply(ctx, changes, errc)
}

func (a *Applier) apply(ctx context.Context, changes <-chan Change, errc <-chan error) (*ApplyStats, error) {
	start := time.Now()
	log := a.log.With(zap.Int64("map_id", a.opts.MapID))

	if err := a.store.Begin(ctx); err != nil {
		return nil, err
	}

	fail := func(err error) (*ApplyStats, error) {
		if rbErr := a.store.Rollback(ctx); rbErr != nil {
			log.Warn("Rollback after failed change file also failed", zap.Error(rbErr))
		}
		return nil, err
	}

	cs, err := a.store.InsertChangeset(ctx, a.opts.MapID, a.opts.UserID, a.opts.ChangesetTags)
	if err != nil {
		return fail(err)
	}
	a.changeset = cs

	for c := range changes {
		if err := a.applyChange(ctx, c); err != nil {
			return fail(err)
		}
	}
	if err := <-errc; err != nil {
		return fail(err)
	}

	if err := a.store.CloseChangeset(ctx, a.opts.MapID, cs); err != nil {
		return fail(err)
	}
	if err := a.store.Commit(ctx); err != nil {
		return fail(err)
	}

	a.stats.ChangesetID = cs
	a.stats.IDs = a.placeholders
	a.stats.Duration = time.Since(start)
	log.Info("Change file applied",
		zap.Int64("changeset_id", cs),
		zap.Int64("created", a.stats.Created),
		zap.Int64("modified", a.stats.Modified),
		zap.Int64("deleted", a.stats.Deleted),
		zap.Duration("duration", a.stats.Duration.Round(time.Millisecond)))
	return &a.stats, nil
}

func (a *Applier) applyChange(ctx context.Context, c Change) error {
	var err error
	switch c.Action {
	case ActionCreate:
		err = a.create(ctx, c.Object)
		a.stats.Created++
	case ActionModify:
		err = a.modify(ctx, c.Object)
		a.stats.Modified++
	case ActionDelete:
		err = a.remove(ctx, c.Object)
		a.stats.Deleted++
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", c.Action, describe(c.Object), err)
	}
	return nil
}

func (a *Applier) create(ctx context.Context, obj osm.Object) error {
	mapID := a.opts.MapID
	switch o := obj.(type) {
	case *osm.Node:
		src := element.NodeID(int64(o.ID))
		n := element.NewNode(int64(o.ID), o.Lat, o.Lon, a.changeset, element.TagsFromOSM(o.Tags))
		id, err := a.store.InsertNode(ctx, mapID, n, src.Ref < 0)
		if err != nil {
			return err
		}
		a.remember(src, id)

	case *osm.Way:
		src := element.WayID(int64(o.ID))
		w, err := a.way(o, src.Ref)
		if err != nil {
			return err
		}
		id, err := a.store.InsertWay(ctx, mapID, w, src.Ref < 0)
		if err != nil {
			return err
		}
		a.remember(src, id)

	case *osm.Relation:
		src := element.RelationID(int64(o.ID))
		r, err := a.relation(o, src.Ref)
		if err != nil {
			return err
		}
		id, err := a.store.InsertRelation(ctx, mapID, r, src.Ref < 0)
		if err != nil {
			return err
		}
		a.remember(src, id)
	}
	return nil
}

func (a *Applier) modify(ctx context.Context, obj osm.Object) error {
	mapID := a.opts.MapID
	switch o := obj.(type) {
	case *osm.Node:
		id, err := a.resolve(element.NodeID(int64(o.ID)))
		if err != nil {
			return err
		}
		return a.store.UpdateNode(ctx, mapID, element.NewNode(id, o.Lat, o.Lon, a.changeset, element.TagsFromOSM(o.Tags)))

	case *osm.Way:
		id, err := a.resolve(element.WayID(int64(o.ID)))
		if err != nil {
			return err
		}
		w, err := a.way(o, id)
		if err != nil {
			return err
		}
		return a.store.UpdateWay(ctx, mapID, w)

	case *osm.Relation:
		id, err := a.resolve(element.RelationID(int64(o.ID)))
		if err != nil {
			return err
		}
		r, err := a.relation(o, id)
		if err != nil {
			return err
		}
		return a.store.UpdateRelation(ctx, mapID, r)
	}
	return nil
}

func (a *Applier) remove(ctx context.Context, obj osm.Object) error {
	var src element.ID
	switch o := obj.(type) {
	case *osm.Node:
		src = element.NodeID(int64(o.ID))
	case *osm.Way:
		src = element.WayID(int64(o.ID))
	case *osm.Relation:
		src = element.RelationID(int64(o.ID))
	default:
		return nil
	}

	id, err := a.resolve(src)
	if err != nil {
		return err
	}
	return a.store.DeleteElement(ctx, a.opts.MapID, element.ID{Kind: src.Kind, Ref: id}, a.changeset)
}

// way converts o, storing it under id with node references resolved
func (a *Applier) way(o *osm.Way, id int64) (*element.Way, error) {
	var refErr error
	w, _ := element.WayFromOSM(o, id, a.changeset, a.resolver(&refErr))
	return w, refErr
}

// relation converts o, storing it under id with member references resolved
func (a *Applier) relation(o *osm.Relation, id int64) (*element.Relation, error) {
	var refErr error
	r, _ := element.RelationFromOSM(o, id, a.changeset, a.resolver(&refErr))
	return r, refErr
}

// resolver returns a reference resolver that records the first unknown
// placeholder in errp
func (a *Applier) resolver(errp *error) func(element.ID) (int64, bool) {
	return func(ref element.ID) (int64, bool) {
		id, err := a.resolve(ref)
		if err != nil {
			if *errp == nil {
				*errp = err
			}
			return 0, false
		}
		return id, true
	}
}

// resolve maps a reference from the file to a stored id. Positive ids are
// stored ids already; negative ones must have been created earlier in the
// file.
func (a *Applier) resolve(ref element.ID) (int64, error) {
	if ref.Ref >= 0 {
		return ref.Ref, nil
	}
	id, ok := a.placeholders[ref]
	if !ok {
		return 0, fmt.Errorf("reference to %s which is not created earlier in the file", ref)
	}
	return id, nil
}

func (a *Applier) remember(src element.ID, id int64) {
	if src.Ref < 0 {
		a.placeholders[src] = id
	}
}

func describe(obj osm.Object) string {
	switch o := obj.(type) {
	case *osm.Node:
		return element.NodeID(int64(o.ID)).String()
	case *osm.Way:
		return element.WayID(int64(o.ID)).String()
	case *osm.Relation:
		return element.RelationID(int64(o.ID)).String()
	}
	return fmt.Sprintf("%T", obj)
}
