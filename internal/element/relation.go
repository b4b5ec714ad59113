package element

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/wegman-software/mapdb-go/internal/tags"
)

// Common relation types and roles
const (
	TypeMultipolygon    = "multipolygon"
	TypeMultilinestring = "multilinestring"
	RoleOuter           = "outer"
	RoleInner           = "inner"
)

// TypeTag is the tag key that carries a relation's type when persisted
const TypeTag = "type"

// Entry is one relation member
type Entry struct {
	Role   string
	Member ID
}

func (e Entry) String() string {
	return fmt.Sprintf("%s (role: %q)", e.Member, e.Role)
}

// relationData is the payload shared between Relation handles
type relationData struct {
	refs      atomic.Int32
	typ       string
	members   []Entry
	changeset int64
	tags      tags.Tags
}

func (d *relationData) clone() *relationData {
	c := &relationData{
		typ:       d.typ,
		members:   append([]Entry(nil), d.members...),
		changeset: d.changeset,
		tags:      d.tags.Clone(),
	}
	c.refs.Store(1)
	return c
}

// GeometryListener is told before and after a relation's membership
// changes, so derived geometry can be dropped.
type GeometryListener interface {
	PreGeometryChange(r *Relation)
	PostGeometryChange(r *Relation)
}

// Relation is a handle onto a copy-on-write payload. Copy returns a second
// handle sharing the payload; the first mutation through either handle
// gives that handle a private payload, so the other never sees it.
//
// Handles sharing a payload must not be mutated from different goroutines
// without external locking.
type Relation struct {
	ID       int64
	data     *relationData
	listener GeometryListener
}

// NewRelation creates a relation with an empty member list
func NewRelation(id int64, typ string, changeset int64, t tags.Tags) *Relation {
	d := &relationData{typ: typ, changeset: changeset, tags: t}
	d.refs.Store(1)
	return &Relation{ID: id, data: d}
}

// Copy returns a new handle sharing this relation's payload
func (r *Relation) Copy() *Relation {
	r.data.refs.Add(1)
	return &Relation{ID: r.ID, data: r.data}
}

// Release gives up this handle's share of the payload. The handle must not
// be used afterwards.
func (r *Relation) Release() {
	if r.data != nil {
		r.data.refs.Add(-1)
		r.data = nil
	}
}

// Shared reports whether another handle holds the same payload
func (r *Relation) Shared() bool {
	return r.data.refs.Load() > 1
}

// SetGeometryListener installs the hook called around membership changes
func (r *Relation) SetGeometryListener(l GeometryListener) {
	r.listener = l
}

// ensureExclusive gives r a private payload if it is shared. Every mutator
// calls it before touching r.data.
func (r *Relation) ensureExclusive() {
	if r.data.refs.Load() > 1 {
		old := r.data
		r.data = old.clone()
		old.refs.Add(-1)
	}
}

// mutateGeometry wraps a membership change with the geometry hooks
func (r *Relation) mutateGeometry(fn func(d *relationData)) {
	if r.listener != nil {
		r.listener.PreGeometryChange(r)
	}
	r.ensureExclusive()
	fn(r.data)
	if r.listener != nil {
		r.listener.PostGeometryChange(r)
	}
}

func (r *Relation) ElementID() ID      { return RelationID(r.ID) }
func (r *Relation) ChangesetID() int64 { return r.data.changeset }
func (r *Relation) Type() string       { return r.data.typ }

// Tags returns the relation's tags. The map is shared and must be treated
// as read-only; use SetTags to change it.
func (r *Relation) Tags() tags.Tags { return r.data.tags }

// Members returns the member list without copying. The slice must not be
// modified.
func (r *Relation) Members() []Entry { return r.data.members }

// IsMultiPolygon reports whether the type is multipolygon
func (r *Relation) IsMultiPolygon() bool {
	return r.data.typ == TypeMultipolygon
}

// Contains reports whether id is a member. Member lists are short, so this
// is a linear scan.
func (r *Relation) Contains(id ID) bool {
	for _, m := range r.data.members {
		if m.Member == id {
			return true
		}
	}
	return false
}

// AddMember appends a member
func (r *Relation) AddMember(role string, id ID) {
	r.mutateGeometry(func(d *relationData) {
		d.members = append(d.members, Entry{Role: role, Member: id})
	})
}

// RemoveMember removes every entry referencing id, whatever its role
func (r *Relation) RemoveMember(id ID) {
	r.mutateGeometry(func(d *relationData) {
		d.members = filterEntries(d.members, func(e Entry) bool { return e.Member != id })
	})
}

// RemoveMemberWithRole removes the entries referencing id with the given role
func (r *Relation) RemoveMemberWithRole(role string, id ID) {
	r.mutateGeometry(func(d *relationData) {
		d.members = filterEntries(d.members, func(e Entry) bool {
			return e.Member != id || e.Role != role
		})
	})
}

// ReplaceMember points every entry referencing from at to, keeping roles
// and positions
func (r *Relation) ReplaceMember(from, to ID) {
	r.mutateGeometry(func(d *relationData) {
		for i := range d.members {
			if d.members[i].Member == from {
				d.members[i].Member = to
			}
		}
	})
}

// SetMembers replaces the whole member list with a copy of members
func (r *Relation) SetMembers(members []Entry) {
	r.mutateGeometry(func(d *relationData) {
		d.members = append([]Entry(nil), members...)
	})
}

// Clear removes all members
func (r *Relation) Clear() {
	r.mutateGeometry(func(d *relationData) {
		d.members = nil
	})
}

// SetType changes the relation type. Geometry hooks are not run.
func (r *Relation) SetType(typ string) {
	r.ensureExclusive()
	r.data.typ = typ
}

// SetTags replaces the tags with a copy of t
func (r *Relation) SetTags(t tags.Tags) {
	r.ensureExclusive()
	r.data.tags = t.Clone()
}

// SetChangeset records the changeset of the latest edit
func (r *Relation) SetChangeset(id int64) {
	r.ensureExclusive()
	r.data.changeset = id
}

// PersistedTags returns the tags to store, with the type folded in
func (r *Relation) PersistedTags() tags.Tags {
	out := r.data.tags.Clone()
	if r.data.typ != "" {
		if out == nil {
			out = make(tags.Tags, 1)
		}
		out[TypeTag] = r.data.typ
	}
	return out
}

// Envelope is the union of all member envelopes. It is null when any member
// is missing from p or has a null envelope itself.
func (r *Relation) Envelope(p Provider) Envelope {
	var e Envelope
	for _, m := range r.data.members {
		if !p.ContainsElement(m.Member) {
			return Envelope{}
		}
		child := p.Element(m.Member).Envelope(p)
		if child.IsNull() {
			return Envelope{}
		}
		e.Extend(child)
	}
	return e
}

func (r *Relation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "relation(%d)\ntype: %s\nmembers:\n", r.ID, r.data.typ)
	for _, m := range r.data.members {
		fmt.Fprintf(&b, "  %s\n", m)
	}
	fmt.Fprintf(&b, "tags: %s", tags.Encode(r.data.tags))
	return b.String()
}

func filterEntries(in []Entry, keep func(Entry) bool) []Entry {
	out := in[:0]
	for _, e := range in {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
