package dispatch

import (
	"context"

	"github.com/betagouv/zacharie-sub005/fei"
)

// Change is the before/after pair of one committed mutation plus the acting
// user. Routes read it, never mutate it.
type Change struct {
	Before *fei.Fei
	After  fei.Fei
	Actor  fei.Actor
}

func (c Change) beforeNextRole() fei.Role {
	if c.Before == nil || c.Before.NextOwnerRole == nil {
		return ""
	}
	return *c.Before.NextOwnerRole
}

func (c Change) afterNextRole() fei.Role {
	if c.After.NextOwnerRole == nil {
		return ""
	}
	return *c.After.NextOwnerRole
}

func (c Change) nextRoleChanged() bool {
	return c.beforeNextRole() != c.afterNextRole()
}

func (c Change) nextUserChanged() bool {
	var before *string
	if c.Before != nil {
		before = c.Before.NextOwnerUserID
	}
	return deref(before) != deref(c.After.NextOwnerUserID)
}

func (c Change) nextEntityChanged() bool {
	var before *string
	if c.Before != nil {
		before = c.Before.NextOwnerEntityID
	}
	return deref(before) != deref(c.After.NextOwnerEntityID)
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// Route is one entry of the exclusive routing table: a named predicate and
// the effect it triggers. The table is evaluated in declaration order and the
// first match wins; priority is data, not control flow.
type Route struct {
	Name  string
	Match func(c Change) bool
	Fire  func(ctx context.Context, c Change) error
}

// routes builds the ordered exclusive routing table for the dispatcher.
// Routes 1 and 2 are terminal or near-terminal handoffs carrying richer,
// document-attached notifications; letting the generic route fire after them
// would duplicate and contradict those.
func (d *Dispatcher) routes() []Route {
	return []Route{
		{
			Name: "svi_assignment",
			Match: func(c Change) bool {
				return c.afterNextRole() == fei.RoleSvi && c.beforeNextRole() != fei.RoleSvi
			},
			Fire: d.fireSviAssignment,
		},
		{
			Name: "circuit_court",
			Match: func(c Change) bool {
				return c.nextRoleChanged() && fei.IsCircuitCourt(c.afterNextRole())
			},
			Fire: d.fireCircuitCourt,
		},
		{
			Name: "generic_next_owner",
			Match: func(c Change) bool {
				return c.nextUserChanged() || c.nextEntityChanged()
			},
			Fire: d.fireGenericNextOwner,
		},
	}
}

// resolve walks the exclusive table and fires the first matching route.
// Returns the name of the fired route, or "" when nothing matched.
func (d *Dispatcher) resolve(ctx context.Context, c Change) (string, error) {
	for _, route := range d.routes() {
		if route.Match(c) {
			return route.Name, route.Fire(ctx, c)
		}
	}
	return "", nil
}
