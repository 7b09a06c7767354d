// Package schema introspects registered mirrored entities and computes a
// topological apply order that honors foreign keys, so incoming changes
// can be applied parent-before-child without violating FK constraints.
package schema

import (
	"sort"

	apperrors "rowsync/internal/errors"
	"rowsync/internal/rowmodel"
)

// ForeignKey names a column on an entity and the entity it references.
type ForeignKey struct {
	Column       string
	TargetEntity string
}

// EntityDescriptor describes one mirrored entity type as registered with
// the schema: its table name, its full column list, which of those
// columns are system-managed, and its outbound foreign keys.
type EntityDescriptor struct {
	Name          string
	Columns       []string
	SystemColumns map[string]bool
	ForeignKeys   []ForeignKey
}

// DataColumns returns the entity's columns minus its system columns.
func (d EntityDescriptor) DataColumns() []string {
	sys := d.SystemColumns
	if sys == nil {
		sys = rowmodel.SystemColumns
	}
	var out []string
	for _, c := range d.Columns {
		if !sys[c] {
			out = append(out, c)
		}
	}
	return out
}

// Describe builds an EntityDescriptor from a Mirrored entity, its domain
// columns, and its outbound foreign keys. The table name comes from the
// entity itself and the four sync columns are appended automatically, so
// a registered type cannot drift out of the mixin contract.
func Describe(m rowmodel.Mirrored, dataColumns []string, fks []ForeignKey) EntityDescriptor {
	columns := append([]string{"id"}, dataColumns...)
	columns = append(columns, "updated_at", "version", "deleted_at")
	return EntityDescriptor{
		Name:          m.TableName(),
		Columns:       columns,
		SystemColumns: rowmodel.SystemColumns,
		ForeignKeys:   fks,
	}
}

// Registry accumulates EntityDescriptors prior to building a Schema.
type Registry struct {
	entities []EntityDescriptor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an entity descriptor. Registration order does not affect
// the computed apply order.
func (r *Registry) Register(d EntityDescriptor) {
	r.entities = append(r.entities, d)
}

// Schema is the built, immutable result of Registry.Build: every
// registered entity plus a topological apply order over their FK graph.
type Schema struct {
	entities   map[string]EntityDescriptor
	applyOrder []string
}

// Entity returns the descriptor registered under name.
func (s *Schema) Entity(name string) (EntityDescriptor, bool) {
	d, ok := s.entities[name]
	return d, ok
}

// ApplyOrder returns entity names ordered so that every foreign key's
// target entity precedes the referring entity.
func (s *Schema) ApplyOrder() []string {
	out := make([]string, len(s.applyOrder))
	copy(out, s.applyOrder)
	return out
}

// Build computes the apply order via Kahn's algorithm over the FK graph:
// an edge runs from each entity to the entities it references, so targets
// are emitted first. A foreign key to an entity outside the registry is
// ignored (external references render no ordering constraint, since the
// sync engine never applies writes to unregistered entities).
//
// If a cycle remains after the queue drains, Build fails loudly with
// SchemaCycle naming every entity left in the remainder; an undetected
// FK cycle must never produce a silently wrong apply order.
func (r *Registry) Build() (*Schema, error) {
	entities := make(map[string]EntityDescriptor, len(r.entities))
	for _, d := range r.entities {
		entities[d.Name] = d
	}

	// inDegree[e] counts FK edges from e to entities inside the registry.
	inDegree := make(map[string]int, len(entities))
	// dependents[target] lists entities that reference target.
	dependents := make(map[string][]string, len(entities))
	for name := range entities {
		inDegree[name] = 0
	}
	for _, d := range r.entities {
		for _, fk := range d.ForeignKeys {
			if _, ok := entities[fk.TargetEntity]; !ok {
				continue
			}
			inDegree[d.Name]++
			dependents[fk.TargetEntity] = append(dependents[fk.TargetEntity], d.Name)
		}
	}

	var queue []string
	for _, d := range r.entities {
		if inDegree[d.Name] == 0 {
			queue = append(queue, d.Name)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		order = append(order, next)

		children := append([]string(nil), dependents[next]...)
		sort.Strings(children)
		for _, child := range children {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
				sort.Strings(queue)
			}
		}
	}

	if len(order) != len(entities) {
		var remainder []string
		processed := make(map[string]bool, len(order))
		for _, name := range order {
			processed[name] = true
		}
		for name := range entities {
			if !processed[name] {
				remainder = append(remainder, name)
			}
		}
		sort.Strings(remainder)
		return nil, apperrors.SchemaCycle(remainder)
	}

	return &Schema{entities: entities, applyOrder: order}, nil
}
