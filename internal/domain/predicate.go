package domain

import "errors"

// Field names a filterable or sortable CFDI attribute.
type Field string

const (
	FieldID            Field = "id"
	FieldUserID        Field = "user_id"
	FieldUUID          Field = "uuid"
	FieldIssueDate     Field = "issue_date"
	FieldType          Field = "type"
	FieldSerie         Field = "serie"
	FieldFolio         Field = "folio"
	FieldIssuerID      Field = "issuer_id"
	FieldReceiverID    Field = "receiver_id"
	FieldCurrency      Field = "currency"
	FieldPaymentMethod Field = "payment_method"
	FieldPaymentForm   Field = "payment_form"
	FieldCFDIUse       Field = "cfdi_use"
	FieldExportStatus  Field = "export_status"
	FieldStatus        Field = "status"
	FieldTotal         Field = "total"
	FieldSubtotal      Field = "subtotal"
)

// ErrUnscopedPredicate is returned by store backends when a predicate does
// not start with the tenant ownership constraint.
var ErrUnscopedPredicate = errors.New("predicate is not scoped to a tenant")

// Node is one constraint of a Predicate.
//
// This is a sealed interface; only EqNode and RangeNode implement it, so
// backends can switch on it exhaustively.
type Node interface {
	predicateNode()
}

// EqNode constrains Field to equal Value.
type EqNode struct {
	Field Field
	Value any
}

func (EqNode) predicateNode() {}

// RangeNode constrains Field to Gte <= value <= Lte. A nil bound is open.
type RangeNode struct {
	Field Field
	Gte   any
	Lte   any
}

func (RangeNode) predicateNode() {}

// Predicate is an immutable conjunction of nodes.
type Predicate struct {
	nodes []Node
}

// Nodes returns a copy of the predicate's constraints in insertion order.
func (p Predicate) Nodes() []Node {
	out := make([]Node, len(p.nodes))
	copy(out, p.nodes)
	return out
}

// Len returns the number of constraints.
func (p Predicate) Len() int {
	return len(p.nodes)
}

// Owner returns the tenant of the leading ownership constraint.
func (p Predicate) Owner() (string, bool) {
	if len(p.nodes) == 0 {
		return "", false
	}
	eq, ok := p.nodes[0].(EqNode)
	if !ok || eq.Field != FieldUserID {
		return "", false
	}
	tenant, ok := eq.Value.(string)
	if !ok || tenant == "" {
		return "", false
	}
	return tenant, true
}

// With returns a new predicate with extra constraints appended.
func (p Predicate) With(nodes ...Node) Predicate {
	out := make([]Node, 0, len(p.nodes)+len(nodes))
	out = append(out, p.nodes...)
	out = append(out, nodes...)
	return Predicate{nodes: out}
}

// PredicateBuilder accumulates typed nodes and emits an immutable Predicate.
type PredicateBuilder struct {
	nodes []Node
}

// NewPredicateBuilder starts a predicate owned by tenant.
func NewPredicateBuilder(tenant string) *PredicateBuilder {
	return &PredicateBuilder{nodes: []Node{EqNode{Field: FieldUserID, Value: tenant}}}
}

// Eq adds an equality constraint.
func (b *PredicateBuilder) Eq(field Field, value any) *PredicateBuilder {
	b.nodes = append(b.nodes, EqNode{Field: field, Value: value})
	return b
}

// Range adds a range constraint. It is a no-op when both bounds are nil.
func (b *PredicateBuilder) Range(field Field, gte, lte any) *PredicateBuilder {
	if gte == nil && lte == nil {
		return b
	}
	b.nodes = append(b.nodes, RangeNode{Field: field, Gte: gte, Lte: lte})
	return b
}

// Build returns the predicate. The builder may keep being used; later calls
// do not affect predicates already built.
func (b *PredicateBuilder) Build() Predicate {
	nodes := make([]Node, len(b.nodes))
	copy(nodes, b.nodes)
	return Predicate{nodes: nodes}
}

// OwnerPredicate returns the predicate selecting every record of tenant.
func OwnerPredicate(tenant string) Predicate {
	return NewPredicateBuilder(tenant).Build()
}
