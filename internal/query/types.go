package query

// Predicate is a filter condition.
//
// This is a sealed interface; only types in this package implement it so
// every backend can switch over the full set exhaustively.
//
// Predicate types:
//   - Eq: field = value (value nil means IS NULL)
//   - Cmp: field <op> value for ordered comparisons
//   - In: field is one of values
//   - And: all predicates hold (empty And is true)
//
// There is no Or. Consumers needing a union issue two queries.
type Predicate interface {
	predicateNode()
}

// Eq matches rows whose field equals Value.
type Eq struct {
	Field string
	Value any
}

func (Eq) predicateNode() {}

// Op is an ordered comparison operator.
type Op string

const (
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Cmp matches rows whose field compares to Value under Op.
// Rows where the field is absent or null never match.
type Cmp struct {
	Field string
	Op    Op
	Value any
}

func (Cmp) predicateNode() {}

// In matches rows whose field equals any of Values.
type In struct {
	Field  string
	Values []any
}

func (In) predicateNode() {}

// And is a conjunction.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Order is one ORDER BY term.
type Order struct {
	Field string
	Desc  bool
}

// Descriptor names a query. Exactly one of Entity or Procedure is set.
type Descriptor struct {
	Entity    string
	Procedure string
	Args      map[string]any
	Filter    Predicate
	OrderBy   []Order
	Limit     int
	Offset    int
}

// Select is shorthand for a descriptor over an entity.
func Select(entity string, filter ...Predicate) Descriptor {
	d := Descriptor{Entity: entity}
	switch len(filter) {
	case 0:
	case 1:
		d.Filter = filter[0]
	default:
		d.Filter = And{Predicates: filter}
	}
	return d
}

// Call is shorthand for a descriptor over a remote procedure.
func Call(procedure string, args map[string]any) Descriptor {
	return Descriptor{Procedure: procedure, Args: args}
}

// IsProcedure reports whether d names a remote procedure.
func (d Descriptor) IsProcedure() bool {
	return d.Procedure != ""
}

// Name returns the entity or procedure name.
func (d Descriptor) Name() string {
	if d.Procedure != "" {
		return d.Procedure
	}
	return d.Entity
}
