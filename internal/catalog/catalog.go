package catalog

import (
	"fmt"
	"sort"

	"github.com/flowforge-io/flowforge/internal/plan"
	"github.com/flowforge-io/flowforge/internal/schema"
)

// Kind identifiers. The set is closed; persisted documents referencing an
// id outside this list fail to load.
const (
	KindRead        = "read"
	KindFilter      = "filter"
	KindSelect      = "select"
	KindSort        = "sort"
	KindUnique      = "unique"
	KindSample      = "sample"
	KindJoin        = "join"
	KindCrossJoin   = "cross_join"
	KindUnion       = "union"
	KindGroupBy     = "group_by"
	KindPivot       = "pivot"
	KindUnpivot     = "unpivot"
	KindFormula     = "formula"
	KindRecordID    = "record_id"
	KindTextToRows  = "text_to_rows"
	KindCustomCode  = "custom_code"
	KindGraphSolver = "graph_solver"
	KindFuzzyMatch  = "fuzzy_match"
	KindWrite       = "write"
	KindExplore     = "explore"
)

// Node categories, used by the UI surface to group the palette.
const (
	CategoryInput     = "input"
	CategoryTransform = "transform"
	CategoryCombine   = "combine"
	CategoryAggregate = "aggregate"
	CategoryOutput    = "output"
)

// Unbounded marks a kind that accepts any number of inputs.
const Unbounded = -1

// Kind describes one node kind: arity, settings shape, and the pure
// callbacks the coordinator uses without touching data.
type Kind struct {
	ID        string
	Category  string
	MinInputs int
	MaxInputs int // Unbounded for variadic kinds

	newSettings func() Settings
	validate    func(s Settings, inputs []schema.Schema) []ValidationIssue
	predict     func(s Settings, inputs []schema.Schema) (schema.Schema, error)
	build       func(s Settings, inputs []*plan.Node) (*plan.Node, error)
}

// AcceptsInputCount reports whether n input edges satisfy the kind's arity.
func (k *Kind) AcceptsInputCount(n int) bool {
	if n < k.MinInputs {
		return false
	}
	return k.MaxInputs == Unbounded || n <= k.MaxInputs
}

// Catalog is the registry of node kinds.
type Catalog struct {
	kinds map[string]*Kind
}

// Kind looks up a kind by id.
func (c *Catalog) Kind(id string) (*Kind, bool) {
	k, ok := c.kinds[id]
	return k, ok
}

// IDs returns all registered kind ids, sorted.
func (c *Catalog) IDs() []string {
	out := make([]string, 0, len(c.kinds))
	for id := range c.kinds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Predict computes the output schema of a kind without touching data. It
// returns an error when settings or input schemas make prediction
// impossible; callers surface that as a diagnostic, never a crash.
func (c *Catalog) Predict(s Settings, inputs []schema.Schema) (schema.Schema, error) {
	k, ok := c.kinds[s.Kind()]
	if !ok {
		return nil, fmt.Errorf("unknown node kind %q", s.Kind())
	}
	if !k.AcceptsInputCount(len(inputs)) {
		return nil, fmt.Errorf("%s expects %s, got %d", k.ID, arityString(k), len(inputs))
	}
	for i, in := range inputs {
		if in == nil {
			return nil, fmt.Errorf("%s input %d has no schema", k.ID, i)
		}
	}
	return k.predict(s, inputs)
}

// BuildPlan composes the lazy plan for a node from the plans of its
// inputs. Plans are symbolic; nothing is executed here.
func (c *Catalog) BuildPlan(s Settings, inputs []*plan.Node) (*plan.Node, error) {
	k, ok := c.kinds[s.Kind()]
	if !ok {
		return nil, fmt.Errorf("unknown node kind %q", s.Kind())
	}
	if !k.AcceptsInputCount(len(inputs)) {
		return nil, fmt.Errorf("%s expects %s, got %d", k.ID, arityString(k), len(inputs))
	}
	for i, in := range inputs {
		if in == nil {
			return nil, fmt.Errorf("%s input %d has no plan", k.ID, i)
		}
	}
	return k.build(s, inputs)
}

func arityString(k *Kind) string {
	switch {
	case k.MaxInputs == Unbounded:
		return fmt.Sprintf("at least %d inputs", k.MinInputs)
	case k.MinInputs == k.MaxInputs:
		return fmt.Sprintf("%d inputs", k.MinInputs)
	default:
		return fmt.Sprintf("%d to %d inputs", k.MinInputs, k.MaxInputs)
	}
}

func (c *Catalog) register(k *Kind) {
	if _, dup := c.kinds[k.ID]; dup {
		panic("catalog: duplicate kind " + k.ID)
	}
	c.kinds[k.ID] = k
}

// New builds the catalog with every built-in kind registered.
func New() *Catalog {
	c := &Catalog{kinds: map[string]*Kind{}}

	c.register(&Kind{
		ID: KindRead, Category: CategoryInput, MinInputs: 0, MaxInputs: 0,
		newSettings: func() Settings { return &ReadSettings{} },
		validate:    validateRead,
		predict:     predictRead,
		build:       buildRead,
	})
	c.register(&Kind{
		ID: KindFilter, Category: CategoryTransform, MinInputs: 1, MaxInputs: 1,
		newSettings: func() Settings { return &FilterSettings{} },
		validate:    validateFilter,
		predict:     predictPassThrough,
		build:       buildFilter,
	})
	c.register(&Kind{
		ID: KindSelect, Category: CategoryTransform, MinInputs: 1, MaxInputs: 1,
		newSettings: func() Settings { return &SelectSettings{} },
		validate:    validateSelect,
		predict:     predictSelect,
		build:       buildSelect,
	})
	c.register(&Kind{
		ID: KindSort, Category: CategoryTransform, MinInputs: 1, MaxInputs: 1,
		newSettings: func() Settings { return &SortSettings{} },
		validate:    validateSort,
		predict:     predictPassThrough,
		build:       buildSort,
	})
	c.register(&Kind{
		ID: KindUnique, Category: CategoryTransform, MinInputs: 1, MaxInputs: 1,
		newSettings: func() Settings { return &UniqueSettings{} },
		validate:    validateUnique,
		predict:     predictPassThrough,
		build:       buildUnique,
	})
	c.register(&Kind{
		ID: KindSample, Category: CategoryTransform, MinInputs: 1, MaxInputs: 1,
		newSettings: func() Settings { return &SampleSettings{} },
		validate:    validateSample,
		predict:     predictPassThrough,
		build:       buildSample,
	})
	c.register(&Kind{
		ID: KindJoin, Category: CategoryCombine, MinInputs: 2, MaxInputs: 2,
		newSettings: func() Settings { return &JoinSettings{} },
		validate:    validateJoin,
		predict:     predictJoin,
		build:       buildJoin,
	})
	c.register(&Kind{
		ID: KindCrossJoin, Category: CategoryCombine, MinInputs: 2, MaxInputs: 2,
		newSettings: func() Settings { return &CrossJoinSettings{} },
		validate:    validateNone,
		predict:     predictCrossJoin,
		build:       buildCrossJoin,
	})
	c.register(&Kind{
		ID: KindUnion, Category: CategoryCombine, MinInputs: 2, MaxInputs: Unbounded,
		newSettings: func() Settings { return &UnionSettings{} },
		validate:    validateNone,
		predict:     predictUnion,
		build:       buildUnion,
	})
	c.register(&Kind{
		ID: KindGroupBy, Category: CategoryAggregate, MinInputs: 1, MaxInputs: 1,
		newSettings: func() Settings { return &GroupBySettings{} },
		validate:    validateGroupBy,
		predict:     predictGroupBy,
		build:       buildGroupBy,
	})
	c.register(&Kind{
		ID: KindPivot, Category: CategoryAggregate, MinInputs: 1, MaxInputs: 1,
		newSettings: func() Settings { return &PivotSettings{} },
		validate:    validatePivot,
		predict:     predictPivot,
		build:       buildPivot,
	})
	c.register(&Kind{
		ID: KindUnpivot, Category: CategoryAggregate, MinInputs: 1, MaxInputs: 1,
		newSettings: func() Settings { return &UnpivotSettings{} },
		validate:    validateUnpivot,
		predict:     predictUnpivot,
		build:       buildUnpivot,
	})
	c.register(&Kind{
		ID: KindFormula, Category: CategoryTransform, MinInputs: 1, MaxInputs: 1,
		newSettings: func() Settings { return &FormulaSettings{} },
		validate:    validateFormula,
		predict:     predictFormula,
		build:       buildFormula,
	})
	c.register(&Kind{
		ID: KindRecordID, Category: CategoryTransform, MinInputs: 1, MaxInputs: 1,
		newSettings: func() Settings { return &RecordIDSettings{} },
		validate:    validateRecordID,
		predict:     predictRecordID,
		build:       buildRecordID,
	})
	c.register(&Kind{
		ID: KindTextToRows, Category: CategoryTransform, MinInputs: 1, MaxInputs: 1,
		newSettings: func() Settings { return &TextToRowsSettings{} },
		validate:    validateTextToRows,
		predict:     predictTextToRows,
		build:       buildTextToRows,
	})
	c.register(&Kind{
		ID: KindCustomCode, Category: CategoryTransform, MinInputs: 1, MaxInputs: 1,
		newSettings: func() Settings { return &CustomCodeSettings{} },
		validate:    validateCustomCode,
		predict:     predictCustomCode,
		build:       buildCustomCode,
	})
	c.register(&Kind{
		ID: KindGraphSolver, Category: CategoryTransform, MinInputs: 1, MaxInputs: 1,
		newSettings: func() Settings { return &GraphSolverSettings{} },
		validate:    validateGraphSolver,
		predict:     predictGraphSolver,
		build:       buildGraphSolver,
	})
	c.register(&Kind{
		ID: KindFuzzyMatch, Category: CategoryCombine, MinInputs: 2, MaxInputs: 2,
		newSettings: func() Settings { return &FuzzyMatchSettings{} },
		validate:    validateFuzzyMatch,
		predict:     predictFuzzyMatch,
		build:       buildFuzzyMatch,
	})
	c.register(&Kind{
		ID: KindWrite, Category: CategoryOutput, MinInputs: 1, MaxInputs: 1,
		newSettings: func() Settings { return &WriteSettings{} },
		validate:    validateWrite,
		predict:     predictPassThrough,
		build:       buildWrite,
	})
	c.register(&Kind{
		ID: KindExplore, Category: CategoryOutput, MinInputs: 1, MaxInputs: 1,
		newSettings: func() Settings { return &ExploreSettings{} },
		validate:    validateNone,
		predict:     predictPassThrough,
		build:       buildExplore,
	})

	return c
}
