package model

// DependencyEdge states that DependsOn must be applied before Dependent
type DependencyEdge struct {
	DependsOn string `json:"depends_on" yaml:"depends_on"`
	Dependent string `json:"dependent" yaml:"dependent"`
}

// DependencyInfo is the per-migration view of the graph
type DependencyInfo struct {
	MigrationID string   `json:"migration_id"`
	DependsOn   []string `json:"depends_on"`
	Blocks      []string `json:"blocks"`
}

// ExecutionOrder is a topological order of a requested subset, or the partial
// order plus the detected cycles when the subset is not acyclic
type ExecutionOrder struct {
	Order  []string   `json:"order"`
	Valid  bool       `json:"valid"`
	Cycles [][]string `json:"cycles,omitempty"`
	Error  string     `json:"error,omitempty"`
}
