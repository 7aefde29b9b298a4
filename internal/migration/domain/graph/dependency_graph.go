// Package graph holds the must-run-before relation between migrations
package graph

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
)

// DependencyGraph owns the dependency edges between migration ids.
// All operations take the same exclusive lock, so the cycle check and the
// insertion of an edge observe one consistent snapshot.
type DependencyGraph struct {
	mu        sync.Mutex
	dependsOn map[string]map[string]struct{}
	orderKeys map[string]int64
}

// New creates an empty graph
func New() *DependencyGraph {
	return &DependencyGraph{
		dependsOn: make(map[string]map[string]struct{}),
		orderKeys: make(map[string]int64),
	}
}

// RegisterNode records the creation-order key of a migration. Keys are only
// used to break ties in GetStableExecutionOrder.
func (g *DependencyGraph) RegisterNode(id string, orderKey int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orderKeys[id] = orderKey
}

// ErrNewerDependency rejects a declared dependency on a migration created after
// the dependent. Declared edges must agree with creation order so that
// newest-first rollback never meets a dependent it has not reached yet.
var ErrNewerDependency = errors.New("declared dependency on a newer migration")

// LoadDeclared registers the order keys and declared dependencies of descriptors.
// It stops at the first rejected edge. Edges added later through AddDependency
// are not bound by creation order.
func (g *DependencyGraph) LoadDeclared(descriptors []model.Descriptor) error {
	for _, d := range descriptors {
		g.RegisterNode(d.ID, d.OrderKey)
	}
	for _, d := range descriptors {
		for _, dep := range d.DependsOn {
			if key, ok := g.registeredKey(dep); ok && key > d.OrderKey {
				return fmt.Errorf("%w: %s depends on %s", ErrNewerDependency, d.ID, dep)
			}
			if err := g.AddDependency(d.ID, dep); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddDependency records that id must run after dependsOnID
func (g *DependencyGraph) AddDependency(id, dependsOnID string) error {
	if id == dependsOnID {
		return model.NewSelfDependencyError(id)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reachableLocked(dependsOnID, id) {
		return model.NewCircularDependencyError(id, dependsOnID)
	}

	deps, ok := g.dependsOn[id]
	if !ok {
		deps = make(map[string]struct{})
		g.dependsOn[id] = deps
	}
	deps[dependsOnID] = struct{}{}
	return nil
}

// reachableLocked runs a breadth-first search from start over the dependsOn
// relation and reports whether target is reached
func (g *DependencyGraph) reachableLocked(start, target string) bool {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == target {
			return true
		}
		for next := range g.dependsOn[current] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// RemoveDependency deletes the edge if present
func (g *DependencyGraph) RemoveDependency(id, dependsOnID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	deps, ok := g.dependsOn[id]
	if !ok {
		return
	}
	delete(deps, dependsOnID)
	if len(deps) == 0 {
		delete(g.dependsOn, id)
	}
}

// GetDependencyInfo returns the direct dependencies of id and the ids it blocks
func (g *DependencyGraph) GetDependencyInfo(id string) model.DependencyInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	info := model.DependencyInfo{
		MigrationID: id,
		DependsOn:   sortedKeys(g.dependsOn[id]),
		Blocks:      []string{},
	}
	for other, deps := range g.dependsOn {
		if _, ok := deps[id]; ok {
			info.Blocks = append(info.Blocks, other)
		}
	}
	sort.Strings(info.Blocks)
	return info
}

// ValidateDependencies reports whether every direct dependency of id is applied
func (g *DependencyGraph) ValidateDependencies(id string, applied []string) bool {
	return len(g.MissingDependencies(id, applied)) == 0
}

// MissingDependencies lists the direct dependencies of id that are not applied
func (g *DependencyGraph) MissingDependencies(id string, applied []string) []string {
	set := make(map[string]struct{}, len(applied))
	for _, a := range applied {
		set[a] = struct{}{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var missing []string
	for dep := range g.dependsOn[id] {
		if _, ok := set[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	sort.Strings(missing)
	return missing
}

// Edges returns a snapshot of every edge, sorted
func (g *DependencyGraph) Edges() []model.DependencyEdge {
	g.mu.Lock()
	defer g.mu.Unlock()

	var edges []model.DependencyEdge
	for id, deps := range g.dependsOn {
		for dep := range deps {
			edges = append(edges, model.DependencyEdge{DependsOn: dep, Dependent: id})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Dependent != edges[j].Dependent {
			return edges[i].Dependent < edges[j].Dependent
		}
		return edges[i].DependsOn < edges[j].DependsOn
	})
	return edges
}

// GetExecutionOrder returns a topological order of ids using only the edges
// whose endpoints are both in ids. Ties between ready migrations follow the
// order in which ids were given.
func (g *DependencyGraph) GetExecutionOrder(ids []string) model.ExecutionOrder {
	return g.executionOrder(ids, false)
}

// GetStableExecutionOrder is GetExecutionOrder with ties broken by creation-order
// key, then id
func (g *DependencyGraph) GetStableExecutionOrder(ids []string) model.ExecutionOrder {
	return g.executionOrder(ids, true)
}

func (g *DependencyGraph) executionOrder(ids []string, stable bool) model.ExecutionOrder {
	g.mu.Lock()
	defer g.mu.Unlock()

	nodes := dedupe(ids)
	inSet := make(map[string]bool, len(nodes))
	position := make(map[string]int, len(nodes))
	for i, id := range nodes {
		inSet[id] = true
		position[id] = i
	}

	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, id := range nodes {
		inDegree[id] = 0
	}
	for _, id := range nodes {
		for dep := range g.dependsOn[id] {
			if !inSet[dep] {
				continue
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}
	for dep := range dependents {
		list := dependents[dep]
		sort.Slice(list, func(i, j int) bool { return position[list[i]] < position[list[j]] })
	}

	var less func(a, b string) bool
	if stable {
		less = func(a, b string) bool {
			ka, kb := g.orderKeyLocked(a), g.orderKeyLocked(b)
			if ka != kb {
				return ka < kb
			}
			return a < b
		}
	} else {
		less = func(a, b string) bool { return position[a] < position[b] }
	}

	ready := &readyQueue{less: less}
	for _, id := range nodes {
		if inDegree[id] == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]string, 0, len(nodes))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		order = append(order, id)
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	if len(order) == len(nodes) {
		return model.ExecutionOrder{Order: order, Valid: true}
	}

	remaining := make([]string, 0, len(nodes)-len(order))
	for _, id := range nodes {
		if inDegree[id] > 0 {
			remaining = append(remaining, id)
		}
	}
	cycles := g.findCyclesLocked(remaining)

	chains := make([]string, 0, len(cycles))
	for _, c := range cycles {
		chains = append(chains, strings.Join(c, " -> "))
	}
	return model.ExecutionOrder{
		Order:  order,
		Valid:  false,
		Cycles: cycles,
		Error: fmt.Sprintf("circular dependency detected among %d migrations: %s",
			len(remaining), strings.Join(chains, "; ")),
	}
}

// findCyclesLocked runs a depth-first search with a recursion stack over the
// given nodes and returns one chain per back edge found. Each chain starts and
// ends with the same id, in must-run-before direction.
func (g *DependencyGraph) findCyclesLocked(nodes []string) [][]string {
	inSet := make(map[string]bool, len(nodes))
	for _, id := range nodes {
		inSet[id] = true
	}

	dependents := make(map[string][]string, len(nodes))
	for _, id := range nodes {
		for dep := range g.dependsOn[id] {
			if inSet[dep] {
				dependents[dep] = append(dependents[dep], id)
			}
		}
	}
	for k := range dependents {
		sort.Strings(dependents[k])
	}

	visited := make(map[string]bool, len(nodes))
	onStack := make(map[string]bool, len(nodes))
	var path []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, next := range dependents[id] {
			if !visited[next] {
				visit(next)
				continue
			}
			if onStack[next] {
				start := indexOf(path, next)
				chain := append([]string{}, path[start:]...)
				chain = append(chain, next)
				cycles = append(cycles, chain)
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
	}

	for _, id := range nodes {
		if !visited[id] {
			visit(id)
		}
	}
	return cycles
}

func (g *DependencyGraph) registeredKey(id string) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key, ok := g.orderKeys[id]
	return key, ok
}

func (g *DependencyGraph) orderKeyLocked(id string) int64 {
	if key, ok := g.orderKeys[id]; ok {
		return key
	}
	return model.OrderKeyFromID(id)
}

type readyQueue struct {
	items []string
	less  func(a, b string) bool
}

func (q *readyQueue) Len() int           { return len(q.items) }
func (q *readyQueue) Less(i, j int) bool { return q.less(q.items[i], q.items[j]) }
func (q *readyQueue) Swap(i, j int)      { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *readyQueue) Push(x any)         { q.items = append(q.items, x.(string)) }
func (q *readyQueue) Pop() any {
	n := len(q.items)
	item := q.items[n-1]
	q.items = q.items[:n-1]
	return item
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func indexOf(list []string, id string) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return 0
}
