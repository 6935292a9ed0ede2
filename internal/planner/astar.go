package planner

import (
	"container/heap"
	"errors"
	"fmt"
)

// ErrInvalidNode is the base error for a start or goal node that cannot be
// planned from. The two concrete causes wrap it so callers can distinguish
// them with errors.Is while still catching both generically.
var (
	ErrInvalidNode = errors.New("invalid node")
	ErrOutOfBounds = fmt.Errorf("%w: out of grid bounds", ErrInvalidNode)
	ErrNotWalkable = fmt.Errorf("%w: not walkable", ErrInvalidNode)
)

// Path is an ordered sequence of cells from start to goal inclusive. Each
// consecutive pair differs by exactly one 4-connected step. An empty path
// means no route exists; it is a normal result, not an error.
type Path []Node

// Manhattan returns the Manhattan distance between two nodes. It is
// admissible and consistent for 4-connected unit-cost movement, which
// guarantees A* optimality.
func Manhattan(a, b Node) int {
	return abs(a.Row-b.Row) + abs(a.Col-b.Col)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// frontierItem is one entry in the open set. order is a monotonically
// increasing counter assigned at push time; it breaks f-score ties so the
// exploration order, and therefore the returned path among equal-cost
// alternatives, is deterministic for identical inputs.
type frontierItem struct {
	f     int
	order int
	node  Node
}

type frontier []frontierItem

func (fr frontier) Len() int { return len(fr) }

func (fr frontier) Less(i, j int) bool {
	if fr[i].f != fr[j].f {
		return fr[i].f < fr[j].f
	}
	return fr[i].order < fr[j].order
}

func (fr frontier) Swap(i, j int) { fr[i], fr[j] = fr[j], fr[i] }

func (fr *frontier) Push(x any) { *fr = append(*fr, x.(frontierItem)) }

func (fr *frontier) Pop() any {
	old := *fr
	n := len(old)
	item := old[n-1]
	*fr = old[:n-1]
	return item
}

func checkNode(g Grid, n Node, name string) error {
	if !g.InBounds(n) {
		return fmt.Errorf("%s (%d,%d): %w", name, n.Row, n.Col, ErrOutOfBounds)
	}
	if !g.Walkable(n) {
		return fmt.Errorf("%s (%d,%d): %w", name, n.Row, n.Col, ErrNotWalkable)
	}
	return nil
}

// Plan runs A* over the grid from start to goal and returns the optimal
// path, both endpoints included. start == goal yields a single-cell path.
// If no route exists it returns an empty path and a nil error. An
// out-of-bounds or non-walkable start or goal fails with an error wrapping
// ErrOutOfBounds or ErrNotWalkable respectively.
func Plan(g Grid, start, goal Node) (Path, error) {
	if err := checkNode(g, start, "start"); err != nil {
		return nil, err
	}
	if err := checkNode(g, goal, "goal"); err != nil {
		return nil, err
	}

	gScore := map[Node]int{start: 0}
	cameFrom := make(map[Node]Node)
	closed := make(map[Node]struct{})

	open := &frontier{}
	counter := 0
	heap.Push(open, frontierItem{f: Manhattan(start, goal), order: counter, node: start})

	for open.Len() > 0 {
		current := heap.Pop(open).(frontierItem).node

		if current == goal {
			return reconstruct(cameFrom, current), nil
		}

		// Lazy deletion: a node may sit in the frontier more than once;
		// only the first (cheapest) pop expands it.
		if _, done := closed[current]; done {
			continue
		}
		closed[current] = struct{}{}

		currentG := gScore[current]
		for _, nb := range neighbors(g, current) {
			if _, done := closed[nb]; done {
				continue
			}
			tentative := currentG + 1
			if best, seen := gScore[nb]; seen && tentative >= best {
				continue
			}
			cameFrom[nb] = current
			gScore[nb] = tentative
			counter++
			heap.Push(open, frontierItem{f: tentative + Manhattan(nb, goal), order: counter, node: nb})
		}
	}

	return Path{}, nil
}

// neighbors returns the walkable 4-connected neighbors of n, in a fixed
// order (up, down, left, right) for reproducibility.
func neighbors(g Grid, n Node) []Node {
	candidates := [4]Node{
		{Row: n.Row - 1, Col: n.Col},
		{Row: n.Row + 1, Col: n.Col},
		{Row: n.Row, Col: n.Col - 1},
		{Row: n.Row, Col: n.Col + 1},
	}
	out := make([]Node, 0, 4)
	for _, c := range candidates {
		if g.Walkable(c) {
			out = append(out, c)
		}
	}
	return out
}

// reconstruct walks the predecessor chain from goal back to start and
// reverses it.
func reconstruct(cameFrom map[Node]Node, current Node) Path {
	path := Path{current}
	for {
		prev, ok := cameFrom[current]
		if !ok {
			break
		}
		current = prev
		path = append(path, current)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
