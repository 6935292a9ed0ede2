// Package planner implements grid-based route planning for rover devices.
// It is a pure library: no reference to the hub, the registry, or any
// transport, so it can be tested and reused in isolation.
package planner

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Node is one cell of the occupancy grid, addressed as (row, col) with row 0
// at the top.
type Node struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Grid is a rectangular occupancy grid. A true cell is walkable, a false
// cell is a wall. Grids are loaded once at startup and never mutated, so
// concurrent planning calls need no synchronization.
type Grid [][]bool

// Rows returns the grid height.
func (g Grid) Rows() int { return len(g) }

// Cols returns the grid width, or 0 for an empty grid.
func (g Grid) Cols() int {
	if len(g) == 0 {
		return 0
	}
	return len(g[0])
}

// InBounds reports whether n lies inside the grid.
func (g Grid) InBounds(n Node) bool {
	return n.Row >= 0 && n.Row < g.Rows() && n.Col >= 0 && n.Col < g.Cols()
}

// Walkable reports whether n is an in-bounds, non-wall cell.
func (g Grid) Walkable(n Node) bool {
	return g.InBounds(n) && g[n.Row][n.Col]
}

// ParseGrid reads a grid from text. Each non-blank line is one row; '0' is
// walkable, '1' is a wall. Whitespace inside a line is skipped so space
// separated digits are accepted. All rows must have equal width and any
// other character is an error.
func ParseGrid(data []byte) (Grid, error) {
	var grid Grid
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row []bool
		for _, ch := range line {
			switch {
			case ch == '0':
				row = append(row, true)
			case ch == '1':
				row = append(row, false)
			case unicode.IsSpace(ch):
				// space-separated digits are fine
			default:
				return nil, fmt.Errorf("line %d: invalid character %q in grid", lineNo, ch)
			}
		}
		grid = append(grid, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading grid: %w", err)
	}
	if len(grid) == 0 {
		return nil, fmt.Errorf("grid is empty or contains only blank lines")
	}
	width := len(grid[0])
	for r, row := range grid {
		if len(row) != width {
			return nil, fmt.Errorf("inconsistent row length at row %d: %d vs %d", r, len(row), width)
		}
	}
	return grid, nil
}

// LoadGrid reads and parses a grid file.
func LoadGrid(path string) (Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading grid file: %w", err)
	}
	grid, err := ParseGrid(data)
	if err != nil {
		return nil, fmt.Errorf("parsing grid file %s: %w", path, err)
	}
	return grid, nil
}
