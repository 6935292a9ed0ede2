package planner

// Waypoint is a path cell annotated with the cardinal heading of the step to
// the next cell.
type Waypoint struct {
	Row     int    `json:"row"`
	Col     int    `json:"col"`
	Heading string `json:"heading"`
}

// DefaultHeading is used when a path has no step to derive a heading from
// (a single-cell path). Row numbers grow downward, so east is the direction
// of growing column numbers.
const DefaultHeading = "E"

// headingOf maps a single 4-connected step delta to a cardinal heading.
func headingOf(dr, dc int) string {
	switch {
	case dr == -1 && dc == 0:
		return "N"
	case dr == 1 && dc == 0:
		return "S"
	case dr == 0 && dc == -1:
		return "W"
	case dr == 0 && dc == 1:
		return "E"
	}
	return DefaultHeading
}

// Headings converts a path into waypoints. Waypoint i carries the heading of
// the step from cell i to cell i+1; the final waypoint reuses the previous
// heading, or DefaultHeading for a single-cell path. An empty path yields an
// empty slice.
func Headings(path Path) []Waypoint {
	if len(path) == 0 {
		return []Waypoint{}
	}
	waypoints := make([]Waypoint, 0, len(path))
	last := DefaultHeading
	for i, cell := range path {
		heading := last
		if i < len(path)-1 {
			next := path[i+1]
			heading = headingOf(next.Row-cell.Row, next.Col-cell.Col)
			last = heading
		}
		waypoints = append(waypoints, Waypoint{Row: cell.Row, Col: cell.Col, Heading: heading})
	}
	return waypoints
}

// PlanWithHeadings runs Plan and converts the result to waypoints.
func PlanWithHeadings(g Grid, start, goal Node) ([]Waypoint, error) {
	path, err := Plan(g, start, goal)
	if err != nil {
		return nil, err
	}
	return Headings(path), nil
}
