// Package layout turns a list of worktrees into a tmux session whose panes
// are arranged as a grid, side-by-side columns or stacked rows.
//
// Planning is pure: NewPlan computes the geometry, the pane bindings and
// the ordered split sequence from its inputs alone, so identical inputs
// always produce an identical Plan. The Engine executes a Plan through a
// tmux client and enforces the session state machine.
package layout

import (
	"fmt"
	"math"
	"strings"

	"github.com/wkaandemir/branch-nexus/internal/errors"
)

// Kind is a geometric arrangement.
type Kind string

const (
	Grid       Kind = "grid"
	Horizontal Kind = "horizontal"
	Vertical   Kind = "vertical"
)

// Kinds lists the supported layouts.
var Kinds = []Kind{Grid, Horizontal, Vertical}

// Pane count bounds.
const (
	MinPanes = 2
	MaxPanes = 6
)

// ParseKind validates a layout name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range Kinds {
		if k == v {
			return k, nil
		}
	}
	return "", errors.NewConfigurationError(fmt.Sprintf("unsupported layout %q", s)).
		WithField("layout.default").
		WithCause(errors.ErrUnsupportedLayout).
		WithHint("use one of grid, horizontal, vertical")
}

// ValidatePanes checks that n is within [MinPanes, MaxPanes].
func ValidatePanes(n int) error {
	if n >= MinPanes && n <= MaxPanes {
		return nil
	}
	return errors.NewConfigurationError(fmt.Sprintf("panes must be between %d and %d, got %d", MinPanes, MaxPanes, n)).
		WithField("layout.panes").
		WithCause(errors.ErrInvalidPaneCount).
		WithHint(fmt.Sprintf("pass --panes %d..%d", MinPanes, MaxPanes))
}

// Geometry is the row structure of a layout. RowSizes[i] is the number of
// panes in row i; only the last row may hold fewer than Cols.
type Geometry struct {
	Rows     int
	Cols     int
	RowSizes []int
}

// ComputeGrid returns the grid for n panes: rows = ceil(sqrt(n)),
// cols = ceil(n/rows), with the shortfall taken from the last row.
func ComputeGrid(n int) Geometry {
	if n <= 0 {
		return Geometry{}
	}
	rows := int(math.Ceil(math.Sqrt(float64(n))))
	cols := (n + rows - 1) / rows
	sizes := make([]int, rows)
	left := n
	for i := range sizes {
		sizes[i] = min(cols, left)
		left -= sizes[i]
	}
	return Geometry{Rows: rows, Cols: cols, RowSizes: sizes}
}

func computeGeometry(kind Kind, n int) Geometry {
	switch kind {
	case Horizontal:
		return Geometry{Rows: 1, Cols: n, RowSizes: []int{n}}
	case Vertical:
		sizes := make([]int, n)
		for i := range sizes {
			sizes[i] = 1
		}
		return Geometry{Rows: n, Cols: 1, RowSizes: sizes}
	default:
		return ComputeGrid(n)
	}
}

// Cell is a pane's position in the geometry.
type Cell struct {
	Row int `json:"row" yaml:"row"`
	Col int `json:"col" yaml:"col"`
}

// Binding is a worktree offered to the layout, in resolution order.
type Binding struct {
	Repository string `json:"repository" yaml:"repository"`
	Branch     string `json:"branch" yaml:"branch"`
	Path       string `json:"path" yaml:"path"`
}

// Pane is one planned pane.
type Pane struct {
	Index int     `json:"index" yaml:"index"`
	Cell  Cell    `json:"cell" yaml:"cell"`
	Bound Binding `json:"bound" yaml:"bound"`
	// Entry is the one-time context entry command, "" on the local runtime.
	Entry string `json:"entry,omitempty" yaml:"entry,omitempty"`
}

// Split creates pane Pane by splitting pane Target.
type Split struct {
	Target int
	Pane   int
	// SideBySide places the new pane to the right (tmux -h); otherwise below (-v).
	SideBySide bool
	// Full makes the new pane span the whole window, opening a new grid row.
	Full bool
}

// Flags returns the split-window flags for the split.
func (s Split) Flags() []string {
	flag := "-v"
	if s.SideBySide {
		flag = "-h"
	}
	if s.Full {
		return []string{flag, "-f"}
	}
	return []string{flag}
}

// Plan is the complete, deterministic description of a session layout.
type Plan struct {
	Kind     Kind
	Geometry Geometry
	// Panes are in creation order; pane 0 is the session's first pane.
	Panes  []Pane
	Splits []Split
	// Excess lists the bindings that did not get a pane.
	Excess []Binding
	// Arrange is the tmux layout applied after splitting and on resize.
	Arrange string
}

// NewPlan binds the first wanted bindings to panes in order. entry, when
// non-nil, supplies the context entry command for a pane's path.
func NewPlan(kind Kind, wanted int, bindings []Binding, entry func(path string) string) (Plan, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return Plan{}, err
	}
	if err := ValidatePanes(wanted); err != nil {
		return Plan{}, err
	}
	if len(bindings) == 0 {
		return Plan{}, errors.NewConfigurationError("no worktrees to lay out").
			WithStage(errors.StageLayout).
			WithHint("select at least one branch that provisions successfully")
	}

	n := min(wanted, len(bindings))
	p := Plan{
		Kind:     kind,
		Geometry: computeGeometry(kind, n),
		Excess:   append([]Binding(nil), bindings[n:]...),
	}

	idx := 0
	for r, size := range p.Geometry.RowSizes {
		for c := range size {
			pane := Pane{Index: idx, Cell: Cell{Row: r, Col: c}, Bound: bindings[idx]}
			if entry != nil {
				pane.Entry = entry(bindings[idx].Path)
			}
			p.Panes = append(p.Panes, pane)
			if idx > 0 {
				p.Splits = append(p.Splits, splitFor(kind, idx, c))
			}
			idx++
		}
	}

	switch kind {
	case Horizontal:
		p.Arrange = "even-horizontal"
	case Vertical:
		p.Arrange = "even-vertical"
	default:
		p.Arrange = "tiled"
	}
	return p, nil
}

// splitFor returns the split creating pane idx at column col. Panes are
// created in reading order by always splitting the previous pane.
func splitFor(kind Kind, idx, col int) Split {
	s := Split{Target: idx - 1, Pane: idx}
	switch {
	case kind == Horizontal:
		s.SideBySide = true
	case kind == Vertical:
	case col == 0:
		s.Full = true
	default:
		s.SideBySide = true
	}
	return s
}

// Bindings returns the bindings that got a pane, in pane order.
func (p Plan) Bindings() []Binding {
	out := make([]Binding, len(p.Panes))
	for i, pane := range p.Panes {
		out[i] = pane.Bound
	}
	return out
}
