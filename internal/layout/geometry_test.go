package layout

import (
	"reflect"
	"testing"

	"github.com/wkaandemir/branch-nexus/internal/errors"
)

func bindings(names ...string) []Binding {
	out := make([]Binding, len(names))
	for i, n := range names {
		out[i] = Binding{Repository: "/src/app", Branch: n, Path: "/w/app/" + n}
	}
	return out
}

func TestComputeGrid(t *testing.T) {
	tests := []struct {
		n        int
		rows     int
		cols     int
		rowSizes []int
	}{
		{1, 1, 1, []int{1}},
		{2, 2, 1, []int{1, 1}},
		{3, 2, 2, []int{2, 1}},
		{4, 2, 2, []int{2, 2}},
		{5, 3, 2, []int{2, 2, 1}},
		{6, 3, 2, []int{2, 2, 2}},
	}

	for _, tt := range tests {
		t.Run(string(rune('0'+tt.n)), func(t *testing.T) {
			g := ComputeGrid(tt.n)
			if g.Rows != tt.rows || g.Cols != tt.cols {
				t.Errorf("ComputeGrid(%d) = %dx%d, want %dx%d", tt.n, g.Rows, g.Cols, tt.rows, tt.cols)
			}
			if !reflect.DeepEqual(g.RowSizes, tt.rowSizes) {
				t.Errorf("RowSizes = %v, want %v", g.RowSizes, tt.rowSizes)
			}
			total := 0
			for _, s := range g.RowSizes {
				total += s
			}
			if total != tt.n {
				t.Errorf("panes = %d, want %d", total, tt.n)
			}
		})
	}
}

func TestParseKindAndValidatePanes(t *testing.T) {
	for _, s := range []string{"grid", "Horizontal", " vertical "} {
		if _, err := ParseKind(s); err != nil {
			t.Errorf("ParseKind(%q) error = %v", s, err)
		}
	}
	if _, err := ParseKind("spiral"); !errors.Is(err, errors.ErrUnsupportedLayout) || !errors.IsConfiguration(err) {
		t.Errorf("ParseKind(spiral) error = %v, want unsupported layout configuration error", err)
	}

	tests := []struct {
		n    int
		want bool
	}{
		{1, false}, {2, true}, {4, true}, {6, true}, {7, false},
	}
	for _, tt := range tests {
		err := ValidatePanes(tt.n)
		if (err == nil) != tt.want {
			t.Errorf("ValidatePanes(%d) error = %v", tt.n, err)
		}
		if err != nil && !errors.Is(err, errors.ErrInvalidPaneCount) {
			t.Errorf("ValidatePanes(%d) error does not wrap ErrInvalidPaneCount", tt.n)
		}
	}
}

func TestNewPlan_Grid5(t *testing.T) {
	p, err := NewPlan(Grid, 5, bindings("a", "b", "c", "d", "e"), nil)
	if err != nil {
		t.Fatalf("NewPlan() error = %v", err)
	}

	wantCells := []Cell{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}}
	for i, pane := range p.Panes {
		if pane.Index != i || pane.Cell != wantCells[i] {
			t.Errorf("pane %d = %+v, want cell %+v", i, pane, wantCells[i])
		}
	}

	wantSplits := []Split{
		{Target: 0, Pane: 1, SideBySide: true},
		{Target: 1, Pane: 2, Full: true},
		{Target: 2, Pane: 3, SideBySide: true},
		{Target: 3, Pane: 4, Full: true},
	}
	if !reflect.DeepEqual(p.Splits, wantSplits) {
		t.Errorf("Splits = %+v, want %+v", p.Splits, wantSplits)
	}
	if p.Arrange != "tiled" {
		t.Errorf("Arrange = %q, want tiled", p.Arrange)
	}
	if got := p.Splits[1].Flags(); !reflect.DeepEqual(got, []string{"-v", "-f"}) {
		t.Errorf("Flags() = %v", got)
	}
}

func TestNewPlan_LinearLayouts(t *testing.T) {
	tests := []struct {
		kind    Kind
		flag    string
		arrange string
		cell    func(i int) Cell
	}{
		{Horizontal, "-h", "even-horizontal", func(i int) Cell { return Cell{0, i} }},
		{Vertical, "-v", "even-vertical", func(i int) Cell { return Cell{i, 0} }},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			p, err := NewPlan(tt.kind, 4, bindings("a", "b", "c", "d"), nil)
			if err != nil {
				t.Fatalf("NewPlan() error = %v", err)
			}
			if len(p.Splits) != 3 {
				t.Fatalf("len(Splits) = %d, want 3", len(p.Splits))
			}
			for i, s := range p.Splits {
				if s.Target != i || s.Pane != i+1 || s.Full {
					t.Errorf("split %d = %+v", i, s)
				}
				if f := s.Flags(); len(f) != 1 || f[0] != tt.flag {
					t.Errorf("split %d flags = %v, want [%s]", i, f, tt.flag)
				}
			}
			for i, pane := range p.Panes {
				if pane.Cell != tt.cell(i) {
					t.Errorf("pane %d cell = %+v, want %+v", i, pane.Cell, tt.cell(i))
				}
			}
			if p.Arrange != tt.arrange {
				t.Errorf("Arrange = %q, want %q", p.Arrange, tt.arrange)
			}
		})
	}
}

func TestNewPlan_ExcessAndShortfall(t *testing.T) {
	p, err := NewPlan(Grid, 2, bindings("main", "dev", "feature-x"), nil)
	if err != nil {
		t.Fatalf("NewPlan() error = %v", err)
	}
	if len(p.Panes) != 2 {
		t.Fatalf("len(Panes) = %d, want 2", len(p.Panes))
	}
	if p.Panes[0].Bound.Branch != "main" || p.Panes[1].Bound.Branch != "dev" {
		t.Errorf("bindings = %+v, want main, dev", p.Bindings())
	}
	if len(p.Excess) != 1 || p.Excess[0].Branch != "feature-x" {
		t.Errorf("Excess = %+v, want [feature-x]", p.Excess)
	}

	short, err := NewPlan(Grid, 6, bindings("only"), nil)
	if err != nil {
		t.Fatalf("NewPlan() error = %v", err)
	}
	if len(short.Panes) != 1 || len(short.Splits) != 0 {
		t.Errorf("plan for one worktree = %d panes, %d splits", len(short.Panes), len(short.Splits))
	}

	if _, err := NewPlan(Grid, 2, nil, nil); !errors.IsConfiguration(err) {
		t.Errorf("NewPlan(no bindings) error = %v, want configuration error", err)
	}
	if _, err := NewPlan(Grid, 9, bindings("a"), nil); !errors.Is(err, errors.ErrInvalidPaneCount) {
		t.Errorf("NewPlan(9 panes) error = %v", err)
	}
}

func TestNewPlan_Deterministic(t *testing.T) {
	in := bindings("main", "dev", "feature-x", "release", "hotfix")
	entry := func(path string) string { return "cd " + path }

	first, err := NewPlan(Grid, 5, in, entry)
	if err != nil {
		t.Fatalf("NewPlan() error = %v", err)
	}
	for range 10 {
		again, _ := NewPlan(Grid, 5, in, entry)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("plans differ:\n%+v\n%+v", first, again)
		}
	}
	if first.Panes[2].Entry != "cd /w/app/feature-x" {
		t.Errorf("Entry = %q", first.Panes[2].Entry)
	}
}
