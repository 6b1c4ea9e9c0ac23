package pagination

import (
	"strings"
	"testing"

	"github.com/BTreeMap/CarePipe/internal/models"
)

func TestResolveTarget(t *testing.T) {
	cases := []struct {
		command       string
		current, total int
		want          int
		ok            bool
	}{
		{"next", 2, 5, 3, true},
		{"NEXT", 2, 5, 3, true},
		{" Previous ", 2, 5, 1, true},
		{"3", 1, 5, 3, true},
		{"next", 5, 5, 0, false},
		{"previous", 1, 5, 0, false},
		{"9", 1, 5, 0, false},
		{"0", 1, 5, 0, false},
		{"hello", 1, 5, 0, false},
		{"-1", 1, 5, 0, false},
	}
	for _, tc := range cases {
		got, ok := ResolveTarget(tc.command, tc.current, tc.total)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ResolveTarget(%q, %d, %d) = (%d, %v), want (%d, %v)",
				tc.command, tc.current, tc.total, got, ok, tc.want, tc.ok)
		}
	}
}

func items(labels ...string) []models.PageItem {
	out := make([]models.PageItem, len(labels))
	for i, l := range labels {
		out[i] = models.PageItem{ID: l, Label: l}
	}
	return out
}

func TestRender(t *testing.T) {
	out := Render(items("Item A", "Item B"), 2, 3, "Products", nil)
	if !strings.Contains(out, "Products (page 2 of 3)") {
		t.Errorf("missing header: %q", out)
	}
	if !strings.Contains(out, "1. Item A") || !strings.Contains(out, "2. Item B") {
		t.Errorf("missing numbered items: %q", out)
	}
	if !strings.Contains(out, "'next'") || !strings.Contains(out, "'previous'") {
		t.Errorf("middle page should offer both directions: %q", out)
	}

	out = Render(items("Item A"), 1, 3, "Products", nil)
	if strings.Contains(out, "'previous'") {
		t.Errorf("first page should not offer previous: %q", out)
	}

	out = Render(items("Item A"), 3, 3, "Products", nil)
	if strings.Contains(out, "'next'") {
		t.Errorf("last page should not offer next: %q", out)
	}
}

func TestRenderHintsMatchNavigation(t *testing.T) {
	// A bare number within range jumps pages, so the hint must present
	// numbers as page jumps, never as item selection.
	out := Render(items("Item A"), 1, 3, "Products", nil)
	if strings.Contains(out, "select") {
		t.Errorf("hint suggests bare-number selection: %q", out)
	}
	if !strings.Contains(out, "a page number") {
		t.Errorf("multi-page render should mention page-number jumps: %q", out)
	}

	out = Render(items("Item A"), 1, 1, "Products", nil)
	if strings.Contains(out, "change page") {
		t.Errorf("single page should carry no navigation hint: %q", out)
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	in := items("A", "B", "C")
	first := Render(in, 1, 1, "List", nil)
	second := Render(in, 1, 1, "List", nil)
	if first != second {
		t.Error("render output differs across calls")
	}
}

func TestRenderCustomFormatter(t *testing.T) {
	in := []models.PageItem{{ID: "p1", Label: "Ibuprofen", Extra: "200mg"}}
	out := Render(in, 1, 1, "Products", func(it models.PageItem) string {
		return it.Label + " / " + it.Extra
	})
	if !strings.Contains(out, "1. Ibuprofen / 200mg") {
		t.Errorf("formatter not applied: %q", out)
	}
}

func TestSelectItem(t *testing.T) {
	c := &models.PageCursor{Page: 1, TotalPages: 2, Items: items("Ibuprofen 200mg", "Paracetamol 500mg")}

	item, err := SelectItem(c, 2)
	if err != nil {
		t.Fatalf("SelectItem: %v", err)
	}
	if item.Label != "Paracetamol 500mg" {
		t.Errorf("selected %q", item.Label)
	}

	if _, err := SelectItem(c, 0); !models.IsRejected(err) {
		t.Errorf("position 0 should reject, got %v", err)
	}
	if _, err := SelectItem(c, 3); !models.IsRejected(err) {
		t.Errorf("position past end should reject, got %v", err)
	}
	if _, err := SelectItem(nil, 1); !models.IsRejected(err) {
		t.Errorf("nil cursor should reject, got %v", err)
	}
}
