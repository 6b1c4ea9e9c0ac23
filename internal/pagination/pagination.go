// Package pagination resolves page navigation commands against a session's
// list cursor and renders list pages for a text channel.
package pagination

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// ResolveTarget maps a navigation command onto a target page. It recognizes
// exactly three shapes: case-insensitive "next" (only when currentPage <
// totalPages), case-insensitive "previous" (only when currentPage > 1), and a
// bare integer in [1, totalPages]. Anything else, including out-of-bounds
// moves, returns ok=false so the caller falls through to intent handling.
func ResolveTarget(command string, currentPage, totalPages int) (int, bool) {
	switch cmd := strings.ToLower(strings.TrimSpace(command)); cmd {
	case "next":
		if currentPage >= totalPages {
			return 0, false
		}
		return currentPage + 1, true
	case "previous":
		if currentPage <= 1 {
			return 0, false
		}
		return currentPage - 1, true
	default:
		n, err := strconv.Atoi(cmd)
		if err != nil || n < 1 || n > totalPages {
			return 0, false
		}
		return n, true
	}
}

// Formatter renders one item as a single listing line.
type Formatter func(models.PageItem) string

// DefaultFormatter shows the label with any extra detail in parentheses.
func DefaultFormatter(item models.PageItem) string {
	if item.Extra != "" {
		return fmt.Sprintf("%s (%s)", item.Label, item.Extra)
	}
	return item.Label
}

// Render lays out one page as a deterministic numbered list. Navigation hints
// mention "previous"/"next" only when they are valid moves from this page,
// and a page number when there is more than one page. A bare number within
// range is a page jump, so the hint never presents numbers as item selection;
// selection syntax is the caller's to teach.
func Render(items []models.PageItem, page, totalPages int, title string, formatter Formatter) string {
	if formatter == nil {
		formatter = DefaultFormatter
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (page %d of %d)\n", title, page, totalPages)
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, formatter(item))
	}
	if totalPages > 1 {
		var hints []string
		if page > 1 {
			hints = append(hints, "'previous'")
		}
		if page < totalPages {
			hints = append(hints, "'next'")
		}
		hints = append(hints, "a page number")
		fmt.Fprintf(&b, "\nSend %s to change page.", strings.Join(hints, " or "))
	}
	return b.String()
}

// SelectItem returns the cached item at the 1-based position on the current
// page, so users pick from exactly what they were shown.
func SelectItem(c *models.PageCursor, position int) (*models.PageItem, error) {
	if c == nil || len(c.Items) == 0 {
		return nil, models.Rejected("pagination.SelectItem", "there is no active list to select from")
	}
	if position < 1 || position > len(c.Items) {
		return nil, models.Rejected("pagination.SelectItem",
			fmt.Sprintf("pick a number between 1 and %d", len(c.Items)))
	}
	return &c.Items[position-1], nil
}
