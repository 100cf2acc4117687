package batch

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseIDs reads one bug ID per line. Blank lines and lines starting with
// '#' are ignored; anything else that is not a positive integer is skipped
// and reported in warnings.
func ParseIDs(r io.Reader) (ids []int, warnings []string, err error) {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		id, perr := strconv.Atoi(text)
		if perr != nil || id <= 0 {
			warnings = append(warnings, fmt.Sprintf("line %d: skipping invalid bug id %q", line, text))
			continue
		}
		ids = append(ids, id)
	}
	if err := sc.Err(); err != nil {
		return nil, warnings, fmt.Errorf("read bug ids: %w", err)
	}
	return ids, warnings, nil
}

// Dedupe drops repeated IDs, keeping first-seen order.
func Dedupe(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
