// SPDX-License-Identifier: MIT

package compiler

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseIDList expands an id selection: plain ids, inclusive ranges ("5-9")
// and exclusions ("^7", "^5-9") applied in order. Order of first mention is
// preserved; duplicates collapse.
func ParseIDList(tokens []string) ([]int64, error) {
	var order []int64
	seen := map[int64]bool{}
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	remove := func(id int64) {
		if seen[id] {
			delete(seen, id)
			for i, v := range order {
				if v == id {
					order = append(order[:i], order[i+1:]...)
					break
				}
			}
		}
	}
	for _, tok := range splitTokens(tokens) {
		exclude := strings.HasPrefix(tok, "^")
		tok = strings.TrimPrefix(tok, "^")
		lo, hi, err := parseRange(tok)
		if err != nil {
			return nil, err
		}
		for id := lo; id <= hi; id++ {
			if exclude {
				remove(id)
			} else {
				add(id)
			}
		}
	}
	return order, nil
}

func splitTokens(tokens []string) []string {
	var out []string
	for _, t := range tokens {
		for _, part := range strings.Split(t, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseRange(tok string) (int64, int64, error) {
	lo, hi, found := strings.Cut(tok, "-")
	a, err := strconv.ParseInt(lo, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("compiler: bad id %q", tok)
	}
	if !found {
		return a, a, nil
	}
	b, err := strconv.ParseInt(hi, 10, 64)
	if err != nil || b < a {
		return 0, 0, fmt.Errorf("compiler: bad range %q", tok)
	}
	return a, b, nil
}
