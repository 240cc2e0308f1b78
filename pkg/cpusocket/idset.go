package cpusocket

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Compact id-set strings name cpu/socket/core ids as a comma list of
// single ids and inclusive ranges, e.g. "0-2,5,8-9". Parsing sorts
// and deduplicates; formatting coalesces runs back into ranges, so
// the two are mutual inverses on canonical sets.

// ParseIDSet parses a compact id-set string into a sorted,
// de-duplicated id slice. The empty string is the empty set, the
// same value FormatIDSet produces for it, so the two stay mutual
// inverses on every set.
func ParseIDSet(def string) ([]int, error) {

	if def == "" {
		return nil, nil
	}

	seen := make(map[int]bool)
	var out []int
	push := func(id int) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	offset := 0
	fail := func(itemLen int) error {
		// Point at the offending item, the way a shell underlines it.
		var sb strings.Builder
		sb.WriteString(def)
		sb.WriteByte('\n')
		sb.WriteString(strings.Repeat(" ", offset))
		sb.WriteString(strings.Repeat("^", itemLen))
		return fmt.Errorf("cpusocket: wrong id-set format:\n%s", sb.String())
	}

	for i, item := range strings.Split(def, ",") {
		if i > 0 {
			offset++ // separator
		}
		if strings.Contains(item, "-") {
			bounds := strings.SplitN(item, "-", 2)
			lo, err := strconv.Atoi(bounds[0])
			if err != nil || lo < 0 {
				return nil, fail(len(item))
			}
			hi, err := strconv.Atoi(bounds[1])
			if err != nil || hi < lo {
				return nil, fail(len(item))
			}
			for id := lo; id <= hi; id++ {
				push(id)
			}
		} else {
			id, err := strconv.Atoi(item)
			if err != nil || id < 0 {
				return nil, fail(len(item))
			}
			push(id)
		}
		offset += len(item)
	}

	sort.Ints(out)
	return out, nil
}

// FormatIDSet is the inverse of ParseIDSet: sorted ids with
// consecutive runs coalesced into ranges.
func FormatIDSet(ids []int) string {

	work := append([]int(nil), ids...)
	sort.Ints(work)

	var sb strings.Builder
	flush := func(start, end int) {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(start))
		if start != end {
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(end))
		}
	}

	start, end := -1, -1
	for _, id := range work {
		switch {
		case start < 0:
			start, end = id, id
		case id == end: // duplicate
		case id == end+1:
			end = id
		default:
			flush(start, end)
			start, end = id, id
		}
	}
	if start >= 0 {
		flush(start, end)
	}
	return sb.String()
}
