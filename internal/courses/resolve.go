// Package courses resolves user-typed course identifiers against a cached
// enrollment list.
package courses

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/helpme-slack/internal/domain"
)

var codePattern = regexp.MustCompile(`(?i)([a-z]+)\s*(\d+)`)

// Resolve finds the course named by identifier. Matching runs in tiers and
// the first tier with exactly one hit wins; a tier with several hits is
// ambiguous and resolution fails. The result never depends on list order.
//
//  1. numeric identifier equal to a course ID
//  2. exact name, ignoring case and whitespace
//  3. department + number code ("cosc304" for "COSC 304 Databases")
//  4. numeric identifier equal to exactly one course number ("304")
//  5. name containment, ignoring case and whitespace
func Resolve(identifier string, list []domain.Course) (domain.Course, bool) {
	ident := strings.TrimSpace(identifier)
	if ident == "" || len(list) == 0 {
		return domain.Course{}, false
	}
	norm := normalize(ident)
	numeric, numErr := strconv.ParseInt(ident, 10, 64)
	isNumeric := numErr == nil

	tiers := []func(domain.Course) bool{
		func(c domain.Course) bool { return isNumeric && c.ID == numeric },
		func(c domain.Course) bool { return normalize(c.Name) == norm },
		func(c domain.Course) bool {
			dept, num, ok := courseCode(ident)
			if !ok {
				return false
			}
			cdept, cnum, ok := courseCode(c.Name)
			return ok && dept == cdept && num == cnum
		},
		func(c domain.Course) bool {
			if !isNumeric {
				return false
			}
			_, cnum, ok := courseCode(c.Name)
			return ok && cnum == ident
		},
		func(c domain.Course) bool {
			return len(norm) >= 2 && strings.Contains(normalize(c.Name), norm)
		},
	}

	for _, match := range tiers {
		var hit domain.Course
		n := 0
		for _, c := range list {
			if match(c) {
				if n == 0 || hit.ID != c.ID {
					n++
				}
				hit = c
			}
		}
		switch {
		case n == 1:
			return hit, true
		case n > 1:
			return domain.Course{}, false
		}
	}
	return domain.Course{}, false
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

func courseCode(s string) (dept, num string, ok bool) {
	m := codePattern.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	return strings.ToLower(m[1]), m[2], true
}
