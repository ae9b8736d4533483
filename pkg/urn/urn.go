// Package urn implements matching of resource identifiers against the
// colon-delimited URN patterns used by authority policies and mandates to
// scope which resources a grant covers.
//
// A pattern segment of "*" matches exactly one concrete segment. A
// pattern segment of "**" matches one or more trailing concrete segments
// and must appear last. Patterns with no wildcard must match exactly.
package urn

import "strings"

// Match reports whether concrete urn satisfies pattern.
func Match(pattern, concrete string) bool {
	pSegs := strings.Split(pattern, ":")
	cSegs := strings.Split(concrete, ":")
	return matchSegments(pSegs, cSegs)
}

func matchSegments(pSegs, cSegs []string) bool {
	for i, p := range pSegs {
		if p == "**" {
			// "**" must be the final pattern segment and requires at
			// least one remaining concrete segment to match against.
			return i == len(pSegs)-1 && len(cSegs) > i
		}
		if i >= len(cSegs) {
			return false
		}
		if p != "*" && p != cSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(cSegs)
}

// Subset reports whether every concrete URN matched by child is also
// matched by parent, i.e. child is at least as narrow as parent. This is
// the check a delegated mandate's resource scope must satisfy against its
// parent's (or policy's) scope.
func Subset(parent, child string) bool {
	pSegs := strings.Split(parent, ":")
	cSegs := strings.Split(child, ":")
	return subsetSegments(pSegs, cSegs)
}

func subsetSegments(pSegs, cSegs []string) bool {
	for i, p := range pSegs {
		if p == "**" {
			return i == len(pSegs)-1 && len(cSegs) > i
		}
		if i >= len(cSegs) {
			return false
		}
		c := cSegs[i]
		switch {
		case p == "*":
			if c == "**" {
				// child's wildcard is broader than a single-segment
				// parent wildcard: not a subset.
				return false
			}
		case p != c:
			// A non-wildcard parent segment demands an exact literal
			// match; a child wildcard at this position would be broader
			// than the parent allows.
			if c == "*" || c == "**" {
				return false
			}
			return false
		}
	}
	if len(pSegs) != len(cSegs) {
		return false
	}
	return true
}

// SubsetAny reports whether every pattern in children is a subset of at
// least one pattern in parents.
func SubsetAny(parents, children []string) bool {
	for _, c := range children {
		ok := false
		for _, p := range parents {
			if Subset(p, c) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
