package lockfile

import "sort"

// ChangeReason tags why a package's external dependency tree changed.
type ChangeReason string

const (
	ReasonAdded          ChangeReason = "added"
	ReasonRemoved        ChangeReason = "removed"
	ReasonVersionChanged ChangeReason = "version-changed"
	// ReasonDependencyChanged marks a workspace package whose own manifest
	// is untouched but whose external closure includes a changed package.
	ReasonDependencyChanged ChangeReason = "dependency-changed"
)

// PackageChange is one affected workspace package with the reason it was
// selected. External names the external package that caused the selection.
type PackageChange struct {
	Package  string
	Reason   ChangeReason
	External string
}

// WorkspaceLayout describes which external packages each workspace package
// depends on directly. The mapper expands this through the lockfile's
// resolved dependency edges to the full external closure per workspace
// package.
type WorkspaceLayout struct {
	// ExternalDeps maps workspace package name to its direct external
	// dependency names.
	ExternalDeps map[string][]string
}

// Diff computes the set of workspace packages whose external dependency tree
// changed between two lockfiles. Output is sorted by (Package, External) and
// contains at most one entry per (workspace package, external package) pair.
//
// Pure and deterministic: no TaskIds are allocated and no aggregation state
// is touched; the caller owns feeding the result into the engine.
func Diff(previous, current []byte, layout WorkspaceLayout) ([]PackageChange, error) {
	prev, err := Parse(previous)
	if err != nil {
		return nil, &ParseError{Side: "previous", Err: err}
	}
	curr, err := Parse(current)
	if err != nil {
		return nil, &ParseError{Side: "current", Err: err}
	}

	changed := map[string]ChangeReason{}
	for _, name := range names(prev, curr) {
		pe, inPrev := prev.Packages[name]
		ce, inCurr := curr.Packages[name]
		switch {
		case !inPrev:
			changed[name] = ReasonAdded
		case !inCurr:
			changed[name] = ReasonRemoved
		case pe.Version != ce.Version:
			changed[name] = ReasonVersionChanged
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}

	var out []PackageChange
	for ws, directs := range layout.ExternalDeps {
		closure := externalClosure(directs, prev, curr)
		seen := map[string]struct{}{}
		for _, ext := range closure {
			reason, isChanged := changed[ext]
			if !isChanged {
				continue
			}
			if _, dup := seen[ext]; dup {
				continue
			}
			seen[ext] = struct{}{}
			if !isDirect(directs, ext) {
				reason = ReasonDependencyChanged
			}
			out = append(out, PackageChange{Package: ws, Reason: reason, External: ext})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Package != out[j].Package {
			return out[i].Package < out[j].Package
		}
		return out[i].External < out[j].External
	})
	return out, nil
}

func isDirect(directs []string, ext string) bool {
	for _, d := range directs {
		if d == ext {
			return true
		}
	}
	return false
}

// externalClosure walks resolved dependency edges from the direct externals
// through both lockfiles (a package removed from the current lockfile is
// still part of the previous closure, and its removal must select the
// workspace packages that used to depend on it). Iterative traversal;
// lockfile dependency graphs may contain cycles.
func externalClosure(directs []string, prev, curr Lockfile) []string {
	seen := map[string]struct{}{}
	stack := append([]string{}, directs...)
	var out []string
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
		for _, lf := range []Lockfile{prev, curr} {
			if entry, ok := lf.Packages[name]; ok {
				depNames := make([]string, 0, len(entry.Dependencies))
				for dep := range entry.Dependencies {
					depNames = append(depNames, dep)
				}
				sort.Strings(depNames)
				stack = append(stack, depNames...)
			}
		}
	}
	return out
}
