package lockfile

import (
	"encoding/json"
	"sort"
)

// Lockfile is the parsed form of a lockfile: the full external dependency
// closure, keyed by package name.
type Lockfile struct {
	Packages map[string]Entry `json:"packages"`
}

// Entry is one resolved external package.
type Entry struct {
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Parse decodes lockfile bytes. Empty or nil input parses as an empty
// lockfile (a workspace that has never installed anything).
func Parse(data []byte) (Lockfile, error) {
	if len(data) == 0 {
		return Lockfile{Packages: map[string]Entry{}}, nil
	}
	var lf Lockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return Lockfile{}, err
	}
	if lf.Packages == nil {
		lf.Packages = map[string]Entry{}
	}
	return lf, nil
}

// names returns the sorted union of package names across both lockfiles,
// the deterministic iteration order every diff walks in.
func names(prev, curr Lockfile) []string {
	set := make(map[string]struct{}, len(prev.Packages)+len(curr.Packages))
	for name := range prev.Packages {
		set[name] = struct{}{}
	}
	for name := range curr.Packages {
		set[name] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
