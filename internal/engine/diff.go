package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// DiffType classifies one object identity within a Diff.
type DiffType string

const (
	// DiffInSync means every declared field matches live state.
	DiffInSync DiffType = "InSync"

	// DiffOutOfSync means at least one non-ignored declared field differs.
	DiffOutOfSync DiffType = "OutOfSync"

	// DiffMissingInLive means the object is declared but not observed.
	DiffMissingInLive DiffType = "MissingInLive"

	// DiffMissingInDesired means a managed live object is no longer declared.
	DiffMissingInDesired DiffType = "MissingInDesired"
)

// FieldDelta records a single diverging field path.
type FieldDelta struct {
	Path    string      `json:"path"`
	Desired interface{} `json:"desired,omitempty"`
	Live    interface{} `json:"live,omitempty"`
}

// DiffEntry is the classification of one object identity.
//
// Every identity present in either snapshot appears in exactly one entry.
// Ignore rules remove fields from OutOfSync classification without removing
// the entry itself.
type DiffEntry struct {
	Identity ObjectIdentity `json:"identity"`
	Type     DiffType       `json:"type"`
	Deltas   []FieldDelta   `json:"deltas,omitempty"`

	// Desired and Live are the snapshot objects backing this entry; either
	// may be nil for the Missing* classifications.
	Desired *unstructured.Unstructured `json:"-"`
	Live    *unstructured.Unstructured `json:"-"`
}

// Diff is the structured difference between a desired and a live snapshot.
type Diff struct {
	Target   string      `json:"target"`
	Revision string      `json:"revision"`
	Entries  []DiffEntry `json:"entries"`
}

// OutOfSyncCount returns the number of entries needing action.
func (d Diff) OutOfSyncCount() int {
	n := 0
	for _, e := range d.Entries {
		if e.Type != DiffInSync {
			n++
		}
	}
	return n
}

// Hash returns a stable digest of the diff content, used for idempotency
// checks on sync results.
func (d Diff) Hash() string {
	lines := make([]string, 0, len(d.Entries)+1)
	lines = append(lines, d.Target+"@"+d.Revision)
	for _, e := range d.Entries {
		paths := make([]string, 0, len(e.Deltas))
		for _, fd := range e.Deltas {
			paths = append(paths, fd.Path)
		}
		sort.Strings(paths)
		lines = append(lines, fmt.Sprintf("%s|%s|%s", e.Identity, e.Type, strings.Join(paths, ",")))
	}
	sort.Strings(lines[1:])
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// ComputeDiff compares a desired snapshot against a live snapshot.
//
// Identity is group+kind+namespace+name. Live objects whose ownership marker
// does not name the target are excluded entirely: never diffed, never pruned.
// Equality is structural; a declared string "1" does not equal a live number
// 1. Only fields declared in the desired object contribute, so server-added
// defaults do not register as drift.
func ComputeDiff(desired *DesiredStateSnapshot, live *LiveStateSnapshot, rules []IgnoreRule) Diff {
	d := Diff{Target: desired.Target, Revision: desired.Revision}

	desiredByID := make(map[ObjectIdentity]*unstructured.Unstructured, len(desired.Objects))
	order := make([]ObjectIdentity, 0, len(desired.Objects))
	for _, obj := range desired.Objects {
		id := IdentityOf(obj)
		if _, dup := desiredByID[id]; !dup {
			order = append(order, id)
		}
		desiredByID[id] = obj
	}

	liveByID := make(map[ObjectIdentity]*unstructured.Unstructured, len(live.Objects))
	liveOrder := make([]ObjectIdentity, 0, len(live.Objects))
	for _, obj := range live.Objects {
		if obj.GetLabels()[OwnerLabel] != desired.Target {
			// Safety boundary: unmanaged objects are invisible to the engine.
			continue
		}
		id := IdentityOf(obj)
		if _, dup := liveByID[id]; !dup {
			liveOrder = append(liveOrder, id)
		}
		liveByID[id] = obj
	}

	for _, id := range order {
		dobj := desiredByID[id]
		lobj, ok := liveByID[id]
		if !ok {
			d.Entries = append(d.Entries, DiffEntry{Identity: id, Type: DiffMissingInLive, Desired: dobj})
			continue
		}
		deltas := declaredDeltas(dobj, lobj, ignoredPathsFor(rules, id))
		entry := DiffEntry{Identity: id, Type: DiffInSync, Deltas: deltas, Desired: dobj, Live: lobj}
		if len(deltas) > 0 {
			entry.Type = DiffOutOfSync
		}
		d.Entries = append(d.Entries, entry)
	}

	for _, id := range liveOrder {
		if _, ok := desiredByID[id]; ok {
			continue
		}
		d.Entries = append(d.Entries, DiffEntry{Identity: id, Type: DiffMissingInDesired, Live: liveByID[id]})
	}

	return d
}

// declaredDeltas walks the declared fields of desired and reports every path
// whose live value differs structurally. Ignored paths are skipped but the
// walk continues, so ignore rules mask fields without hiding objects.
func declaredDeltas(desired, live *unstructured.Unstructured, ignored func(path string) bool) []FieldDelta {
	var deltas []FieldDelta
	for key, dval := range desired.Object {
		switch key {
		case "status":
			// Status is owned by the platform, never by the declaration.
			continue
		case "apiVersion", "kind":
			// Covered by identity matching.
			continue
		}
		collectDeltas(key, dval, live.Object[key], ignored, &deltas)
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Path < deltas[j].Path })
	return deltas
}

func collectDeltas(path string, desired, live interface{}, ignored func(string) bool, out *[]FieldDelta) {
	if ignored(path) {
		return
	}

	dmap, ok := desired.(map[string]interface{})
	if !ok {
		// Leaf (scalar or list): structural comparison. cmp distinguishes
		// "1" from 1 and compares lists element-wise.
		if !cmp.Equal(desired, live) {
			*out = append(*out, FieldDelta{Path: path, Desired: desired, Live: live})
		}
		return
	}

	lmap, ok := live.(map[string]interface{})
	if !ok {
		*out = append(*out, FieldDelta{Path: path, Desired: desired, Live: live})
		return
	}

	for key, dval := range dmap {
		collectDeltas(path+"."+key, dval, lmap[key], ignored, out)
	}
}

// ignoredPathsFor builds the ignore predicate for one object identity.
func ignoredPathsFor(rules []IgnoreRule, id ObjectIdentity) func(path string) bool {
	var applicable []IgnoreRule
	for _, r := range rules {
		if r.Kind != "" && r.Kind != id.Kind {
			continue
		}
		if r.Name != "" && r.Name != id.Name {
			continue
		}
		applicable = append(applicable, r)
	}
	if len(applicable) == 0 {
		return func(string) bool { return false }
	}
	return func(path string) bool {
		for _, r := range applicable {
			if pathMatches(r.Path, path) {
				return true
			}
		}
		return false
	}
}

// pathMatches reports whether pattern matches fieldPath. Patterns are
// dot-separated; "*" matches exactly one segment. A pattern matches the
// field path and the whole subtree beneath it.
func pathMatches(pattern, fieldPath string) bool {
	pseg := strings.Split(pattern, ".")
	fseg := strings.Split(fieldPath, ".")
	if len(fseg) < len(pseg) {
		return false
	}
	for i, p := range pseg {
		if p == "*" {
			continue
		}
		if p != fseg[i] {
			return false
		}
	}
	return true
}
