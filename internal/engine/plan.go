package engine

import (
	"sort"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// OperationType is the kind of mutation an Operation performs.
type OperationType string

const (
	OperationCreate OperationType = "Create"
	OperationUpdate OperationType = "Update"
	OperationDelete OperationType = "Delete"
)

// Operation is a single planned mutation against the destination.
type Operation struct {
	Type     OperationType  `json:"type"`
	Identity ObjectIdentity `json:"identity"`
	Wave     int            `json:"wave"`

	// Object is the desired definition for Create/Update; nil for Delete.
	Object *unstructured.Unstructured `json:"-"`
}

// SyncPlan is an ordered sequence of operation waves. Operations within a
// wave carry no mutual ordering; a later wave never starts before every
// operation of the earlier waves reached a terminal status.
type SyncPlan struct {
	Target   string `json:"target"`
	Revision string `json:"revision"`
	DiffHash string `json:"diffHash"`

	Waves [][]Operation `json:"waves"`

	// Noop distinguishes "nothing to do" from a plan whose actionable
	// entries were all excluded by policy. Observability depends on it.
	Noop bool `json:"noop"`
}

// OperationCount returns the total number of planned operations.
func (p SyncPlan) OperationCount() int {
	n := 0
	for _, w := range p.Waves {
		n += len(w)
	}
	return n
}

// kindWave is the static precedence table ordering operations into waves.
// Cluster-shaping kinds go first, then configuration, then workloads, then
// kinds that depend on workloads being admitted.
var kindWave = map[string]int{
	"Namespace":                      0,
	"CustomResourceDefinition":       0,
	"ResourceQuota":                  1,
	"LimitRange":                     1,
	"PodSecurityPolicy":              1,
	"ServiceAccount":                 1,
	"Secret":                         1,
	"ConfigMap":                      1,
	"StorageClass":                   1,
	"PersistentVolume":               1,
	"PersistentVolumeClaim":          1,
	"ClusterRole":                    1,
	"ClusterRoleBinding":             1,
	"Role":                           1,
	"RoleBinding":                    1,
	"Service":                        2,
	"Deployment":                     2,
	"StatefulSet":                    2,
	"DaemonSet":                      2,
	"ReplicaSet":                     2,
	"Pod":                            2,
	"Job":                            2,
	"CronJob":                        2,
	"HorizontalPodAutoscaler":        3,
	"PodDisruptionBudget":            3,
	"Ingress":                        3,
	"NetworkPolicy":                  3,
	"MutatingWebhookConfiguration":   3,
	"ValidatingWebhookConfiguration": 3,
	"APIService":                     3,
}

// defaultWave is used for kinds absent from the precedence table, including
// custom resources, which must follow their CRDs.
const defaultWave = 2

func waveFor(kind string) int {
	if w, ok := kindWave[kind]; ok {
		return w
	}
	return defaultWave
}

// BuildPlan turns a diff into an ordered sync plan under the given policy.
//
// Create for MissingInLive, Update for OutOfSync, Delete for MissingInDesired
// only when policy.Prune is set; otherwise the entry stays visible in the
// diff but produces no operation ("drift without remediation"). With
// PruneLast (the default) all deletions form a trailing wave; otherwise each
// deletion joins its kind's wave.
func BuildPlan(diff Diff, policy SyncPolicy) SyncPlan {
	plan := SyncPlan{Target: diff.Target, Revision: diff.Revision, DiffHash: diff.Hash()}

	byWave := make(map[int][]Operation)
	var deletes []Operation

	for _, entry := range diff.Entries {
		switch entry.Type {
		case DiffMissingInLive:
			op := Operation{Type: OperationCreate, Identity: entry.Identity, Object: entry.Desired}
			op.Wave = waveFor(entry.Identity.Kind)
			byWave[op.Wave] = append(byWave[op.Wave], op)

		case DiffOutOfSync:
			op := Operation{Type: OperationUpdate, Identity: entry.Identity, Object: entry.Desired}
			op.Wave = waveFor(entry.Identity.Kind)
			byWave[op.Wave] = append(byWave[op.Wave], op)

		case DiffMissingInDesired:
			if !policy.Prune {
				continue
			}
			deletes = append(deletes, Operation{Type: OperationDelete, Identity: entry.Identity})
		}
	}

	if !policy.PruneLastEnabled() {
		for _, op := range deletes {
			op.Wave = waveFor(op.Identity.Kind)
			byWave[op.Wave] = append(byWave[op.Wave], op)
		}
		deletes = nil
	}

	waves := make([]int, 0, len(byWave))
	for w := range byWave {
		waves = append(waves, w)
	}
	sort.Ints(waves)

	for _, w := range waves {
		plan.Waves = append(plan.Waves, byWave[w])
	}
	if len(deletes) > 0 {
		wave := defaultWave + 2
		if n := len(plan.Waves); n > 0 {
			wave = plan.Waves[n-1][0].Wave + 1
		}
		for i := range deletes {
			deletes[i].Wave = wave
		}
		plan.Waves = append(plan.Waves, deletes)
	}

	plan.Noop = plan.OperationCount() == 0 && diff.OutOfSyncCount() == 0
	return plan
}
