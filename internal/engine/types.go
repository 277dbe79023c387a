package engine

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const (
	// OwnerLabel marks live objects as managed by a specific target.
	// Objects without this label are never diffed and never pruned.
	OwnerLabel = "converge.io/target"

	// FieldManager is the server-side apply field manager name.
	FieldManager = "converge"
)

// Destination identifies where a target's manifests are applied.
type Destination struct {
	// Context is the kubeconfig context to use. Empty selects the current
	// context, or in-cluster configuration when no kubeconfig is available.
	Context string `yaml:"context,omitempty" json:"context,omitempty"`

	// Namespace is the default namespace for namespaced objects that do not
	// declare one. Defaults to "default".
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
}

// Target binds a (repository, revision, path) source to a destination.
//
// The Name is the registry identity; source and destination are immutable
// while the target lives. Revision and Policy may be updated in place.
type Target struct {
	Name        string        `yaml:"name" json:"name"`
	RepoURL     string        `yaml:"repoURL" json:"repoURL"`
	Revision    string        `yaml:"revision" json:"revision"`
	Path        string        `yaml:"path" json:"path"`
	Destination Destination   `yaml:"destination,omitempty" json:"destination,omitempty"`
	Interval    time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Policy      SyncPolicy    `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// RetryPolicy bounds per-operation retries for transient failures.
type RetryPolicy struct {
	Limit     int           `yaml:"limit,omitempty" json:"limit,omitempty"`
	BaseDelay time.Duration `yaml:"baseDelay,omitempty" json:"baseDelay,omitempty"`
	MaxDelay  time.Duration `yaml:"maxDelay,omitempty" json:"maxDelay,omitempty"`
}

// IgnoreRule excludes a field path from drift classification.
//
// Kind and Name optionally restrict the rule to matching objects; empty
// matches all. Path is a dot-separated field path where "*" matches a single
// segment, e.g. "spec.replicas" or "metadata.annotations.*".
type IgnoreRule struct {
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	Path string `yaml:"path" json:"path"`
}

// SyncPolicy controls how a diff is turned into actions and executed.
type SyncPolicy struct {
	// Prune enables deletion of managed live objects absent from desired
	// state. When false such objects are still reported in the diff.
	Prune bool `yaml:"prune,omitempty" json:"prune,omitempty"`

	// PruneLast places all deletions in a trailing wave after every
	// create/update wave has completed. Defaults to true.
	PruneLast *bool `yaml:"pruneLast,omitempty" json:"pruneLast,omitempty"`

	// ContinueOnError allows later waves to start even when an earlier wave
	// has terminally failed operations.
	ContinueOnError bool `yaml:"continueOnError,omitempty" json:"continueOnError,omitempty"`

	// WaitForHealth gates operation success on the applied object reporting
	// a recognized healthy condition within HealthTimeout.
	WaitForHealth bool `yaml:"waitForHealth,omitempty" json:"waitForHealth,omitempty"`

	// HealthTimeout bounds the health wait per operation.
	HealthTimeout time.Duration `yaml:"healthTimeout,omitempty" json:"healthTimeout,omitempty"`

	Retry RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	IgnoreRules []IgnoreRule `yaml:"ignoreRules,omitempty" json:"ignoreRules,omitempty"`
}

// PruneLastEnabled reports the effective PruneLast setting (default true).
func (p SyncPolicy) PruneLastEnabled() bool {
	if p.PruneLast == nil {
		return true
	}
	return *p.PruneLast
}

// ObjectIdentity uniquely identifies a declared object within a target.
type ObjectIdentity struct {
	Group     string `json:"group,omitempty"`
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

// String renders the identity as group/kind/namespace/name for keys and logs.
func (id ObjectIdentity) String() string {
	s := id.Kind
	if id.Group != "" {
		s = id.Group + "/" + s
	}
	if id.Namespace != "" {
		s += "/" + id.Namespace
	}
	return s + "/" + id.Name
}

// IdentityOf extracts the ObjectIdentity of an unstructured object.
func IdentityOf(obj *unstructured.Unstructured) ObjectIdentity {
	gvk := obj.GroupVersionKind()
	return ObjectIdentity{
		Group:     gvk.Group,
		Kind:      gvk.Kind,
		Namespace: obj.GetNamespace(),
		Name:      obj.GetName(),
	}
}

// DesiredStateSnapshot is the manifest set resolved from a target at a
// specific revision. It is immutable and owned by the run that fetched it.
type DesiredStateSnapshot struct {
	Target    string
	Revision  string
	Objects   []*unstructured.Unstructured
	FetchedAt time.Time
}

// LiveStateSnapshot is the set of managed objects observed at the
// destination. It is immutable and owned by the run that observed it.
type LiveStateSnapshot struct {
	Target     string
	Objects    []*unstructured.Unstructured
	ObservedAt time.Time
}

// Source is the collaborator providing desired state. Implementations stand
// in for manifest repositories and whatever rendering happens behind them.
type Source interface {
	// ResolveRevision resolves the target's revision reference to an
	// immutable content identifier (commit hash).
	ResolveRevision(ctx context.Context, target Target) (string, error)

	// Render returns the object definitions at the resolved revision.
	// Two calls with the same revision yield identical results.
	Render(ctx context.Context, target Target, revision string) ([]*unstructured.Unstructured, error)
}

// Cluster is the collaborator providing live state and mutations.
// Implementations stand in for the runtime platform.
type Cluster interface {
	// List returns objects of the given kinds carrying the target's
	// ownership marker.
	List(ctx context.Context, target Target, gvks []schema.GroupVersionKind) ([]*unstructured.Unstructured, error)

	// Get returns a single object by identity, or a NotFound error.
	Get(ctx context.Context, target Target, id ObjectIdentity) (*unstructured.Unstructured, error)

	// Apply creates or updates an object, stamping the ownership marker.
	Apply(ctx context.Context, target Target, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)

	// Delete removes an object by identity. Deleting a missing object is
	// not an error.
	Delete(ctx context.Context, target Target, id ObjectIdentity) error
}

// Phase is a step in the per-target reconciliation state machine.
type Phase string

const (
	PhaseIdle     Phase = "Idle"
	PhaseFetching Phase = "Fetching"
	PhaseDiffing  Phase = "Diffing"
	PhaseSyncing  Phase = "Syncing"
	PhaseWaiting  Phase = "Waiting"
	PhaseError    Phase = "Error"
)

// TargetState is the externally visible reconciliation state of a target.
type TargetState struct {
	Target              string      `json:"target"`
	Phase               Phase       `json:"phase"`
	SyncedRevision      string      `json:"syncedRevision,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures,omitempty"`
	NextEligible        time.Time   `json:"nextEligible,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	LastErrorKind       ErrorKind   `json:"lastErrorKind,omitempty"`
	LastResult          *SyncResult `json:"lastResult,omitempty"`
	LastTransition      time.Time   `json:"lastTransition,omitempty"`
}
