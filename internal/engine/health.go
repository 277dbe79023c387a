package engine

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// AssessHealth reports whether an observed object has reached a recognized
// healthy or ready condition, with a human-readable reason when it has not.
//
// Kinds without a meaningful readiness signal (ConfigMap, Secret, Service,
// Namespace and the like) are healthy as soon as they exist. Unknown kinds
// are judged by a Ready or Available condition when present and considered
// healthy otherwise.
func AssessHealth(obj *unstructured.Unstructured) (bool, string) {
	if obj == nil {
		return false, "object not found"
	}

	switch obj.GetKind() {
	case "Deployment":
		return assessReplicas(obj, "readyReplicas")
	case "StatefulSet":
		return assessReplicas(obj, "readyReplicas")
	case "ReplicaSet":
		return assessReplicas(obj, "availableReplicas")
	case "DaemonSet":
		return assessDaemonSet(obj)
	case "Job":
		return assessJob(obj)
	case "Pod":
		return assessPod(obj)
	default:
		return assessConditions(obj)
	}
}

// assessReplicas checks generation convergence and that the given status
// counter has caught up with spec.replicas (absent replicas defaults to 1).
func assessReplicas(obj *unstructured.Unstructured, readyField string) (bool, string) {
	if ok, reason := generationObserved(obj); !ok {
		return false, reason
	}

	want, found, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
	if !found {
		want = 1
	}
	ready, _, _ := unstructured.NestedInt64(obj.Object, "status", readyField)
	if ready < want {
		return false, fmt.Sprintf("%d/%d replicas ready", ready, want)
	}
	return true, ""
}

func assessDaemonSet(obj *unstructured.Unstructured) (bool, string) {
	if ok, reason := generationObserved(obj); !ok {
		return false, reason
	}
	desired, _, _ := unstructured.NestedInt64(obj.Object, "status", "desiredNumberScheduled")
	ready, _, _ := unstructured.NestedInt64(obj.Object, "status", "numberReady")
	if ready < desired {
		return false, fmt.Sprintf("%d/%d pods ready", ready, desired)
	}
	return true, ""
}

func assessJob(obj *unstructured.Unstructured) (bool, string) {
	succeeded, _, _ := unstructured.NestedInt64(obj.Object, "status", "succeeded")
	if succeeded > 0 {
		return true, ""
	}
	if cond, ok := findCondition(obj, "Complete"); ok && cond == "True" {
		return true, ""
	}
	if cond, ok := findCondition(obj, "Failed"); ok && cond == "True" {
		return false, "job failed"
	}
	return false, "job not complete"
}

func assessPod(obj *unstructured.Unstructured) (bool, string) {
	phase, _, _ := unstructured.NestedString(obj.Object, "status", "phase")
	switch phase {
	case "Running", "Succeeded":
		return true, ""
	default:
		return false, fmt.Sprintf("pod phase %q", phase)
	}
}

// assessConditions is the generic fallback: a Ready or Available condition
// decides when present, otherwise the object counts as healthy.
func assessConditions(obj *unstructured.Unstructured) (bool, string) {
	for _, condType := range []string{"Ready", "Available"} {
		if status, ok := findCondition(obj, condType); ok {
			if status == "True" {
				return true, ""
			}
			return false, fmt.Sprintf("condition %s is %s", condType, status)
		}
	}
	return true, ""
}

// generationObserved checks that the controller has seen the latest spec.
func generationObserved(obj *unstructured.Unstructured) (bool, string) {
	gen := obj.GetGeneration()
	observed, found, _ := unstructured.NestedInt64(obj.Object, "status", "observedGeneration")
	if found && observed < gen {
		return false, fmt.Sprintf("observed generation %d behind %d", observed, gen)
	}
	return true, ""
}

func findCondition(obj *unstructured.Unstructured, condType string) (string, bool) {
	conditions, found, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	if !found {
		return "", false
	}
	for _, c := range conditions {
		cond, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if cond["type"] == condType {
			status, _ := cond["status"].(string)
			return status, true
		}
	}
	return "", false
}
