package engine

import (
	"testing"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func withStatus(u *unstructured.Unstructured, status map[string]interface{}) *unstructured.Unstructured {
	c := u.DeepCopy()
	c.Object["status"] = status
	return c
}

func TestAssessHealth_Deployment(t *testing.T) {
	dep := obj("Deployment", "web", "api", map[string]interface{}{"replicas": int64(3)})
	dep.SetGeneration(2)

	tests := []struct {
		name    string
		status  map[string]interface{}
		healthy bool
	}{
		{
			name:    "no status yet",
			status:  nil,
			healthy: false,
		},
		{
			name: "replicas catching up",
			status: map[string]interface{}{
				"observedGeneration": int64(2),
				"readyReplicas":      int64(1),
			},
			healthy: false,
		},
		{
			name: "stale generation",
			status: map[string]interface{}{
				"observedGeneration": int64(1),
				"readyReplicas":      int64(3),
			},
			healthy: false,
		},
		{
			name: "fully ready",
			status: map[string]interface{}{
				"observedGeneration": int64(2),
				"readyReplicas":      int64(3),
			},
			healthy: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := dep
			if tt.status != nil {
				u = withStatus(dep, tt.status)
			}
			healthy, reason := AssessHealth(u)
			if healthy != tt.healthy {
				t.Errorf("healthy = %v, want %v (reason: %s)", healthy, tt.healthy, reason)
			}
		})
	}
}

func TestAssessHealth_ReplicasDefaultToOne(t *testing.T) {
	// spec.replicas absent means one replica.
	sts := obj("StatefulSet", "web", "db", nil)

	if healthy, _ := AssessHealth(sts); healthy {
		t.Error("expected unhealthy with zero ready replicas")
	}
	ready := withStatus(sts, map[string]interface{}{"readyReplicas": int64(1)})
	if healthy, reason := AssessHealth(ready); !healthy {
		t.Errorf("expected healthy with 1/1 replicas: %s", reason)
	}
}

func TestAssessHealth_ReplicaSetUsesAvailableReplicas(t *testing.T) {
	rs := obj("ReplicaSet", "web", "api-abc", map[string]interface{}{"replicas": int64(2)})

	partial := withStatus(rs, map[string]interface{}{"availableReplicas": int64(1)})
	if healthy, _ := AssessHealth(partial); healthy {
		t.Error("expected unhealthy with 1/2 available")
	}
	full := withStatus(rs, map[string]interface{}{"availableReplicas": int64(2)})
	if healthy, reason := AssessHealth(full); !healthy {
		t.Errorf("expected healthy: %s", reason)
	}
}

func TestAssessHealth_DaemonSet(t *testing.T) {
	ds := obj("DaemonSet", "kube-system", "node-agent", nil)

	rolling := withStatus(ds, map[string]interface{}{
		"desiredNumberScheduled": int64(3),
		"numberReady":            int64(2),
	})
	if healthy, _ := AssessHealth(rolling); healthy {
		t.Error("expected unhealthy with 2/3 pods ready")
	}
	done := withStatus(ds, map[string]interface{}{
		"desiredNumberScheduled": int64(3),
		"numberReady":            int64(3),
	})
	if healthy, reason := AssessHealth(done); !healthy {
		t.Errorf("expected healthy: %s", reason)
	}
}

func TestAssessHealth_Job(t *testing.T) {
	job := obj("Job", "web", "migrate", nil)

	if healthy, _ := AssessHealth(job); healthy {
		t.Error("expected running job to be unhealthy")
	}

	succeeded := withStatus(job, map[string]interface{}{"succeeded": int64(1)})
	if healthy, _ := AssessHealth(succeeded); !healthy {
		t.Error("expected succeeded job to be healthy")
	}

	complete := withStatus(job, map[string]interface{}{
		"conditions": []interface{}{
			map[string]interface{}{"type": "Complete", "status": "True"},
		},
	})
	if healthy, _ := AssessHealth(complete); !healthy {
		t.Error("expected job with Complete condition to be healthy")
	}

	failed := withStatus(job, map[string]interface{}{
		"conditions": []interface{}{
			map[string]interface{}{"type": "Failed", "status": "True"},
		},
	})
	if healthy, reason := AssessHealth(failed); healthy || reason != "job failed" {
		t.Errorf("expected failed job, got healthy=%v reason=%q", healthy, reason)
	}
}

func TestAssessHealth_Pod(t *testing.T) {
	pod := obj("Pod", "web", "debug", nil)

	tests := []struct {
		phase   string
		healthy bool
	}{
		{"Running", true},
		{"Succeeded", true},
		{"Pending", false},
		{"Failed", false},
		{"", false},
	}
	for _, tt := range tests {
		u := withStatus(pod, map[string]interface{}{"phase": tt.phase})
		if healthy, _ := AssessHealth(u); healthy != tt.healthy {
			t.Errorf("phase %q: healthy = %v, want %v", tt.phase, healthy, tt.healthy)
		}
	}
}

func TestAssessHealth_GenericConditionFallback(t *testing.T) {
	cert := obj("Certificate", "web", "tls", nil)

	// No conditions at all: present is healthy enough.
	if healthy, _ := AssessHealth(cert); !healthy {
		t.Error("expected conditionless object to be healthy")
	}

	notReady := withStatus(cert, map[string]interface{}{
		"conditions": []interface{}{
			map[string]interface{}{"type": "Ready", "status": "False"},
		},
	})
	if healthy, _ := AssessHealth(notReady); healthy {
		t.Error("expected Ready=False to be unhealthy")
	}

	available := withStatus(cert, map[string]interface{}{
		"conditions": []interface{}{
			map[string]interface{}{"type": "Available", "status": "True"},
		},
	})
	if healthy, _ := AssessHealth(available); !healthy {
		t.Error("expected Available=True to be healthy")
	}
}

func TestAssessHealth_SignallessKinds(t *testing.T) {
	for _, kind := range []string{"ConfigMap", "Secret", "Service", "Namespace"} {
		u := obj(kind, "web", "x", nil)
		if healthy, reason := AssessHealth(u); !healthy {
			t.Errorf("%s: expected healthy once present, got %s", kind, reason)
		}
	}
}

func TestAssessHealth_NilObject(t *testing.T) {
	if healthy, _ := AssessHealth(nil); healthy {
		t.Error("expected nil object to be unhealthy")
	}
}
