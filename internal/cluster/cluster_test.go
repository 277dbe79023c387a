package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	discoveryfake "k8s.io/client-go/discovery/fake"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8stesting "k8s.io/client-go/testing"

	"converge/internal/engine"
)

// fakeDiscovery backfills ServerPreferredResources, which the stock fake
// leaves unimplemented.
type fakeDiscovery struct {
	*discoveryfake.FakeDiscovery
}

func (f *fakeDiscovery) ServerPreferredResources() ([]*metav1.APIResourceList, error) {
	return f.Resources, nil
}

func testResources() []*metav1.APIResourceList {
	return []*metav1.APIResourceList{
		{
			GroupVersion: "apps/v1",
			APIResources: []metav1.APIResource{
				{Name: "deployments", Kind: "Deployment", Namespaced: true},
				{Name: "deployments/status", Kind: "Deployment", Namespaced: true},
			},
		},
		{
			GroupVersion: "v1",
			APIResources: []metav1.APIResource{
				{Name: "configmaps", Kind: "ConfigMap", Namespaced: true},
				{Name: "namespaces", Kind: "Namespace", Namespaced: false},
			},
		},
	}
}

func testCluster(objects ...runtime.Object) *DynamicCluster {
	scheme := runtime.NewScheme()
	listKinds := map[schema.GroupVersionResource]string{
		{Group: "apps", Version: "v1", Resource: "deployments"}: "DeploymentList",
		{Group: "", Version: "v1", Resource: "configmaps"}:      "ConfigMapList",
		{Group: "", Version: "v1", Resource: "namespaces"}:      "NamespaceList",
	}
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme, listKinds, objects...)
	disc := &fakeDiscovery{FakeDiscovery: &discoveryfake.FakeDiscovery{
		Fake: &k8stesting.Fake{Resources: testResources()},
	}}

	c := NewDynamicCluster("")
	c.conns["prod"] = &conn{
		dynamic:   dyn,
		discovery: disc,
		mappings:  make(map[string]*metav1.APIResource),
	}
	return c
}

func deployment(name, namespace string, labels map[string]string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": namespace,
		},
	}}
	if labels != nil {
		obj.SetLabels(labels)
	}
	return obj
}

func testTarget() engine.Target {
	return engine.Target{
		Name:        "web",
		RepoURL:     "https://git.example.com/web.git",
		Revision:    "main",
		Path:        "manifests",
		Destination: engine.Destination{Context: "prod", Namespace: "web"},
	}
}

func TestListFiltersByOwnership(t *testing.T) {
	owned := deployment("api", "web", map[string]string{engine.OwnerLabel: "web"})
	foreign := deployment("legacy", "web", nil)
	otherTarget := deployment("batch", "web", map[string]string{engine.OwnerLabel: "batch"})

	c := testCluster(owned, foreign, otherTarget)

	gvks := []schema.GroupVersionKind{{Group: "apps", Version: "v1", Kind: "Deployment"}}
	live, err := c.List(context.Background(), testTarget(), gvks)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "api", live[0].GetName())
}

func TestListSpansNamespaces(t *testing.T) {
	inDefault := deployment("api", "web", map[string]string{engine.OwnerLabel: "web"})
	elsewhere := deployment("worker", "staging", map[string]string{engine.OwnerLabel: "web"})

	c := testCluster(inDefault, elsewhere)

	gvks := []schema.GroupVersionKind{{Group: "apps", Version: "v1", Kind: "Deployment"}}
	live, err := c.List(context.Background(), testTarget(), gvks)
	require.NoError(t, err)
	require.Len(t, live, 2)

	namespaces := []string{live[0].GetNamespace(), live[1].GetNamespace()}
	assert.ElementsMatch(t, []string{"web", "staging"}, namespaces)
}

func TestListSkipsUnknownKinds(t *testing.T) {
	c := testCluster()

	gvks := []schema.GroupVersionKind{
		{Group: "example.io", Version: "v1", Kind: "Widget"},
	}
	live, err := c.List(context.Background(), testTarget(), gvks)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestGetUsesPreferredVersion(t *testing.T) {
	owned := deployment("api", "web", map[string]string{engine.OwnerLabel: "web"})
	c := testCluster(owned)

	id := engine.ObjectIdentity{Group: "apps", Kind: "Deployment", Namespace: "web", Name: "api"}
	obj, err := c.Get(context.Background(), testTarget(), id)
	require.NoError(t, err)
	assert.Equal(t, "api", obj.GetName())
}

func TestDeleteToleratesMissing(t *testing.T) {
	owned := deployment("api", "web", map[string]string{engine.OwnerLabel: "web"})
	c := testCluster(owned)
	target := testTarget()

	id := engine.ObjectIdentity{Group: "apps", Kind: "Deployment", Namespace: "web", Name: "api"}
	require.NoError(t, c.Delete(context.Background(), target, id))

	_, err := c.Get(context.Background(), target, id)
	require.Error(t, err)

	// Deleting again is not an error.
	assert.NoError(t, c.Delete(context.Background(), target, id))
}

func TestPrepareForApply(t *testing.T) {
	target := testTarget()

	t.Run("stamps ownership label", func(t *testing.T) {
		obj := deployment("api", "web", map[string]string{"app": "api"})
		stamped, _ := prepareForApply(target, obj, true)
		assert.Equal(t, "web", stamped.GetLabels()[engine.OwnerLabel])
		assert.Equal(t, "api", stamped.GetLabels()["app"])
		// The input object is never mutated.
		assert.NotContains(t, obj.GetLabels(), engine.OwnerLabel)
	})

	t.Run("keeps explicit namespace", func(t *testing.T) {
		obj := deployment("api", "staging", nil)
		_, ns := prepareForApply(target, obj, true)
		assert.Equal(t, "staging", ns)
	})

	t.Run("defaults namespace from destination", func(t *testing.T) {
		obj := deployment("api", "", nil)
		stamped, ns := prepareForApply(target, obj, true)
		assert.Equal(t, "web", ns)
		assert.Equal(t, "web", stamped.GetNamespace())
	})

	t.Run("cluster scoped kinds carry no namespace", func(t *testing.T) {
		obj := &unstructured.Unstructured{Object: map[string]interface{}{
			"apiVersion": "v1",
			"kind":       "Namespace",
			"metadata":   map[string]interface{}{"name": "web"},
		}}
		_, ns := prepareForApply(target, obj, false)
		assert.Empty(t, ns)
	})
}

func TestNamespaceForFallsBackToDefault(t *testing.T) {
	target := testTarget()
	target.Destination.Namespace = ""
	assert.Equal(t, "default", namespaceFor(target, ""))
}

func TestClassify(t *testing.T) {
	gr := schema.GroupResource{Group: "apps", Resource: "deployments"}

	tests := []struct {
		name string
		err  error
		kind engine.ErrorKind
	}{
		{"forbidden", apierrors.NewForbidden(gr, "api", nil), engine.KindPermissionDenied},
		{"unauthorized", apierrors.NewUnauthorized("no token"), engine.KindPermissionDenied},
		{"conflict", apierrors.NewConflict(gr, "api", nil), engine.KindResourceConflict},
		{"bad request", apierrors.NewBadRequest("malformed"), engine.KindApplyRejected},
		{"server timeout", apierrors.NewServerTimeout(gr, "get", 1), engine.KindDestinationUnreachable},
		{"unavailable", apierrors.NewServiceUnavailable("down"), engine.KindDestinationUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, engine.KindOf(classify(tt.err)))
		})
	}

	t.Run("unknown errors pass through", func(t *testing.T) {
		notFound := apierrors.NewNotFound(gr, "api")
		assert.Equal(t, notFound, classify(notFound))
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, classify(nil))
	})
}
