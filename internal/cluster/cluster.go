package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"converge/internal/engine"
	"converge/pkg/logging"
)

// DynamicCluster implements engine.Cluster using the Kubernetes dynamic
// client with server-side apply.
//
// Applied objects are stamped with the ownership marker label; listing is
// scoped to that label, so unmanaged objects never enter a live snapshot.
// Connections are built per destination context and cached.
type DynamicCluster struct {
	kubeconfigPath string

	mu    sync.Mutex
	conns map[string]*conn
}

// conn holds the clients and resource-mapping cache for one destination.
type conn struct {
	dynamic   dynamic.Interface
	discovery discovery.DiscoveryInterface

	mapMu    sync.Mutex
	mappings map[string]*metav1.APIResource // keyed by group/version/kind or group/kind
}

// NewDynamicCluster creates a DynamicCluster. kubeconfigPath may be empty,
// in which case the default loading rules apply and in-cluster
// configuration is the fallback.
func NewDynamicCluster(kubeconfigPath string) *DynamicCluster {
	return &DynamicCluster{
		kubeconfigPath: kubeconfigPath,
		conns:          make(map[string]*conn),
	}
}

// List returns the managed objects of the given kinds, scoped to the
// target's ownership marker.
func (c *DynamicCluster) List(ctx context.Context, target engine.Target, gvks []schema.GroupVersionKind) ([]*unstructured.Unstructured, error) {
	cn, err := c.connFor(target.Destination.Context)
	if err != nil {
		return nil, err
	}

	selector := labels.Set{engine.OwnerLabel: target.Name}.AsSelector().String()
	var out []*unstructured.Unstructured

	for _, gvk := range gvks {
		res, err := cn.resourceFor(gvk.Group, gvk.Version, gvk.Kind)
		if err != nil {
			// A kind can disappear when its CRD is deleted; nothing of
			// that kind can be alive then.
			logging.Debug("Cluster", "Skipping unknown kind %s: %v", gvk, err)
			continue
		}

		// Managed objects may declare namespaces other than the target's
		// default, so the query spans all namespaces. The ownership
		// selector keeps the result bounded.
		ri := cn.dynamic.Resource(gvrOf(gvk.Group, gvk.Version, res.Name))
		list, err := ri.List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return nil, classify(err)
		}
		for i := range list.Items {
			out = append(out, list.Items[i].DeepCopy())
		}
	}
	return out, nil
}

// Get fetches a single object by identity using the server's preferred
// version for its kind.
func (c *DynamicCluster) Get(ctx context.Context, target engine.Target, id engine.ObjectIdentity) (*unstructured.Unstructured, error) {
	cn, err := c.connFor(target.Destination.Context)
	if err != nil {
		return nil, err
	}
	res, gvr, err := cn.preferredResource(id.Group, id.Kind)
	if err != nil {
		return nil, classify(err)
	}

	ri := resourceInterface(cn, gvr, res, target, id.Namespace)
	obj, err := ri.Get(ctx, id.Name, metav1.GetOptions{})
	if err != nil {
		return nil, classify(err)
	}
	return obj, nil
}

// Apply creates or updates the object via server-side apply, stamping the
// ownership marker label and defaulting the namespace for namespaced kinds.
func (c *DynamicCluster) Apply(ctx context.Context, target engine.Target, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	cn, err := c.connFor(target.Destination.Context)
	if err != nil {
		return nil, err
	}

	gvk := obj.GroupVersionKind()
	res, err := cn.resourceFor(gvk.Group, gvk.Version, gvk.Kind)
	if err != nil {
		return nil, classify(err)
	}

	stamped, namespace := prepareForApply(target, obj, res.Namespaced)

	data, err := stamped.MarshalJSON()
	if err != nil {
		return nil, engine.NewError(engine.KindApplyRejected, err)
	}

	ri := resourceInterface(cn, gvrOf(gvk.Group, gvk.Version, res.Name), res, target, namespace)
	force := true
	applied, err := ri.Patch(ctx, stamped.GetName(), types.ApplyPatchType, data, metav1.PatchOptions{
		FieldManager: engine.FieldManager,
		Force:        &force,
	})
	if err != nil {
		return nil, classify(err)
	}
	return applied, nil
}

// Delete removes an object by identity. A missing object is not an error.
func (c *DynamicCluster) Delete(ctx context.Context, target engine.Target, id engine.ObjectIdentity) error {
	cn, err := c.connFor(target.Destination.Context)
	if err != nil {
		return err
	}
	res, gvr, err := cn.preferredResource(id.Group, id.Kind)
	if err != nil {
		return classify(err)
	}

	ri := resourceInterface(cn, gvr, res, target, id.Namespace)
	if err := ri.Delete(ctx, id.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return classify(err)
	}
	return nil
}

// connFor returns the cached connection for a destination context, building
// it on first use.
func (c *DynamicCluster) connFor(kubeContext string) (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cn, ok := c.conns[kubeContext]; ok {
		return cn, nil
	}

	config, err := c.restConfig(kubeContext)
	if err != nil {
		return nil, engine.Errorf(engine.KindDestinationUnreachable, "building client config: %v", err)
	}

	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, engine.Errorf(engine.KindDestinationUnreachable, "creating dynamic client: %v", err)
	}
	disc, err := discovery.NewDiscoveryClientForConfig(config)
	if err != nil {
		return nil, engine.Errorf(engine.KindDestinationUnreachable, "creating discovery client: %v", err)
	}

	cn := &conn{
		dynamic:   dyn,
		discovery: disc,
		mappings:  make(map[string]*metav1.APIResource),
	}
	c.conns[kubeContext] = cn
	return cn, nil
}

func (c *DynamicCluster) restConfig(kubeContext string) (*rest.Config, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if c.kubeconfigPath != "" {
		loadingRules.ExplicitPath = c.kubeconfigPath
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}

	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
	if err == nil {
		return config, nil
	}
	if kubeContext == "" {
		// Outside a kubeconfig, fall back to in-cluster credentials.
		if inCluster, icErr := rest.InClusterConfig(); icErr == nil {
			return inCluster, nil
		}
	}
	return nil, err
}

// resourceFor discovers the APIResource for a fully specified
// group/version/kind.
func (cn *conn) resourceFor(group, version, kind string) (*metav1.APIResource, error) {
	key := group + "/" + version + "/" + kind
	cn.mapMu.Lock()
	if res, ok := cn.mappings[key]; ok {
		cn.mapMu.Unlock()
		return res, nil
	}
	cn.mapMu.Unlock()

	gv := schema.GroupVersion{Group: group, Version: version}
	resourceList, err := cn.discovery.ServerResourcesForGroupVersion(gv.String())
	if err != nil {
		return nil, err
	}
	for i := range resourceList.APIResources {
		res := &resourceList.APIResources[i]
		if res.Kind == kind && !strings.Contains(res.Name, "/") {
			cn.mapMu.Lock()
			cn.mappings[key] = res
			cn.mapMu.Unlock()
			return res, nil
		}
	}
	return nil, fmt.Errorf("kind %q not found in %s", kind, gv)
}

// preferredResource discovers the server's preferred version for a
// group+kind, used when only an identity (no version) is known.
func (cn *conn) preferredResource(group, kind string) (*metav1.APIResource, schema.GroupVersionResource, error) {
	key := group + "//" + kind
	cn.mapMu.Lock()
	if res, ok := cn.mappings[key]; ok {
		cn.mapMu.Unlock()
		return res, gvrOf(res.Group, res.Version, res.Name), nil
	}
	cn.mapMu.Unlock()

	lists, err := cn.discovery.ServerPreferredResources()
	if err != nil && len(lists) == 0 {
		return nil, schema.GroupVersionResource{}, err
	}
	for _, list := range lists {
		gv, gvErr := schema.ParseGroupVersion(list.GroupVersion)
		if gvErr != nil || gv.Group != group {
			continue
		}
		for i := range list.APIResources {
			res := &list.APIResources[i]
			if res.Kind != kind || strings.Contains(res.Name, "/") {
				continue
			}
			found := *res
			found.Group = gv.Group
			found.Version = gv.Version
			cn.mapMu.Lock()
			cn.mappings[key] = &found
			cn.mapMu.Unlock()
			return &found, gvrOf(gv.Group, gv.Version, found.Name), nil
		}
	}
	return nil, schema.GroupVersionResource{}, fmt.Errorf("kind %q not found in group %q", kind, group)
}

func gvrOf(group, version, resource string) schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: group, Version: version, Resource: resource}
}

func resourceInterface(cn *conn, gvr schema.GroupVersionResource, res *metav1.APIResource, target engine.Target, namespace string) dynamic.ResourceInterface {
	ri := cn.dynamic.Resource(gvr)
	if res.Namespaced {
		return ri.Namespace(namespaceFor(target, namespace))
	}
	return ri
}

// prepareForApply copies the object, stamps the ownership marker label, and
// defaults the namespace for namespaced kinds.
func prepareForApply(target engine.Target, obj *unstructured.Unstructured, namespaced bool) (*unstructured.Unstructured, string) {
	stamped := obj.DeepCopy()
	lbls := stamped.GetLabels()
	if lbls == nil {
		lbls = make(map[string]string)
	}
	lbls[engine.OwnerLabel] = target.Name
	stamped.SetLabels(lbls)

	namespace := ""
	if namespaced {
		namespace = namespaceFor(target, stamped.GetNamespace())
		stamped.SetNamespace(namespace)
	}
	return stamped, namespace
}

// namespaceFor picks the effective namespace: the object's own, then the
// destination default, then "default".
func namespaceFor(target engine.Target, namespace string) string {
	if namespace != "" {
		return namespace
	}
	if target.Destination.Namespace != "" {
		return target.Destination.Namespace
	}
	return "default"
}

// classify maps platform errors onto the engine's taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return engine.NewError(engine.KindPermissionDenied, err)
	case apierrors.IsConflict(err):
		return engine.NewError(engine.KindResourceConflict, err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err), apierrors.IsMethodNotSupported(err):
		return engine.NewError(engine.KindApplyRejected, err)
	case apierrors.IsServerTimeout(err), apierrors.IsTimeout(err),
		apierrors.IsServiceUnavailable(err), apierrors.IsTooManyRequests(err):
		return engine.NewError(engine.KindDestinationUnreachable, err)
	case isNetworkError(err):
		return engine.NewError(engine.KindDestinationUnreachable, err)
	default:
		return err
	}
}

func isNetworkError(err error) bool {
	var urlErr *url.Error
	var netErr net.Error
	return errors.As(err, &urlErr) || errors.As(err, &netErr)
}
