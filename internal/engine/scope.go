package engine

// clusterScopedKinds lists the built-in kinds that carry no namespace.
// Kinds outside this table are assumed namespaced, which matches the
// common case for custom resources.
var clusterScopedKinds = map[string]bool{
	"Namespace":                      true,
	"Node":                           true,
	"PersistentVolume":               true,
	"CustomResourceDefinition":       true,
	"ClusterRole":                    true,
	"ClusterRoleBinding":             true,
	"StorageClass":                   true,
	"VolumeAttachment":               true,
	"CSIDriver":                      true,
	"CSINode":                        true,
	"PriorityClass":                  true,
	"RuntimeClass":                   true,
	"IngressClass":                   true,
	"APIService":                     true,
	"MutatingWebhookConfiguration":   true,
	"ValidatingWebhookConfiguration": true,
	"CertificateSigningRequest":      true,
}

// NormalizeNamespaces fills in the namespace of every namespaced object
// in the snapshot that does not declare one, using the destination's
// default namespace. This happens before diffing so that desired
// identities line up with what the destination reports back after an
// apply: without it a manifest omitting metadata.namespace would never
// match its own live object.
//
// Cluster-scoped kinds are left untouched. Objects are mutated in place;
// the snapshot is owned by the run that fetched it.
func NormalizeNamespaces(snapshot *DesiredStateSnapshot, dest Destination) {
	ns := dest.Namespace
	if ns == "" {
		ns = "default"
	}
	for _, obj := range snapshot.Objects {
		if clusterScopedKinds[obj.GetKind()] {
			continue
		}
		if obj.GetNamespace() == "" {
			obj.SetNamespace(ns)
		}
	}
}
