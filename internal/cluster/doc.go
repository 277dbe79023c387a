// Package cluster talks to destination Kubernetes clusters.
//
// DynamicCluster is the single implementation of the engine's destination
// interface. It uses the dynamic client so any kind, including custom
// resources, can be managed without compiled-in types; discovery maps
// group/version/kind to the server's resource names and scopes.
//
// Writes go through server-side apply under a fixed field manager, which
// makes repeated applies of the same manifest a no-op on the server and
// leaves fields owned by other controllers untouched. Every applied object
// carries the ownership marker label, and reads filter on it, so objects
// that were never applied by a target are invisible to the reconciler and
// therefore can never be pruned by it.
package cluster
