// Package registry persists target definitions and watches them for edits.
//
// Each target lives in its own YAML file under the targets directory. The
// Store covers programmatic registration through the API; the Watcher picks
// up manual edits to the same files so targets can also be managed with a
// text editor and git. Both views converge on the same scheduler.
package registry
