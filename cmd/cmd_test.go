package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"converge/internal/config"
	"converge/internal/engine"
	"converge/internal/registry"
	"converge/internal/server"
)

type nullSource struct{}

func (nullSource) ResolveRevision(ctx context.Context, target engine.Target) (string, error) {
	return "deadbeef", nil
}

func (nullSource) Render(ctx context.Context, target engine.Target, revision string) ([]*unstructured.Unstructured, error) {
	return nil, nil
}

type nullCluster struct{}

func (nullCluster) List(ctx context.Context, target engine.Target, gvks []schema.GroupVersionKind) ([]*unstructured.Unstructured, error) {
	return nil, nil
}

func (nullCluster) Get(ctx context.Context, target engine.Target, id engine.ObjectIdentity) (*unstructured.Unstructured, error) {
	return nil, nil
}

func (nullCluster) Apply(ctx context.Context, target engine.Target, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	return obj, nil
}

func (nullCluster) Delete(ctx context.Context, target engine.Target, id engine.ObjectIdentity) error {
	return nil
}

// startTestServer runs the management API on a random port. Tests pass the
// returned URL via the --server flag.
func startTestServer(t *testing.T) (*engine.Scheduler, string) {
	t.Helper()

	store, err := registry.NewStore(t.TempDir())
	require.NoError(t, err)

	scheduler := engine.NewScheduler(engine.SchedulerConfig{}, nullSource{}, nullCluster{})
	srv := server.New(config.GetDefaultConfig(), scheduler, store)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return scheduler, ts.URL
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3")
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "converge version 1.2.3")
}

func TestTargetAddAndStatus(t *testing.T) {
	scheduler, url := startTestServer(t)

	out, err := runCommand(t, "target", "add", "web", "--server", url,
		"--repo", "https://git.example.com/web.git",
		"--revision", "main",
		"--path", "manifests",
		"--context", "prod",
		"--namespace", "web")
	require.NoError(t, err)
	assert.Contains(t, out, "Registered target web")

	_, ok := scheduler.GetTarget("web")
	assert.True(t, ok)

	out, err = runCommand(t, "status", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "web")
	assert.Contains(t, out, "Idle")
}

func TestSyncCommand(t *testing.T) {
	scheduler, url := startTestServer(t)
	require.NoError(t, scheduler.AddTarget(engine.Target{
		Name:        "web",
		RepoURL:     "https://git.example.com/web.git",
		Revision:    "main",
		Path:        "manifests",
		Destination: engine.Destination{Context: "prod"},
	}))

	out, err := runCommand(t, "sync", "web", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "Sync requested for web")

	_, err = runCommand(t, "sync", "ghost", "--server", url)
	assert.Error(t, err)
}

func TestStatusNoTargets(t *testing.T) {
	_, url := startTestServer(t)

	out, err := runCommand(t, "status", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "No targets registered")
}

func TestTargetRemove(t *testing.T) {
	scheduler, url := startTestServer(t)
	require.NoError(t, scheduler.AddTarget(engine.Target{
		Name:        "web",
		RepoURL:     "https://git.example.com/web.git",
		Revision:    "main",
		Path:        "manifests",
		Destination: engine.Destination{Context: "prod"},
	}))

	out, err := runCommand(t, "target", "remove", "web", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed target web")

	_, ok := scheduler.GetTarget("web")
	assert.False(t, ok)
}
