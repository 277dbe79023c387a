package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"converge/internal/engine"
	"converge/internal/registry"
)

func newTestApplication(t *testing.T) *Application {
	t.Helper()

	dir := t.TempDir()
	content := "server:\n  port: 0\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	a, err := NewApplication(Options{ConfigPath: dir, Silent: true})
	require.NoError(t, err)
	return a
}

func storedTarget(name string) engine.Target {
	return engine.Target{
		Name:        name,
		RepoURL:     "https://git.example.com/" + name + ".git",
		Revision:    "main",
		Path:        "manifests",
		Destination: engine.Destination{Context: "prod", Namespace: name},
	}
}

func TestNewApplicationDefaults(t *testing.T) {
	a := newTestApplication(t)
	assert.Equal(t, 3*time.Minute, a.cfg.Defaults.Interval)
	assert.NotNil(t, a.scheduler)
	assert.NotNil(t, a.server)
}

func TestApplyTargetChangeRegistersAndUpdates(t *testing.T) {
	a := newTestApplication(t)

	target := storedTarget("web")
	require.NoError(t, a.store.Save(target))

	a.applyTargetChange(registry.ChangeEvent{Name: "web", Operation: registry.OperationCreate})
	registered, ok := a.scheduler.GetTarget("web")
	require.True(t, ok)
	// The configured default interval is applied.
	assert.Equal(t, 3*time.Minute, registered.Interval)

	target.Revision = "v2.0.0"
	require.NoError(t, a.store.Save(target))
	a.applyTargetChange(registry.ChangeEvent{Name: "web", Operation: registry.OperationUpdate})
	updated, ok := a.scheduler.GetTarget("web")
	require.True(t, ok)
	assert.Equal(t, "v2.0.0", updated.Revision)
}

func TestApplyTargetChangeIdentityChangeReRegisters(t *testing.T) {
	a := newTestApplication(t)

	target := storedTarget("web")
	require.NoError(t, a.store.Save(target))
	a.applyTargetChange(registry.ChangeEvent{Name: "web", Operation: registry.OperationCreate})

	target.RepoURL = "https://git.example.com/moved.git"
	require.NoError(t, a.store.Save(target))
	a.applyTargetChange(registry.ChangeEvent{Name: "web", Operation: registry.OperationUpdate})

	registered, ok := a.scheduler.GetTarget("web")
	require.True(t, ok)
	assert.Equal(t, "https://git.example.com/moved.git", registered.RepoURL)
}

func TestApplyTargetChangeDelete(t *testing.T) {
	a := newTestApplication(t)

	require.NoError(t, a.store.Save(storedTarget("web")))
	a.applyTargetChange(registry.ChangeEvent{Name: "web", Operation: registry.OperationCreate})

	a.applyTargetChange(registry.ChangeEvent{Name: "web", Operation: registry.OperationDelete})
	_, ok := a.scheduler.GetTarget("web")
	assert.False(t, ok)
}

func TestApplyTargetChangeMalformedFileIgnored(t *testing.T) {
	a := newTestApplication(t)

	path := filepath.Join(a.store.Dir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("revision: [oops"), 0o644))

	a.applyTargetChange(registry.ChangeEvent{Name: "broken", Operation: registry.OperationCreate})
	_, ok := a.scheduler.GetTarget("broken")
	assert.False(t, ok)
}
