package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/quill/internal/config"
	"github.com/ShayCichocki/quill/internal/workflow"
	"github.com/ShayCichocki/quill/pkg/models"
)

const restartRules = `
rules:
  - name: restart
    pattern: "(?i)^start over$"
    decision:
      category: workflow_request
      action: start_new_workflow
      target_workflow: publication
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DBPath = filepath.Join(dir, "quill.db")
	cfg.Storage.ArtifactDBPath = filepath.Join(dir, "artifacts.db")
	return cfg
}

func TestBuild_WiresComponents(t *testing.T) {
	cfg := testConfig(t)
	rules := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte(restartRules), 0644))
	cfg.Classifier.RulesFile = rules

	d, err := Build(context.Background(), cfg, BuildOptions{LLM: &fakeLLM{}})
	require.NoError(t, err)

	assert.NotNil(t, d.Metrics)
	assert.NotNil(t, d.Recovery)
	assert.NotNil(t, d.Assembler)
	assert.Nil(t, d.Bus, "no bus without a nats url")

	o, err := New(d)
	require.NoError(t, err)

	resp, err := o.Handle(context.Background(), Request{Text: "start over"})
	require.NoError(t, err)
	assert.Equal(t, models.SourceOverride, resp.Decision.Source)
	assert.Equal(t, "restart", resp.Decision.Rule)
	require.NotNil(t, resp.Session)
	assert.Equal(t, workflow.Publication, resp.Session.CurrentWorkflow)

	require.NoError(t, d.Close())
	assert.FileExists(t, cfg.Storage.DBPath)
	assert.FileExists(t, cfg.Storage.ArtifactDBPath)
}

func TestBuild_DBPathOverride(t *testing.T) {
	cfg := testConfig(t)
	override := filepath.Join(t.TempDir(), "other.db")

	d, err := Build(context.Background(), cfg, BuildOptions{LLM: &fakeLLM{}, DBPath: override})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	assert.FileExists(t, override)
	assert.NoFileExists(t, cfg.Storage.DBPath)
}

func TestBuild_MissingRulesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Classifier.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := Build(context.Background(), cfg, BuildOptions{LLM: &fakeLLM{}})
	assert.Error(t, err)
}

func TestBuild_RequiresCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("QUILL_ANTHROPIC_API_KEY", "")
	cfg := testConfig(t)

	_, err := Build(context.Background(), cfg, BuildOptions{})
	assert.ErrorIs(t, err, config.ErrNoAPIKey)
}

func TestDeps_CloseNil(t *testing.T) {
	var d *Deps
	assert.NoError(t, d.Close())
}
