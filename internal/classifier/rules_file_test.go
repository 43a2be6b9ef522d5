package classifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/quill/internal/workflow"
	"github.com/ShayCichocki/quill/pkg/models"
)

const shipItRules = `
rules:
  - name: ship_it
    pattern: "(?i)^ship it now$"
    steps: [structure_approval]
    decision:
      category: workflow_request
      action: jump_to_step
      target_step: content_creation
      target_capability: writer
`

const restartRules = `
rules:
  - name: restart
    pattern: "(?i)^start over$"
    decision:
      category: workflow_request
      action: start_new_workflow
      target_workflow: publication
      confidence: medium
`

func writeRules(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(shipItRules))
	require.NoError(t, err)
	require.Len(t, rules, 1)

	r := rules[0]
	assert.Equal(t, "ship_it", r.Name)
	assert.Equal(t, []string{"structure_approval"}, r.Steps)
	assert.Equal(t, models.CapabilityWriter, r.Decision.TargetCapability)
	assert.True(t, r.Matches("Ship it now", Context{Step: workflow.StepStructureApproval}))
}

func TestParseRules_Unless(t *testing.T) {
	rules, err := ParseRules([]byte(`
rules:
  - name: approve
    pattern: "(?i)^yes"
    unless: "(?i)\\bbut\\b"
    decision: {category: workflow_request, action: jump_to_step, target_step: content_creation}
`))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.True(t, rules[0].Matches("yes please", Context{}))
	assert.False(t, rules[0].Matches("yes but not now", Context{}))

	_, err = ParseRules([]byte("rules:\n  - name: x\n    pattern: x\n    unless: \"(\"\n    decision: {category: general, action: none}\n"))
	assert.Error(t, err)
}

func TestParseRules_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":     "rules: [",
		"bad regexp":   "rules:\n  - name: x\n    pattern: \"(\"\n    decision: {category: general, action: none}\n",
		"bad action":   "rules:\n  - name: x\n    pattern: x\n    decision: {category: general, action: fly}\n",
		"no name":      "rules:\n  - pattern: x\n    decision: {category: general, action: none}\n",
		"unknown flag": "rules:\n  - name: x\n    pattern: x\n    require_flags: [magic]\n    decision: {category: general, action: none}\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRules([]byte(content))
			assert.Error(t, err)
		})
	}
}

func TestRulesWatcher_FileRulesFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, shipItRules)

	rw, err := NewRulesWatcher(path, DefaultRules(), nil)
	require.NoError(t, err)
	defer rw.Close()

	assert.Equal(t, []string{"ship_it", "approve_structure", "start_generation"}, rw.Current().Names())

	d := rw.Apply("ship it now", Context{Step: workflow.StepStructureApproval}, generalDecision)
	assert.Equal(t, "ship_it", d.Rule)
	assert.Equal(t, models.SourceOverride, d.Source)
}

func TestRulesWatcher_BrokenFileKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, shipItRules)

	rw, err := NewRulesWatcher(path, DefaultRules(), nil)
	require.NoError(t, err)
	defer rw.Close()

	writeRules(t, path, "rules: [")
	assert.Error(t, rw.Reload())
	assert.Equal(t, 3, rw.Current().Len())

	writeRules(t, path, restartRules)
	require.NoError(t, rw.Reload())
	assert.Equal(t, "restart", rw.Current().Names()[0])
}

func TestNewRulesWatcher_MissingFile(t *testing.T) {
	_, err := NewRulesWatcher(filepath.Join(t.TempDir(), "nope.yaml"), DefaultRules(), nil)
	assert.Error(t, err)
}

func TestRulesWatcher_HotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, shipItRules)

	rw, err := NewRulesWatcher(path, DefaultRules(), nil)
	require.NoError(t, err)
	defer rw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rw.Watch(ctx))

	writeRules(t, path, restartRules)

	require.Eventually(t, func() bool {
		names := rw.Current().Names()
		return len(names) > 0 && names[0] == "restart"
	}, 5*time.Second, 20*time.Millisecond)

	d := rw.Apply("start over", Context{}, generalDecision)
	assert.Equal(t, models.ActionStartWorkflow, d.Action)
	assert.Equal(t, models.ConfidenceMedium, d.Confidence)
}
