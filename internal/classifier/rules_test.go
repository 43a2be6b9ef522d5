package classifier

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/quill/internal/workflow"
	"github.com/ShayCichocki/quill/pkg/models"
)

var generalDecision = models.Decision{
	Category:   models.CategoryGeneral,
	Action:     models.ActionNone,
	Confidence: models.ConfidenceHigh,
	Source:     models.SourceClassifier,
}

func TestBuiltinRules_Approval(t *testing.T) {
	rs := DefaultRules()
	atApproval := Context{Step: workflow.StepStructureApproval}

	tests := []struct {
		text  string
		ctx   Context
		fires bool
	}{
		{"yes", atApproval, true},
		{"Looks great, thanks", atApproval, true},
		{"approved", atApproval, true},
		{"  OK let's move on", atApproval, true},
		{"lgtm", atApproval, true},
		{"no, change chapter 2", atApproval, false},
		{"Yes, but change chapter 2 first", atApproval, false},
		{"ok except the ending", atApproval, false},
		{"looks good, wait on the title though", atApproval, false},
		{"yes, rename the second chapter", atApproval, false},
		{"Approved, don't touch it", atApproval, false},
		{"what does approve mean?", atApproval, false},
		{"yes", Context{Step: workflow.StepDesign}, false},
		{"yes", Context{}, false},
	}

	for _, tt := range tests {
		d := rs.Apply(tt.text, tt.ctx, generalDecision)
		if tt.fires {
			assert.Equal(t, models.SourceOverride, d.Source, "%q at %q", tt.text, tt.ctx.Step)
			assert.Equal(t, workflow.StepContentCreation, d.TargetStep)
			assert.Equal(t, models.CapabilityApprover, d.TargetCapability)
		} else {
			assert.Equal(t, generalDecision, d, "%q at %q should not be overridden", tt.text, tt.ctx.Step)
		}
	}
}

func TestBuiltinRules_StartGeneration(t *testing.T) {
	rs := DefaultRules()
	withStructure := Context{Step: workflow.StepReview, Flags: models.Flags{Structure: true}}

	for _, text := range []string{"start generating", "please begin writing", "Generate the pages", "write it"} {
		d := rs.Apply(text, withStructure, generalDecision)
		assert.Equal(t, "start_generation", d.Rule, "%q", text)
		assert.Equal(t, models.CapabilityWriter, d.TargetCapability)
		assert.Equal(t, models.ConfidenceHigh, d.Confidence)
	}

	// No structure yet: the rule stays quiet.
	d := rs.Apply("start generating", Context{}, generalDecision)
	assert.Equal(t, generalDecision, d)
}

func TestRules_FirstMatchWins(t *testing.T) {
	first := Rule{
		Name:    "first",
		Pattern: regexp.MustCompile(`(?i)hello`),
		Decision: models.Decision{
			Category: models.CategoryGeneral, Action: models.ActionNone,
		},
	}
	second := first
	second.Name = "second"

	rs := NewRules(first, second)
	d := rs.Apply("hello", Context{}, generalDecision)
	assert.Equal(t, "first", d.Rule)
	assert.Equal(t, models.ConfidenceHigh, d.Confidence, "missing confidence defaults to high")

	prepended := rs.With([]Rule{second})
	assert.Equal(t, []string{"second", "first", "second"}, prepended.Names())
	assert.Equal(t, 2, rs.Len(), "With must not mutate the receiver")
}

func TestRule_Validate(t *testing.T) {
	ok := BuiltinRules()[0]
	require.NoError(t, ok.Validate())

	noPattern := ok
	noPattern.Pattern = nil
	assert.Error(t, noPattern.Validate())

	badFlag := ok
	badFlag.RequireFlags = []string{"wings"}
	assert.Error(t, badFlag.Validate())

	badDecision := ok
	badDecision.Decision.TargetStep = ""
	assert.Error(t, badDecision.Validate())
}

func TestRules_NilSafe(t *testing.T) {
	var rs *Rules
	assert.Equal(t, generalDecision, rs.Apply("yes", Context{Step: workflow.StepStructureApproval}, generalDecision))
	assert.Equal(t, 0, rs.Len())
}

func TestRule_UnlessVetoes(t *testing.T) {
	r := Rule{
		Name:    "greet",
		Pattern: regexp.MustCompile(`(?i)^hello`),
		Unless:  regexp.MustCompile(`(?i)\bgoodbye\b`),
		Decision: models.Decision{
			Category: models.CategoryGeneral, Action: models.ActionNone,
		},
	}
	assert.True(t, r.Matches("hello there", Context{}))
	assert.False(t, r.Matches("hello and goodbye", Context{}))
}
