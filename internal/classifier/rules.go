package classifier

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/ShayCichocki/quill/internal/workflow"
	"github.com/ShayCichocki/quill/pkg/models"
)

// Rule forces a decision when an utterance matches Pattern in a context
// that satisfies Steps and RequireFlags.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	// Steps restricts the rule to these current steps. Empty matches any step.
	Steps []string
	// Unless vetoes the rule when it also matches text.
	Unless *regexp.Regexp
	// RequireFlags names resource flags that must all be set.
	RequireFlags []string
	Decision     models.Decision
}

// Matches reports whether the rule fires for text in context c.
func (r Rule) Matches(text string, c Context) bool {
	if r.Pattern == nil || !r.Pattern.MatchString(text) {
		return false
	}
	if r.Unless != nil && r.Unless.MatchString(text) {
		return false
	}
	if len(r.Steps) > 0 && !slices.Contains(r.Steps, c.Step) {
		return false
	}
	for _, name := range r.RequireFlags {
		if v, ok := flagValue(c.Flags, name); !ok || !v {
			return false
		}
	}
	return true
}

// Validate checks that the rule can be evaluated and forces a usable decision.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule has no name")
	}
	if r.Pattern == nil {
		return fmt.Errorf("rule %s: no pattern", r.Name)
	}
	for _, name := range r.RequireFlags {
		if _, ok := flagValue(models.Flags{}, name); !ok {
			return fmt.Errorf("rule %s: unknown flag %q", r.Name, name)
		}
	}
	d := r.Decision
	if d.Confidence == "" {
		d.Confidence = models.ConfidenceHigh
	}
	if !d.Valid() {
		return fmt.Errorf("rule %s: invalid decision %+v", r.Name, r.Decision)
	}
	return nil
}

// RuleSource applies override rules to a raw decision.
type RuleSource interface {
	Apply(text string, c Context, d models.Decision) models.Decision
}

// Rules is an immutable ordered rule table. The first matching rule wins.
type Rules struct {
	rules []Rule
}

var _ RuleSource = (*Rules)(nil)

// NewRules builds a table evaluated in the given order.
func NewRules(rules ...Rule) *Rules {
	return &Rules{rules: slices.Clone(rules)}
}

// DefaultRules returns the table of built-in rules.
func DefaultRules() *Rules {
	return NewRules(BuiltinRules()...)
}

// Len returns the number of rules.
func (rs *Rules) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Names returns rule names in evaluation order.
func (rs *Rules) Names() []string {
	if rs == nil {
		return nil
	}
	names := make([]string, len(rs.rules))
	for i, r := range rs.rules {
		names[i] = r.Name
	}
	return names
}

// Match returns the first rule that fires.
func (rs *Rules) Match(text string, c Context) (Rule, bool) {
	if rs == nil {
		return Rule{}, false
	}
	for _, r := range rs.rules {
		if r.Matches(text, c) {
			return r, true
		}
	}
	return Rule{}, false
}

// Apply returns the forced decision of the first matching rule, or d
// unchanged when nothing matches.
func (rs *Rules) Apply(text string, c Context, d models.Decision) models.Decision {
	r, ok := rs.Match(text, c)
	if !ok {
		return d
	}
	forced := r.Decision
	if forced.Confidence == "" {
		forced.Confidence = models.ConfidenceHigh
	}
	forced.Source = models.SourceOverride
	forced.Rule = r.Name
	forced.Reasoning = fmt.Sprintf("override %s (was %s/%s)", r.Name, d.Action, d.TargetStep)
	return forced
}

// With returns a new table with extra rules evaluated before rs.
func (rs *Rules) With(first []Rule) *Rules {
	all := slices.Clone(first)
	if rs != nil {
		all = append(all, rs.rules...)
	}
	return &Rules{rules: all}
}

var (
	approvalPattern = regexp.MustCompile(`(?i)^\s*(yes|yep|yeah|ok(ay)?|approved?|lgtm|looks (good|great|fine)|go ahead|continue|proceed|sounds good|perfect|let'?s go|ship it)\b`)

	// An approval that asks for changes is not an approval.
	reservationPattern = regexp.MustCompile(`(?i)\b(but|except|however|though|first|change|changes|wait|instead|not yet|hold on|don'?t|rename|fix)\b`)

	startGenerationPattern = regexp.MustCompile(`(?i)\b(start|begin|kick off)\s+(the\s+)?(generat|writ)\w*|\b(generate|write)\s+(it|them|the\s+(content|book|chapters?|pages?|story))\b`)
)

// BuiltinRules returns the rules every deployment carries.
func BuiltinRules() []Rule {
	return []Rule{
		{
			Name:    "approve_structure",
			Pattern: approvalPattern,
			Unless:  reservationPattern,
			Steps:   []string{workflow.StepStructureApproval},
			Decision: models.Decision{
				Category:         models.CategoryWorkflow,
				Action:           models.ActionJumpToStep,
				TargetWorkflow:   workflow.Publication,
				TargetStep:       workflow.StepContentCreation,
				TargetCapability: models.CapabilityApprover,
				Confidence:       models.ConfidenceHigh,
			},
		},
		{
			Name:         "start_generation",
			Pattern:      startGenerationPattern,
			RequireFlags: []string{models.KeyHasStructure},
			Decision: models.Decision{
				Category:         models.CategoryWorkflow,
				Action:           models.ActionJumpToStep,
				TargetWorkflow:   workflow.Publication,
				TargetStep:       workflow.StepContentCreation,
				TargetCapability: models.CapabilityWriter,
				Confidence:       models.ConfidenceHigh,
			},
		},
	}
}
