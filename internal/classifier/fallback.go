package classifier

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/quill/internal/workflow"
	"github.com/ShayCichocki/quill/pkg/models"
)

// IntentKeywords maps keyword groups to the step they point at. Groups are
// checked in the order of DefaultIntentKeywords.Order.
type IntentKeywords struct {
	// Approve keywords only count at the structure approval step.
	Approve []string
	// Generate keywords ask for the content itself.
	Generate []string
	// Revise keywords ask to change generated content.
	Revise    []string
	Review    []string
	Structure []string
	Design    []string
	Research  []string
	// Start keywords open a new publication.
	Start []string
	// Continue keywords keep the current step.
	Continue []string
}

// DefaultIntentKeywords is the keyword table used when the classifier
// cannot produce a decision.
var DefaultIntentKeywords = IntentKeywords{
	Approve: []string{
		"approve",
		"approved",
		"looks good",
		"lgtm",
		"go ahead",
		"yes",
		"ok",
		"proceed",
	},

	Generate: []string{
		"generate",
		"start writing",
		"write the",
		"write it",
		"create the content",
		"make the pages",
	},

	Revise: []string{
		"revise",
		"rewrite",
		"change the",
		"edit",
		"fix the",
		"make it",
		"shorter",
		"longer",
	},

	Review: []string{
		"review",
		"proofread",
		"feedback",
		"check it",
	},

	Structure: []string{
		"outline",
		"structure",
		"chapters",
		"table of contents",
		"plan the",
	},

	Design: []string{
		"design",
		"style",
		"look and feel",
		"tone",
		"illustration",
		"characters",
	},

	Research: []string{
		"research",
		"look up",
		"find out",
		"facts about",
		"background",
	},

	Start: []string{
		"new book",
		"new story",
		"new project",
		"start a",
		"create a",
		"let's make",
		"i want to write",
	},

	Continue: []string{
		"next",
		"continue",
		"go on",
		"keep going",
		"carry on",
	},
}

// Fallback derives a decision from keywords and the current step alone.
// It never fails and always reports low confidence.
func Fallback(text string, c Context) models.Decision {
	lower := strings.ToLower(text)
	kw := DefaultIntentKeywords

	jump := func(step, capability, matched string) models.Decision {
		return lowConfidence(models.Decision{
			Category:         models.CategoryWorkflow,
			Action:           models.ActionJumpToStep,
			TargetStep:       step,
			TargetCapability: capability,
		}, matched)
	}

	if c.Step == workflow.StepStructureApproval {
		if m, ok := matchAny(lower, kw.Approve); ok && !reservationPattern.MatchString(lower) {
			return jump(workflow.StepContentCreation, models.CapabilityApprover, m)
		}
	}
	if m, ok := matchAny(lower, kw.Revise); ok && c.Flags.Content {
		return jump(workflow.StepContentRevision, "", m)
	}
	if m, ok := matchAny(lower, kw.Generate); ok && c.Flags.Structure {
		return jump(workflow.StepContentCreation, models.CapabilityWriter, m)
	}
	if m, ok := matchAny(lower, kw.Start); ok {
		return lowConfidence(models.Decision{
			Category:       models.CategoryWorkflow,
			Action:         models.ActionStartWorkflow,
			TargetWorkflow: workflow.Publication,
		}, m)
	}
	if m, ok := matchAny(lower, kw.Review); ok && c.Flags.Content {
		return jump(workflow.StepReview, "", m)
	}
	if m, ok := matchAny(lower, kw.Structure); ok {
		return jump(workflow.StepStructure, "", m)
	}
	if m, ok := matchAny(lower, kw.Design); ok {
		return jump(workflow.StepDesign, "", m)
	}
	if m, ok := matchAny(lower, kw.Research); ok {
		return jump(workflow.StepResearch, "", m)
	}
	if c.Step != "" {
		if m, ok := matchAny(lower, kw.Continue); ok {
			return lowConfidence(models.Decision{
				Category: models.CategoryWorkflow,
				Action:   models.ActionContinueCurrent,
			}, m)
		}
	}

	d := lowConfidence(models.Decision{
		Category: models.CategoryGeneral,
		Action:   models.ActionNone,
	}, "")
	d.Reasoning = "no keyword match, treating as conversation"
	return d
}

func lowConfidence(d models.Decision, matched string) models.Decision {
	d.Confidence = models.ConfidenceLow
	d.Source = models.SourceFallback
	if matched != "" {
		d.Reasoning = fmt.Sprintf("matched keyword %q", matched)
	}
	return d
}

// matchAny returns the first keyword contained in lower. Single words
// must match on word boundaries so "ok" does not fire inside "book".
func matchAny(lower string, keywords []string) (string, bool) {
	for _, k := range keywords {
		if containsPhrase(lower, k) {
			return k, true
		}
	}
	return "", false
}

func containsPhrase(lower, phrase string) bool {
	for start := 0; start < len(lower); {
		i := strings.Index(lower[start:], phrase)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(phrase)
		if (i == 0 || !isWordByte(lower[i-1])) && (end == len(lower) || !isWordByte(lower[end])) {
			return true
		}
		start = i + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '_' || b == '\'' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
