package classifier

import "github.com/ShayCichocki/quill/pkg/models"

// Context is what the classifier knows about the session besides the
// utterance itself.
type Context struct {
	// Recent is the bounded window of latest messages, oldest first.
	Recent   []models.Message
	Flags    models.Flags
	Workflow string
	Step     string
	Summary  string
}

// flagValue resolves a flag by its step-data name.
func flagValue(f models.Flags, name string) (bool, bool) {
	switch name {
	case "research", models.KeyHasResearch:
		return f.Research, true
	case "design", models.KeyHasDesign:
		return f.Design, true
	case "structure", models.KeyHasStructure:
		return f.Structure, true
	case models.KeyStructureApproved:
		return f.StructureApproved, true
	case "content", models.KeyHasContent:
		return f.Content, true
	default:
		return false, false
	}
}
