package domain

// Stage is one of the nine ordered phases of the website-delivery pipeline.
// The zero value is not a valid stage; always start a project at
// StageInitialReview.
type Stage string

const (
	StageInitialReview Stage = "initial_review"
	StageResearch      Stage = "research"
	StageDesign        Stage = "design"
	StageContent       Stage = "content"
	StageDevelopment   Stage = "development"
	StageQA            Stage = "qa"
	StagePreview       Stage = "preview"
	StageDeployment    Stage = "deployment"
	StageDelivered     Stage = "delivered"
)

// Stages is the canonical, ordered enumeration. Index order is
// the only source of truth for "next stage" and "is terminal" logic.
var Stages = []Stage{
	StageInitialReview,
	StageResearch,
	StageDesign,
	StageContent,
	StageDevelopment,
	StageQA,
	StagePreview,
	StageDeployment,
	StageDelivered,
}

// gatedStages are stages 3, 4 and 7 per Section 3 ("Approval"): design,
// content, preview.
var gatedStages = map[Stage]bool{
	StageDesign:  true,
	StageContent: true,
	StagePreview: true,
}

func (s Stage) Valid() bool {
	for _, x := range Stages {
		if x == s {
			return true
		}
	}
	return false
}

func (s Stage) Gated() bool {
	return gatedStages[s]
}

func (s Stage) Terminal() bool {
	return s == StageDelivered
}

// Index returns the stage's position in Stages, or -1 if unknown.
func (s Stage) Index() int {
	for i, x := range Stages {
		if x == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s, or ("", false) if s is terminal
// or unknown.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(Stages) {
		return "", false
	}
	return Stages[i+1], true
}
