package outfit

import "github.com/joescharf/fitroom/internal/models"

// LastAction records the most recent generating operation so Regenerate can
// retry it. The set of implementations is closed: TryOnAction, PoseAction,
// EditAction.
type LastAction interface {
	isLastAction()
	// Name is a short label for display.
	Name() string
}

// TryOnAction re-dresses the predecessor layer in the stored garment.
type TryOnAction struct {
	GarmentFile string
	Garment     models.WardrobeItem
}

// PoseAction re-renders the stored base image in the stored pose.
type PoseAction struct {
	Instruction string
	BaseImage   string
}

// EditAction re-applies the stored prompt to the stored base image.
type EditAction struct {
	Prompt    string
	BaseImage string
}

func (TryOnAction) isLastAction() {}
func (PoseAction) isLastAction()  {}
func (EditAction) isLastAction()  {}

func (TryOnAction) Name() string { return "try-on" }
func (PoseAction) Name() string  { return "pose" }
func (EditAction) Name() string  { return "edit" }

// actionRecord converts a to its stored form. A nil action has none.
func actionRecord(a LastAction) *models.ActionRecord {
	switch a := a.(type) {
	case TryOnAction:
		g := a.Garment
		return &models.ActionRecord{Kind: models.ActionTryOn, GarmentFile: a.GarmentFile, Garment: &g}
	case PoseAction:
		return &models.ActionRecord{Kind: models.ActionPose, Instruction: a.Instruction, BaseImage: a.BaseImage}
	case EditAction:
		return &models.ActionRecord{Kind: models.ActionEdit, Prompt: a.Prompt, BaseImage: a.BaseImage}
	default:
		return nil
	}
}

// actionFromRecord rebuilds the action in r. Records that are incomplete or
// of an unknown kind yield nil.
func actionFromRecord(r *models.ActionRecord) LastAction {
	if r == nil {
		return nil
	}
	switch r.Kind {
	case models.ActionTryOn:
		if r.GarmentFile == "" || r.Garment == nil {
			return nil
		}
		return TryOnAction{GarmentFile: r.GarmentFile, Garment: *r.Garment}
	case models.ActionPose:
		if r.Instruction == "" || r.BaseImage == "" {
			return nil
		}
		return PoseAction{Instruction: r.Instruction, BaseImage: r.BaseImage}
	case models.ActionEdit:
		if r.Prompt == "" || r.BaseImage == "" {
			return nil
		}
		return EditAction{Prompt: r.Prompt, BaseImage: r.BaseImage}
	default:
		return nil
	}
}
