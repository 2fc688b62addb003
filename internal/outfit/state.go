package outfit

import "github.com/joescharf/fitroom/internal/models"

// State is a read-only copy of the engine state for presentation.
type State struct {
	Phase      Phase                 `json:"phase"`
	History    []models.OutfitLayer  `json:"history"`
	Index      int                   `json:"index"`
	PoseIndex  int                   `json:"poseIndex"`
	PoseLabel  string                `json:"poseLabel"`
	Image      string                `json:"image"`
	Background string                `json:"background"`
	Creations  []models.CreationItem `json:"creations"`
	Wardrobe   []models.WardrobeItem `json:"wardrobe"`
	LastAction string                `json:"lastAction,omitempty"`
	CanUndo    bool                  `json:"canUndo"`
	CanRedo    bool                  `json:"canRedo"`
}

// ActiveGarments returns the garments worn up to and including the active
// layer, base layer excluded.
func (s State) ActiveGarments() []models.WardrobeItem {
	var out []models.WardrobeItem
	for i := 1; i <= s.Index && i < len(s.History); i++ {
		if g := s.History[i].Garment; g != nil {
			out = append(out, *g)
		}
	}
	return out
}

// State returns a copy of the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.snapshot()
	st := State{
		Phase:      e.phase(),
		History:    snap.OutfitHistory,
		Index:      e.index,
		PoseIndex:  e.pose,
		PoseLabel:  e.poses[e.pose],
		Image:      e.derivedImage(),
		Background: e.background,
		Creations:  snap.RecentCreations,
		Wardrobe:   append([]models.WardrobeItem(nil), e.wardrobe...),
		CanUndo:    e.index > 0,
		CanRedo:    e.index < len(e.history)-1,
	}
	if e.lastAction != nil {
		st.LastAction = e.lastAction.Name()
	}
	return st
}

// Phase reports the coarse engine state.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase()
}

func (e *Engine) phase() Phase {
	switch {
	case e.generating:
		return PhaseGenerating
	case len(e.history) == 0:
		return PhaseUninitialized
	default:
		return PhaseReady
	}
}
