package models

// WardrobeItem is a garment that can be applied to the model.
type WardrobeItem struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// PoseImages maps a pose label to the generated image for that pose.
type PoseImages map[string]string

// Clone returns a shallow copy of the mapping.
func (p PoseImages) Clone() PoseImages {
	out := make(PoseImages, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// OutfitLayer is one step in the outfit history. A nil Garment marks the
// base model layer.
type OutfitLayer struct {
	Garment    *WardrobeItem `json:"garment"`
	PoseImages PoseImages    `json:"poseImages"`
}

// IsBase reports whether the layer carries no garment.
func (l OutfitLayer) IsBase() bool {
	return l.Garment == nil
}

// Clone copies the layer so the result shares no mutable state with l.
func (l OutfitLayer) Clone() OutfitLayer {
	out := OutfitLayer{PoseImages: l.PoseImages.Clone()}
	if l.Garment != nil {
		g := *l.Garment
		out.Garment = &g
	}
	return out
}

// CreationType distinguishes generated artifacts.
type CreationType string

const (
	CreationTypeImage CreationType = "image"
	CreationTypeVideo CreationType = "video"
)

// CreationItem is one entry in the recent-creations log.
type CreationItem struct {
	ID   string       `json:"id"`
	URL  string       `json:"url"`
	Type CreationType `json:"type"`
}

// PersistedSession is the durable snapshot of a studio session.
type PersistedSession struct {
	OutfitHistory      []OutfitLayer  `json:"outfitHistory"`
	CurrentOutfitIndex int            `json:"currentOutfitIndex"`
	RecentCreations    []CreationItem `json:"recentCreations"`
	CurrentBackground  string         `json:"currentBackground"`
}

// ActionKind tags the variant held by an ActionRecord.
type ActionKind string

const (
	ActionTryOn ActionKind = "try-on"
	ActionPose  ActionKind = "pose"
	ActionEdit  ActionKind = "edit"
)

// ActionRecord is the stored form of the last generating operation. Which
// fields are set depends on Kind.
type ActionRecord struct {
	Kind        ActionKind    `json:"kind"`
	GarmentFile string        `json:"garmentFile,omitempty"`
	Garment     *WardrobeItem `json:"garment,omitempty"`
	Instruction string        `json:"instruction,omitempty"`
	BaseImage   string        `json:"baseImage,omitempty"`
	Prompt      string        `json:"prompt,omitempty"`
}

// Workspace is the working state kept beside a PersistedSession so a new
// process can continue where the last one stopped: the pose pointer and the
// action Regenerate would retry. OutfitIndex ties it to the session it was
// taken with.
type Workspace struct {
	OutfitIndex int           `json:"outfitIndex"`
	PoseIndex   int           `json:"poseIndex"`
	LastAction  *ActionRecord `json:"lastAction,omitempty"`
}
