// Package outfit implements the outfit history engine: the ordered layer
// history, the active-layer and pose pointers, and the last-action record
// used for regeneration.
//
// The engine allows at most one generation in flight. Navigation (Undo,
// Redo) never waits on it. Results of a generation are committed against the
// layer index captured when the operation started.
package outfit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/fitroom/internal/catalog"
	"github.com/joescharf/fitroom/internal/gateway"
	"github.com/joescharf/fitroom/internal/models"
)

var (
	// ErrBusy is returned when a generation is already in flight. Callers
	// treat it as a no-op.
	ErrBusy = errors.New("a generation is already in progress")
	// ErrNoModel is returned by operations that need a base model layer.
	ErrNoModel = errors.New("no model has been created yet")
	// ErrNothingToRegenerate is returned when there is no action to retry or
	// the active layer is the base layer.
	ErrNothingToRegenerate = errors.New("nothing to regenerate")
	// ErrInvalidPose is returned for a pose index outside the catalog.
	ErrInvalidPose = errors.New("pose index out of range")
	// ErrEmptyPrompt is returned by Edit and ChangeBackground for blank input.
	ErrEmptyPrompt = errors.New("prompt is empty")
)

// Phase is the coarse engine state.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseReady         Phase = "ready"
	PhaseGenerating    Phase = "generating"
)

// Persister receives a snapshot after every committed change and is told to
// erase durable state on Reset.
type Persister interface {
	Save(ctx context.Context, snap models.PersistedSession)
	Clear(ctx context.Context) error
}

// WorkspaceSaver is implemented by persisters that also keep the working
// state. It is called after Save with the workspace of the same change.
type WorkspaceSaver interface {
	SaveWorkspace(ctx context.Context, w models.Workspace)
}

// Engine owns the outfit history. It is safe for concurrent use.
type Engine struct {
	gen   gateway.Generator
	saver Persister
	poses []string

	mu         sync.Mutex
	history    []models.OutfitLayer
	index      int
	pose       int
	lastAction LastAction
	background string
	creations  []models.CreationItem
	wardrobe   []models.WardrobeItem
	generating bool
	// epoch changes on Reset and Restore so late results are discarded.
	epoch uint64
	// seq numbers save points in the order their changes were made.
	seq uint64

	// saveMu serializes writes to the saver. saved is the newest seq
	// written; older save points arriving later are dropped.
	saveMu sync.Mutex
	saved  uint64
}

// New creates an engine. saver may be nil.
func New(gen gateway.Generator, saver Persister, cfg catalog.Config) *Engine {
	poses := cfg.Poses
	if len(poses) == 0 {
		poses = catalog.Poses
	}
	return &Engine{
		gen:      gen,
		saver:    saver,
		poses:    append([]string(nil), poses...),
		wardrobe: append([]models.WardrobeItem(nil), cfg.Wardrobe...),
	}
}

// Poses returns the pose catalog the engine was built with.
func (e *Engine) Poses() []string {
	return append([]string(nil), e.poses...)
}

// flight is the token for one in-flight generation.
type flight struct {
	epoch uint64
	index int
	label string
}

// begin claims the in-flight slot. Caller holds e.mu.
func (e *Engine) begin() (flight, error) {
	if e.generating {
		return flight{}, ErrBusy
	}
	if len(e.history) == 0 {
		return flight{}, ErrNoModel
	}
	e.generating = true
	return flight{epoch: e.epoch, index: e.index, label: e.poses[e.pose]}, nil
}

// current reports whether f still belongs to the live session. Caller holds e.mu.
func (e *Engine) current(f flight) bool {
	return f.epoch == e.epoch
}

// abort releases the in-flight slot after a failed generation.
func (e *Engine) abort(f flight) {
	e.mu.Lock()
	if e.current(f) {
		e.generating = false
	}
	e.mu.Unlock()
}

// FinalizeModel synthesises the base model from a user photo and starts a
// fresh history with it as layer 0.
func (e *Engine) FinalizeModel(ctx context.Context, photo string) error {
	e.mu.Lock()
	if e.generating {
		e.mu.Unlock()
		return ErrBusy
	}
	e.generating = true
	f := flight{epoch: e.epoch}
	e.mu.Unlock()

	img, err := e.gen.GenerateModel(ctx, photo)
	if err != nil {
		e.abort(f)
		return err
	}

	e.mu.Lock()
	if !e.current(f) {
		e.mu.Unlock()
		return nil
	}
	e.history = []models.OutfitLayer{{PoseImages: models.PoseImages{e.poses[0]: img}}}
	e.index = 0
	e.pose = 0
	e.lastAction = nil
	e.background = ""
	e.addCreation(img)
	e.generating = false
	cp := e.checkpoint()
	e.mu.Unlock()

	e.persist(ctx, cp)
	return nil
}

// ApplyGarment dresses the current image in the garment. If the layer just
// ahead of the pointer already holds the same garment, the pointer advances
// instead and no generation happens.
func (e *Engine) ApplyGarment(ctx context.Context, garmentFile string, info models.WardrobeItem) error {
	e.mu.Lock()
	if e.generating {
		e.mu.Unlock()
		return ErrBusy
	}
	if len(e.history) == 0 {
		e.mu.Unlock()
		return ErrNoModel
	}
	if next := e.index + 1; next < len(e.history) {
		if g := e.history[next].Garment; g != nil && g.ID == info.ID {
			e.index = next
			e.pose = 0
			cp := e.checkpoint()
			e.mu.Unlock()
			e.persist(ctx, cp)
			return nil
		}
	}
	base := e.derivedImage()
	background := e.background
	f, _ := e.begin()
	e.mu.Unlock()

	img, err := e.gen.TryOn(ctx, base, garmentFile, background)
	if err != nil {
		e.abort(f)
		return err
	}

	e.mu.Lock()
	if !e.current(f) {
		e.mu.Unlock()
		return nil
	}
	garment := info
	e.appendLayer(f.index, models.OutfitLayer{
		Garment:    &garment,
		PoseImages: models.PoseImages{f.label: img},
	})
	e.pose = 0
	e.lastAction = TryOnAction{GarmentFile: garmentFile, Garment: info}
	e.addCreation(img)
	e.addWardrobe(info)
	e.generating = false
	cp := e.checkpoint()
	e.mu.Unlock()

	e.persist(ctx, cp)
	return nil
}

// ChangePose switches the active layer to the target pose, generating it
// when the layer has no image for that pose yet. The pose pointer moves
// before the generation returns and is rolled back if it fails.
func (e *Engine) ChangePose(ctx context.Context, target int) error {
	e.mu.Lock()
	if e.generating {
		e.mu.Unlock()
		return ErrBusy
	}
	if target < 0 || target >= len(e.poses) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidPose, target)
	}
	if len(e.history) == 0 || target == e.pose {
		e.mu.Unlock()
		return nil
	}
	layer := e.history[e.index]
	label := e.poses[target]
	if _, ok := layer.PoseImages[label]; ok {
		e.pose = target
		cp := e.checkpoint()
		e.mu.Unlock()
		e.persist(ctx, cp)
		return nil
	}
	base := e.firstImage(layer)
	background := e.background
	f, _ := e.begin()
	tr := e.tentativePose(f, target)
	e.mu.Unlock()

	img, err := e.gen.PoseVariation(ctx, base, label, background)

	e.mu.Lock()
	if !e.current(f) {
		e.mu.Unlock()
		return err
	}
	if err != nil {
		tr.rollback()
		e.generating = false
		e.mu.Unlock()
		return err
	}
	tr.commit(img)
	e.lastAction = PoseAction{Instruction: label, BaseImage: base}
	e.addCreation(img)
	e.generating = false
	cp := e.checkpoint()
	e.mu.Unlock()

	e.persist(ctx, cp)
	return nil
}

// Edit applies a free-text instruction to the current image and records the
// result as a new layer wearing the same garment.
func (e *Engine) Edit(ctx context.Context, prompt string) error {
	return e.edit(ctx, prompt, prompt, false)
}

// ChangeBackground replaces the backdrop of the current image. The raw
// description becomes the background context for later try-on and pose
// generations.
func (e *Engine) ChangeBackground(ctx context.Context, background string) error {
	return e.edit(ctx, gateway.BackgroundInstruction(background), background, true)
}

func (e *Engine) edit(ctx context.Context, instruction, raw string, isBackground bool) error {
	if strings.TrimSpace(raw) == "" {
		return ErrEmptyPrompt
	}

	e.mu.Lock()
	if e.generating {
		e.mu.Unlock()
		return ErrBusy
	}
	if len(e.history) == 0 {
		e.mu.Unlock()
		return ErrNoModel
	}
	base := e.derivedImage()
	f, _ := e.begin()
	e.mu.Unlock()

	img, err := e.gen.Edit(ctx, base, instruction)
	if err != nil {
		e.abort(f)
		return err
	}

	e.mu.Lock()
	if !e.current(f) {
		e.mu.Unlock()
		return nil
	}
	layer := e.history[f.index].Clone()
	layer.PoseImages[f.label] = img
	e.appendLayer(f.index, layer)
	e.lastAction = EditAction{Prompt: instruction, BaseImage: base}
	if isBackground {
		e.background = raw
	}
	e.addCreation(img)
	e.generating = false
	cp := e.checkpoint()
	e.mu.Unlock()

	e.persist(ctx, cp)
	return nil
}

// Undo moves the pointer back one layer. It reports whether it moved.
func (e *Engine) Undo(ctx context.Context) bool {
	e.mu.Lock()
	if e.index <= 0 {
		e.mu.Unlock()
		return false
	}
	e.index--
	e.pose = 0
	cp := e.checkpoint()
	e.mu.Unlock()

	e.persist(ctx, cp)
	return true
}

// Redo moves the pointer forward one layer. It reports whether it moved.
func (e *Engine) Redo(ctx context.Context) bool {
	e.mu.Lock()
	if e.index >= len(e.history)-1 {
		e.mu.Unlock()
		return false
	}
	e.index++
	e.pose = 0
	cp := e.checkpoint()
	e.mu.Unlock()

	e.persist(ctx, cp)
	return true
}

// Regenerate redoes the transition into the active layer using the recorded
// last action, rebased on the preceding layer. The action stays recorded, so
// Regenerate can be repeated.
func (e *Engine) Regenerate(ctx context.Context) error {
	e.mu.Lock()
	if e.generating {
		e.mu.Unlock()
		return ErrBusy
	}
	if e.lastAction == nil || e.index == 0 || len(e.history) == 0 {
		e.mu.Unlock()
		return ErrNothingToRegenerate
	}
	action := e.lastAction
	prevImage := e.imageFor(e.history[e.index-1], e.pose)
	background := e.background
	f, _ := e.begin()
	e.mu.Unlock()

	var (
		img   string
		err   error
		apply func(layer *models.OutfitLayer)
	)
	switch a := action.(type) {
	case TryOnAction:
		img, err = e.gen.TryOn(ctx, prevImage, a.GarmentFile, background)
		apply = func(layer *models.OutfitLayer) {
			layer.PoseImages = models.PoseImages{f.label: img}
		}
	case PoseAction:
		img, err = e.gen.PoseVariation(ctx, a.BaseImage, a.Instruction, background)
		apply = func(layer *models.OutfitLayer) {
			layer.PoseImages[a.Instruction] = img
		}
	case EditAction:
		img, err = e.gen.Edit(ctx, a.BaseImage, a.Prompt)
		apply = func(layer *models.OutfitLayer) {
			layer.PoseImages[f.label] = img
		}
	default:
		err = fmt.Errorf("unknown action %T", action)
	}
	if err != nil {
		e.abort(f)
		return err
	}

	e.mu.Lock()
	if !e.current(f) {
		e.mu.Unlock()
		return nil
	}
	layer := e.history[f.index].Clone()
	apply(&layer)
	e.replaceLayer(f.index, layer)
	e.addCreation(img)
	e.generating = false
	cp := e.checkpoint()
	e.mu.Unlock()

	e.persist(ctx, cp)
	return nil
}

// Reset clears the session and erases durable storage. A new model must be
// finalized before any other operation succeeds.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	e.epoch++
	e.history = nil
	e.index = 0
	e.pose = 0
	e.lastAction = nil
	e.background = ""
	e.creations = nil
	e.generating = false
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	if e.saver == nil {
		return nil
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	e.saved = max(e.saved, seq)
	return e.saver.Clear(context.WithoutCancel(ctx))
}

// Restore adopts a previously persisted session. wardrobe lists items to add
// to the catalog when missing, e.g. custom garments referenced by history.
func (e *Engine) Restore(snap models.PersistedSession, wardrobe []models.WardrobeItem) error {
	if len(snap.OutfitHistory) == 0 {
		return ErrNoModel
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generating {
		return ErrBusy
	}
	e.epoch++
	e.history = make([]models.OutfitLayer, len(snap.OutfitHistory))
	for i, layer := range snap.OutfitHistory {
		e.history[i] = layer.Clone()
	}
	e.history[0].Garment = nil
	e.index = min(max(snap.CurrentOutfitIndex, 0), len(e.history)-1)
	e.pose = 0
	e.lastAction = nil
	e.background = snap.CurrentBackground
	e.creations = append([]models.CreationItem(nil), snap.RecentCreations...)
	if len(e.creations) > catalog.MaxCreations {
		e.creations = e.creations[:catalog.MaxCreations]
	}
	for _, item := range wardrobe {
		e.addWardrobe(item)
	}
	return nil
}

// RestoreWorkspace adopts the working state saved beside the session that
// was just restored. A workspace taken at a different outfit index is
// ignored, as is a pose outside the catalog. Unusable action records are
// dropped.
func (e *Engine) RestoreWorkspace(w models.Workspace) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generating {
		return ErrBusy
	}
	if len(e.history) == 0 {
		return ErrNoModel
	}
	if w.OutfitIndex != e.index {
		return nil
	}
	if w.PoseIndex >= 0 && w.PoseIndex < len(e.poses) {
		e.pose = w.PoseIndex
	}
	e.lastAction = actionFromRecord(w.LastAction)
	return nil
}

// Workspace returns the working state that is not part of the snapshot.
func (e *Engine) Workspace() models.Workspace {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workspace()
}

// AddWardrobeItem adds item to the catalog unless its id is already present.
func (e *Engine) AddWardrobeItem(item models.WardrobeItem) {
	e.mu.Lock()
	e.addWardrobe(item)
	e.mu.Unlock()
}

// WardrobeItem looks up a catalog item by id.
func (e *Engine) WardrobeItem(id string) (models.WardrobeItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, item := range e.wardrobe {
		if item.ID == id {
			return item, true
		}
	}
	return models.WardrobeItem{}, false
}

// Snapshot returns the persistable part of the state.
func (e *Engine) Snapshot() models.PersistedSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot()
}

// --- internals; callers hold e.mu unless noted ---

func (e *Engine) snapshot() models.PersistedSession {
	history := make([]models.OutfitLayer, len(e.history))
	for i, layer := range e.history {
		history[i] = layer.Clone()
	}
	return models.PersistedSession{
		OutfitHistory:      history,
		CurrentOutfitIndex: e.index,
		RecentCreations:    append([]models.CreationItem(nil), e.creations...),
		CurrentBackground:  e.background,
	}
}

func (e *Engine) workspace() models.Workspace {
	return models.Workspace{
		OutfitIndex: e.index,
		PoseIndex:   e.pose,
		LastAction:  actionRecord(e.lastAction),
	}
}

// savePoint is one committed change ready to be written.
type savePoint struct {
	seq       uint64
	session   models.PersistedSession
	workspace models.Workspace
}

// checkpoint captures the state after a change and numbers it.
func (e *Engine) checkpoint() savePoint {
	e.seq++
	return savePoint{seq: e.seq, session: e.snapshot(), workspace: e.workspace()}
}

// persist hands cp to the saver unless a newer save point has already been
// written. Called without e.mu held.
func (e *Engine) persist(ctx context.Context, cp savePoint) {
	if e.saver == nil {
		return
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	if cp.seq <= e.saved {
		return
	}
	e.saved = cp.seq

	ctx = context.WithoutCancel(ctx)
	e.saver.Save(ctx, cp.session)
	if ws, ok := e.saver.(WorkspaceSaver); ok {
		ws.SaveWorkspace(ctx, cp.workspace)
	}
}

// appendLayer truncates history after idx and appends layer as the new
// active layer. The slice is rebuilt, never mutated in place.
func (e *Engine) appendLayer(idx int, layer models.OutfitLayer) {
	next := make([]models.OutfitLayer, idx+1, idx+2)
	copy(next, e.history[:idx+1])
	e.history = append(next, layer)
	e.index = idx + 1
}

// replaceLayer swaps the layer at idx in a fresh copy of the history slice.
func (e *Engine) replaceLayer(idx int, layer models.OutfitLayer) {
	next := make([]models.OutfitLayer, len(e.history))
	copy(next, e.history)
	next[idx] = layer
	e.history = next
}

func (e *Engine) derivedImage() string {
	if len(e.history) == 0 {
		return ""
	}
	return e.imageFor(e.history[e.index], e.pose)
}

// imageFor returns the layer's image for the pose, falling back to its first
// image.
func (e *Engine) imageFor(layer models.OutfitLayer, pose int) string {
	if img, ok := layer.PoseImages[e.poses[pose]]; ok {
		return img
	}
	return e.firstImage(layer)
}

// firstImage picks a layer image deterministically: catalog order first,
// then lexical order for labels outside the catalog.
func (e *Engine) firstImage(layer models.OutfitLayer) string {
	for _, label := range e.poses {
		if img, ok := layer.PoseImages[label]; ok {
			return img
		}
	}
	labels := make([]string, 0, len(layer.PoseImages))
	for label := range layer.PoseImages {
		labels = append(labels, label)
	}
	if len(labels) == 0 {
		return ""
	}
	sort.Strings(labels)
	return layer.PoseImages[labels[0]]
}

func (e *Engine) addCreation(url string) {
	item := models.CreationItem{ID: newID(), URL: url, Type: models.CreationTypeImage}
	e.creations = append([]models.CreationItem{item}, e.creations...)
	if len(e.creations) > catalog.MaxCreations {
		e.creations = e.creations[:catalog.MaxCreations]
	}
}

func (e *Engine) addWardrobe(item models.WardrobeItem) {
	for _, existing := range e.wardrobe {
		if existing.ID == item.ID {
			return
		}
	}
	e.wardrobe = append(e.wardrobe, item)
}

// newID generates a new ULID string. ulid.Make is monotonic within the
// process, so ids minted in the same millisecond still sort in order.
func newID() string {
	return ulid.Make().String()
}
