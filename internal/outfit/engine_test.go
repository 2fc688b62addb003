package outfit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/fitroom/internal/catalog"
	"github.com/joescharf/fitroom/internal/gateway"
	"github.com/joescharf/fitroom/internal/models"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type genCall struct {
	op         string
	image      string
	extra      string
	background string
}

// fakeGen returns "<op>-<n>" for the n-th call. When release is set, each
// call signals started and then blocks until a value arrives on release.
type fakeGen struct {
	mu      sync.Mutex
	calls   []genCall
	err     error
	started chan struct{}
	release chan error
}

func (f *fakeGen) do(op, image, extra, background string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, genCall{op: op, image: image, extra: extra, background: background})
	n := len(f.calls)
	err := f.err
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		if rerr := <-release; rerr != nil {
			return "", rerr
		}
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", op, n), nil
}

func (f *fakeGen) GenerateModel(_ context.Context, photo string) (string, error) {
	return f.do("model", photo, "", "")
}
func (f *fakeGen) TryOn(_ context.Context, model, garment, background string) (string, error) {
	return f.do("tryon", model, garment, background)
}
func (f *fakeGen) PoseVariation(_ context.Context, image, instruction, background string) (string, error) {
	return f.do("pose", image, instruction, background)
}
func (f *fakeGen) Edit(_ context.Context, image, prompt string) (string, error) {
	return f.do("edit", image, prompt, "")
}

func (f *fakeGen) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGen) lastCall() genCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeGen) block() {
	f.mu.Lock()
	f.started = make(chan struct{}, 1)
	f.release = make(chan error)
	f.mu.Unlock()
}

// fakeSaver records saves. After hold, the next Save signals entered and
// waits for gate to close before recording.
type fakeSaver struct {
	mu         sync.Mutex
	saves      []models.PersistedSession
	workspaces []models.Workspace
	cleared    int
	entered    chan struct{}
	gate       chan struct{}

	// savesAtClear is len(saves) when Clear last ran.
	savesAtClear int
}

func (s *fakeSaver) hold() {
	s.mu.Lock()
	s.entered = make(chan struct{}, 1)
	s.gate = make(chan struct{})
	s.mu.Unlock()
}

func (s *fakeSaver) Save(_ context.Context, snap models.PersistedSession) {
	s.mu.Lock()
	entered, gate := s.entered, s.gate
	s.entered, s.gate = nil, nil
	s.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	s.mu.Lock()
	s.saves = append(s.saves, snap)
	s.mu.Unlock()
}

func (s *fakeSaver) SaveWorkspace(_ context.Context, w models.Workspace) {
	s.mu.Lock()
	s.workspaces = append(s.workspaces, w)
	s.mu.Unlock()
}

func (s *fakeSaver) lastWorkspace() models.Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaces[len(s.workspaces)-1]
}

func (s *fakeSaver) Clear(_ context.Context) error {
	s.mu.Lock()
	s.cleared++
	s.savesAtClear = len(s.saves)
	s.mu.Unlock()
	return nil
}

func (s *fakeSaver) last() models.PersistedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[len(s.saves)-1]
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var (
	redDress = models.WardrobeItem{ID: "g1", Name: "Red Dress", URL: "https://example.com/red.png"}
	jacket   = models.WardrobeItem{ID: "g2", Name: "Denim Jacket", URL: "https://example.com/jacket.png"}
	hat      = models.WardrobeItem{ID: "g3", Name: "Hat", URL: "https://example.com/hat.png"}
	scarf    = models.WardrobeItem{ID: "g4", Name: "Scarf", URL: "https://example.com/scarf.png"}
	boots    = models.WardrobeItem{ID: "g5", Name: "Boots", URL: "https://example.com/boots.png"}
)

const sideProfile = 2 // index of "Side profile view" in catalog.Poses

func newTestEngine(t *testing.T) (*Engine, *fakeGen, *fakeSaver) {
	t.Helper()
	gen := &fakeGen{}
	saver := &fakeSaver{}
	return New(gen, saver, catalog.Default()), gen, saver
}

func newReadyEngine(t *testing.T) (*Engine, *fakeGen, *fakeSaver) {
	t.Helper()
	e, gen, saver := newTestEngine(t)
	require.NoError(t, e.FinalizeModel(context.Background(), "photo"))
	return e, gen, saver
}

func wear(t *testing.T, e *Engine, items ...models.WardrobeItem) {
	t.Helper()
	for _, item := range items {
		require.NoError(t, e.ApplyGarment(context.Background(), "file:"+item.ID, item))
	}
}

func assertInvariants(t *testing.T, e *Engine) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) == 0 {
		assert.Zero(t, e.index)
		return
	}
	assert.GreaterOrEqual(t, e.index, 0)
	assert.Less(t, e.index, len(e.history))
	assert.Nil(t, e.history[0].Garment, "layer 0 must be the base layer")
	assert.GreaterOrEqual(t, e.pose, 0)
	assert.Less(t, e.pose, len(e.poses))
	for i, layer := range e.history {
		assert.NotEmpty(t, layer.PoseImages, "layer %d has no images", i)
	}
	assert.LessOrEqual(t, len(e.creations), catalog.MaxCreations)
}

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

func TestFinalizeModel(t *testing.T) {
	e, gen, saver := newReadyEngine(t)

	st := e.State()
	assert.Equal(t, PhaseReady, st.Phase)
	require.Len(t, st.History, 1)
	assert.Nil(t, st.History[0].Garment)
	assert.Equal(t, models.PoseImages{catalog.Poses[0]: "model-1"}, st.History[0].PoseImages)
	assert.Equal(t, "model-1", st.Image)
	assert.Equal(t, "photo", gen.lastCall().image)
	require.Len(t, st.Creations, 1)
	assert.Equal(t, models.CreationTypeImage, st.Creations[0].Type)
	assert.Len(t, saver.saves, 1)
	assertInvariants(t, e)
}

func TestFinalizeModel_Failure(t *testing.T) {
	e, gen, saver := newTestEngine(t)
	gen.err = &gateway.GenerationError{Kind: gateway.KindNoImage, Message: "no image"}

	err := e.FinalizeModel(context.Background(), "photo")
	require.Error(t, err)
	assert.Equal(t, PhaseUninitialized, e.Phase())
	assert.Empty(t, saver.saves)
}

func TestOperationsRequireModel(t *testing.T) {
	e, gen, _ := newTestEngine(t)
	ctx := context.Background()

	assert.ErrorIs(t, e.ApplyGarment(ctx, "f", redDress), ErrNoModel)
	assert.ErrorIs(t, e.Edit(ctx, "add a hat"), ErrNoModel)
	assert.ErrorIs(t, e.ChangeBackground(ctx, "a beach"), ErrNoModel)
	assert.ErrorIs(t, e.Regenerate(ctx), ErrNothingToRegenerate)
	assert.NoError(t, e.ChangePose(ctx, 1))
	assert.False(t, e.Undo(ctx))
	assert.False(t, e.Redo(ctx))
	assert.Zero(t, gen.callCount())
}

// ---------------------------------------------------------------------------
// Apply garment
// ---------------------------------------------------------------------------

func TestApplyGarment_AppendsLayer(t *testing.T) {
	e, gen, saver := newReadyEngine(t)

	wear(t, e, redDress)

	call := gen.lastCall()
	assert.Equal(t, "tryon", call.op)
	assert.Equal(t, "model-1", call.image)
	assert.Equal(t, "file:g1", call.extra)

	st := e.State()
	require.Len(t, st.History, 2)
	assert.Equal(t, 1, st.Index)
	assert.Equal(t, 0, st.PoseIndex)
	assert.Equal(t, "g1", st.History[1].Garment.ID)
	assert.Equal(t, models.PoseImages{catalog.Poses[0]: "tryon-2"}, st.History[1].PoseImages)
	assert.Equal(t, "try-on", st.LastAction)
	assert.Len(t, st.Creations, 2)
	assert.Equal(t, "tryon-2", st.Creations[0].URL, "creations are most recent first")

	_, ok := e.WardrobeItem("g1")
	assert.True(t, ok, "garment should be added to the wardrobe")

	assert.Equal(t, 1, saver.last().CurrentOutfitIndex)
	assertInvariants(t, e)
}

func TestApplyGarment_TruncatesRedoTail(t *testing.T) {
	e, _, _ := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress, jacket, hat, scarf)
	require.Len(t, e.State().History, 5)

	for e.State().Index > 1 {
		e.Undo(ctx)
	}
	wear(t, e, boots)

	st := e.State()
	require.Len(t, st.History, 3, "layers after index 1 are discarded")
	assert.Equal(t, 2, st.Index)
	assert.Equal(t, "g1", st.History[1].Garment.ID)
	assert.Equal(t, "g5", st.History[2].Garment.ID)
	assert.False(t, st.CanRedo)
	assertInvariants(t, e)
}

func TestApplyGarment_RedoShortcut(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress, jacket)
	e.Undo(ctx)
	require.NoError(t, e.ChangePose(ctx, 1))
	calls := gen.callCount()

	require.NoError(t, e.ApplyGarment(ctx, "file:g2", jacket))

	assert.Equal(t, calls, gen.callCount(), "redo shortcut must not call the gateway")
	st := e.State()
	assert.Equal(t, 2, st.Index)
	assert.Equal(t, 0, st.PoseIndex)
	assert.Len(t, st.History, 3)
}

func TestApplyGarment_FailureLeavesStateUnchanged(t *testing.T) {
	e, gen, saver := newReadyEngine(t)
	wear(t, e, redDress)
	before := e.State()
	saves := len(saver.saves)

	gen.err = &gateway.GenerationError{Kind: gateway.KindBlocked, Message: "Request was blocked."}
	err := e.ApplyGarment(context.Background(), "file:g2", jacket)

	var gerr *gateway.GenerationError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, before, e.State())
	assert.Len(t, saver.saves, saves)
	assert.Equal(t, PhaseReady, e.Phase())
}

func TestApplyGarment_UsesBackgroundContext(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	require.NoError(t, e.ChangeBackground(context.Background(), "a sandy beach"))

	wear(t, e, redDress)

	assert.Equal(t, "a sandy beach", gen.lastCall().background)
}

// ---------------------------------------------------------------------------
// Pose
// ---------------------------------------------------------------------------

func TestChangePose_GeneratesAndMerges(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress)
	before := e.history

	require.NoError(t, e.ChangePose(ctx, sideProfile))

	call := gen.lastCall()
	assert.Equal(t, "pose", call.op)
	assert.Equal(t, "tryon-2", call.image)
	assert.Equal(t, "Side profile view", call.extra)

	st := e.State()
	assert.Len(t, st.History, 2, "pose changes do not add layers")
	assert.Equal(t, sideProfile, st.PoseIndex)
	assert.Equal(t, "pose-3", st.History[1].PoseImages["Side profile view"])
	assert.Equal(t, "pose-3", st.Image)
	assert.Equal(t, "pose", st.LastAction)

	_, mutated := before[1].PoseImages["Side profile view"]
	assert.False(t, mutated, "previous history slice must not be mutated")
	assertInvariants(t, e)
}

func TestChangePose_CacheHit(t *testing.T) {
	e, gen, saver := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress)
	require.NoError(t, e.ChangePose(ctx, sideProfile))
	require.NoError(t, e.ChangePose(ctx, 0))
	calls := gen.callCount()

	require.NoError(t, e.ChangePose(ctx, sideProfile))

	assert.Equal(t, calls, gen.callCount())
	assert.Equal(t, sideProfile, e.State().PoseIndex)
	assert.Equal(t, sideProfile, saver.lastWorkspace().PoseIndex, "cached pose switches are saved too")
}

func TestChangePose_SameAndInvalid(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	calls := gen.callCount()

	assert.NoError(t, e.ChangePose(ctx, 0))
	assert.ErrorIs(t, e.ChangePose(ctx, -1), ErrInvalidPose)
	assert.ErrorIs(t, e.ChangePose(ctx, len(catalog.Poses)), ErrInvalidPose)
	assert.Equal(t, calls, gen.callCount())
}

func TestChangePose_OptimisticThenRollback(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress)
	gen.block()

	done := make(chan error, 1)
	go func() { done <- e.ChangePose(ctx, sideProfile) }()
	<-gen.started

	st := e.State()
	assert.Equal(t, sideProfile, st.PoseIndex, "pose pointer moves before the call returns")
	assert.Equal(t, PhaseGenerating, st.Phase)

	gen.release <- errors.New("transport down")
	require.Error(t, <-done)

	st = e.State()
	assert.Equal(t, 0, st.PoseIndex, "pose pointer rolls back on failure")
	assert.Equal(t, PhaseReady, st.Phase)
	_, ok := st.History[1].PoseImages["Side profile view"]
	assert.False(t, ok)
}

func TestChangePose_RollbackSkippedAfterNavigation(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress)
	require.NoError(t, e.ChangePose(ctx, 1))
	gen.block()

	done := make(chan error, 1)
	go func() { done <- e.ChangePose(ctx, sideProfile) }()
	<-gen.started
	require.True(t, e.Undo(ctx))

	gen.release <- errors.New("boom")
	require.Error(t, <-done)

	st := e.State()
	assert.Equal(t, 0, st.Index)
	assert.Equal(t, 0, st.PoseIndex, "navigation reset wins over rollback")
}

// ---------------------------------------------------------------------------
// Concurrency guard
// ---------------------------------------------------------------------------

func TestGenerationGuard(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress, jacket)
	gen.block()

	done := make(chan error, 1)
	go func() { done <- e.Edit(ctx, "add sunglasses") }()
	<-gen.started
	calls := gen.callCount()

	assert.ErrorIs(t, e.ApplyGarment(ctx, "f", hat), ErrBusy)
	assert.ErrorIs(t, e.ChangePose(ctx, sideProfile), ErrBusy)
	assert.ErrorIs(t, e.Edit(ctx, "x"), ErrBusy)
	assert.ErrorIs(t, e.ChangeBackground(ctx, "x"), ErrBusy)
	assert.ErrorIs(t, e.Regenerate(ctx), ErrBusy)
	assert.ErrorIs(t, e.FinalizeModel(ctx, "p"), ErrBusy)
	assert.Equal(t, calls, gen.callCount(), "rejected operations never reach the gateway")

	assert.True(t, e.Undo(ctx), "navigation is not blocked by a generation")
	assert.True(t, e.Redo(ctx))

	gen.release <- nil
	require.NoError(t, <-done)
	assert.Len(t, e.State().History, 4)
	assertInvariants(t, e)
}

func TestGenerationCommitsAgainstCapturedIndex(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress, jacket)
	gen.block()

	done := make(chan error, 1)
	go func() { done <- e.Edit(ctx, "add sunglasses") }()
	<-gen.started
	e.Undo(ctx)
	e.Undo(ctx)

	gen.release <- nil
	require.NoError(t, <-done)

	st := e.State()
	require.Len(t, st.History, 4)
	assert.Equal(t, 3, st.Index)
	assert.Equal(t, "g2", st.History[3].Garment.ID)
}

// ---------------------------------------------------------------------------
// Edit / background
// ---------------------------------------------------------------------------

func TestEdit_CreatesLayerWithSameGarment(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress)
	require.NoError(t, e.ChangePose(ctx, sideProfile))

	require.NoError(t, e.Edit(ctx, "add sunglasses"))

	call := gen.lastCall()
	assert.Equal(t, "edit", call.op)
	assert.Equal(t, "pose-3", call.image, "edits start from the derived image")
	assert.Equal(t, "add sunglasses", call.extra)

	st := e.State()
	require.Len(t, st.History, 3)
	assert.Equal(t, 2, st.Index)
	assert.Equal(t, "g1", st.History[2].Garment.ID)
	assert.Equal(t, models.PoseImages{
		catalog.Poses[0]:    "tryon-2",
		"Side profile view": "edit-4",
	}, st.History[2].PoseImages)
	assert.Equal(t, "edit-4", st.Image)
	assert.Equal(t, "edit", st.LastAction)
	assert.Empty(t, st.Background)
}

func TestEdit_EmptyPrompt(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	calls := gen.callCount()

	assert.ErrorIs(t, e.Edit(context.Background(), "   "), ErrEmptyPrompt)
	assert.ErrorIs(t, e.ChangeBackground(context.Background(), ""), ErrEmptyPrompt)
	assert.Equal(t, calls, gen.callCount())
}

func TestChangeBackground(t *testing.T) {
	e, gen, saver := newReadyEngine(t)
	ctx := context.Background()

	require.NoError(t, e.ChangeBackground(ctx, "a neon-lit street"))

	assert.Equal(t, gateway.BackgroundInstruction("a neon-lit street"), gen.lastCall().extra)
	st := e.State()
	assert.Equal(t, "a neon-lit street", st.Background)
	assert.Len(t, st.History, 2)
	assert.Nil(t, st.History[1].Garment, "base garment is carried over")
	assert.Equal(t, "a neon-lit street", saver.last().CurrentBackground)

	require.NoError(t, e.ChangePose(ctx, sideProfile))
	assert.Equal(t, "a neon-lit street", gen.lastCall().background)
}

func TestEdit_FailureLeavesBackground(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	gen.err = errors.New("boom")

	require.Error(t, e.ChangeBackground(context.Background(), "a beach"))
	st := e.State()
	assert.Empty(t, st.Background)
	assert.Len(t, st.History, 1)
}

// ---------------------------------------------------------------------------
// Undo / redo
// ---------------------------------------------------------------------------

func TestUndoRedo(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress, jacket, hat)
	calls := gen.callCount()

	mid := e.State()
	require.True(t, e.Undo(ctx))
	require.True(t, e.Redo(ctx))
	assert.Equal(t, mid.History, e.State().History)
	assert.Equal(t, mid.Index, e.State().Index)

	for e.Undo(ctx) {
	}
	assert.Equal(t, 0, e.State().Index)
	assert.False(t, e.Undo(ctx))

	for e.Redo(ctx) {
	}
	assert.Equal(t, 3, e.State().Index)
	assert.False(t, e.Redo(ctx))

	assert.Equal(t, calls, gen.callCount(), "navigation never calls the gateway")
	assert.Len(t, e.State().History, 4)
}

func TestSavesReachStorageInOrder(t *testing.T) {
	e, _, saver := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress)
	saver.hold()

	undone := make(chan bool, 1)
	go func() { undone <- e.Undo(ctx) }()
	<-saver.entered

	redone := make(chan bool, 1)
	go func() { redone <- e.Redo(ctx) }()
	require.Eventually(t, func() bool { return e.State().Index == 1 }, time.Second, time.Millisecond)

	close(saver.gate)
	require.True(t, <-undone)
	require.True(t, <-redone)

	assert.Equal(t, 1, e.State().Index)
	assert.Equal(t, 1, saver.last().CurrentOutfitIndex, "the newest change is the one left in storage")
	assert.Equal(t, 1, saver.lastWorkspace().OutfitIndex)
}

func TestReset_WaitsForInFlightSave(t *testing.T) {
	e, _, saver := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress)
	saver.hold()

	undone := make(chan bool, 1)
	go func() { undone <- e.Undo(ctx) }()
	<-saver.entered

	reset := make(chan error, 1)
	go func() { reset <- e.Reset(ctx) }()
	require.Eventually(t, func() bool { return e.Phase() == PhaseUninitialized }, time.Second, time.Millisecond)

	close(saver.gate)
	require.True(t, <-undone)
	require.NoError(t, <-reset)

	saver.mu.Lock()
	defer saver.mu.Unlock()
	assert.Equal(t, 1, saver.cleared)
	assert.Equal(t, len(saver.saves), saver.savesAtClear, "clear runs after the in-flight save")
}

func TestUndoRedo_Idempotent(t *testing.T) {
	e, _, _ := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress, jacket, hat, scarf)

	for i := 1; i < 4; i++ {
		for e.State().Index > i {
			e.Undo(ctx)
		}
		before := e.State()
		e.Undo(ctx)
		e.Redo(ctx)
		after := e.State()
		assert.Equal(t, before.Index, after.Index)
		assert.Equal(t, before.History, after.History)
		for e.Redo(ctx) {
		}
	}
}

// ---------------------------------------------------------------------------
// Regenerate
// ---------------------------------------------------------------------------

func TestRegenerate_TryOnRebasesOnPredecessor(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress)

	// Give layer 1 a second pose without disturbing the recorded try-on.
	e.mu.Lock()
	layer := e.history[1].Clone()
	layer.PoseImages["Side profile view"] = "side-extra"
	e.replaceLayer(1, layer)
	e.mu.Unlock()

	require.NoError(t, e.Regenerate(ctx))

	call := gen.lastCall()
	assert.Equal(t, "tryon", call.op)
	assert.Equal(t, "model-1", call.image, "base image comes from layer 0")
	assert.Equal(t, "file:g1", call.extra)

	st := e.State()
	require.Len(t, st.History, 2)
	assert.Equal(t, models.PoseImages{catalog.Poses[0]: "tryon-3"}, st.History[1].PoseImages)
	assert.Equal(t, "try-on", st.LastAction)
}

func TestRegenerate_PoseMergesSingleLabel(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress)
	require.NoError(t, e.ChangePose(ctx, sideProfile))

	require.NoError(t, e.Regenerate(ctx))

	call := gen.lastCall()
	assert.Equal(t, "pose", call.op)
	assert.Equal(t, "tryon-2", call.image, "pose regeneration uses the stored base image")
	assert.Equal(t, "Side profile view", call.extra)

	st := e.State()
	assert.Equal(t, models.PoseImages{
		catalog.Poses[0]:    "tryon-2",
		"Side profile view": "pose-4",
	}, st.History[1].PoseImages)
}

func TestRegenerate_EditMergesAtCurrentPose(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Edit(ctx, "add a hat"))

	require.NoError(t, e.Regenerate(ctx))

	call := gen.lastCall()
	assert.Equal(t, "edit", call.op)
	assert.Equal(t, "model-1", call.image)
	assert.Equal(t, "add a hat", call.extra)
	assert.Equal(t, "edit-3", e.State().History[1].PoseImages[catalog.Poses[0]])
	assert.Len(t, e.State().History, 2, "regenerate never adds layers")
}

func TestRegenerate_Repeatable(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress)

	require.NoError(t, e.Regenerate(ctx))
	require.NoError(t, e.Regenerate(ctx))

	assert.Equal(t, 4, gen.callCount())
	assert.Equal(t, "try-on", e.State().LastAction)
}

func TestRegenerate_NoOps(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()

	assert.ErrorIs(t, e.Regenerate(ctx), ErrNothingToRegenerate, "no last action")

	wear(t, e, redDress)
	e.Undo(ctx)
	calls := gen.callCount()
	assert.ErrorIs(t, e.Regenerate(ctx), ErrNothingToRegenerate, "base layer cannot be regenerated")
	assert.Equal(t, calls, gen.callCount())
}

func TestRegenerate_FailureKeepsHistoryAndAction(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress)
	before := e.State()

	gen.err = errors.New("boom")
	require.Error(t, e.Regenerate(ctx))
	assert.Equal(t, before, e.State())

	gen.err = nil
	require.NoError(t, e.Regenerate(ctx))
}

func TestRegenerate_UsesLatestActionAfterNavigation(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress, jacket)
	e.Undo(ctx)

	require.NoError(t, e.Regenerate(ctx))

	call := gen.lastCall()
	assert.Equal(t, "file:g2", call.extra, "the most recent action is replayed on the current layer")
	st := e.State()
	assert.Equal(t, 1, st.Index)
	assert.Equal(t, "g1", st.History[1].Garment.ID, "garment metadata is not rewritten")
}

// ---------------------------------------------------------------------------
// Reset / restore
// ---------------------------------------------------------------------------

func TestReset(t *testing.T) {
	e, _, saver := newReadyEngine(t)
	ctx := context.Background()
	wear(t, e, redDress)

	require.NoError(t, e.Reset(ctx))

	st := e.State()
	assert.Equal(t, PhaseUninitialized, st.Phase)
	assert.Empty(t, st.History)
	assert.Empty(t, st.Creations)
	assert.Empty(t, st.LastAction)
	assert.Equal(t, 1, saver.cleared)
	assert.ErrorIs(t, e.ApplyGarment(ctx, "f", jacket), ErrNoModel)
	_, ok := e.WardrobeItem("g1")
	assert.True(t, ok, "wardrobe survives reset")
}

func TestReset_DiscardsInFlightResult(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	gen.block()

	done := make(chan error, 1)
	go func() { done <- e.ApplyGarment(ctx, "f", redDress) }()
	<-gen.started
	require.NoError(t, e.Reset(ctx))

	gen.release <- nil
	require.NoError(t, <-done)
	assert.Equal(t, PhaseUninitialized, e.Phase())
	assert.Empty(t, e.State().History)
}

func TestRestore(t *testing.T) {
	e, _, _ := newTestEngine(t)
	custom := models.WardrobeItem{ID: catalog.CustomPrefix + "abc", Name: "Upload", URL: "data:image/png;base64,AAAA"}

	err := e.Restore(models.PersistedSession{
		OutfitHistory: []models.OutfitLayer{
			{PoseImages: models.PoseImages{catalog.Poses[0]: "base"}},
			{Garment: &custom, PoseImages: models.PoseImages{catalog.Poses[0]: "l1"}},
		},
		CurrentOutfitIndex: 7,
		RecentCreations:    []models.CreationItem{{ID: "c1", URL: "l1", Type: models.CreationTypeImage}},
		CurrentBackground:  "a beach",
	}, []models.WardrobeItem{custom})
	require.NoError(t, err)

	st := e.State()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.Equal(t, 1, st.Index, "index is clamped to the history")
	assert.Equal(t, "l1", st.Image)
	assert.Equal(t, "a beach", st.Background)
	assert.Len(t, st.Creations, 1)
	assert.Empty(t, st.LastAction)
	_, ok := e.WardrobeItem(custom.ID)
	assert.True(t, ok)
	assertInvariants(t, e)

	assert.ErrorIs(t, e.Restore(models.PersistedSession{}, nil), ErrNoModel)
}

func TestRestoreWorkspace(t *testing.T) {
	tests := []struct {
		name   string
		action func(t *testing.T, e *Engine)
		want   string
	}{
		{"try-on", func(t *testing.T, e *Engine) { wear(t, e, jacket) }, "try-on"},
		{"pose", func(t *testing.T, e *Engine) { require.NoError(t, e.ChangePose(context.Background(), sideProfile)) }, "pose"},
		{"edit", func(t *testing.T, e *Engine) { require.NoError(t, e.Edit(context.Background(), "add a belt")) }, "edit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, saver := newReadyEngine(t)
			wear(t, e, redDress)
			tt.action(t, e)
			before := e.State()
			ws := saver.lastWorkspace()
			assert.Equal(t, e.Workspace(), ws)

			next, gen, _ := newTestEngine(t)
			require.NoError(t, next.Restore(saver.last(), nil))
			require.NoError(t, next.RestoreWorkspace(ws))

			st := next.State()
			assert.Equal(t, before.PoseIndex, st.PoseIndex)
			assert.Equal(t, before.Image, st.Image)
			assert.Equal(t, tt.want, st.LastAction)

			require.NoError(t, next.Regenerate(context.Background()))
			assert.Equal(t, 1, gen.callCount())
			assertInvariants(t, next)
		})
	}
}

func TestRestoreWorkspace_Mismatch(t *testing.T) {
	e, _, _ := newTestEngine(t)
	assert.ErrorIs(t, e.RestoreWorkspace(models.Workspace{}), ErrNoModel)

	require.NoError(t, e.Restore(models.PersistedSession{
		OutfitHistory: []models.OutfitLayer{
			{PoseImages: models.PoseImages{catalog.Poses[0]: "base"}},
			{Garment: &redDress, PoseImages: models.PoseImages{catalog.Poses[0]: "l1"}},
		},
		CurrentOutfitIndex: 1,
	}, nil))

	edit := &models.ActionRecord{Kind: models.ActionEdit, Prompt: "p", BaseImage: "base"}
	require.NoError(t, e.RestoreWorkspace(models.Workspace{OutfitIndex: 0, PoseIndex: 1, LastAction: edit}))
	assert.Zero(t, e.State().PoseIndex, "workspace from another index is ignored")
	assert.Empty(t, e.State().LastAction)

	require.NoError(t, e.RestoreWorkspace(models.Workspace{OutfitIndex: 1, PoseIndex: 99, LastAction: &models.ActionRecord{Kind: "video"}}))
	assert.Zero(t, e.State().PoseIndex)
	assert.Empty(t, e.State().LastAction)
	assert.ErrorIs(t, e.Regenerate(context.Background()), ErrNothingToRegenerate)

	require.NoError(t, e.RestoreWorkspace(models.Workspace{OutfitIndex: 1, PoseIndex: 1, LastAction: edit}))
	assert.Equal(t, 1, e.State().PoseIndex)
	assert.Equal(t, "edit", e.State().LastAction)
}

// ---------------------------------------------------------------------------
// Creations
// ---------------------------------------------------------------------------

func TestCreationsCapped(t *testing.T) {
	e, _, _ := newReadyEngine(t)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		require.NoError(t, e.Edit(ctx, fmt.Sprintf("edit %d", i)))
	}

	st := e.State()
	require.Len(t, st.Creations, catalog.MaxCreations)
	assert.Equal(t, st.Image, st.Creations[0].URL)
	ids := map[string]bool{}
	for _, c := range st.Creations {
		ids[c.ID] = true
	}
	assert.Len(t, ids, catalog.MaxCreations, "creation ids are unique")
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestScenario_DressPoseUndoRedo(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()

	require.NoError(t, e.ApplyGarment(ctx, "red-dress.png", redDress))
	st := e.State()
	require.Len(t, st.History, 2)
	assert.Equal(t, 1, st.Index)
	assert.Equal(t, "g1", st.History[1].Garment.ID)

	require.NoError(t, e.ChangePose(ctx, sideProfile))
	assert.Contains(t, e.State().History[1].PoseImages, "Side profile view")
	assert.Equal(t, "pose", gen.lastCall().op)

	require.True(t, e.Undo(ctx))
	st = e.State()
	assert.Equal(t, 0, st.Index)
	assert.Equal(t, 0, st.PoseIndex)

	require.True(t, e.Redo(ctx))
	st = e.State()
	assert.Equal(t, 1, st.Index)
	assert.Equal(t, 0, st.PoseIndex, "redo does not restore the previous pose selection")
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	items := []models.WardrobeItem{redDress, jacket, hat, scarf, boots}

	for step := 0; step < 300; step++ {
		gen.err = nil
		if rng.Intn(6) == 0 {
			gen.err = errors.New("random failure")
		}
		switch rng.Intn(7) {
		case 0:
			item := items[rng.Intn(len(items))]
			_ = e.ApplyGarment(ctx, "file:"+item.ID, item)
		case 1:
			_ = e.ChangePose(ctx, rng.Intn(len(catalog.Poses)))
		case 2:
			_ = e.Edit(ctx, "tweak")
		case 3:
			_ = e.ChangeBackground(ctx, "somewhere")
		case 4:
			e.Undo(ctx)
		case 5:
			e.Redo(ctx)
		case 6:
			_ = e.Regenerate(ctx)
		}
		assertInvariants(t, e)
		assert.Equal(t, PhaseReady, e.Phase())
	}
}

func TestStateWhileGenerating(t *testing.T) {
	e, gen, _ := newReadyEngine(t)
	gen.block()

	done := make(chan error, 1)
	go func() { done <- e.Edit(context.Background(), "x") }()
	select {
	case <-gen.started:
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not start")
	}
	assert.Equal(t, PhaseGenerating, e.State().Phase)
	gen.release <- nil
	require.NoError(t, <-done)
	assert.Equal(t, PhaseReady, e.Phase())
}
