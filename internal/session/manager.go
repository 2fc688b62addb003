// Package session persists studio sessions to durable storage. Saving is
// best-effort: under quota pressure the recent-creations list is trimmed step
// by step, and a save that still does not fit is dropped with a log line.
// Loading validates the record, migrates the legacy creations shape, and
// erases records that cannot be restored.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/fitroom/internal/catalog"
	"github.com/joescharf/fitroom/internal/imagecodec"
	"github.com/joescharf/fitroom/internal/models"
	"github.com/joescharf/fitroom/internal/store"
)

// DefaultKey is the record key sessions are stored under.
const DefaultKey = "fitroom-session"

var (
	// ErrNoSession is returned by Load when nothing is stored.
	ErrNoSession = errors.New("no saved session")
	// ErrNoWorkspace is returned by LoadWorkspace when nothing usable is
	// stored.
	ErrNoWorkspace = errors.New("no saved workspace")
)

// workspaceSuffix is appended to the session key to form the workspace key.
const workspaceSuffix = ".workspace"

// MalformedSessionError reports a stored record that cannot be restored.
type MalformedSessionError struct {
	Reason string
	Err    error
}

func (e *MalformedSessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed session: %s: %v", e.Reason, e.Err)
	}
	return "malformed session: " + e.Reason
}

func (e *MalformedSessionError) Unwrap() error {
	return e.Err
}

// Manager serializes session snapshots to a store. It never touches engine
// state; Load hands back a candidate for the engine to adopt.
type Manager struct {
	store  store.Store
	key    string
	logger *slog.Logger
}

// NewManager creates a session manager. An empty key uses DefaultKey and a
// nil logger uses slog.Default().
func NewManager(s store.Store, key string, logger *slog.Logger) *Manager {
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, key: key, logger: logger}
}

// Restored is a loaded session plus the custom garments its history
// references.
type Restored struct {
	Session  models.PersistedSession
	Wardrobe []models.WardrobeItem
}

// Save persists snap, degrading through the fallback cascade on quota
// errors. Failures are logged, never returned.
func (m *Manager) Save(ctx context.Context, snap models.PersistedSession) {
	if len(snap.OutfitHistory) == 0 {
		return
	}
	clean := sanitize(snap)

	for i, b := range fallbackCascade {
		data, err := json.Marshal(b.build(clean))
		if err != nil {
			m.logger.Error("failed to encode session", "error", err)
			return
		}
		err = m.store.Set(ctx, m.key, data)
		if err == nil {
			if i > 0 {
				m.logger.Info("session saved with reduced creations", "fallback", b.name, "bytes", len(data))
			}
			return
		}
		if !errors.Is(err, store.ErrQuotaExceeded) {
			m.logger.Warn("failed to save session", "error", err)
			return
		}
		m.logger.Debug("session save over quota, degrading", "attempt", b.name, "bytes", len(data))
	}
	m.logger.Warn("session not saved: storage quota exceeded even without creations")
}

// Load reads, migrates, and validates the stored session. On any failure
// other than ErrNoSession the stored record is erased.
func (m *Manager) Load(ctx context.Context) (*Restored, error) {
	data, err := m.store.Get(ctx, m.key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	snap, migrated, err := decode(data)
	if err == nil {
		err = validate(&snap)
	}
	if err != nil {
		if derr := m.Clear(ctx); derr != nil {
			m.logger.Warn("failed to discard malformed session", "error", derr)
		}
		return nil, err
	}

	if migrated {
		if data, err := json.Marshal(snap); err == nil {
			if err := m.store.Set(ctx, m.key, data); err != nil {
				m.logger.Warn("failed to rewrite migrated session", "error", err)
			}
		}
	}

	return &Restored{Session: snap, Wardrobe: customGarments(snap.OutfitHistory)}, nil
}

// HasSession reports whether a resumable record exists.
func (m *Manager) HasSession(ctx context.Context) bool {
	ok, err := m.store.Has(ctx, m.key)
	if err != nil {
		m.logger.Warn("failed to check for saved session", "error", err)
		return false
	}
	return ok
}

// Clear erases the stored session and its workspace.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.Delete(ctx, m.key); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if err := m.store.Delete(ctx, m.workspaceKey()); err != nil {
		return fmt.Errorf("clear workspace: %w", err)
	}
	return nil
}

// SaveWorkspace persists the working state beside the session. When the
// full record does not fit the quota the last action is dropped and the pose
// alone is kept. Failures are logged, never returned.
func (m *Manager) SaveWorkspace(ctx context.Context, w models.Workspace) {
	for _, candidate := range []models.Workspace{w, {OutfitIndex: w.OutfitIndex, PoseIndex: w.PoseIndex}} {
		data, err := json.Marshal(candidate)
		if err != nil {
			m.logger.Error("failed to encode workspace", "error", err)
			return
		}
		err = m.store.Set(ctx, m.workspaceKey(), data)
		if err == nil {
			return
		}
		if !errors.Is(err, store.ErrQuotaExceeded) || candidate.LastAction == nil {
			m.logger.Warn("failed to save workspace", "error", err)
			return
		}
		m.logger.Debug("workspace save over quota, dropping last action", "bytes", len(data))
	}
}

// LoadWorkspace reads the stored working state. A record that cannot be
// decoded is erased and reported as ErrNoWorkspace.
func (m *Manager) LoadWorkspace(ctx context.Context) (models.Workspace, error) {
	data, err := m.store.Get(ctx, m.workspaceKey())
	if errors.Is(err, store.ErrNotFound) {
		return models.Workspace{}, ErrNoWorkspace
	}
	if err != nil {
		return models.Workspace{}, fmt.Errorf("read workspace: %w", err)
	}
	var w models.Workspace
	if err := json.Unmarshal(data, &w); err != nil {
		m.logger.Warn("discarding unreadable workspace", "error", err)
		if derr := m.store.Delete(ctx, m.workspaceKey()); derr != nil {
			m.logger.Warn("failed to discard workspace", "error", derr)
		}
		return models.Workspace{}, ErrNoWorkspace
	}
	return w, nil
}

func (m *Manager) workspaceKey() string {
	return m.key + workspaceSuffix
}

// --- save helpers ---

// snapshotBuilder derives one candidate record from a sanitized snapshot.
type snapshotBuilder struct {
	name  string
	build func(models.PersistedSession) models.PersistedSession
}

// fallbackCascade is tried in order until a write fits.
var fallbackCascade = []snapshotBuilder{
	{name: "all creations", build: keepCreations(-1)},
	{name: "5 most recent creations", build: keepCreations(5)},
	{name: "most recent creation", build: keepCreations(1)},
	{name: "no creations", build: keepCreations(0)},
}

// keepCreations keeps the n most recent creations; n < 0 keeps all.
func keepCreations(n int) func(models.PersistedSession) models.PersistedSession {
	return func(s models.PersistedSession) models.PersistedSession {
		if n >= 0 && len(s.RecentCreations) > n {
			s.RecentCreations = s.RecentCreations[:n]
		}
		if s.RecentCreations == nil {
			s.RecentCreations = []models.CreationItem{}
		}
		return s
	}
}

// sanitize drops what cannot survive a reload: garments behind transient
// references and non-image creations.
func sanitize(snap models.PersistedSession) models.PersistedSession {
	out := models.PersistedSession{
		OutfitHistory:      make([]models.OutfitLayer, len(snap.OutfitHistory)),
		CurrentOutfitIndex: snap.CurrentOutfitIndex,
		CurrentBackground:  snap.CurrentBackground,
	}
	for i, layer := range snap.OutfitHistory {
		layer = layer.Clone()
		if layer.Garment != nil && imagecodec.IsTransient(layer.Garment.URL) {
			layer.Garment = nil
		}
		out.OutfitHistory[i] = layer
	}
	for _, c := range snap.RecentCreations {
		if c.Type == models.CreationTypeImage {
			out.RecentCreations = append(out.RecentCreations, c)
		}
	}
	return out
}

// --- load helpers ---

// storedSession is the on-disk shape. recentCreations may hold either
// CreationItems or, in older records, bare URLs; recentImages is the older
// field name for the bare-URL list.
type storedSession struct {
	OutfitHistory      []models.OutfitLayer `json:"outfitHistory"`
	CurrentOutfitIndex int                  `json:"currentOutfitIndex"`
	RecentCreations    json.RawMessage      `json:"recentCreations"`
	RecentImages       []string             `json:"recentImages"`
	CurrentBackground  string               `json:"currentBackground"`
}

// decode parses a stored record and reports whether the creations were
// migrated from the legacy shape.
func decode(data []byte) (models.PersistedSession, bool, error) {
	var raw storedSession
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.PersistedSession{}, false, &MalformedSessionError{Reason: "invalid JSON", Err: err}
	}

	snap := models.PersistedSession{
		OutfitHistory:      raw.OutfitHistory,
		CurrentOutfitIndex: raw.CurrentOutfitIndex,
		CurrentBackground:  raw.CurrentBackground,
	}

	var legacy []string
	if len(raw.RecentCreations) > 0 && string(raw.RecentCreations) != "null" {
		var items []models.CreationItem
		if err := json.Unmarshal(raw.RecentCreations, &items); err == nil {
			snap.RecentCreations = items
		} else if err := json.Unmarshal(raw.RecentCreations, &legacy); err != nil {
			return models.PersistedSession{}, false, &MalformedSessionError{Reason: "unrecognized creations list", Err: err}
		}
	} else if raw.RecentImages != nil {
		legacy = raw.RecentImages
	}

	if legacy != nil {
		snap.RecentCreations = migrateCreations(legacy)
		return snap, true, nil
	}

	// Records written before creations carried a type hold only images.
	migrated := false
	for i := range snap.RecentCreations {
		if snap.RecentCreations[i].Type == "" {
			snap.RecentCreations[i].Type = models.CreationTypeImage
			migrated = true
		}
	}
	return snap, migrated, nil
}

// migrateCreations converts bare URLs into image CreationItems, keeping
// their order.
func migrateCreations(urls []string) []models.CreationItem {
	out := make([]models.CreationItem, 0, len(urls))
	for _, url := range urls {
		if url == "" {
			continue
		}
		out = append(out, models.CreationItem{
			ID:   ulid.Make().String(),
			URL:  url,
			Type: models.CreationTypeImage,
		})
	}
	return out
}

// validate checks the restored history and trims it to its usable prefix.
func validate(snap *models.PersistedSession) error {
	if len(snap.OutfitHistory) == 0 {
		return &MalformedSessionError{Reason: "outfit history is empty"}
	}
	if !hasImage(snap.OutfitHistory[0]) {
		return &MalformedSessionError{Reason: "base layer has no image"}
	}
	snap.OutfitHistory[0].Garment = nil

	for i := 1; i < len(snap.OutfitHistory); i++ {
		if !hasImage(snap.OutfitHistory[i]) {
			snap.OutfitHistory = snap.OutfitHistory[:i]
			break
		}
	}
	snap.CurrentOutfitIndex = min(max(snap.CurrentOutfitIndex, 0), len(snap.OutfitHistory)-1)
	if len(snap.RecentCreations) > catalog.MaxCreations {
		snap.RecentCreations = snap.RecentCreations[:catalog.MaxCreations]
	}
	return nil
}

func hasImage(layer models.OutfitLayer) bool {
	for _, img := range layer.PoseImages {
		if img != "" {
			return true
		}
	}
	return false
}

// customGarments lists the user-uploaded garments referenced by history,
// first occurrence wins.
func customGarments(history []models.OutfitLayer) []models.WardrobeItem {
	seen := map[string]bool{}
	var out []models.WardrobeItem
	for _, layer := range history {
		g := layer.Garment
		if g == nil || !catalog.IsCustom(g.ID) || seen[g.ID] {
			continue
		}
		seen[g.ID] = true
		out = append(out, *g)
	}
	return out
}
