// Package studio composes the outfit engine with session persistence and
// image loading. The CLI, REST API, and MCP server all drive the engine
// through a Studio.
package studio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/joescharf/fitroom/internal/catalog"
	"github.com/joescharf/fitroom/internal/gateway"
	"github.com/joescharf/fitroom/internal/imagecodec"
	"github.com/joescharf/fitroom/internal/llm"
	"github.com/joescharf/fitroom/internal/models"
	"github.com/joescharf/fitroom/internal/outfit"
	"github.com/joescharf/fitroom/internal/session"
)

var (
	// ErrUnknownGarment is returned when a wardrobe id is not in the catalog.
	ErrUnknownGarment = errors.New("garment not found in wardrobe")
	// ErrNoGarment is returned when a wear request names neither a wardrobe
	// id nor an image.
	ErrNoGarment = errors.New("a wardrobe id or garment image is required")
	// ErrUnknownPose is returned when a pose reference matches no catalog entry.
	ErrUnknownPose = errors.New("unknown pose")
)

var _ outfit.WorkspaceSaver = (*session.Manager)(nil)

// Describer names uploaded garments. llm.Client implements it.
type Describer interface {
	DescribeGarment(ctx context.Context, mimeType string, data []byte, hint string) (*llm.GarmentDescription, error)
}

// Studio is one live try-on session.
type Studio struct {
	Engine   *outfit.Engine
	Sessions *session.Manager

	describer Describer
}

// New builds a Studio whose engine persists through sessions. describer may
// be nil, in which case uploads are named after their file.
func New(gen gateway.Generator, sessions *session.Manager, cfg catalog.Config, describer Describer) *Studio {
	var saver outfit.Persister
	if sessions != nil {
		saver = sessions
	}
	return &Studio{
		Engine:    outfit.New(gen, saver, cfg),
		Sessions:  sessions,
		describer: describer,
	}
}

// Resume restores the stored session into the engine, along with the pose
// and last action saved beside it. It reports false when nothing was stored.
func (s *Studio) Resume(ctx context.Context) (bool, error) {
	if s.Sessions == nil {
		return false, nil
	}
	restored, err := s.Sessions.Load(ctx)
	if errors.Is(err, session.ErrNoSession) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.Engine.Restore(restored.Session, restored.Wardrobe); err != nil {
		return false, err
	}

	ws, err := s.Sessions.LoadWorkspace(ctx)
	if errors.Is(err, session.ErrNoWorkspace) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.Engine.RestoreWorkspace(ws); err != nil {
		return false, err
	}
	return true, nil
}

// CreateModel loads the photo behind ref and synthesizes the base model.
func (s *Studio) CreateModel(ctx context.Context, ref string) error {
	photo, _, _, err := loadImage(ctx, ref)
	if err != nil {
		return err
	}
	return s.Engine.FinalizeModel(ctx, photo)
}

// WearRequest selects a garment either from the wardrobe by ID or by image
// reference (data URL, http(s) URL, or file path).
type WearRequest struct {
	ID     string
	Source string
	Name   string
}

// Wear applies the requested garment and returns the wardrobe item used.
func (s *Studio) Wear(ctx context.Context, req WearRequest) (models.WardrobeItem, error) {
	var (
		item        models.WardrobeItem
		garmentFile string
	)
	switch {
	case req.ID != "":
		found, ok := s.Engine.WardrobeItem(req.ID)
		if !ok {
			return models.WardrobeItem{}, fmt.Errorf("%w: %s", ErrUnknownGarment, req.ID)
		}
		ref, _, _, err := loadImage(ctx, found.URL)
		if err != nil {
			return models.WardrobeItem{}, fmt.Errorf("load garment %s: %w", found.ID, err)
		}
		item, garmentFile = found, ref

	case req.Source != "":
		ref, mime, data, err := loadImage(ctx, req.Source)
		if err != nil {
			return models.WardrobeItem{}, err
		}
		name := req.Name
		if name == "" {
			name = s.GarmentName(ctx, mime, data, req.Source)
		}
		item = models.WardrobeItem{
			ID:   catalog.CustomPrefix + uuid.NewString(),
			Name: name,
			URL:  ref,
		}
		garmentFile = ref

	default:
		return models.WardrobeItem{}, ErrNoGarment
	}

	if err := s.Engine.ApplyGarment(ctx, garmentFile, item); err != nil {
		return models.WardrobeItem{}, err
	}
	return item, nil
}

// GarmentName picks a display name for an uploaded garment: the describer's
// suggestion when available, otherwise the file's base name.
func (s *Studio) GarmentName(ctx context.Context, mime string, data []byte, source string) string {
	hint := ""
	if !imagecodec.IsDataURL(source) {
		hint = filepath.Base(source)
	}
	if s.describer != nil {
		desc, err := s.describer.DescribeGarment(ctx, mime, data, hint)
		if err == nil {
			return desc.Name
		}
	}
	if hint == "" || hint == "." || hint == "/" {
		return "Custom garment"
	}
	return strings.TrimSuffix(hint, filepath.Ext(hint))
}

// FindPose resolves a pose reference to its catalog index. ref may be an
// index or a case-insensitive label prefix.
func (s *Studio) FindPose(ref string) (int, error) {
	poses := s.Engine.Poses()
	if n, err := strconv.Atoi(strings.TrimSpace(ref)); err == nil {
		if n < 0 || n >= len(poses) {
			return 0, fmt.Errorf("%w: %d", outfit.ErrInvalidPose, n)
		}
		return n, nil
	}
	want := strings.ToLower(strings.TrimSpace(ref))
	if want != "" {
		for i, label := range poses {
			if strings.HasPrefix(strings.ToLower(label), want) {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPose, ref)
}

// Export writes the currently displayed image to path.
func (s *Studio) Export(path string) (string, error) {
	st := s.Engine.State()
	if st.Image == "" {
		return "", outfit.ErrNoModel
	}
	mime, data, err := imagecodec.DecodeDataURL(st.Image)
	if err != nil {
		return "", fmt.Errorf("decode current image: %w", err)
	}
	if filepath.Ext(path) == "" {
		path += extensionFor(mime)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path, nil
}

// loadImage resolves ref, checks it is an image, and returns it as a data
// URL along with its detected type and bytes.
func loadImage(ctx context.Context, ref string) (string, string, []byte, error) {
	if strings.TrimSpace(ref) == "" {
		return "", "", nil, &imagecodec.InputValidationError{Reason: "no image was provided"}
	}
	_, data, err := imagecodec.Resolve(ctx, ref)
	if err != nil {
		return "", "", nil, err
	}
	mime, err := imagecodec.Validate(data)
	if err != nil {
		return "", "", nil, err
	}
	return imagecodec.EncodeDataURL(mime, data), mime, data, nil
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
