// Package catalog holds the fixed pose, background, and wardrobe catalogs the
// studio is configured with.
package catalog

import (
	"strings"

	"github.com/joescharf/fitroom/internal/models"
)

// CustomPrefix marks wardrobe items uploaded by the user.
const CustomPrefix = "custom-"

// MaxCreations caps the recent-creations log.
const MaxCreations = 12

// IsCustom reports whether the wardrobe item id was user-uploaded.
func IsCustom(id string) bool {
	return strings.HasPrefix(id, CustomPrefix)
}

// Poses is the ordered pose instruction catalog. Index 0 is the default pose.
var Poses = []string{
	"Full frontal view, hands on hips",
	"Slightly turned, 3/4 view",
	"Side profile view",
	"Jumping in the air, mid-action shot",
	"Walking towards camera",
	"Leaning against a wall",
	"Looking back over the shoulder",
	"Sitting on a stool, relaxed posture",
	"Arms crossed, confident stance",
	"Hands in pockets, casual stance",
}

// BackgroundPresets are quick-pick backdrops for change-background.
var BackgroundPresets = []string{
	"a clean light gray photo studio",
	"a sunny city street with blurred traffic",
	"a minimalist white loft with large windows",
	"a sandy beach at golden hour",
	"a lush green park in spring",
	"a neon-lit street at night",
}

// Config bundles the catalogs an engine is built with.
type Config struct {
	Poses    []string
	Wardrobe []models.WardrobeItem
}

// Default returns a Config with the built-in pose catalog and the given
// wardrobe. The slices are copies so callers may extend them.
func Default(wardrobe ...models.WardrobeItem) Config {
	return Config{
		Poses:    append([]string(nil), Poses...),
		Wardrobe: append([]models.WardrobeItem(nil), wardrobe...),
	}
}
