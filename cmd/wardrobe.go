package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/fitroom/internal/catalog"
	"github.com/joescharf/fitroom/internal/imagecodec"
	"github.com/joescharf/fitroom/internal/models"
	"github.com/joescharf/fitroom/internal/output"
)

var (
	wardrobeAddName string
	wardrobeAddID   string
)

var wardrobeCmd = &cobra.Command{
	Use:   "wardrobe",
	Short: "Manage the garment catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		return wardrobeListRun(cmd.Context())
	},
}

var wardrobeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List wardrobe garments",
	RunE: func(cmd *cobra.Command, args []string) error {
		return wardrobeListRun(cmd.Context())
	},
}

var wardrobeAddCmd = &cobra.Command{
	Use:   "add <image>",
	Short: "Add a garment image to the wardrobe",
	Long: `Add a garment to the wardrobe catalog in the config file.

The image may be a file path or an http(s) URL. Without --name the garment
is named by Claude when an Anthropic key is configured, otherwise after the
file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return wardrobeAddRun(cmd.Context(), args[0])
	},
}

func init() {
	wardrobeAddCmd.Flags().StringVar(&wardrobeAddName, "name", "", "Garment name")
	wardrobeAddCmd.Flags().StringVar(&wardrobeAddID, "id", "", "Wardrobe id (default: derived from the name)")
	wardrobeCmd.AddCommand(wardrobeListCmd)
	wardrobeCmd.AddCommand(wardrobeAddCmd)
	rootCmd.AddCommand(wardrobeCmd)
}

func wardrobeListRun(ctx context.Context) error {
	st, err := getStudio(ctx)
	if err != nil {
		return err
	}
	s := st.Engine.State()
	if len(s.Wardrobe) == 0 {
		ui.Info("Wardrobe is empty. Add garments with: fitroom wardrobe add <image>")
		return nil
	}

	worn := make(map[string]bool)
	for _, g := range s.ActiveGarments() {
		worn[g.ID] = true
	}

	table := ui.Table([]string{"", "ID", "Name", "Source"})
	for _, item := range s.Wardrobe {
		source := output.ImageRef(item.URL)
		if catalog.IsCustom(item.ID) {
			source = output.Yellow("uploaded")
		}
		_ = table.Append([]string{output.Marker(worn[item.ID]), item.ID, item.Name, source})
	}
	_ = table.Render()
	return nil
}

func wardrobeAddRun(ctx context.Context, image string) error {
	if imagecodec.IsDataURL(image) {
		return fmt.Errorf("wardrobe images must be a file path or URL")
	}

	ref := image
	if !strings.HasPrefix(image, "http://") && !strings.HasPrefix(image, "https://") {
		abs, err := filepath.Abs(image)
		if err != nil {
			return err
		}
		ref = abs
	}

	_, data, err := imagecodec.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	mime, err := imagecodec.Validate(data)
	if err != nil {
		return err
	}

	name := wardrobeAddName
	if name == "" {
		st, err := getStudio(ctx)
		if err != nil {
			return err
		}
		name = st.GarmentName(ctx, mime, data, ref)
	}

	id := wardrobeAddID
	if id == "" {
		id = slugify(name)
	}
	if id == "" {
		return fmt.Errorf("cannot derive an id from %q; pass --id", name)
	}
	if catalog.IsCustom(id) {
		return fmt.Errorf("ids starting with %q are reserved for uploads", catalog.CustomPrefix)
	}

	existing, err := configWardrobe()
	if err != nil {
		return err
	}
	for _, item := range existing {
		if item.ID == id {
			return fmt.Errorf("wardrobe already has an item with id %q", id)
		}
	}

	item := models.WardrobeItem{ID: id, Name: name, URL: ref}

	cfgPath := viper.ConfigFileUsed()
	if cfgPath == "" {
		if cfgPath, err = configFilePath(); err != nil {
			return err
		}
	}

	if dryRun {
		ui.DryRunMsg("Would add %s (%s) to %s", id, name, cfgPath)
		return nil
	}

	if err := appendWardrobeItem(cfgPath, item); err != nil {
		return err
	}
	ui.Success("Added %s to the wardrobe", output.Cyan(name))
	ui.Info("Try it on with: fitroom wear %s", id)
	return nil
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases s and joins its alphanumeric runs with dashes.
func slugify(s string) string {
	return strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// appendWardrobeItem adds item to the wardrobe list in the YAML config at
// path. Other keys and comments are left in place.
func appendWardrobeItem(path string, item models.WardrobeItem) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config: %w", err)
	}

	var entry yaml.Node
	if err := entry.Encode(item); err != nil {
		return err
	}

	var doc yaml.Node
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	var out []byte
	if len(doc.Content) == 0 {
		// Empty or comment-only file: append a fresh wardrobe section.
		section, err := yaml.Marshal(map[string][]models.WardrobeItem{"wardrobe": {item}})
		if err != nil {
			return err
		}
		if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
			data = append(data, '\n')
		}
		out = append(data, section...)
	} else {
		root := doc.Content[0]
		if root.Kind != yaml.MappingNode {
			return fmt.Errorf("config %s: top level is not a mapping", path)
		}
		list := mappingValue(root, "wardrobe")
		switch {
		case list == nil:
			list = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
			root.Content = append(root.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "wardrobe"}, list)
		case list.Kind != yaml.SequenceNode:
			if list.Tag != "!!null" {
				return fmt.Errorf("config %s: wardrobe is not a list", path)
			}
			*list = yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		}
		list.Content = append(list.Content, &entry)

		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(&doc); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
		out = buf.Bytes()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
