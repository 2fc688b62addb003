package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/joescharf/fitroom/internal/catalog"
	"github.com/joescharf/fitroom/internal/gateway"
	"github.com/joescharf/fitroom/internal/imagecodec"
	"github.com/joescharf/fitroom/internal/outfit"
	"github.com/joescharf/fitroom/internal/output"
	"github.com/joescharf/fitroom/internal/studio"
)

var (
	wearFile         string
	wearName         string
	backgroundPreset int
	resetYes         bool
)

var modelCmd = &cobra.Command{
	Use:   "model <photo>",
	Short: "Create the fashion model from a photo",
	Long: `Create the fashion model from a photo of yourself.

The photo may be a file path, an http(s) URL, or a data URL. Creating a
model starts a new history; any previous look is replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return modelRun(cmd.Context(), args[0])
	},
}

var wearCmd = &cobra.Command{
	Use:   "wear [wardrobe-id]",
	Short: "Try on a garment",
	Long: `Try on a garment from the wardrobe, or upload one with --file.

Without arguments, lists the wardrobe.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && wearFile == "" {
			return wardrobeListRun(cmd.Context())
		}
		req := studio.WearRequest{Source: wearFile, Name: wearName}
		if len(args) == 1 {
			req.ID = args[0]
		}
		return wearRun(cmd.Context(), req)
	},
}

var poseCmd = &cobra.Command{
	Use:   "pose [pose]",
	Short: "Change the model's pose",
	Long: `Change the model's pose for the current outfit.

The pose may be its number or the start of its name, e.g. 'side' or '4'.
Without arguments, lists the available poses.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return poseListRun(cmd.Context())
		}
		return poseRun(cmd.Context(), args[0])
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <prompt...>",
	Short: "Edit the current image with a text prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editRun(cmd.Context(), strings.Join(args, " "))
	},
}

var backgroundCmd = &cobra.Command{
	Use:   "background [description...]",
	Short: "Change the background behind the model",
	Long: `Change the background behind the model.

Describe the backdrop, or pick a preset with --preset. Without arguments,
lists the presets.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		desc := strings.Join(args, " ")
		if cmd.Flags().Changed("preset") {
			if backgroundPreset < 0 || backgroundPreset >= len(catalog.BackgroundPresets) {
				return fmt.Errorf("preset must be between 0 and %d", len(catalog.BackgroundPresets)-1)
			}
			desc = catalog.BackgroundPresets[backgroundPreset]
		}
		if desc == "" {
			backgroundListRun()
			return nil
		}
		return backgroundRun(cmd.Context(), desc)
	},
}

var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Step back to the previous outfit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return undoRun(cmd.Context())
	},
}

var redoCmd = &cobra.Command{
	Use:   "redo",
	Short: "Step forward to the next outfit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return redoRun(cmd.Context())
	},
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Re-run the last generation in this session",
	Long: `Re-run the most recent try-on, pose change, or edit.

The last generation is saved with the session, so a later run can still
regenerate it. There is nothing to regenerate on the base model layer.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return regenerateRun(cmd.Context())
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard the session and start over",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return resetRun(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current look",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := getStudio(cmd.Context())
		if err != nil {
			return err
		}
		return statusRun(st)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the outfit layers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyRun(cmd.Context())
	},
}

var creationsCmd = &cobra.Command{
	Use:   "creations",
	Short: "List recent creations, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return creationsRun(cmd.Context())
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [path]",
	Short: "Save the current image to a file",
	Long: `Save the current image to a file. The extension is added from the image
type when missing. Defaults to ./fitroom-look.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "fitroom-look"
		if len(args) == 1 {
			path = args[0]
		}
		return exportRun(cmd.Context(), path)
	},
}

func init() {
	wearCmd.Flags().StringVarP(&wearFile, "file", "f", "", "Garment image to upload (path, URL, or data URL)")
	wearCmd.Flags().StringVar(&wearName, "name", "", "Name for an uploaded garment")
	backgroundCmd.Flags().IntVar(&backgroundPreset, "preset", 0, "Use a preset background by number")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip confirmation")

	rootCmd.AddCommand(modelCmd)
	rootCmd.AddCommand(wearCmd)
	rootCmd.AddCommand(poseCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(backgroundCmd)
	rootCmd.AddCommand(undoCmd)
	rootCmd.AddCommand(redoCmd)
	rootCmd.AddCommand(regenerateCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(creationsCmd)
	rootCmd.AddCommand(exportCmd)
}

// generationError turns engine failures into the message the user sees.
// A busy engine is reported as a warning and not treated as a failure.
func generationError(context string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, outfit.ErrBusy) {
		ui.Warning("A generation is already running; try again when it finishes")
		return nil
	}
	var (
		inputErr *imagecodec.InputValidationError
		genErr   *gateway.GenerationError
	)
	if errors.As(err, &inputErr) || errors.As(err, &genErr) {
		return errors.New(gateway.FriendlyMessage(context, err))
	}
	return err
}

func modelRun(ctx context.Context, photo string) error {
	if dryRun {
		ui.DryRunMsg("Would create a model from %s", photo)
		return nil
	}
	st, err := getStudio(ctx)
	if err != nil {
		return err
	}
	ui.Info("Creating your model...")
	if err := generationError("Failed to create model", st.CreateModel(ctx, photo)); err != nil {
		return err
	}
	ui.Success("Model ready")
	return statusRun(st)
}

func wearRun(ctx context.Context, req studio.WearRequest) error {
	if dryRun {
		ui.DryRunMsg("Would try on %s", firstNonEmpty(req.ID, req.Source))
		return nil
	}
	st, err := getStudio(ctx)
	if err != nil {
		return err
	}
	ui.Info("Dressing the model...")
	item, err := st.Wear(ctx, req)
	if err := generationError("Failed to apply garment", err); err != nil {
		return err
	}
	if item.ID == "" {
		return nil
	}
	ui.Success("Wearing %s", output.Cyan(item.Name))
	return statusRun(st)
}

func poseListRun(ctx context.Context) error {
	st, err := getStudio(ctx)
	if err != nil {
		return err
	}
	current := st.Engine.State().PoseIndex
	table := ui.Table([]string{"", "#", "Pose"})
	for i, label := range st.Engine.Poses() {
		_ = table.Append([]string{output.Marker(i == current), strconv.Itoa(i), label})
	}
	_ = table.Render()
	return nil
}

func poseRun(ctx context.Context, ref string) error {
	st, err := getStudio(ctx)
	if err != nil {
		return err
	}
	idx, err := st.FindPose(ref)
	if err != nil {
		return fmt.Errorf("%w: %s (run 'fitroom pose' to list poses)", err, ref)
	}
	label := st.Engine.Poses()[idx]
	if dryRun {
		ui.DryRunMsg("Would change pose to %q", label)
		return nil
	}
	ui.Info("Posing: %s", label)
	if err := generationError("Failed to change pose", st.Engine.ChangePose(ctx, idx)); err != nil {
		return err
	}
	return statusRun(st)
}

func editRun(ctx context.Context, prompt string) error {
	if dryRun {
		ui.DryRunMsg("Would edit the image: %q", prompt)
		return nil
	}
	st, err := getStudio(ctx)
	if err != nil {
		return err
	}
	ui.Info("Editing...")
	if err := generationError("Failed to edit image", st.Engine.Edit(ctx, prompt)); err != nil {
		return err
	}
	return statusRun(st)
}

func backgroundListRun() {
	table := ui.Table([]string{"#", "Preset"})
	for i, bg := range catalog.BackgroundPresets {
		_ = table.Append([]string{strconv.Itoa(i), bg})
	}
	_ = table.Render()
}

func backgroundRun(ctx context.Context, desc string) error {
	if dryRun {
		ui.DryRunMsg("Would change the background to %q", desc)
		return nil
	}
	st, err := getStudio(ctx)
	if err != nil {
		return err
	}
	ui.Info("Changing background...")
	if err := generationError("Failed to change background", st.Engine.ChangeBackground(ctx, desc)); err != nil {
		return err
	}
	return statusRun(st)
}

func undoRun(ctx context.Context) error {
	st, err := getStudio(ctx)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would step back one outfit")
		return nil
	}
	if !st.Engine.Undo(ctx) {
		ui.Warning("Nothing to undo")
		return nil
	}
	return statusRun(st)
}

func redoRun(ctx context.Context) error {
	st, err := getStudio(ctx)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would step forward one outfit")
		return nil
	}
	if !st.Engine.Redo(ctx) {
		ui.Warning("Nothing to redo")
		return nil
	}
	return statusRun(st)
}

func regenerateRun(ctx context.Context) error {
	st, err := getStudio(ctx)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would regenerate the last %s", firstNonEmpty(st.Engine.State().LastAction, "generation"))
		return nil
	}
	err = st.Engine.Regenerate(ctx)
	if errors.Is(err, outfit.ErrNothingToRegenerate) {
		ui.Warning("Nothing to regenerate in this session")
		return nil
	}
	if err := generationError("Failed to regenerate", err); err != nil {
		return err
	}
	return statusRun(st)
}

func resetRun(ctx context.Context) error {
	if !resetYes {
		confirmed := false
		prompt := huh.NewConfirm().
			Title("Discard the current session?").
			Description("The model, outfit history, and creations are removed.").
			Affirmative("Discard").
			Negative("Keep").
			Value(&confirmed)
		if err := prompt.Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			return err
		}
		if !confirmed {
			return nil
		}
	}

	if dryRun {
		ui.DryRunMsg("Would discard the session")
		return nil
	}
	st, err := getStudio(ctx)
	if err != nil {
		return err
	}
	if err := st.Engine.Reset(ctx); err != nil {
		return err
	}
	ui.Success("Session discarded. Start with: fitroom model <photo>")
	return nil
}

// statusRun prints a summary of the current look.
func statusRun(st *studio.Studio) error {
	s := st.Engine.State()
	if s.Phase == outfit.PhaseUninitialized {
		ui.Info("No model yet. Start with: fitroom model <photo>")
		return nil
	}

	fmt.Fprintf(ui.Out, "%-12s %s\n", "Phase:", output.PhaseColor(string(s.Phase)))
	fmt.Fprintf(ui.Out, "%-12s %d of %d\n", "Outfit:", s.Index+1, len(s.History))

	garments := s.ActiveGarments()
	if len(garments) == 0 {
		fmt.Fprintf(ui.Out, "%-12s %s\n", "Wearing:", "(base model)")
	} else {
		names := make([]string, len(garments))
		for i, g := range garments {
			names[i] = output.Cyan(g.Name)
		}
		fmt.Fprintf(ui.Out, "%-12s %s\n", "Wearing:", strings.Join(names, ", "))
	}

	fmt.Fprintf(ui.Out, "%-12s %s\n", "Pose:", s.PoseLabel)
	if s.Background != "" {
		fmt.Fprintf(ui.Out, "%-12s %s\n", "Background:", s.Background)
	}
	fmt.Fprintf(ui.Out, "%-12s %s\n", "Image:", output.ImageRef(s.Image))
	fmt.Fprintf(ui.Out, "%-12s %d\n", "Creations:", len(s.Creations))

	var nav []string
	if s.CanUndo {
		nav = append(nav, "undo")
	}
	if s.CanRedo {
		nav = append(nav, "redo")
	}
	if len(nav) > 0 {
		fmt.Fprintf(ui.Out, "%-12s %s\n", "Available:", strings.Join(nav, ", "))
	}
	return nil
}

func historyRun(ctx context.Context) error {
	st, err := getStudio(ctx)
	if err != nil {
		return err
	}
	s := st.Engine.State()
	if len(s.History) == 0 {
		ui.Info("No outfit history. Start with: fitroom model <photo>")
		return nil
	}

	table := ui.Table([]string{"", "#", "Garment", "Poses"})
	for i, layer := range s.History {
		garment := "(base model)"
		if layer.Garment != nil {
			garment = layer.Garment.Name
		}
		_ = table.Append([]string{
			output.Marker(i == s.Index),
			strconv.Itoa(i),
			garment,
			strconv.Itoa(len(layer.PoseImages)),
		})
	}
	_ = table.Render()
	return nil
}

func creationsRun(ctx context.Context) error {
	st, err := getStudio(ctx)
	if err != nil {
		return err
	}
	creations := st.Engine.State().Creations
	if len(creations) == 0 {
		ui.Info("No creations yet")
		return nil
	}

	table := ui.Table([]string{"#", "ID", "Type", "Image"})
	for i, c := range creations {
		_ = table.Append([]string{
			strconv.Itoa(i + 1),
			c.ID,
			string(c.Type),
			output.ImageRef(c.URL),
		})
	}
	_ = table.Render()
	return nil
}

func exportRun(ctx context.Context, path string) error {
	st, err := getStudio(ctx)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would save the current image to %s", path)
		return nil
	}
	written, err := st.Export(path)
	if err != nil {
		if errors.Is(err, outfit.ErrNoModel) {
			return fmt.Errorf("no image to export (run 'fitroom model <photo>' first)")
		}
		return err
	}
	ui.Success("Saved %s", written)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
