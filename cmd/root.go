package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/fitroom/internal/catalog"
	"github.com/joescharf/fitroom/internal/gateway"
	"github.com/joescharf/fitroom/internal/imagecodec"
	"github.com/joescharf/fitroom/internal/models"
	"github.com/joescharf/fitroom/internal/output"
	"github.com/joescharf/fitroom/internal/session"
	"github.com/joescharf/fitroom/internal/store"
	"github.com/joescharf/fitroom/internal/studio"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store
	live      *studio.Studio

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "fitroom",
	Short: "Virtual try-on studio - dress an AI model in your wardrobe",
	Long: `fitroom turns a photo of you into a fashion model and lets you try on
garments, change poses and backgrounds, and step back and forth through
every look you create. Sessions are saved automatically and resumed on
the next run.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/fitroom/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "fitroom")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("FITROOM")
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	setDefaults(filepath.Join(home, ".config", "fitroom"))

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers default values rooted at the given state directory.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "fitroom.db"))
	viper.SetDefault("storage.key", session.DefaultKey)
	viper.SetDefault("storage.quota_bytes", store.DefaultQuota)
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.model", gateway.DefaultModel)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("watermark.text", imagecodec.DefaultWatermark)
	viper.SetDefault("port", 8080)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Library logs go to stderr so they never mix with MCP stdio traffic.
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// Store and studio are opened lazily so config/version run without a db.
}

// rootRun handles `fitroom` with no subcommand: offer to resume a saved
// session, then show where things stand.
func rootRun(cmd *cobra.Command) error {
	s, err := getStore()
	if err != nil {
		return cmd.Help()
	}
	ctx := cmd.Context()
	sessions := newSessionManager(s)

	if !sessions.HasSession(ctx) {
		ui.Info("No saved session. Start with: fitroom model <photo>")
		return nil
	}

	resume := true
	prompt := huh.NewConfirm().
		Title("Resume your previous session?").
		Description("Choosing no discards it and starts fresh.").
		Affirmative("Resume").
		Negative("Start over").
		Value(&resume)
	if err := prompt.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return nil
		}
		return err
	}

	if !resume {
		if dryRun {
			ui.DryRunMsg("Would discard the saved session")
			return nil
		}
		if err := sessions.Clear(ctx); err != nil {
			return err
		}
		ui.Success("Previous session discarded. Start with: fitroom model <photo>")
		return nil
	}

	st, err := getStudio(ctx)
	if err != nil {
		return err
	}
	return statusRun(st)
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath, store.WithQuota(viper.GetInt64("storage.quota_bytes")))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

func newSessionManager(s store.Store) *session.Manager {
	return session.NewManager(s, viper.GetString("storage.key"), nil)
}

// getStudio returns the shared studio, building it and resuming any saved
// session on first call. A malformed saved session is discarded with a
// warning.
func getStudio(ctx context.Context) (*studio.Studio, error) {
	if live != nil {
		return live, nil
	}

	s, err := getStore()
	if err != nil {
		return nil, err
	}

	wardrobe, err := configWardrobe()
	if err != nil {
		return nil, err
	}

	var describer studio.Describer
	if c := newLLMClient(); c != nil {
		describer = c
	}

	st := studio.New(newGenerator(ctx), newSessionManager(s), catalog.Default(wardrobe...), describer)

	if _, err := st.Resume(ctx); err != nil {
		var malformed *session.MalformedSessionError
		if !errors.As(err, &malformed) {
			return nil, err
		}
		ui.Warning("Saved session could not be restored and was discarded: %v", err)
	}

	live = st
	return live, nil
}

// newGenerator builds the watermarking Gemini generator. Without an API key
// it returns a generator that reports the missing configuration, so commands
// that never generate still work.
func newGenerator(ctx context.Context) gateway.Generator {
	apiKey := viper.GetString("gemini.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return unavailableGenerator{err: errors.New("gemini API key not configured (set gemini.api_key or GEMINI_API_KEY)")}
	}

	gen, err := gateway.NewGemini(ctx, apiKey, viper.GetString("gemini.model"))
	if err != nil {
		return unavailableGenerator{err: err}
	}
	return gateway.WithWatermark(gen, viper.GetString("watermark.text"))
}

// unavailableGenerator fails every call with err.
type unavailableGenerator struct{ err error }

func (g unavailableGenerator) GenerateModel(context.Context, string) (string, error) {
	return "", g.err
}
func (g unavailableGenerator) TryOn(context.Context, string, string, string) (string, error) {
	return "", g.err
}
func (g unavailableGenerator) PoseVariation(context.Context, string, string, string) (string, error) {
	return "", g.err
}
func (g unavailableGenerator) Edit(context.Context, string, string) (string, error) {
	return "", g.err
}

// configWardrobe reads the wardrobe catalog from the `wardrobe` config key.
func configWardrobe() ([]models.WardrobeItem, error) {
	var items []models.WardrobeItem
	if err := viper.UnmarshalKey("wardrobe", &items); err != nil {
		return nil, fmt.Errorf("parse wardrobe config: %w", err)
	}
	return items, nil
}
