package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "fitroom"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage fitroom configuration.

Running bare 'fitroom config' is the same as 'fitroom config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# fitroom configuration
# See: fitroom config show (for effective values and sources)

# State/data directory (default: ~/.config/fitroom)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/fitroom/fitroom.db)
# db_path: {{ .DBPath }}

# Session storage
storage:
  # Record key the session is saved under
  key: "{{ .StorageKey }}"

  # Storage budget in bytes; older creations are dropped to fit (0 disables)
  quota_bytes: {{ .QuotaBytes }}

# Image generation (Gemini). The key may also come from GEMINI_API_KEY.
gemini:
  api_key: ""
  model: "{{ .GeminiModel }}"

# Garment naming for uploads (Claude, optional). The key may also come from
# ANTHROPIC_API_KEY.
anthropic:
  api_key: ""
  model: "{{ .AnthropicModel }}"

# Text stamped on every generated image
watermark:
  text: "{{ .WatermarkText }}"

# REST API port for 'fitroom serve'
port: {{ .Port }}

# Wardrobe catalog. url may be a file path, http(s) URL, or data URL.
# Add items with 'fitroom wardrobe add <image>'.
# wardrobe:
#   - id: denim-jacket
#     name: Denim Jacket
#     url: ~/Pictures/garments/denim-jacket.png
`

type configTemplateData struct {
	StateDir       string
	DBPath         string
	StorageKey     string
	QuotaBytes     int64
	GeminiModel    string
	AnthropicModel string
	WatermarkText  string
	Port           int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:       viper.GetString("state_dir"),
		DBPath:         viper.GetString("db_path"),
		StorageKey:     viper.GetString("storage.key"),
		QuotaBytes:     viper.GetInt64("storage.quota_bytes"),
		GeminiModel:    viper.GetString("gemini.model"),
		AnthropicModel: viper.GetString("anthropic.model"),
		WatermarkText:  viper.GetString("watermark.text"),
		Port:           viper.GetInt("port"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "FITROOM_STATE_DIR"},
	{Key: "db_path", EnvVar: "FITROOM_DB_PATH"},
	{Key: "storage.key", EnvVar: "FITROOM_STORAGE_KEY"},
	{Key: "storage.quota_bytes", EnvVar: "FITROOM_STORAGE_QUOTA_BYTES"},
	{Key: "gemini.api_key", EnvVar: "FITROOM_GEMINI_API_KEY", Secret: true},
	{Key: "gemini.model", EnvVar: "FITROOM_GEMINI_MODEL"},
	{Key: "anthropic.api_key", EnvVar: "FITROOM_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "FITROOM_ANTHROPIC_MODEL"},
	{Key: "watermark.text", EnvVar: "FITROOM_WATERMARK_TEXT"},
	{Key: "port", EnvVar: "FITROOM_PORT"},
}

// maskSecret hides all but the last four characters of a secret.
func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
	}

	items, err := configWardrobe()
	if err != nil {
		return err
	}
	fmt.Fprintf(ui.Out, "  %-22s %d items  %s\n", "wardrobe", len(items), detectSource("wardrobe", "", fileValues))

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok && envVar != "" {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'fitroom config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
