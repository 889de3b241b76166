package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/goodtune/restatus/internal/config"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the Restatus configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

// secretKeys are redacted in dumps.
var secretKeys = map[string]bool{
	"security.api_key":       true,
	"steam.api_key":          true,
	"bilibili.sessdata":      true,
	"weather.api_key":        true,
	"storage.redis.password": true,
}

func runValidate(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		if err := dumpConfig(configPath, unknownKeys); err != nil {
			return err
		}
	}

	return nil
}

// defaultsViper returns a viper holding only the defaults.
func defaultsViper() *viper.Viper {
	v := viper.New()
	config.SetDefaults(v)
	return v
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := map[string]bool{}
	for _, key := range defaultsViper().AllKeys() {
		validKeys[key] = true
	}

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(configPath string, unknownKeys []string) error {
	defaults := defaultsViper()

	v := defaultsViper()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	keys := defaults.AllKeys()
	sort.Strings(keys)

	section := ""
	for _, key := range keys {
		head, name, _ := strings.Cut(key, ".")
		if head != section {
			section = head
			_, _ = cyan.Printf("\n[%s]\n", section)
		}
		dumpField("  "+name, displayValue(key, v.Get(key)), displayValue(key, defaults.Get(key)), yellow, green)
	}

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
	return nil
}

// displayValue formats a value, redacting secrets.
func displayValue(key string, value any) string {
	s := fmt.Sprintf("%v", value)
	if secretKeys[key] && s != "" {
		return "***REDACTED***"
	}
	return s
}

// dumpField prints a field with color if it differs from default
func dumpField(name, value, defaultValue string, modifiedColor, defaultColor *color.Color) {
	if value == defaultValue {
		_, _ = defaultColor.Printf("%s = %s\n", name, value)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %s)\n", name, value, defaultValue)
	}
}
