package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/quill/internal/config"
)

var configProject bool

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Quill configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/quill/config.yaml
Project-specific overrides can be placed in .quill.yaml`,
	Args: cobra.MaximumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		switch len(args) {
		case 0:
			displayAllConfig()
		case 1:
			displayConfigKey(args[0])
		default:
			setConfigKey(args[0], args[1])
		}
	},
}

func init() {
	configCmd.Flags().BoolVar(&configProject, "project", false, "Write to the project config instead of the user config")
}

// displayAllConfig prints all configuration values.
func displayAllConfig() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	for _, key := range config.Keys() {
		value, err := configValue(key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s: %s\n", key, value)
	}
	fmt.Printf("\ncredentials: %s\n", config.GetAPIKeySource(cfg))
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(key string) {
	value, err := configValue(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey writes a value to the user or project config file.
func setConfigKey(key, value string) {
	var err error
	if configProject {
		path := config.GetProjectConfigPath()
		if path == "" {
			path = ".quill.yaml"
		}
		err = config.SetIn(path, key, value)
	} else {
		err = config.Set(key, value)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Set %s = %s\n", key, displayValue(key, value))
}

func configValue(key string) (string, error) {
	v, err := config.Get(key)
	if err != nil {
		return "", err
	}
	return displayValue(key, v), nil
}

// displayValue renders v for output, masking secrets.
func displayValue(key string, v any) string {
	s := fmt.Sprint(v)
	if v == nil || s == "" {
		return "(not set)"
	}
	if key == "anthropic.api_key" {
		return config.MaskAPIKey(s)
	}
	return s
}
