package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/paulschiretz/pgl-archive/pkg/buildinfo"
	"github.com/paulschiretz/pgl-archive/pkg/config"
	"github.com/paulschiretz/pgl-archive/pkg/flagparse"
	"github.com/paulschiretz/pgl-archive/pkg/plog"
)

// RunInit handles the logic for the 'init' command. It writes a settings file
// holding the defaults overlaid with the given flags.
func RunInit(ctx context.Context, flagMap map[string]any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	settingsPath := config.ConfigFileName
	if v, ok := flagMap["settings"].(string); ok && v != "" {
		settingsPath = v
	}

	force := false
	if f, ok := flagMap["force"].(bool); ok {
		force = f
	}

	if !force {
		if _, err := os.Stat(settingsPath); err == nil {
			fmt.Printf("WARNING: Settings file already exists at %s.\n", settingsPath)
			fmt.Printf("Continuing will overwrite it with default values. All custom settings will be lost.\n")
			if !PromptForConfirmation("Are you sure you want to continue?", false) {
				plog.Info(buildinfo.Name + " init operation canceled.")
				return nil
			}
			force = true
		}
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Init, config.NewDefault(), flagMap)

	// CRITICAL: Validate the config before it is written
	if err := runConfig.Validate(); err != nil {
		return err
	}

	// Validate expands the path, the file keeps what the user typed.
	if v, ok := flagMap["jobs"].(string); ok {
		runConfig.JobsFile = v
	}

	if runConfig.Runtime.DryRun {
		plog.Notice("[DRY RUN] Would write settings file", "path", settingsPath)
		return nil
	}

	if err := config.Generate(settingsPath, runConfig, force); err != nil {
		return fmt.Errorf("failed to generate settings file: %w", err)
	}

	plog.Info(buildinfo.Name+" settings successfully initialized.", "path", settingsPath)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
