package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-archive/pkg/buildinfo"
)

// Keys of the flag map that do not correspond to a flag.
const (
	// ExtensionArg holds the optional positional extension of the archive command.
	ExtensionArg = "extension"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	DryRun   *bool
	Metrics  *bool

	// Shared: Archive / Init
	Settings           *string
	Jobs               *string
	Format             *string
	Level              *string
	ModeMarkerPolicy   *string
	FailOnArchiveError *bool
	BufferSizeKB       *int
	PreRunHooks        *string
	PostRunHooks       *string
	HooksFailFast      *bool

	// Init specific
	Extension *string
	Force     *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.DryRun = fs.Bool("dry-run", false, "Show what would be done without making any changes.")
	f.Metrics = fs.Bool("metrics", false, "Enable archive and byte counting metrics.")
}

func registerSharedFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Settings = fs.String("settings", "pgl-archive.toml", "Path of the settings file.")
	f.Jobs = fs.String("jobs", "config", "Path of the job list ('source|destination[|S]' per line).")
	f.Format = fs.String("format", "", "Archive format: 'tar.zst', 'tar.gz', 'tar' or 'zip'. Inferred from the extension when empty.")
	f.Level = fs.String("level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
	f.ModeMarkerPolicy = fs.String("mode-marker-policy", "lenient", "Handling of unknown mode markers: 'lenient' or 'strict'.")
	f.FailOnArchiveError = fs.Bool("fail-on-archive-error", false, "Exit with an error status if any archive could not be created.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes for compression.")
	f.PreRunHooks = fs.String("pre-run-hooks", "", "Comma-separated list of commands to run before archiving.")
	f.PostRunHooks = fs.String("post-run-hooks", "", "Comma-separated list of commands to run after archiving.")
	f.HooksFailFast = fs.Bool("hooks-fail-fast", false, "Abort the run when a hook command fails.")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Extension = fs.String("extension", "", "Archive extension including the leading dot, e.g. '.tar.zst'.")
	f.Force = fs.Bool("force", false, "Overwrite an existing settings file.")
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and flag map.
// Arguments that do not start with a known command are parsed as the archive command,
// so "pgl-archive .tar.gz" and "pgl-archive archive .tar.gz" are equivalent.
func Parse(args []string) (Command, map[string]any, error) {
	cmdArgs := args
	command := Archive

	if len(args) > 0 {
		cmdStr := strings.ToLower(args[0])

		if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
			fs := flag.NewFlagSet("main", flag.ContinueOnError)
			printTopLevelUsage(fs)
			return None, nil, nil
		}

		if c, err := ParseCommand(cmdStr); err == nil {
			command = c
			cmdArgs = args[1:]
		}
	}

	f := &cliFlags{}

	switch command {
	case Init:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerSharedFlags(fs, f)
		registerInitFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "", "Write a settings file with the default values and the given flags.", fs)
		}

		if err := fs.Parse(cmdArgs); err != nil {
			return Init, nil, err
		}
		if fs.NArg() > 0 {
			return Init, nil, fmt.Errorf("init takes no positional arguments, got %q", fs.Args())
		}
		return Init, flagsToMap(fs, f), nil

	case Archive:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerSharedFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "[extension]", "Archive every job of the job list. The optional extension (e.g. '.tar.gz') overrides the settings.", fs)
		}

		if err := fs.Parse(cmdArgs); err != nil {
			return Archive, nil, err
		}
		flagMap := flagsToMap(fs, f)
		switch fs.NArg() {
		case 0:
		case 1:
			flagMap[ExtensionArg] = fs.Arg(0)
		default:
			return Archive, nil, fmt.Errorf("expected at most one extension argument, got %d: %q", fs.NArg(), fs.Args())
		}
		return Archive, flagMap, nil

	case Version:
		return command, nil, nil

	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) map[string]any {
	// Only flags explicitly set by the user end up in the map, so they can
	// selectively override the settings file.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)

	addIfUsed(flagMap, usedFlags, "settings", f.Settings)
	addIfUsed(flagMap, usedFlags, "jobs", f.Jobs)
	addIfUsed(flagMap, usedFlags, "format", f.Format)
	addIfUsed(flagMap, usedFlags, "level", f.Level)
	addIfUsed(flagMap, usedFlags, "mode-marker-policy", f.ModeMarkerPolicy)
	addIfUsed(flagMap, usedFlags, "fail-on-archive-error", f.FailOnArchiveError)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "hooks-fail-fast", f.HooksFailFast)

	addIfUsed(flagMap, usedFlags, "extension", f.Extension)
	addIfUsed(flagMap, usedFlags, "force", f.Force)

	addParsedIfUsed(flagMap, usedFlags, "pre-run-hooks", f.PreRunHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-run-hooks", f.PostRunHooks, ParseCmdList)

	return flagMap
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]any, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]any, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Creates timestamped archives of the directories listed in a job list.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s [command] [flags] [extension]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  archive     Archive every job of the job list (default)\n")
	fmt.Fprintf(fs.Output(), "  init        Write a default settings file\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, positional, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Creates timestamped archives of the directories listed in a job list.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags] %s\n\n", command, execName, command, positional)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so they can be interpreted by the shell.
func ParseCmdList(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\':
			isEscaped = true
			// The backslash stays for the shell to interpret.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 {
				quoteChar = r
			} else if quoteChar == r {
				quoteChar = 0
			}
			current.WriteRune(r)
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
