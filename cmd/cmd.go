// Package cmd implements the vaultsync command
//
// It is in a sub package so it's internals can be re-used elsewhere
package cmd

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/vaultsync/vaultsync/library"
	"github.com/vaultsync/vaultsync/queue"
	"github.com/vaultsync/vaultsync/remote"
	"github.com/vaultsync/vaultsync/vault"
	"github.com/vaultsync/vaultsync/vault/flags"
)

// Globals
var (
	// Flags
	vaultDir    string
	dbPath      string
	artifactDir string
	remotesPath string
	verbose     int
	quiet       bool
	version     bool
	// Errors
	errorCommandNotFound    = errors.New("command not found")
	errorNotEnoughArguments = errors.New("not enough arguments")
	errorTooManyArguments   = errors.New("too many arguments")
)

const (
	exitCodeSuccess = iota
	exitCodeUsageError
	exitCodeUncategorizedError
	exitCodeDirNotFound
	exitCodeFileNotFound
	exitCodeRetryError
	exitCodeFatalError
)

// Root is the main vaultsync command
var Root = &cobra.Command{
	Use:   "vaultsync",
	Short: "Upload the private vault to its configured destinations.",
	Long: `Vaultsync queues the files of a local encrypted vault for upload to
one or more configured remotes (object storage, Google Drive or
WebDAV) and drains the queue with automatic retries.  Each remote
holds a copy of the vault laid out as folders under a fixed top
container, with files stored under opaque names.
`,
	PersistentPostRun: func(command *cobra.Command, args []string) {
		vault.Debugf("vaultsync", "Version %q finishing with parameters %q", vault.Version, os.Args)
	},
	DisableAutoGenTag: true,
}

// ShowVersion prints the version to stdout
func ShowVersion() {
	fmt.Printf("vaultsync %s\n", vault.Version)
	fmt.Printf("- os/type: %s\n", runtime.GOOS)
	fmt.Printf("- os/arch: %s\n", runtime.GOARCH)
	fmt.Printf("- go/version: %s\n", runtime.Version())
}

// defaultBaseDir is where vaultsync keeps its state unless told
// otherwise
func defaultBaseDir() string {
	if dir := os.Getenv("VAULTSYNC_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := homedir.Dir()
	if err != nil {
		return ".vaultsync"
	}
	return filepath.Join(home, ".vaultsync")
}

// baseDir returns the state directory
func baseDir() string {
	if vaultDir != "" {
		return vaultDir
	}
	return defaultBaseDir()
}

// DBPath returns the path of the task store
func DBPath() string {
	if dbPath != "" {
		return dbPath
	}
	return filepath.Join(baseDir(), "tasks.db")
}

// LibraryPath returns the path of the vault index
func LibraryPath() string {
	return filepath.Join(baseDir(), "library.db")
}

// ArtifactDir returns the directory holding the encrypted artifacts
func ArtifactDir() string {
	if artifactDir != "" {
		return artifactDir
	}
	return filepath.Join(baseDir(), "artifacts")
}

// RemotesPath returns the path of the remotes configuration file
func RemotesPath() string {
	if remotesPath != "" {
		return remotesPath
	}
	return filepath.Join(baseDir(), "remotes.json")
}

// OpenStore opens the task store or exits with a fatal error
func OpenStore() *queue.Store {
	s, err := queue.Open(DBPath())
	if err != nil {
		log.Fatalf("Failed to open task store %q: %v", DBPath(), err)
	}
	return s
}

// OpenLibrary opens the local vault or exits with a fatal error
func OpenLibrary() *library.Local {
	l, err := library.OpenLocal(LibraryPath(), ArtifactDir())
	if err != nil {
		log.Fatalf("Failed to open vault library %q: %v", LibraryPath(), err)
	}
	return l
}

// OpenRegistry loads the remotes configuration or exits with a fatal
// error
func OpenRegistry() *remote.Registry {
	configs, err := remote.LoadConfigFile(RemotesPath())
	if err != nil {
		log.Fatalf("Failed to load remotes from %q: %v", RemotesPath(), err)
	}
	registry, err := remote.NewRegistry(configs)
	if err != nil {
		log.Fatalf("Failed to load remotes from %q: %v", RemotesPath(), err)
	}
	return registry
}

// CheckArgs checks there are enough arguments and prints a message if not
func CheckArgs(MinArgs, MaxArgs int, cmd *cobra.Command, args []string) {
	if len(args) < MinArgs {
		_ = cmd.Usage()
		_, _ = fmt.Fprintf(os.Stderr, "Command %s needs %d arguments minimum: you provided %d non flag arguments: %q\n", cmd.Name(), MinArgs, len(args), args)
		resolveExitCode(errorNotEnoughArguments)
	} else if len(args) > MaxArgs {
		_ = cmd.Usage()
		_, _ = fmt.Fprintf(os.Stderr, "Command %s needs %d arguments maximum: you provided %d non flag arguments: %q\n", cmd.Name(), MaxArgs, len(args), args)
		resolveExitCode(errorTooManyArguments)
	}
}

// Run the function and resolve the exit code from its error
func Run(command *cobra.Command, f func() error) {
	err := f()
	if err != nil {
		log.Printf("Failed to %s: %v", command.Name(), err)
	}
	resolveExitCode(err)
}

func resolveExitCode(err error) {
	if err == nil {
		os.Exit(exitCodeSuccess)
	}
	cause := errors.Cause(err)
	switch {
	case cause == errorCommandNotFound, cause == errorNotEnoughArguments, cause == errorTooManyArguments:
		os.Exit(exitCodeUsageError)
	case cause == vault.ErrorDirNotFound:
		os.Exit(exitCodeDirNotFound)
	case cause == vault.ErrorObjectNotFound:
		os.Exit(exitCodeFileNotFound)
	case vault.IsFatalError(err):
		os.Exit(exitCodeFatalError)
	case vault.ShouldRetry(err):
		os.Exit(exitCodeRetryError)
	default:
		os.Exit(exitCodeUncategorizedError)
	}
}

// runRoot implements the main vaultsync command with no subcommands
func runRoot(cmd *cobra.Command, args []string) {
	if version {
		ShowVersion()
		resolveExitCode(nil)
	} else {
		_ = cmd.Usage()
		if len(args) > 0 {
			_, _ = fmt.Fprintf(os.Stderr, "Command not found.\n")
		}
		resolveExitCode(errorCommandNotFound)
	}
}

// setupRootCommand sets default usage, help, and error handling for
// the root command.
func setupRootCommand(rootCmd *cobra.Command) {
	cobra.OnInitialize(initConfig)
	rootCmd.Run = runRoot
	rootCmd.Flags().BoolVarP(&version, "version", "V", false, "Print the version number")

	persistentFlags := rootCmd.PersistentFlags()
	flags.StringVarP(persistentFlags, &vaultDir, "vault-dir", "", "", "Directory holding the vault state (default ~/.vaultsync)")
	flags.StringVarP(persistentFlags, &dbPath, "db", "", "", "Path of the upload task store (default <vault-dir>/tasks.db)")
	flags.StringVarP(persistentFlags, &artifactDir, "artifacts", "", "", "Directory holding the encrypted artifacts (default <vault-dir>/artifacts)")
	flags.StringVarP(persistentFlags, &remotesPath, "remotes", "", "", "Path of the remotes configuration (default <vault-dir>/remotes.json)")
	flags.CountVarP(persistentFlags, &verbose, "verbose", "v", "Print lots more stuff (repeat for more)")
	flags.BoolVarP(persistentFlags, &quiet, "quiet", "q", false, "Print as little stuff as possible")
	flags.FVarP(persistentFlags, &vault.Config.LogLevel, "log-level", "", "Log level DEBUG|INFO|NOTICE|ERROR")
	flags.StringVarP(persistentFlags, &vault.Config.LogFile, "log-file", "", "", "Log everything to this file")
	flags.BoolVarP(persistentFlags, &vault.Config.UseJSONLog, "use-json-log", "", false, "Use json log format")
}

// initConfig is run by cobra after initialising the flags
func initConfig() {
	// Finish parsing any command line flags
	switch {
	case quiet:
		vault.Config.LogLevel = vault.LogLevelError
	case verbose >= 2:
		vault.Config.LogLevel = vault.LogLevelDebug
	case verbose >= 1:
		vault.Config.LogLevel = vault.LogLevelInfo
	}

	// Start the logger
	vault.InitLogging()

	// Write the args for debug purposes
	vault.Debugf("vaultsync", "Version %q starting with parameters %q", vault.Version, os.Args)
}

// Main runs vaultsync interpreting flags and commands out of os.Args
func Main() {
	setupRootCommand(Root)
	if err := Root.Execute(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}
