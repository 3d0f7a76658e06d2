// Command oxen is the data version-control CLI: init, add, rm, status,
// commit, log, branch, checkout, push, pull, clone.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/repo"
	"github.com/oxen-ai/oxen-go/internal/termcolor"
	"github.com/oxen-ai/oxen-go/internal/workspace"
)

var version = "dev"

func main() {
	setupLogging()

	root := &cobra.Command{
		Use:           "oxen",
		Short:         "Version control for large datasets",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newInitCmd(),
		newAddCmd(),
		newRmCmd(),
		newStatusCmd(),
		newCommitCmd(),
		newLogCmd(),
		newBranchCmd(),
		newCheckoutCmd(),
		newRestoreCmd(),
		newRemoteCmd(),
		newPushCmd(),
		newPullCmd(),
		newCloneCmd(),
	)

	if err := root.Execute(); err != nil {
		out := termcolor.NewWriter(os.Stderr, termcolor.ModeFromEnv())
		fmt.Fprintln(os.Stderr, out.Red("error: ")+err.Error())
		os.Exit(oxerr.CodeOf(err).ExitCode())
	}
}

// setupLogging installs the default slog handler: text on stderr, JSON when
// OXEN_LOG_FORMAT=json, level from OXEN_LOG_LEVEL.
func setupLogging() {
	level := slog.LevelWarn
	switch os.Getenv("OXEN_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if os.Getenv("OXEN_LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// openRepo locates the repository containing the working directory.
func openRepo() (*repo.Repository, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "getting working directory")
	}
	return repo.Open(cwd)
}

// openWorkspace opens the CLI's default staging workspace on the current
// HEAD branch.
func openWorkspace(r *repo.Repository) (*workspace.Workspace, error) {
	head, err := r.Refs().Head()
	if err != nil {
		return nil, err
	}
	branch := head.Branch
	if head.Detached {
		return nil, oxerr.Conflict("HEAD is detached; checkout a branch before staging")
	}
	return workspace.Open(r, branch, workspace.DefaultWorkspaceID)
}

// stdoutColor is the CLI's colorized stdout.
func stdoutColor() *termcolor.Writer {
	return termcolor.NewWriter(os.Stdout, termcolor.ModeFromEnv())
}
