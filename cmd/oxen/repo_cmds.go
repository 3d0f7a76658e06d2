package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/oxen-ai/oxen-go/internal/checkout"
	"github.com/oxen-ai/oxen-go/internal/commits"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/repo"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Create an empty repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			r, err := repo.Init(path)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized empty oxen repository in %s\n", r.OxenDir())
			return nil
		},
	}
}

// expandPaths resolves CLI path arguments to repository-relative file
// paths, walking directories when recursive.
func expandPaths(r *repo.Repository, args []string, recursive bool) ([]string, error) {
	var out []string
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, oxerr.Wrap(oxerr.CodeInvalidInput, err, "resolving %s", arg)
		}
		info, err := os.Stat(abs)
		if err != nil {
			// A removed file can still be rm'ed; pass the path through.
			rel, rerr := r.RelPath(abs)
			if rerr != nil {
				return nil, rerr
			}
			out = append(out, rel)
			continue
		}
		if !info.IsDir() {
			rel, err := r.RelPath(abs)
			if err != nil {
				return nil, err
			}
			out = append(out, rel)
			continue
		}
		if !recursive {
			return nil, oxerr.InvalidInput("%s is a directory (use --recursive)", arg)
		}
		err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == repo.OxenDirName {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := r.RelPath(p)
			if err != nil {
				return err
			}
			out = append(out, rel)
			return nil
		})
		if err != nil {
			return nil, oxerr.Wrap(oxerr.CodeIO, err, "walking %s", arg)
		}
	}
	return out, nil
}

func newAddCmd() *cobra.Command {
	var chunked bool
	cmd := &cobra.Command{
		Use:   "add <paths>...",
		Short: "Stage files for the next commit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			w, err := openWorkspace(r)
			if err != nil {
				return err
			}
			defer w.Close()

			paths, err := expandPaths(r, args, true)
			if err != nil {
				return err
			}
			for _, p := range paths {
				if chunked {
					if _, err := w.AddChunked(p); err != nil {
						return err
					}
					continue
				}
				if _, err := w.Add(p); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&chunked, "chunked", false, "store large files as deduplicated fixed-size chunks")
	return cmd
}

func newRmCmd() *cobra.Command {
	var staged, recursive bool
	cmd := &cobra.Command{
		Use:   "rm <paths>...",
		Short: "Stage file removals (or unstage with --staged)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			w, err := openWorkspace(r)
			if err != nil {
				return err
			}
			defer w.Close()

			paths, err := expandPaths(r, args, recursive)
			if err != nil {
				return err
			}
			for _, p := range paths {
				if staged {
					if err := w.Restore(p); err != nil {
						return err
					}
					continue
				}
				if err := w.Rm(p); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&staged, "staged", false, "unstage instead of staging a removal")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "recurse into directories")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <paths>...",
		Short: "Discard staged changes for paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			w, err := openWorkspace(r)
			if err != nil {
				return err
			}
			defer w.Close()

			for _, p := range args {
				if err := w.Restore(p); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [dir]",
		Short: "Show staged and untracked files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			w, err := openWorkspace(r)
			if err != nil {
				return err
			}
			defer w.Close()

			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			data, err := w.Status(dir)
			if err != nil {
				return err
			}

			out := stdoutColor()
			head, _ := r.Refs().Head()
			fmt.Printf("On branch %s\n\n", out.Cyan(head.Branch))

			if !data.IsClean() {
				fmt.Println("Changes to be committed:")
				for _, p := range data.Added {
					fmt.Printf("  %s: %s\n", out.Status("added"), p)
				}
				for _, p := range data.Modified {
					fmt.Printf("  %s: %s\n", out.Status("modified"), p)
				}
				for _, p := range data.Removed {
					fmt.Printf("  %s: %s\n", out.Status("removed"), p)
				}
				fmt.Println()
			}
			if len(data.Untracked) > 0 {
				fmt.Println("Untracked files:")
				for _, p := range data.Untracked {
					fmt.Printf("  %s\n", p)
				}
				fmt.Println()
			}
			if data.IsClean() && len(data.Untracked) == 0 {
				fmt.Println("nothing to commit, working tree clean")
			}
			return nil
		},
	}
}

func newCommitCmd() *cobra.Command {
	var message, author, email string
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Seal staged changes into a new commit",
		RunE: func(_ *cobra.Command, _ []string) error {
			if message == "" {
				return oxerr.InvalidInput("commit message required (-m)")
			}
			r, err := openRepo()
			if err != nil {
				return err
			}
			w, err := openWorkspace(r)
			if err != nil {
				return err
			}
			defer w.Close()

			commitID, err := w.Commit(commits.Options{
				Author:    authorOrDefault(author),
				Email:     emailOrDefault(email),
				Message:   message,
				Timestamp: time.Now(),
			})
			if err != nil {
				return err
			}
			fmt.Printf("[%s] %s\n", stdoutColor().Cyan(commitID.Short()), message)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringVar(&author, "author", "", "override author name")
	cmd.Flags().StringVar(&email, "email", "", "override author email")
	return cmd
}

func authorOrDefault(author string) string {
	if author != "" {
		return author
	}
	if env := os.Getenv("OXEN_AUTHOR"); env != "" {
		return env
	}
	return "oxen"
}

func emailOrDefault(email string) string {
	if email != "" {
		return email
	}
	if env := os.Getenv("OXEN_EMAIL"); env != "" {
		return env
	}
	return "oxen@localhost"
}

func newLogCmd() *cobra.Command {
	var maxCount int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show commit history from HEAD",
		RunE: func(_ *cobra.Command, _ []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			head, err := r.HeadCommit()
			if err != nil {
				return err
			}
			entries, err := r.Log(head, maxCount)
			if err != nil {
				return err
			}

			out := stdoutColor()
			for _, e := range entries {
				fmt.Printf("%s %s\n", out.Cyan("commit"), out.Cyan(e.ID.String()))
				fmt.Printf("Author: %s <%s>\n", e.Commit.Author, e.Commit.Email)
				fmt.Printf("Date:   %s\n\n", time.Unix(e.Commit.Timestamp, 0).Format(time.RFC1123))
				fmt.Printf("    %s\n\n", e.Commit.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&maxCount, "max-count", "n", 0, "limit the number of commits")
	return cmd
}

func newBranchCmd() *cobra.Command {
	var delete string
	cmd := &cobra.Command{
		Use:   "branch [name]",
		Short: "List branches, or create one at HEAD",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}

			if delete != "" {
				return r.Refs().DeleteBranch(delete)
			}

			if len(args) == 1 {
				head, err := r.HeadCommit()
				if err != nil {
					return err
				}
				return r.Refs().CreateBranch(args[0], head)
			}

			branches, err := r.Refs().ListBranches()
			if err != nil {
				return err
			}
			head, _ := r.Refs().Head()
			out := stdoutColor()
			for _, b := range branches {
				marker := "  "
				name := b.Name
				if !head.Detached && head.Branch == b.Name {
					marker = "* "
					name = out.Green(name)
				}
				fmt.Printf("%s%s %s\n", marker, name, out.Cyan(b.CommitID.Short()))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&delete, "delete", "d", "", "delete a branch")
	return cmd
}

func newCheckoutCmd() *cobra.Command {
	var create bool
	cmd := &cobra.Command{
		Use:   "checkout <ref>",
		Short: "Materialize a branch or commit in the working directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			revision := args[0]

			from, err := r.HeadCommit()
			if err != nil {
				return err
			}

			if create {
				if err := r.Refs().CreateBranch(revision, from); err != nil {
					return err
				}
				return r.Refs().SetHeadBranch(revision)
			}

			target, err := r.ResolveRevision(revision)
			if err != nil {
				return err
			}

			result, err := checkout.Run(cmd.Context(), r, target, from)
			if err != nil {
				return err
			}

			if r.Refs().Exists(revision) {
				if err := r.Refs().SetHeadBranch(revision); err != nil {
					return err
				}
			} else {
				if err := r.Refs().SetHeadDetached(target); err != nil {
					return err
				}
			}

			fmt.Printf("Checked out %s: %d restored, %d updated, %d removed\n",
				revision, result.Restored, result.Modified, result.Removed)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&create, "branch", "b", false, "create the branch at HEAD and switch to it")
	return cmd
}
