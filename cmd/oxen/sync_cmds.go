package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/oxen-ai/oxen-go/internal/checkout"
	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/progress"
	"github.com/oxen-ai/oxen-go/internal/refs"
	"github.com/oxen-ai/oxen-go/internal/repo"
	"github.com/oxen-ai/oxen-go/internal/transfer"
)

// remoteClient builds a transfer client for the named remote of a repo.
func remoteClient(r *repo.Repository, remote string) (*transfer.Client, error) {
	if remote == "" {
		remote = repo.DefaultRemoteName
	}
	rawURL, err := r.RemoteURL(remote)
	if err != nil {
		return nil, err
	}
	base, ns, name, err := transfer.ParseRemoteURL(rawURL)
	if err != nil {
		return nil, err
	}
	c := transfer.NewClient(base, ns, name)
	if token := os.Getenv("OXEN_AUTH_TOKEN"); token != "" {
		c = c.WithToken(token)
	}
	return c, nil
}

func newRemoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Manage remotes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <name> <url>",
		Short: "Add a remote",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			return r.SetRemote(args[0], args[1])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List remotes",
		RunE: func(_ *cobra.Command, _ []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			for name, url := range r.Remotes() {
				fmt.Printf("%s\t%s\n", name, url)
			}
			return nil
		},
	})
	return cmd
}

// headBranch resolves the branch argument, defaulting to HEAD's branch.
func headBranch(r *repo.Repository, args []string) (string, error) {
	if len(args) >= 2 {
		return args[1], nil
	}
	head, err := r.Refs().Head()
	if err != nil {
		return "", err
	}
	if head.Detached {
		return "", oxerr.Conflict("HEAD is detached; name a branch explicitly")
	}
	return head.Branch, nil
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push [remote] [branch]",
		Short: "Upload missing commits, nodes, and blobs to a remote",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			remote := ""
			if len(args) >= 1 {
				remote = args[0]
			}
			branch, err := headBranch(r, args)
			if err != nil {
				return err
			}
			client, err := remoteClient(r, remote)
			if err != nil {
				return err
			}

			tracker := progress.NewTracker()
			spinner, _ := pterm.DefaultSpinner.Start("Pushing " + branch)

			result, err := transfer.Push(cmd.Context(), client, r, branch, tracker)
			stopSpinner(spinner, err == nil)
			if err != nil {
				return err
			}
			if len(result.Failed) > 0 {
				for _, f := range result.Failed {
					fmt.Fprintf(os.Stderr, "failed: %s (%s): %v\n", f.Path, f.Hash.Short(), f.Err)
				}
				return oxerr.New(oxerr.CodeNetwork, "%d file(s) failed to push", len(result.Failed))
			}
			fmt.Printf("Pushed %d commit(s): %d files, %s, %d nodes\n",
				result.Commits, result.FilesPushed, progress.HumanBytes(result.BytesPushed), result.NodesPushed)
			return nil
		},
	}
}

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull [remote] [branch]",
		Short: "Download a branch's missing nodes and blobs, then fast-forward",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			remote := ""
			if len(args) >= 1 {
				remote = args[0]
			}
			branch, err := headBranch(r, args)
			if err != nil {
				return err
			}
			client, err := remoteClient(r, remote)
			if err != nil {
				return err
			}

			remoteHead, err := client.GetBranch(cmd.Context(), branch)
			if err != nil {
				return err
			}
			localHead, _ := r.Refs().Get(branch)
			if remoteHead == localHead {
				fmt.Println("Already up to date.")
				return nil
			}

			tracker := progress.NewTracker()
			spinner, _ := pterm.DefaultSpinner.Start("Pulling " + branch)
			result, err := transfer.Pull(cmd.Context(), client, r, remoteHead, tracker)
			stopSpinner(spinner, err == nil)
			if err != nil {
				return err
			}
			if len(result.Failed) > 0 {
				for _, f := range result.Failed {
					fmt.Fprintf(os.Stderr, "failed: %s (%s): %v\n", f.Path, f.Hash.Short(), f.Err)
				}
				return oxerr.New(oxerr.CodeNetwork, "%d file(s) failed to pull", len(result.Failed))
			}

			// Fast-forward only: a local head that is not an ancestor of the
			// remote head is a conflict for the client to resolve.
			if !localHead.IsZero() {
				remoteLog, err := r.Log(remoteHead, 0)
				if err != nil {
					return err
				}
				isAncestor := false
				for _, e := range remoteLog {
					if e.ID == localHead {
						isAncestor = true
						break
					}
				}
				if !isAncestor {
					return oxerr.Conflict("local %s has diverged from the remote; rebase required", branch)
				}
			}
			if err := r.Refs().SetBranchCommit(branch, remoteHead); err != nil {
				return err
			}

			if _, err := checkout.Run(cmd.Context(), r, remoteHead, localHead); err != nil {
				return err
			}
			fmt.Printf("Pulled %d files (%s)\n", result.FilesFetched, progress.HumanBytes(result.BytesFetched))
			return nil
		},
	}
}

func newCloneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clone <url> [dir]",
		Short: "Clone a remote repository",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, ns, name, err := transfer.ParseRemoteURL(args[0])
			if err != nil {
				return err
			}
			dir := name
			if len(args) == 2 {
				dir = args[1]
			}
			if _, err := os.Stat(filepath.Join(dir, repo.OxenDirName)); err == nil {
				return oxerr.New(oxerr.CodeAlreadyExists, "destination %s already holds a repository", dir)
			}

			r, err := repo.Init(dir)
			if err != nil {
				return err
			}
			if err := r.SetRemote(repo.DefaultRemoteName, args[0]); err != nil {
				return err
			}

			client := transfer.NewClient(base, ns, name)
			if token := os.Getenv("OXEN_AUTH_TOKEN"); token != "" {
				client = client.WithToken(token)
			}

			branches, err := client.ListBranches(cmd.Context())
			if err != nil {
				return err
			}
			if len(branches) == 0 {
				fmt.Println("Cloned an empty repository.")
				return nil
			}

			branch := pickDefaultBranch(branches)
			tracker := progress.NewTracker()
			spinner := progress.NewSpinner("Cloning " + ns + "/" + name).WithTracker(tracker)
			spinner.Start()
			result, err := transfer.Pull(cmd.Context(), client, r, branch.CommitID, tracker)
			spinner.Stop()
			if err != nil {
				return err
			}

			if err := r.Refs().SetBranchCommit(branch.Name, branch.CommitID); err != nil {
				return err
			}
			if err := r.Refs().SetHeadBranch(branch.Name); err != nil {
				return err
			}
			if _, err := checkout.Run(cmd.Context(), r, branch.CommitID, hasher.Zero); err != nil {
				return err
			}
			fmt.Printf("Cloned %s/%s: %d files (%s)\n",
				ns, name, result.FilesFetched, progress.HumanBytes(result.BytesFetched))
			return nil
		},
	}
}

// pickDefaultBranch prefers main, falling back to the first branch.
func pickDefaultBranch(branches []refs.Branch) refs.Branch {
	for _, b := range branches {
		if b.Name == refs.DefaultBranchName {
			return b
		}
	}
	return branches[0]
}

// stopSpinner resolves a pterm spinner with the operation's outcome.
func stopSpinner(spinner *pterm.SpinnerPrinter, ok bool) {
	if spinner == nil {
		return
	}
	if ok {
		spinner.Success()
		return
	}
	spinner.Fail()
}
