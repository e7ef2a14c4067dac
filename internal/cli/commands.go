package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"text/tabwriter"

	"github.com/darshan-rambhia/sftppool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Command-specific flags
var (
	pushExclude []string
	pushDryRun  bool
	pushRetries int
)

// pushCmd uploads a file or a directory tree
var pushCmd = &cobra.Command{
	Use:   "push <local> [remote]",
	Short: "Upload a file or directory",
	Long: `Upload a local file or directory to the endpoint.

Directories are uploaded recursively with --parallel workers. Without a
remote argument the local base name is used, relative to the endpoint
directory.

Examples:
  sftppush push report.csv
  sftppush push ./dist /var/www --parallel 8
  sftppush push ./dist site --exclude '*.map' --dry-run`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote := filepath.Base(args[0])
		if len(args) == 2 {
			remote = args[1]
		}
		return withTransfer(cmd, func(ctx context.Context, t *sftppool.Transfer) error {
			return pushCommand(ctx, cmd.OutOrStdout(), t, args[0], remote)
		})
	},
}

// lsCmd lists a remote directory
var lsCmd = &cobra.Command{
	Use:   "ls [remote-dir]",
	Short: "List a remote directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) == 1 {
			dir = args[0]
		}
		return withTransfer(cmd, func(ctx context.Context, t *sftppool.Transfer) error {
			files, err := t.Operations().ListFiles(ctx, dir)
			if err != nil {
				return err
			}
			return printFiles(cmd.OutOrStdout(), files)
		})
	},
}

// getCmd downloads a remote file
var getCmd = &cobra.Command{
	Use:   "get <remote> [local]",
	Short: "Download a remote file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		local := path.Base(args[0])
		if len(args) == 2 {
			local = args[1]
		}
		return withTransfer(cmd, func(ctx context.Context, t *sftppool.Transfer) error {
			r, err := t.Fetch(ctx, args[0], local)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%d bytes, %s)\n", r.RemotePath, r.LocalPath, r.Size, r.Hash)
			return nil
		})
	},
}

// rmCmd deletes remote files
var rmCmd = &cobra.Command{
	Use:   "rm <remote>...",
	Short: "Delete remote files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransfer(cmd, func(ctx context.Context, t *sftppool.Transfer) error {
			for _, name := range args {
				if err := t.Delete(ctx, name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
			}
			return nil
		})
	},
}

func init() {
	pushCmd.Flags().StringSliceVar(&pushExclude, "exclude", nil, "glob patterns to skip (repeatable)")
	pushCmd.Flags().BoolVar(&pushDryRun, "dry-run", false, "hash local files without uploading")
	pushCmd.Flags().IntVar(&pushRetries, "retries", 3, "retry attempts for transient failures")

	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(rmCmd)
}

// withTransfer opens the configured endpoint, runs fn and closes the endpoint.
// Interrupts cancel the context.
func withTransfer(cmd *cobra.Command, fn func(context.Context, *sftppool.Transfer) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	endpoint, ops, err := openEndpoint()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := endpoint.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("failed to close endpoint")
		}
	}()

	retry := sftppool.DefaultRetryConfig()
	retry.MaxRetries = pushRetries
	return fn(ctx, sftppool.NewTransfer(ops, sftppool.WithRetryConfig(retry)))
}

func pushCommand(ctx context.Context, out io.Writer, t *sftppool.Transfer, local, remote string) error {
	opts := sftppool.TransferOptions{
		ExcludePatterns: pushExclude,
		Parallelism:     parallelFlag,
		DryRun:          pushDryRun,
	}

	fi, err := os.Stat(local)
	if err != nil {
		return err
	}

	if !fi.IsDir() {
		r, err := t.PushFile(ctx, local, remote, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s -> %s (%d bytes, %s)\n", r.LocalPath, r.RemotePath, r.Size, r.Hash)
		return nil
	}

	r, err := t.PushDirectory(ctx, local, remote, opts)
	if err != nil {
		return err
	}
	for _, f := range r.Files {
		if f.Error != nil {
			fmt.Fprintf(out, "FAILED %s: %v\n", f.RemotePath, f.Error)
		}
	}
	fmt.Fprintf(out, "uploaded %d, skipped %d, failed %d, %d bytes\n", r.Uploaded, r.Skipped, r.Errors, r.TotalSize)
	fmt.Fprintf(out, "combined hash %s\n", r.CombinedHash)
	if r.Errors > 0 {
		return fmt.Errorf("%d of %d uploads failed", r.Errors, len(r.Files))
	}
	return nil
}

func printFiles(out io.Writer, files []sftppool.RemoteFile) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, f := range files {
		name := f.Name
		if f.IsDir {
			name += "/"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", f.Mode, f.Size, f.ModTime.Format("2006-01-02 15:04"), name)
	}
	return w.Flush()
}
