package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cuemby/kiln/pkg/client"
	"github.com/cuemby/kiln/pkg/events"
	"github.com/cuemby/kiln/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func connect(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to worker: %w", err)
	}
	return c, nil
}

// jobContext cancels the remote job when the user interrupts the command
func jobContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runJob connects, runs fn with an interruptible context and reports the
// outcome
func runJob(cmd *cobra.Command, what string, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := connect(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := jobContext()
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "%s...\n", what)
	if err := fn(ctx, c); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Done")
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker, host and image status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		ctx := cmd.Context()

		state, err := c.State(ctx)
		if err != nil {
			return err
		}
		host, err := c.HostInfo(ctx)
		if err != nil {
			return err
		}
		storage, err := c.StorageInfo(ctx)
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), state, host, storage)
		return nil
	},
}

var buildCmd = &cobra.Command{
	Use:   "build QUEUE_ID",
	Short: "Build a coordinator queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid queue id %q", args[0])
		}
		noSandbox, _ := cmd.Flags().GetBool("no-sandbox")
		return runJob(cmd, fmt.Sprintf("Building queue %d", queueID), func(ctx context.Context, c *client.Client) error {
			return c.BeginBuild(ctx, queueID, !noSandbox)
		})
	},
}

var cloneCmd = &cobra.Command{
	Use:   "clone URI",
	Short: "Replace the source repository with a fresh clone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vcs, _ := cmd.Flags().GetString("vcs")
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		return runJob(cmd, "Cloning "+args[0], func(ctx context.Context, c *client.Client) error {
			return c.CloneSourceRepo(ctx, args[0], vcs, username, password)
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload packages or build logs with rsync",
}

func newSyncCmd(use, short string, call func(c *client.Client, ctx context.Context, host, target, username, password string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " HOST TARGET",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			password := os.Getenv("KILN_RSYNC_PASSWORD")
			return runJob(cmd, fmt.Sprintf("Syncing %s to %s::%s", use, args[0], args[1]), func(ctx context.Context, c *client.Client) error {
				return call(c, ctx, args[0], args[1], username, password)
			})
		},
	}
	cmd.Flags().String("username", "", "rsync user; the password is read from KILN_RSYNC_PASSWORD")
	return cmd
}

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage binary repositories of the build image",
}

var repoAddCmd = &cobra.Command{
	Use:   "add NAME URI",
	Short: "Add a binary repository and upgrade the image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, "Adding repository "+args[0], func(ctx context.Context, c *client.Client) error {
			return c.AddBinaryRepo(ctx, args[0], args[1])
		})
	},
}

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Manage the build image",
}

var mediaUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Recreate the build image",
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, _ := cmd.Flags().GetString("fs")
		size, _ := cmd.Flags().GetInt64("size")
		backing, _ := cmd.Flags().GetString("backing")
		info := types.StorageInfo{Filesystem: fs, SizeMiB: size, BackingStore: backing}
		return runJob(cmd, fmt.Sprintf("Creating %d MiB %s image", size, fs), func(ctx context.Context, c *client.Client) error {
			return c.UpdateMedia(ctx, info)
		})
	},
}

var mediaInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the installed build image",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		info, err := c.StorageInfo(cmd.Context())
		if err != nil {
			return err
		}
		if info == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "No build image installed")
			return nil
		}
		return yaml.NewEncoder(cmd.OutOrStdout()).Encode(info)
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Show the job history",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		jobs, err := c.ListJobs(cmd.Context(), limit)
		if err != nil {
			return err
		}
		return printJobs(cmd.OutOrStdout(), jobs)
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a job with its package results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		job, err := c.GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return yaml.NewEncoder(cmd.OutOrStdout()).Encode(job)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream worker events",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		names, _ := cmd.Flags().GetStringSlice("type")
		var filter []events.EventType
		for _, n := range names {
			filter = append(filter, events.EventType(n))
		}

		ctx, stop := jobContext()
		defer stop()
		err = c.WatchEvents(ctx, func(e *events.Event) error {
			fmt.Fprintln(cmd.OutOrStdout(), formatEvent(e))
			return nil
		}, filter...)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the running job",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		id, ok, err := c.Cancel(cmd.Context())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "No job running")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Cancelled job %s\n", id)
		return nil
	},
}

func init() {
	buildCmd.Flags().Bool("no-sandbox", false, "Build with --ignore-sandbox")

	cloneCmd.Flags().String("vcs", "git", "Version control system (git, mercurial)")
	cloneCmd.Flags().String("username", "", "Repository user")
	cloneCmd.Flags().String("password", "", "Repository password")

	syncCmd.AddCommand(newSyncCmd("packages", "Upload built packages", (*client.Client).SyncPackages))
	syncCmd.AddCommand(newSyncCmd("logs", "Upload build logs", (*client.Client).SyncLogs))

	repoCmd.AddCommand(repoAddCmd)

	mediaUpdateCmd.Flags().String("fs", "ext4", "Image filesystem (ext2, ext3, ext4, btrfs)")
	mediaUpdateCmd.Flags().Int64("size", 0, "Image size in MiB")
	mediaUpdateCmd.Flags().String("backing", "", "Backing store ID")
	_ = mediaUpdateCmd.MarkFlagRequired("size")
	_ = mediaUpdateCmd.MarkFlagRequired("backing")
	mediaCmd.AddCommand(mediaUpdateCmd)
	mediaCmd.AddCommand(mediaInfoCmd)

	jobsCmd.Flags().Int("limit", 20, "Number of jobs to show, 0 for all")
	jobsCmd.AddCommand(jobsShowCmd)

	eventsCmd.Flags().StringSlice("type", nil, "Event types to show, e.g. package.status")
}
