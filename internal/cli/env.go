// Package cli — env.go implements the "dil env" command group.
//
// Docker environments are sandbox containers labeled as managed by dil.
// They are normally removed when a launch ends, but a run started with
// --keep-env (or one that was killed) leaves its sandbox behind. These
// commands find and clean up such leftovers:
//   - "env list" shows every labeled sandbox
//   - "env prune" force-removes all of them
package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/dil/internal/docker"
	"github.com/mmr-tortoise/dil/internal/model"
)

// NewEnvCommand creates the "env" cobra command and its subcommands.
// It is called from NewRootCommand to register as a subcommand.
func NewEnvCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage docker sandbox environments",
		Long: `List and prune docker sandboxes created by "dil launch --env docker".

Examples:
  dil env list
  dil env prune --json`,
	}
	cmd.AddCommand(newEnvListCommand())
	cmd.AddCommand(newEnvPruneCommand())
	return cmd
}

func newEnvListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sandbox containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDocker(func(cli *docker.Client) error {
				return runEnvList(cmd.Context(), cli, cmd.OutOrStdout())
			})
		},
	}
}

func newEnvPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove every sandbox container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDocker(func(cli *docker.Client) error {
				return runEnvPrune(cmd.Context(), cli, cmd.OutOrStdout())
			})
		},
	}
}

// withDocker connects to the Docker daemon for the duration of fn.
func withDocker(fn func(*docker.Client) error) error {
	cli, err := docker.NewClient()
	if err != nil {
		return err // NewClient already returns CLIError with ExitDockerNotRunning
	}
	// defer ensures the Docker client is closed when this function returns,
	// releasing the underlying HTTP connection and resources.
	defer func() { _ = cli.Close() }()

	VerboseLog("Connected to Docker daemon")
	return fn(cli)
}

// runEnvList prints every managed sandbox, newest first.
func runEnvList(ctx context.Context, cli *docker.Client, w io.Writer) error {
	sandboxes, err := docker.ListSandboxes(ctx, cli)
	if err != nil {
		return err
	}
	VerboseLog("Found %d sandbox containers", len(sandboxes))

	sort.Slice(sandboxes, func(i, j int) bool {
		return sandboxes[i].CreatedAt.After(sandboxes[j].CreatedAt)
	})

	if IsJSONOutput() {
		// Use an empty slice instead of nil so the output shows []
		// instead of null when nothing is found.
		if sandboxes == nil {
			sandboxes = []model.SandboxInfo{}
		}
		return printJSON(w, map[string]interface{}{"sandboxes": sandboxes})
	}

	if len(sandboxes) == 0 {
		_, _ = fmt.Fprintln(w, "No sandbox environments found.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"CONTAINER", "NAME", "STATUS", "IMAGE", "PORT", "MANIFEST", "CREATED"})
	for _, sb := range sandboxes {
		created := "-"
		if !sb.CreatedAt.IsZero() {
			created = sb.CreatedAt.Local().Format("2006-01-02 15:04:05")
		}
		portStr := "-"
		if sb.Port > 0 {
			portStr = fmt.Sprint(sb.Port)
		}
		t.AppendRow(table.Row{abbreviate(sb.ContainerID), sb.ContainerName, sb.Status, sb.Image, portStr, sb.Manifest, created})
	}
	t.Render()
	return nil
}

// runEnvPrune force-removes every managed sandbox. Removal failures are
// reported after the ones that succeeded.
func runEnvPrune(ctx context.Context, cli *docker.Client, w io.Writer) error {
	removed, pruneErr := docker.PruneSandboxes(ctx, cli)

	if IsJSONOutput() {
		if removed == nil {
			removed = []string{}
		}
		if err := printJSON(w, map[string]interface{}{"removed": removed}); err != nil {
			return err
		}
	} else {
		for _, id := range removed {
			_, _ = fmt.Fprintf(w, "Removed %s\n", abbreviate(id))
		}
		if len(removed) == 0 && pruneErr == nil {
			_, _ = fmt.Fprintln(w, "No sandbox environments to remove.")
		}
	}
	return pruneErr
}
