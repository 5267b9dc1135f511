package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/kiln/pkg/api"
	"github.com/cuemby/kiln/pkg/events"
	"github.com/cuemby/kiln/pkg/types"
)

func printStatus(out io.Writer, state *api.StateResponse, host *types.HostInfo, storage *types.StorageInfo) {
	fmt.Fprintf(out, "State:       %s\n", state.State)
	if state.CurrentJob != "" {
		fmt.Fprintf(out, "Job:         %s\n", state.CurrentJob)
	}
	if state.LastError != "" {
		fmt.Fprintf(out, "Last error:  %s\n", state.LastError)
	}
	fmt.Fprintf(out, "Host:        %s (%s, %s)\n", host.Hostname, host.Kernel, host.Arch)
	fmt.Fprintf(out, "Disk:        %d of %d MiB free\n", host.FreeDiskKiB/1024, host.TotalDiskKiB/1024)
	fmt.Fprintf(out, "Build jobs:  %d\n", host.MaxJobs)
	if storage == nil {
		fmt.Fprintln(out, "Image:       none")
	} else {
		fmt.Fprintf(out, "Image:       %d MiB %s, backing %s\n", storage.SizeMiB, storage.Filesystem, storage.BackingStore)
	}
	if host.ImagingProgress > 0 {
		fmt.Fprintf(out, "Imaging:     %d%%\n", host.ImagingProgress)
	}
}

func printJobs(out io.Writer, jobs []*types.JobRecord) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATE\tSTARTED\tDURATION\tERROR")
	for _, j := range jobs {
		duration := "-"
		if !j.FinishedAt.IsZero() {
			duration = j.FinishedAt.Sub(j.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Kind, j.State, j.StartedAt.Local().Format(time.DateTime), duration, firstLine(j.Error))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// formatEvent renders an event as one line with sorted metadata
func formatEvent(e *events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-15s", e.Timestamp.Local().Format(time.TimeOnly), e.Type)
	if e.JobID != "" {
		fmt.Fprintf(&b, " job=%s", e.JobID)
	}
	for _, k := range slices.Sorted(maps.Keys(e.Metadata)) {
		fmt.Fprintf(&b, " %s=%s", k, e.Metadata[k])
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " %q", e.Message)
	}
	return b.String()
}
