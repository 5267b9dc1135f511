package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/cuemby/kiln/pkg/buildlog"
	"github.com/cuemby/kiln/pkg/events"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/runner"
	"github.com/cuemby/kiln/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// remoteStatus maps the phases the coordinator displays to its status values
var remoteStatus = map[types.BuildPhase]types.BuildStatus{
	types.PhaseConfiguring: types.BuildStatusConfig,
	types.PhaseFetching:    types.BuildStatusDownload,
	types.PhaseBuilding:    types.BuildStatusBuild,
}

// buildRun is one BeginBuild invocation
type buildRun struct {
	w         *Worker
	j         *job
	queueID   int
	sandboxed bool
	logger    zerolog.Logger
}

// BeginBuild builds every package of the coordinator's queue queueID in
// order. When the queue is unchanged since the previous run, the work and
// log directories are kept and packages already built are skipped.
//
// A missing spec file stops the run. Other package failures are reported to
// the coordinator and joined into the returned error; the run continues with
// the next package.
func (w *Worker) BeginBuild(ctx context.Context, queueID int, sandboxed bool) error {
	if w.queue == nil {
		return fmt.Errorf("queue coordinator is not configured")
	}
	args := map[string]string{
		"queue_id":  strconv.Itoa(queueID),
		"sandboxed": strconv.FormatBool(sandboxed),
	}
	return w.run(ctx, types.JobKindBuild, types.WorkerStateBusy, args, func(ctx context.Context, j *job) error {
		b := &buildRun{
			w:         w,
			j:         j,
			queueID:   queueID,
			sandboxed: sandboxed,
			logger:    j.logger.With().Int("queue_id", queueID).Logger(),
		}
		return w.inEnvironment(ctx, b.run)
	})
}

func (b *buildRun) run(ctx context.Context) error {
	w := b.w
	if err := w.renderPisiConfig(); err != nil {
		return err
	}

	items, err := w.queue.BuildQueue(ctx, b.queueID)
	if err != nil {
		return fmt.Errorf("failed to fetch build queue: %w", err)
	}
	snapshot := types.QueueSnapshot(items)
	hash := snapshot.Hash()

	repeat := w.storedQueueHash() == hash
	if repeat {
		b.logger.Info().Msg("Encountered repeat queue, keeping previous results")
	} else {
		for _, dir := range []string{workDir, logDir} {
			if err := w.recreateDir(dir); err != nil {
				return err
			}
		}
	}
	for _, dir := range []string{workDir, logDir} {
		if err := w.fs.MkdirAll(w.hostPath(dir), 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := w.storeQueueHash(hash); err != nil {
		return err
	}

	checkout, err := w.sourceCheckout()
	if err != nil {
		return err
	}

	b.logger.Info().Int("packages", len(snapshot)).Bool("repeat", repeat).Msg("Processing build queue")

	var errs []error
	for i, item := range snapshot {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		b.pushPosition(ctx, types.QueuePosition{Current: i + 1, PackageName: item.Name, Length: len(snapshot)})

		spec := path.Join(checkout, item.SpecURI)
		if ok, _ := afero.Exists(w.fs, w.hostPath(spec)); !ok {
			err := fmt.Errorf("%w: %s", ErrSpecNotFound, spec)
			b.logger.Error().Str("package", item.Name).Err(err).Msg("Aborting build queue")
			errs = append(errs, err)
			break
		}

		if repeat && item.BuildStatus == types.BuildStatusBuilt {
			b.logger.Info().Str("package", item.Name).Msg("Skipping already built package")
			b.j.addItem(types.ItemResult{Name: item.Name, Version: item.Version, Status: types.BuildStatusBuilt, Skipped: true})
			continue
		}

		status, logFile, err := b.buildItem(ctx, item, spec)
		b.j.addItem(types.ItemResult{Name: item.Name, Version: item.Version, Status: status, LogFile: logFile})
		// The final status is reported even when the run was cancelled
		b.pushStatus(context.WithoutCancel(ctx), item, status)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s-%s: %w", item.Name, item.Version, err))
		}

		if w.cfg.Autoclean {
			if _, err := w.chroot(ctx, "pisi", "delete-cache"); err != nil {
				b.logger.Warn().Err(err).Msg("Failed to clean package cache")
			}
		}
	}
	return errors.Join(errs...)
}

// buildItem builds one package and installs what it produced. The returned
// status is fail or built.
func (b *buildRun) buildItem(ctx context.Context, item types.QueueItem, spec string) (types.BuildStatus, string, error) {
	w := b.w
	logger := log.WithPackage(b.logger, item.Name, item.Version)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PackageBuildDuration)

	status := types.BuildStatusFail
	defer func() {
		metrics.PackagesTotal.WithLabelValues(string(status)).Inc()
	}()

	output := path.Join(workDir, item.Name)
	if err := w.fs.MkdirAll(w.hostPath(output), 0755); err != nil {
		return status, "", fmt.Errorf("failed to create output directory: %w", err)
	}

	logFile := path.Join(logDir, fmt.Sprintf("%s-%s.txt", item.Name, item.Version))
	args := []string{"pisi", "build"}
	if !b.sandboxed {
		args = append(args, "--ignore-sandbox")
	}
	args = append(args, "-y", spec, "-O", "/"+output)

	logger.Info().Str("log", logFile).Msg("Building package")
	if err := b.runLogged(ctx, item, logFile, args, logger); err != nil {
		logger.Error().Err(err).Msg("Package build failed")
		return status, logFile, fmt.Errorf("failed to build package: %w", err)
	}

	artifacts, err := w.listArtifacts(output)
	if err != nil {
		return status, logFile, fmt.Errorf("failed to list build output: %w", err)
	}
	if len(artifacts) == 0 {
		return status, logFile, fmt.Errorf("failed to install package: build produced no packages")
	}
	install := []string{"pisi", "install"}
	for _, a := range artifacts {
		install = append(install, path.Join("/", output, a))
	}
	if _, err := w.chroot(ctx, install...); err != nil {
		logger.Error().Err(err).Strs("packages", artifacts).Msg("Failed to install packages")
		return status, logFile, fmt.Errorf("failed to install package: %w", err)
	}

	status = types.BuildStatusBuilt
	logger.Info().Dur("duration", timer.Duration()).Msg("Package built")
	return status, logFile, nil
}

// runLogged runs the build chrooted with its output classified into the
// transcript at logFile
func (b *buildRun) runLogged(ctx context.Context, item types.QueueItem, logFile string, args []string, logger zerolog.Logger) error {
	w := b.w
	f, err := w.fs.OpenFile(w.hostPath(logFile), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create build log: %w", err)
	}
	sink := buildlog.NewFileSink(f)

	onPhase := func(phase types.BuildPhase, detail string) {
		b.phaseChanged(ctx, item, phase, detail)
	}
	session := buildlog.Start(buildlog.NewClassifier(sink, onPhase, logger))
	defer func() {
		if err := errors.Join(session.Close(), sink.Close()); err != nil {
			logger.Warn().Err(err).Str("log", filepath.Base(logFile)).Msg("Build log incomplete")
		}
	}()

	_, err = w.runner.Run(ctx, runner.Command{
		Args:   args,
		Root:   w.env.MountPoint(),
		Stdout: session.Stdout(),
		Stderr: session.Stderr(),
	})
	return err
}

func (b *buildRun) phaseChanged(ctx context.Context, item types.QueueItem, phase types.BuildPhase, detail string) {
	metrics.BuildPhasesTotal.WithLabelValues(phase.String()).Inc()
	meta := map[string]string{"package": item.Name, "version": item.Version, "phase": phase.String()}
	if detail != "" {
		meta["detail"] = detail
	}
	b.w.publish(&events.Event{Type: events.EventPackagePhase, JobID: b.j.record.ID, Metadata: meta})

	if status, ok := remoteStatus[phase]; ok {
		b.pushStatus(ctx, item, status)
	}
}

// pushStatus reports a package status. Coordinator failures are logged
// only: the build result does not depend on the display.
func (b *buildRun) pushStatus(ctx context.Context, item types.QueueItem, status types.BuildStatus) {
	b.w.publish(&events.Event{
		Type:     events.EventPackageStatus,
		JobID:    b.j.record.ID,
		Metadata: map[string]string{"package": item.Name, "version": item.Version, "status": string(status)},
	})
	if err := b.w.queue.UpdateStatus(ctx, b.queueID, types.StatusUpdate{Name: item.Name, BuildStatus: status}); err != nil {
		b.logger.Warn().Err(err).Str("package", item.Name).Str("status", string(status)).Msg("Failed to push package status")
	}
}

func (b *buildRun) pushPosition(ctx context.Context, pos types.QueuePosition) {
	b.w.publish(&events.Event{
		Type:  events.EventQueuePosition,
		JobID: b.j.record.ID,
		Metadata: map[string]string{
			"package": pos.PackageName,
			"current": strconv.Itoa(pos.Current),
			"length":  strconv.Itoa(pos.Length),
		},
	})
	if err := b.w.queue.UpdateQueue(ctx, b.queueID, pos); err != nil {
		b.logger.Warn().Err(err).Int("current", pos.Current).Msg("Failed to push queue position")
	}
}
