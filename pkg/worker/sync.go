package worker

import (
	"context"
	"fmt"

	"github.com/cuemby/kiln/pkg/runner"
	"github.com/cuemby/kiln/pkg/types"
)

// RsyncTarget is an rsync daemon module on a remote host
type RsyncTarget struct {
	Host     string
	Module   string
	Username string
	Password string
}

func (t RsyncTarget) String() string {
	if t.Username == "" {
		return fmt.Sprintf("%s::%s", t.Host, t.Module)
	}
	return fmt.Sprintf("%s@%s::%s", t.Username, t.Host, t.Module)
}

func (t RsyncTarget) args() map[string]string {
	return map[string]string{"target": t.String()}
}

// SyncPackages uploads every built package to the rsync module target on
// host
func (w *Worker) SyncPackages(ctx context.Context, host, module, username, password string) error {
	target := RsyncTarget{Host: host, Module: module, Username: username, Password: password}
	return w.run(ctx, types.JobKindSyncPackage, types.WorkerStateSyncing, target.args(), func(ctx context.Context, j *job) error {
		return w.inEnvironment(ctx, func(ctx context.Context) error {
			n, err := w.collectPackages()
			if err != nil {
				return err
			}
			j.logger.Info().Int("packages", n).Str("target", target.String()).Msg("Uploading packages")
			return w.rsync(ctx, uploadDir, target)
		})
	})
}

// SyncLogs uploads the build transcripts to the rsync module target on host
func (w *Worker) SyncLogs(ctx context.Context, host, module, username, password string) error {
	target := RsyncTarget{Host: host, Module: module, Username: username, Password: password}
	return w.run(ctx, types.JobKindSyncLogs, types.WorkerStateSyncing, target.args(), func(ctx context.Context, j *job) error {
		return w.inEnvironment(ctx, func(ctx context.Context) error {
			j.logger.Info().Str("target", target.String()).Msg("Uploading build logs")
			return w.rsync(ctx, logDir, target)
		})
	})
}

// rsync mirrors a directory of the environment to target. The password is
// handed over in the environment so it never shows up in the process list.
func (w *Worker) rsync(ctx context.Context, rel string, target RsyncTarget) error {
	cmd := runner.Command{
		Args: []string{"rsync", "-avz", w.hostPath(rel) + "/", target.String()},
	}
	if target.Password != "" {
		cmd.Env = []string{"RSYNC_PASSWORD=" + target.Password}
	}
	if _, err := w.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("failed to sync %s: %w", rel, err)
	}
	return nil
}
