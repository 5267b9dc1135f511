package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/cuemby/kiln/pkg/runner"
	"github.com/cuemby/kiln/pkg/types"
	"github.com/spf13/afero"
)

// VCS is a supported version control system
type VCS string

const (
	VCSMercurial VCS = "mercurial"
	VCSGit       VCS = "git"
)

// ParseVCS accepts the names the coordinator uses for each system
func ParseVCS(s string) (VCS, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mercurial", "hg":
		return VCSMercurial, nil
	case "git":
		return VCSGit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVCS, s)
	}
}

// repoAuth holds clone credentials. They are handed to the VCS through
// its environment and never appear on the command line.
type repoAuth struct {
	username string
	password string
}

func (a repoAuth) empty() bool {
	return a.username == "" || a.password == ""
}

// repoURL validates uri and splits credentials off it. Credentials embedded
// in uri are used when none are passed explicitly.
func repoURL(uri, username, password string) (*url.URL, repoAuth, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, repoAuth{}, fmt.Errorf("invalid repository uri: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, repoAuth{}, fmt.Errorf("invalid repository uri %q: scheme and host required", uri)
	}
	auth := repoAuth{username: username, password: password}
	if u.User != nil {
		if pw, ok := u.User.Password(); ok && auth.empty() {
			auth = repoAuth{username: u.User.Username(), password: pw}
		}
		u.User = nil
	}
	return u, auth, nil
}

// CloneSourceRepo replaces the source repository inside the build
// environment with a fresh clone of uri
func (w *Worker) CloneSourceRepo(ctx context.Context, uri, vcs, username, password string) error {
	kind, err := ParseVCS(vcs)
	if err != nil {
		return err
	}
	u, auth, err := repoURL(uri, username, password)
	if err != nil {
		return err
	}

	args := map[string]string{"uri": u.String(), "vcs": string(kind)}
	return w.run(ctx, types.JobKindClone, types.WorkerStateBusy, args, func(ctx context.Context, j *job) error {
		return w.inEnvironment(ctx, func(ctx context.Context) error {
			if err := w.recreateDir(repoDir); err != nil {
				return err
			}
			j.logger.Info().Str("uri", u.String()).Bool("auth", !auth.empty()).Msg("Cloning source repository")
			return w.clone(ctx, kind, u, auth)
		})
	})
}

func (w *Worker) clone(ctx context.Context, kind VCS, u *url.URL, auth repoAuth) error {
	cmd := runner.Command{Dir: w.hostPath(repoDir)}
	switch kind {
	case VCSMercurial:
		cmd.Args = []string{"hg", "clone", u.String()}
		if !auth.empty() {
			rc, err := w.writeHgAuth(u, auth)
			if err != nil {
				return err
			}
			defer func() {
				if err := w.fs.Remove(rc); err != nil {
					w.logger.Warn().Err(err).Msg("Failed to remove mercurial credentials")
				}
			}()
			cmd.Env = []string{"HGRCPATH=" + hgSystemRC + ":" + rc}
		}
		if _, err := w.runner.Run(ctx, cmd); err != nil {
			return fmt.Errorf("failed to clone: %w", err)
		}
		checkout, err := w.sourceCheckout()
		if err != nil {
			return err
		}
		if _, err := w.runner.Run(ctx, runner.Command{Args: []string{"hg", "update"}, Dir: w.hostPath(checkout)}); err != nil {
			return fmt.Errorf("failed to update working copy: %w", err)
		}
	case VCSGit:
		cmd.Args = []string{"git", "clone", u.String()}
		cmd.Env = []string{"GIT_TERMINAL_PROMPT=0"}
		if !auth.empty() {
			cmd.Env = append(cmd.Env,
				"GIT_CONFIG_COUNT=1",
				"GIT_CONFIG_KEY_0=credential.helper",
				"GIT_CONFIG_VALUE_0="+gitCredentialHelper,
				"KILN_GIT_USERNAME="+auth.username,
				"KILN_GIT_PASSWORD="+auth.password,
			)
		}
		if _, err := w.runner.Run(ctx, cmd); err != nil {
			return fmt.Errorf("failed to clone: %w", err)
		}
	}
	return nil
}

const (
	// hgSystemRC keeps the system configuration when HGRCPATH is set
	hgSystemRC = "/etc/mercurial/hgrc:/etc/mercurial/hgrc.d"

	// gitCredentialHelper answers git's credential requests from the
	// environment of the clone
	gitCredentialHelper = `!f() { test "$1" = get && echo "username=$KILN_GIT_USERNAME" && echo "password=$KILN_GIT_PASSWORD"; }; f`
)

// writeHgAuth stores an [auth] section for u in a private temporary hgrc
// and returns its path
func (w *Worker) writeHgAuth(u *url.URL, auth repoAuth) (string, error) {
	f, err := afero.TempFile(w.fs, "", "kiln-hgrc-")
	if err != nil {
		return "", fmt.Errorf("failed to write mercurial credentials: %w", err)
	}
	_, err = fmt.Fprintf(f, "[auth]\nkiln.prefix = %s\nkiln.username = %s\nkiln.password = %s\n", u.String(), auth.username, auth.password)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = w.fs.Remove(f.Name())
		return "", fmt.Errorf("failed to write mercurial credentials: %w", err)
	}
	return f.Name(), nil
}

// AddBinaryRepo registers a binary repository inside the build environment
// and upgrades the installed packages. A failed step is recorded and the
// remaining steps still run.
func (w *Worker) AddBinaryRepo(ctx context.Context, name, uri string) error {
	args := map[string]string{"name": name, "uri": uri}
	return w.run(ctx, types.JobKindBinaryRepo, types.WorkerStateBusy, args, func(ctx context.Context, j *job) error {
		return w.inEnvironment(ctx, func(ctx context.Context) error {
			steps := []struct {
				what string
				args []string
			}{
				{"add repository", []string{"pisi", "add-repo", name, uri}},
				{"update repository index", []string{"pisi", "update-repo"}},
				{"upgrade packages", []string{"pisi", "upgrade", "-y"}},
			}

			var errs []error
			for _, step := range steps {
				if ctx.Err() != nil {
					errs = append(errs, ctx.Err())
					break
				}
				if _, err := w.chroot(ctx, step.args...); err != nil {
					j.logger.Warn().Err(err).Str("step", step.what).Msg("Repository step failed")
					errs = append(errs, fmt.Errorf("failed to %s: %w", step.what, err))
				}
			}
			return errors.Join(errs...)
		})
	})
}

// chroot runs a command inside the build environment
func (w *Worker) chroot(ctx context.Context, args ...string) (*runner.Result, error) {
	return w.runner.Run(ctx, runner.Command{Args: args, Root: w.env.MountPoint()})
}
