package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Directories and files inside the build environment, relative to its root
const (
	repoDir      = "repositories"
	workDir      = "work_dir"
	logDir       = "log_dir"
	uploadDir    = "upload_dir"
	queueHash    = "work_dir/.queue"
	pisiConf     = "etc/pisi/pisi.conf"
	pisiTemplate = "pisi-template"

	jobCountPlaceholder = "[[[JOBCOUNT]]]"
	packageExt          = ".pisi"
)

// hostPath resolves a path inside the environment to the host filesystem
func (w *Worker) hostPath(rel string) string {
	return filepath.Join(w.env.MountPoint(), rel)
}

// recreateDir removes rel inside the environment and creates it empty
func (w *Worker) recreateDir(rel string) error {
	dir := w.hostPath(rel)
	if err := w.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", rel, err)
	}
	if err := w.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", rel, err)
	}
	return nil
}

// renderPisiConfig writes the packaging tool configuration with the job count
// filled in
func (w *Worker) renderPisiConfig() error {
	data, err := afero.ReadFile(w.fs, filepath.Join(w.cfg.DataDir, pisiTemplate))
	if err != nil {
		return fmt.Errorf("failed to read pisi template: %w", err)
	}

	lines := strings.Split(strings.ReplaceAll(string(data), "\r", ""), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	var b strings.Builder
	jobs := fmt.Sprintf("-j%d", w.cfg.MaxJobs)
	for _, line := range lines {
		b.WriteString(strings.ReplaceAll(line, jobCountPlaceholder, jobs))
		b.WriteByte('\n')
	}

	target := w.hostPath(pisiConf)
	if err := w.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(pisiConf), err)
	}
	if err := afero.WriteFile(w.fs, target, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write pisi config: %w", err)
	}
	return nil
}

// storedQueueHash returns the hash written by the previous build run, or ""
func (w *Worker) storedQueueHash() string {
	data, err := afero.ReadFile(w.fs, w.hostPath(queueHash))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (w *Worker) storeQueueHash(hash string) error {
	if err := afero.WriteFile(w.fs, w.hostPath(queueHash), []byte(hash), 0644); err != nil {
		return fmt.Errorf("failed to store queue hash: %w", err)
	}
	return nil
}

// sourceCheckout returns the directory the source repository was cloned into,
// relative to the environment root
func (w *Worker) sourceCheckout() (string, error) {
	entries, err := afero.ReadDir(w.fs, w.hostPath(repoDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read %s: %w", repoDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			return filepath.Join(repoDir, e.Name()), nil
		}
	}
	return repoDir, nil
}

// collectPackages copies every package under work_dir into a fresh upload_dir
func (w *Worker) collectPackages() (int, error) {
	if err := w.recreateDir(uploadDir); err != nil {
		return 0, err
	}
	src := w.hostPath(workDir)
	if ok, _ := afero.DirExists(w.fs, src); !ok {
		return 0, nil
	}

	dst := w.hostPath(uploadDir)
	count := 0
	err := afero.Walk(w.fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), packageExt) {
			return nil
		}
		if err := copyFile(w.fs, path, filepath.Join(dst, info.Name()), info); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("failed to collect packages: %w", err)
	}
	return count, nil
}

// copyFile copies src to dst keeping mode and modification time
func copyFile(fs afero.Fs, src, dst string, info os.FileInfo) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, in)
	if err := errors.Join(copyErr, out.Close()); err != nil {
		return err
	}
	return fs.Chtimes(dst, info.ModTime(), info.ModTime())
}

// listArtifacts returns the files produced in a package output directory
func (w *Worker) listArtifacts(rel string) ([]string, error) {
	entries, err := afero.ReadDir(w.fs, w.hostPath(rel))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
