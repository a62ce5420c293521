package artifact

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/riveroon/twitch-archive/internal/fsutil"
	"github.com/riveroon/twitch-archive/pkg/logging"
)

// Finalize turns the working directory into the final artifact at dest.
// In directory mode the working directory is renamed to dest; otherwise its
// contents are packed into a tar archive at dest + ".tar" and the working
// directory removed. Either target is deduplicated with numeric suffixes.
// Returns the path actually produced.
func Finalize(workdir, dest string, saveToDir bool, logger logging.Logger) (string, error) {
	if saveToDir {
		final, err := fsutil.RenameDedup(workdir, dest)
		if err != nil {
			return "", fmt.Errorf("artifact: move working directory: %w", err)
		}
		logger.WithField("path", final).Info("Saved stream directory")
		return final, nil
	}

	final, file, err := fsutil.CreateDedupFile(dest + ".tar")
	if err != nil {
		return "", fmt.Errorf("artifact: create archive: %w", err)
	}
	defer file.Close()

	if err := writeTar(file, workdir); err != nil {
		return "", err
	}
	if err := file.Sync(); err != nil {
		return "", fmt.Errorf("artifact: flush archive: %w", err)
	}

	if err := os.RemoveAll(workdir); err != nil {
		return "", fmt.Errorf("artifact: remove working directory: %w", err)
	}

	logger.WithField("path", final).Info("Saved stream archive")
	return final, nil
}

func writeTar(w io.Writer, workdir string) error {
	root, err := filepath.EvalSymlinks(workdir)
	if err != nil {
		return fmt.Errorf("artifact: resolve working directory: %w", err)
	}

	tw := tar.NewWriter(w)
	err = filepath.WalkDir(workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == workdir {
			return nil
		}

		// A path escaping the working directory means the tree was tampered
		// with; refuse to archive anything.
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("artifact: resolve %s: %w", path, err)
		}
		if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			panic(fmt.Sprintf("artifact: path %s resolves outside working directory %s", path, root))
		}

		rel, err := filepath.Rel(workdir, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("artifact: archive working directory: %w", err)
	}
	return tw.Close()
}
