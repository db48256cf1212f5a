package memory

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Backup writes every agent memory file to w as a zstd-compressed tar.
// It returns the number of files archived.
func (s *Store) Backup(w io.Writer) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents, err := s.agentsLocked()
	if err != nil {
		return 0, err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	count := 0
	for _, a := range agents {
		data, err := os.ReadFile(s.path(a))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return count, fmt.Errorf("read %s: %w", a, err)
		}
		hdr := &tar.Header{
			Name:    a + fileExt,
			Mode:    0o600,
			Size:    int64(len(data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return count, fmt.Errorf("write header for %s: %w", a, err)
		}
		if _, err := tw.Write(data); err != nil {
			return count, fmt.Errorf("write %s: %w", a, err)
		}
		count++
	}

	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("close zstd: %w", err)
	}

	slog.Info("memory backup written", "files", count)
	return count, nil
}

// Restore extracts an archive produced by Backup into the store
// directory. Existing files for the same agents are replaced unless
// overwrite is false, in which case they are skipped. Cached state is
// dropped so subsequent reads see the restored data.
func (s *Store) Restore(r io.Reader, overwrite bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if strings.Contains(name, "/") || !strings.HasSuffix(name, fileExt) {
			slog.Warn("skipping unexpected archive entry", "name", hdr.Name)
			continue
		}
		agentID := strings.TrimSuffix(name, fileExt)
		if err := validateAgentID(agentID); err != nil {
			slog.Warn("skipping archive entry", "name", hdr.Name, "error", err)
			continue
		}

		dst := s.path(agentID)
		if !overwrite {
			if _, err := os.Stat(dst); err == nil {
				slog.Info("memory file exists, skipping", "agent", agentID)
				continue
			}
		}

		if err := writeFileAtomic(s.dir, dst, tr); err != nil {
			return count, fmt.Errorf("restore %s: %w", agentID, err)
		}
		delete(s.agents, agentID)
		count++
	}

	slog.Info("memory restored", "files", count)
	return count, nil
}

func writeFileAtomic(dir, dst string, r io.Reader) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
