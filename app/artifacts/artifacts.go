// Package artifacts packages trained model directories and logs into tar.gz
// archives and optionally pushes them to an edge host over rsync.
package artifacts

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/go-pkgz/lgr"
)

// Packer archives one job's outputs. A missing models directory makes a
// log-only archive rather than an error, failed jobs leave nothing behind.
type Packer struct {
	ModelsDir string // per-identifier model checkpoints live under here
	OutputDir string // archives are written here
}

// Pack writes OutputDir/<identifier>.tar.gz with the job's model directory and
// captured log. Returns the archive path.
func (p *Packer) Pack(pair, identifier, logFile string) (string, error) {
	if err := os.MkdirAll(p.OutputDir, 0o750); err != nil {
		return "", fmt.Errorf("can't make output dir %s: %w", p.OutputDir, err)
	}

	archive := filepath.Join(p.OutputDir, identifier+".tar.gz")
	fh, err := os.Create(archive) //nolint:gosec // path derived from sanitized identifier
	if err != nil {
		return "", fmt.Errorf("can't create archive %s: %w", archive, err)
	}
	defer fh.Close() //nolint:errcheck // error checked on explicit close below

	gz := gzip.NewWriter(fh)
	tw := tar.NewWriter(gz)

	modelDir := filepath.Join(p.ModelsDir, identifier)
	if _, statErr := os.Stat(modelDir); statErr == nil {
		if err = p.addDir(tw, modelDir, identifier); err != nil {
			return "", fmt.Errorf("can't archive models for %s: %w", pair, err)
		}
	} else {
		log.Printf("[WARN] no model dir %s for %s, packing log only", modelDir, pair)
	}

	if logFile != "" {
		if _, statErr := os.Stat(logFile); statErr == nil {
			if err = p.addFile(tw, logFile, filepath.Join(identifier, "train.log")); err != nil {
				return "", fmt.Errorf("can't archive log for %s: %w", pair, err)
			}
		}
	}

	if err = tw.Close(); err != nil {
		return "", fmt.Errorf("can't finalize archive: %w", err)
	}
	if err = gz.Close(); err != nil {
		return "", fmt.Errorf("can't finalize gzip: %w", err)
	}
	if err = fh.Close(); err != nil {
		return "", fmt.Errorf("can't close archive: %w", err)
	}

	log.Printf("[INFO] packed artifacts for %s to %s", pair, archive)
	return archive, nil
}

// addDir walks dir and writes every regular file under prefix in the archive
func (p *Packer) addDir(tw *tar.Writer, dir, prefix string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		return p.addFile(tw, path, filepath.Join(prefix, rel))
	})
}

func (p *Packer) addFile(tw *tar.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(name)
	if err = tw.WriteHeader(hdr); err != nil {
		return err
	}
	fh, err := os.Open(path) //nolint:gosec // path comes from the archive walk
	if err != nil {
		return err
	}
	defer fh.Close() //nolint:errcheck // read only
	_, err = io.Copy(tw, fh)
	return err
}

// Push sends an archive to the destination with rsync. Destination uses rsync
// notation, i.e. "pi@edge-host:/opt/models".
func Push(ctx context.Context, archive, dest string) error {
	if dest == "" {
		return fmt.Errorf("no push destination configured")
	}
	if !strings.Contains(dest, ":") {
		return fmt.Errorf("push destination %q must be host:path", dest)
	}

	log.Printf("[INFO] pushing %s to %s", archive, dest)
	cmd := exec.CommandContext(ctx, "rsync", "-az", "--partial", archive, dest)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("rsync to %s failed: %w, output: %s", dest, err, string(out))
	}
	return nil
}
