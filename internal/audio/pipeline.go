package audio

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Options configure where artifacts are written and how they are checked.
type Options struct {
	BasePath            string
	Prefix              string
	Extension           string
	MinSize             int64
	DeleteTempAfterCopy bool
}

// Pipeline turns executor artifacts into loaded assets.
type Pipeline struct {
	opts Options
	log  *slog.Logger
}

func NewPipeline(opts Options, log *slog.Logger) *Pipeline {
	if opts.BasePath == "" {
		opts.BasePath = os.TempDir()
	}
	if opts.Extension == "" {
		opts.Extension = ".wav"
	}
	return &Pipeline{opts: opts, log: log.With(slog.String("component", "audio-pipeline"))}
}

// ArtifactPath is the temporary file the backend renders requestID into.
func (p *Pipeline) ArtifactPath(requestID string) string {
	return filepath.Join(p.opts.BasePath, p.opts.Prefix+requestID+p.opts.Extension)
}

// Prepare ensures the artifact directory exists.
func (p *Pipeline) Prepare() error {
	if err := os.MkdirAll(p.opts.BasePath, 0o755); err != nil {
		return fmt.Errorf("create audio base path: %w", err)
	}
	return nil
}

// Build loads the artifact at path into an asset. When outputPath is set the
// artifact is copied there first; the temporary file is deleted when it is
// no longer needed. The returned path is where the audio now lives on disk,
// empty if nothing was kept.
func (p *Pipeline) Build(path, outputPath string) (*Asset, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("%w: artifact %s missing", ErrAssetInvalid, path)
		}
		return nil, "", fmt.Errorf("%w: stat artifact: %v", ErrAssetInvalid, err)
	}
	if info.Size() < p.opts.MinSize {
		p.Discard(path)
		return nil, "", fmt.Errorf("%w: artifact is %d bytes, minimum %d", ErrAssetInvalid, info.Size(), p.opts.MinSize)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		p.Discard(path)
		return nil, "", fmt.Errorf("%w: read artifact: %v", ErrAssetInvalid, err)
	}
	asset, err := Decode(raw)
	if err != nil {
		p.Discard(path)
		return nil, "", err
	}

	kept := ""
	switch {
	case outputPath != "" && filepath.Clean(outputPath) != filepath.Clean(path):
		if err := copyFile(path, outputPath); err != nil {
			p.Discard(path)
			return nil, "", fmt.Errorf("copy artifact: %w", err)
		}
		kept = outputPath
		if p.opts.DeleteTempAfterCopy {
			p.Discard(path)
		} else {
			p.log.Debug("keeping temporary artifact", slog.String("path", path))
		}
	case outputPath != "":
		kept = outputPath
	default:
		p.Discard(path)
	}
	asset.Source = kept
	return asset, kept, nil
}

// Discard removes a temporary artifact, ignoring files that are already gone.
func (p *Pipeline) Discard(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.log.Warn("failed to remove artifact", slog.String("path", path), slog.String("error", err.Error()))
	}
}

func copyFile(src, dst string) error {
	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Export writes the encoded bytes of a to path.
func (p *Pipeline) Export(a *Asset, path string) error {
	if a.Source != "" && filepath.Clean(a.Source) == filepath.Clean(path) {
		return nil
	}
	raw := a.Raw()
	if raw == nil {
		return fmt.Errorf("%w: asset already released", ErrAssetInvalid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
