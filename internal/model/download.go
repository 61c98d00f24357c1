package model

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ErrModelMissing reports a model directory that does not exist and was not downloaded.
var ErrModelMissing = errors.New("model not found")

// Downloader fetches zipped decoder models from a base URL. A model stored at
// models/vosk-model-small-en-us-0.15 is fetched from <base>/vosk-model-small-en-us-0.15.zip.
type Downloader struct {
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
}

func NewDownloader(baseURL string, logger *slog.Logger) *Downloader {
	return &Downloader{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  http.DefaultClient,
		Logger:  logger.With(slog.String("component", "model")),
	}
}

// Exists reports whether path is an existing directory.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Ensure returns nil when the model at path is present. Otherwise it downloads it when auto is
// set, or returns ErrModelMissing.
func (d *Downloader) Ensure(ctx context.Context, path string, auto bool) error {
	if Exists(path) {
		return nil
	}
	if !auto {
		return fmt.Errorf("%w at %s (enable recognizer.auto_download or run `loqa-listen model download`)", ErrModelMissing, path)
	}
	return d.Download(ctx, path)
}

// URL is the archive location for the model stored at path.
func (d *Downloader) URL(path string) string {
	return d.BaseURL + "/" + filepath.Base(filepath.Clean(path)) + ".zip"
}

// Download fetches the archive for path and extracts it into the parent directory. The
// archive is expected to contain a top-level directory named like path.
func (d *Downloader) Download(ctx context.Context, path string) error {
	url := d.URL(path)
	parent := filepath.Dir(filepath.Clean(path))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	tmp, err := os.CreateTemp(parent, "model-*.zip")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	d.Logger.Info("downloading model", slog.String("url", url), slog.String("path", path))
	written, err := d.fetch(ctx, url, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	if err := unzip(tmpPath, parent); err != nil {
		return fmt.Errorf("extract model: %w", err)
	}
	if !Exists(path) {
		return fmt.Errorf("%w: archive %s did not contain %s", ErrModelMissing, url, filepath.Base(path))
	}
	d.Logger.Info("model ready", slog.String("path", path), slog.Int64("bytes", written))
	return nil
}

func (d *Downloader) fetch(ctx context.Context, url string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download model: unexpected status %s", resp.Status)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download model: %w", err)
	}
	return n, nil
}

func unzip(src, destDir string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}

	for _, f := range r.File {
		fpath := filepath.Join(root, f.Name)
		if fpath != root && !strings.HasPrefix(fpath, root+string(os.PathSeparator)) {
			return fmt.Errorf("illegal path in archive: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, fpath); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, fpath string) error {
	out, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0o200)
	if err != nil {
		return err
	}
	defer out.Close()

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = io.Copy(out, rc)
	return err
}
