// Package attachments downloads image files referenced by a command
// message into a per-task directory so subprocesses can read them from
// local disk.
package attachments

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/slackclaw/slackclaw/internal/listener"
)

const (
	// BaseDir is the per-task attachment root, relative to the working dir.
	BaseDir = ".slackclaw_attachments"

	maxImagesPerTask = 4
	maxImageBytes    = 20 * 1024 * 1024
)

var unsafeFilenameRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// fileDownloader is the authenticated download slice of the Slack client.
type fileDownloader interface {
	DownloadFile(ctx context.Context, url string, w io.Writer) error
}

// Materializer downloads message images for tasks.
type Materializer struct {
	client  fileDownloader
	baseDir string
	logger  zerolog.Logger
}

// New builds a materializer rooted at baseDir (BaseDir when empty).
func New(client fileDownloader, baseDir string, logger zerolog.Logger) *Materializer {
	if baseDir == "" {
		baseDir = BaseDir
	}
	return &Materializer{
		client:  client,
		baseDir: baseDir,
		logger:  logger.With().Str("component", "attachments").Logger(),
	}
}

// Materialize downloads the message's images (capped at four, 20 MiB each)
// into <baseDir>/<taskID>/ and returns the absolute paths in order. Any
// failure aborts the whole task; partial downloads are not returned.
func (m *Materializer) Materialize(ctx context.Context, taskID string, files []listener.File) ([]string, error) {
	images := filterImages(files)
	if len(images) == 0 {
		return nil, nil
	}
	if len(images) > maxImagesPerTask {
		images = images[:maxImagesPerTask]
	}

	outputDir := filepath.Join(m.baseDir, taskID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating attachment dir: %w", err)
	}

	paths := make([]string, 0, len(images))
	for i, file := range images {
		index := i + 1
		label := file.Name
		if label == "" {
			label = file.ID
		}
		if label == "" {
			label = fmt.Sprintf("%d", index)
		}

		if file.Size > maxImageBytes {
			return nil, fmt.Errorf("image %q exceeds %d bytes limit", label, maxImageBytes)
		}

		var buf bytes.Buffer
		if err := m.client.DownloadFile(ctx, file.URLPrivate, &buf); err != nil {
			return nil, fmt.Errorf("failed to download image %q: %w", label, err)
		}
		if buf.Len() > maxImageBytes {
			return nil, fmt.Errorf("downloaded image %q exceeds %d bytes limit", label, maxImageBytes)
		}

		filename := file.Name
		if filename == "" {
			filename = file.ID
		}
		if filename == "" {
			filename = fmt.Sprintf("image_%02d", index)
		}
		stem := sanitizeFilename(strings.TrimSuffix(filename, filepath.Ext(filename)), fmt.Sprintf("image_%02d", index))
		ext := guessExtension(filename, file.Mimetype)

		path := filepath.Join(outputDir, fmt.Sprintf("%02d_%s%s", index, stem, ext))
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return nil, fmt.Errorf("writing image %q: %w", label, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolving image path: %w", err)
		}
		paths = append(paths, abs)
	}

	m.logger.Debug().Str("task_id", taskID).Int("count", len(paths)).Msg("images materialized")
	return paths, nil
}

func filterImages(files []listener.File) []listener.File {
	var images []listener.File
	for _, f := range files {
		mimetype := strings.ToLower(strings.TrimSpace(f.Mimetype))
		if !strings.HasPrefix(mimetype, "image/") {
			continue
		}
		if strings.TrimSpace(f.URLPrivate) == "" {
			continue
		}
		images = append(images, f)
	}
	return images
}

func sanitizeFilename(name, fallback string) string {
	cleaned := unsafeFilenameRe.ReplaceAllString(strings.TrimSpace(name), "_")
	cleaned = strings.Trim(cleaned, "._")
	if cleaned == "" {
		return fallback
	}
	return cleaned
}

func guessExtension(filename, mimetype string) string {
	if ext := filepath.Ext(filename); ext != "" {
		return ext
	}
	switch strings.ToLower(strings.TrimSpace(mimetype)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	return ".img"
}
