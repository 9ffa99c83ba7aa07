package attachments

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slackclaw/slackclaw/internal/listener"
)

type fakeDownloader struct {
	payloads map[string][]byte
	err      error
	calls    []string
}

func (f *fakeDownloader) DownloadFile(_ context.Context, url string, w io.Writer) error {
	f.calls = append(f.calls, url)
	if f.err != nil {
		return f.err
	}
	_, err := w.Write(f.payloads[url])
	return err
}

func imageFile(name, mimetype, url string, size int) listener.File {
	return listener.File{ID: "F1", Name: name, Mimetype: mimetype, Size: size, URLPrivate: url}
}

func TestMaterializeWritesImagesInOrder(t *testing.T) {
	dl := &fakeDownloader{payloads: map[string][]byte{
		"https://files/one": []byte("png-bytes"),
		"https://files/two": []byte("jpg-bytes"),
	}}
	m := New(dl, t.TempDir(), zerolog.Nop())

	paths, err := m.Materialize(context.Background(), "task1", []listener.File{
		imageFile("shot one.png", "image/png", "https://files/one", 9),
		imageFile("diagram", "image/jpeg", "https://files/two", 9),
	})
	require.NoError(t, err)
	require.Len(t, paths, 2)

	assert.True(t, filepath.IsAbs(paths[0]))
	assert.Equal(t, "01_shot_one.png", filepath.Base(paths[0]))
	assert.Equal(t, "02_diagram.jpg", filepath.Base(paths[1]), "extension inferred from mimetype")
}

func TestMaterializeSkipsNonImages(t *testing.T) {
	dl := &fakeDownloader{payloads: map[string][]byte{}}
	m := New(dl, t.TempDir(), zerolog.Nop())

	paths, err := m.Materialize(context.Background(), "task1", []listener.File{
		{Name: "notes.txt", Mimetype: "text/plain", URLPrivate: "https://files/txt"},
		{Name: "no-url.png", Mimetype: "image/png"},
	})
	require.NoError(t, err)
	assert.Empty(t, paths)
	assert.Empty(t, dl.calls)
}

func TestMaterializeCapsAtFourImages(t *testing.T) {
	dl := &fakeDownloader{payloads: map[string][]byte{}}
	for i := 0; i < 6; i++ {
		dl.payloads["https://files/n"] = []byte("x")
	}
	m := New(dl, t.TempDir(), zerolog.Nop())

	files := make([]listener.File, 6)
	for i := range files {
		files[i] = imageFile("a.png", "image/png", "https://files/n", 1)
	}
	paths, err := m.Materialize(context.Background(), "task1", files)
	require.NoError(t, err)
	assert.Len(t, paths, 4)
}

func TestMaterializeRejectsOversizedDeclaredSize(t *testing.T) {
	dl := &fakeDownloader{}
	m := New(dl, t.TempDir(), zerolog.Nop())

	_, err := m.Materialize(context.Background(), "task1", []listener.File{
		imageFile("huge.png", "image/png", "https://files/huge", maxImageBytes+1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
	assert.Empty(t, dl.calls, "oversize is rejected before download")
}

func TestMaterializeDownloadFailureAborts(t *testing.T) {
	dl := &fakeDownloader{err: errors.New("403")}
	m := New(dl, t.TempDir(), zerolog.Nop())

	_, err := m.Materialize(context.Background(), "task1", []listener.File{
		imageFile("a.png", "image/png", "https://files/a", 1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to download")
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "shot_one", sanitizeFilename("shot one", "fb"))
	assert.Equal(t, "a_b_c", sanitizeFilename("a/b:c", "fb"))
	assert.Equal(t, "fb", sanitizeFilename("...", "fb"))
	assert.Equal(t, "fb", sanitizeFilename("", "fb"))
}

func TestGuessExtension(t *testing.T) {
	assert.Equal(t, ".png", guessExtension("x.png", "image/webp"))
	assert.Equal(t, ".jpg", guessExtension("x", "image/jpeg"))
	assert.Equal(t, ".webp", guessExtension("", "image/webp"))
	assert.Equal(t, ".img", guessExtension("", "image/tiff"))
}
