package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/petrodata/petrodb/core/logger"
)

// LocalFilesystem stores content below a base folder, one directory per
// key with the payload in "file" and the content type in "type".
type LocalFilesystem struct {
	baseFolder string
}

// NewLocalFilesystem returns a new LocalFilesystem driver.
func NewLocalFilesystem(baseFolder string) (*LocalFilesystem, error) {
	if err := os.MkdirAll(baseFolder, 0700); err != nil {
		return nil, err
	}
	logger.Default().Debugln("filesystem content store enabled:", baseFolder)
	return &LocalFilesystem{baseFolder: baseFolder}, nil
}

func (f *LocalFilesystem) path(key string) string {
	// keys are generated, but better safe than sorry
	key = strings.ReplaceAll(key, "..", "")
	return filepath.Join(f.baseFolder, key)
}

// Upload stores content under the key, replacing what was there.
func (f *LocalFilesystem) Upload(ctx context.Context, key string, contentType string, data io.Reader) error {
	dir := f.path(key)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	dst, err := os.Create(filepath.Join(dir, "file"))
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err = io.Copy(dst, data); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "type"), []byte(contentType), 0600)
}

// Download writes the content stored under the key to w.
func (f *LocalFilesystem) Download(ctx context.Context, key string, w io.Writer) (string, error) {
	dir := f.path(key)
	src, err := os.Open(filepath.Join(dir, "file"))
	if os.IsNotExist(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	defer src.Close()
	contentType, _ := os.ReadFile(filepath.Join(dir, "type"))
	_, err = io.Copy(w, src)
	return string(contentType), err
}

// Delete removes the content stored under the key, if any.
func (f *LocalFilesystem) Delete(ctx context.Context, key string) error {
	return os.RemoveAll(f.path(key))
}
