package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

type LocalFS struct {
	Fs afero.Fs
}

func NewLocalFS() *LocalFS {
	return &LocalFS{Fs: afero.NewOsFs()}
}

// ListFiles reads folder (not recursively) once per mask, in mask order, and
// returns the regular files whose basename matches that mask. A file matching
// two masks is listed twice.
func (l *LocalFS) ListFiles(folder string, masks *MaskSet) ([]string, error) {
	infos, readErr := afero.ReadDir(l.Fs, folder)
	if readErr != nil {
		return nil, newSyncError(LocalIOError, "read dir", folder, readErr)
	}

	files := make([]string, 0)
	for _, mask := range masks.Masks() {
		for _, info := range infos {
			if !info.Mode().IsRegular() || !mask.Match(info.Name()) {
				continue
			}
			files = append(files, filepath.Join(folder, info.Name()))
		}
	}

	return files, nil
}

// DeleteFiles removes each path, skipping the ones already gone. Failures are
// logged and returned as LocalIOErrors; they never stop the remaining deletes.
func (l *LocalFS) DeleteFiles(paths []string) (int, []error) {
	deleted := 0
	failures := make([]error, 0)
	for _, path := range paths {
		removeErr := l.Fs.Remove(path)
		switch {
		case removeErr == nil:
			deleted++
			log.WithField("file", path).Debug("Deleted local file")
		case errors.Is(removeErr, fs.ErrNotExist):
			log.WithField("file", path).Debug("Local file already gone, skipping")
		default:
			log.Warn(fmt.Sprintf("Unable to delete local file %s: %s", path, removeErr))
			failures = append(failures, newSyncError(LocalIOError, "delete", path, removeErr))
		}
	}

	return deleted, failures
}

func (l *LocalFS) Stat(path string) (fs.FileInfo, error) {
	return l.Fs.Stat(path)
}

func (l *LocalFS) Open(path string) (afero.File, error) {
	return l.Fs.Open(path)
}
