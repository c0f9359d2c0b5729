// Package attachment owns deletion of uploaded files that back chat messages.
package attachment

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// ErrInvalidKey is returned for storage keys that do not name a file.
var ErrInvalidKey = errors.New("invalid storage key")

// Reconciler deletes attachment files. It is the only component allowed to
// remove files from the upload directory.
type Reconciler struct {
	fs  afero.Fs
	log *zerolog.Logger

	mu sync.Mutex
}

// NewReconciler builds a reconciler over fsys. Keys are resolved relative to its root.
func NewReconciler(fsys afero.Fs, logger *zerolog.Logger) *Reconciler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Reconciler{fs: fsys, log: logger}
}

// NewDirReconciler builds a reconciler rooted at dir on the OS filesystem.
func NewDirReconciler(dir string, logger *zerolog.Logger) *Reconciler {
	return NewReconciler(afero.NewBasePathFs(afero.NewOsFs(), dir), logger)
}

// DeleteIfExists removes the file behind key. It reports true only when a
// file was actually removed; a missing file is not an error.
func (r *Reconciler) DeleteIfExists(key string) (bool, error) {
	name := NormalizeKey(key)
	if name == "" {
		return false, fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := afero.Exists(r.fs, name)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	if !exists {
		r.log.Debug().Str("storage_key", name).Msg("attachment already gone")
		return false, nil
	}

	if err := r.fs.Remove(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove %s: %w", name, err)
	}

	r.log.Info().Str("storage_key", name).Msg("attachment deleted")
	return true, nil
}

// NormalizeKey reduces a storage key, URL path or Windows path to the bare
// file name inside the upload directory.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if i := strings.LastIndexAny(key, `/\`); i >= 0 {
		key = key[i+1:]
	}
	if key == "." || key == ".." {
		return ""
	}
	return key
}
