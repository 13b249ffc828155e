package migrator

import (
	"github.com/mandelsoft/vfs/pkg/vfs"
)

// stat reports whether path exists on fsys, and whether it's a directory.
func stat(fsys vfs.FileSystem, path string) (exists, isDir bool, err error) {
	fi, err := fsys.Stat(path)
	if vfs.IsErrNotExist(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, fi.IsDir(), nil
}
