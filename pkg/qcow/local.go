package qcow

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// localFS serves the images tree from the host the promoter runs on, as
// staging environments do
type localFS struct {
	fs afero.Fs
}

// NewLocalFS returns an FS on the local filesystem
func NewLocalFS() FS {
	return &localFS{fs: afero.NewOsFs()}
}

func (l *localFS) Stat(p string) (os.FileInfo, error) {
	return l.fs.Stat(p)
}

func (l *localFS) ReadDir(p string) ([]os.FileInfo, error) {
	return afero.ReadDir(l.fs, p)
}

func (l *localFS) ReadLink(p string) (string, error) {
	reader, ok := l.fs.(afero.LinkReader)
	if !ok {
		return "", fmt.Errorf("%s does not support symlinks", l.fs.Name())
	}
	return reader.ReadlinkIfPossible(p)
}

func (l *localFS) Symlink(oldname, newname string) error {
	linker, ok := l.fs.(afero.Linker)
	if !ok {
		return fmt.Errorf("%s does not support symlinks", l.fs.Name())
	}
	return linker.SymlinkIfPossible(oldname, newname)
}

func (l *localFS) Remove(p string) error {
	return l.fs.Remove(p)
}

func (l *localFS) Close() error {
	return nil
}
