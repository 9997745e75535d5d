package qcow

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// FakeFS is an in-memory FS. Directories are created with MkdirAll and files
// with AddFile.
type FakeFS struct {
	// Failures maps an operation and its path, e.g. "symlink /images/current-tripleo",
	// to the error it returns
	Failures map[string]error
	Calls    []string

	dirs  map[string]bool
	files map[string]bool
	links map[string]string
}

// NewFakeFS creates an empty FakeFS
func NewFakeFS() *FakeFS {
	return &FakeFS{Failures: map[string]error{}, dirs: map[string]bool{"/": true}, files: map[string]bool{}, links: map[string]string{}}
}

// NewFakeClient returns a client using fs as the images server
func NewFakeClient(logger *logrus.Entry, opts Options, fs *FakeFS) *Client {
	return newClient(logger, opts, func(context.Context) (FS, error) { return fs, nil })
}

// MkdirAll creates p and its parents
func (f *FakeFS) MkdirAll(p string) {
	for p = path.Clean(p); p != "/" && p != "."; p = path.Dir(p) {
		f.dirs[p] = true
	}
}

// AddFile creates the file p and its parent directories
func (f *FakeFS) AddFile(p string) {
	p = path.Clean(p)
	f.MkdirAll(path.Dir(p))
	f.files[p] = true
}

// Links returns a copy of the symlinks
func (f *FakeFS) Links() map[string]string {
	links := map[string]string{}
	for link, target := range f.links {
		links[link] = target
	}
	return links
}

func (f *FakeFS) call(op, p string) error {
	call := op + " " + p
	f.Calls = append(f.Calls, call)
	if err, ok := f.Failures[call]; ok {
		return err
	}
	return nil
}

func notFound(op, p string) error {
	return &os.PathError{Op: op, Path: p, Err: os.ErrNotExist}
}

func (f *FakeFS) resolve(p string) string {
	p = path.Clean(p)
	for i := 0; i < 10; i++ {
		target, ok := f.links[p]
		if !ok {
			return p
		}
		if !path.IsAbs(target) {
			target = path.Join(path.Dir(p), target)
		}
		p = path.Clean(target)
	}
	return p
}

func (f *FakeFS) Stat(p string) (os.FileInfo, error) {
	if err := f.call("stat", p); err != nil {
		return nil, err
	}
	resolved := f.resolve(p)
	if f.files[resolved] {
		return fileInfo{name: path.Base(p)}, nil
	}
	if !f.dirs[resolved] {
		return nil, notFound("stat", p)
	}
	return fileInfo{name: path.Base(p), dir: true}, nil
}

func (f *FakeFS) ReadDir(p string) ([]os.FileInfo, error) {
	if err := f.call("readdir", p); err != nil {
		return nil, err
	}
	resolved := f.resolve(p)
	if !f.dirs[resolved] {
		return nil, notFound("readdir", p)
	}
	var entries []os.FileInfo
	for dir := range f.dirs {
		if dir != resolved && path.Dir(dir) == resolved {
			entries = append(entries, fileInfo{name: path.Base(dir), dir: true})
		}
	}
	for file := range f.files {
		if path.Dir(file) == resolved {
			entries = append(entries, fileInfo{name: path.Base(file)})
		}
	}
	for link := range f.links {
		if path.Dir(link) == resolved {
			entries = append(entries, fileInfo{name: path.Base(link), link: true})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func (f *FakeFS) ReadLink(p string) (string, error) {
	if err := f.call("readlink", p); err != nil {
		return "", err
	}
	target, ok := f.links[path.Clean(p)]
	if !ok {
		if f.dirs[path.Clean(p)] || f.files[path.Clean(p)] {
			return "", fmt.Errorf("readlink %s: not a link", p)
		}
		return "", notFound("readlink", p)
	}
	return target, nil
}

func (f *FakeFS) Symlink(oldname, newname string) error {
	if err := f.call("symlink", newname); err != nil {
		return err
	}
	newname = path.Clean(newname)
	if _, exists := f.links[newname]; exists || f.dirs[newname] || f.files[newname] {
		return &os.LinkError{Op: "symlink", Old: oldname, New: newname, Err: os.ErrExist}
	}
	if !f.dirs[path.Dir(newname)] {
		return notFound("symlink", newname)
	}
	f.links[newname] = oldname
	return nil
}

func (f *FakeFS) Remove(p string) error {
	if err := f.call("remove", p); err != nil {
		return err
	}
	p = path.Clean(p)
	if _, ok := f.links[p]; ok {
		delete(f.links, p)
		return nil
	}
	if f.files[p] {
		delete(f.files, p)
		return nil
	}
	if f.dirs[p] {
		for child := range f.dirs {
			if strings.HasPrefix(child, p+"/") {
				return fmt.Errorf("remove %s: directory not empty", p)
			}
		}
		for child := range f.files {
			if strings.HasPrefix(child, p+"/") {
				return fmt.Errorf("remove %s: directory not empty", p)
			}
		}
		delete(f.dirs, p)
		return nil
	}
	return notFound("remove", p)
}

func (f *FakeFS) Close() error {
	return f.call("close", "")
}

type fileInfo struct {
	name string
	dir  bool
	link bool
}

func (i fileInfo) Name() string { return i.name }
func (i fileInfo) Size() int64  { return 0 }
func (i fileInfo) Mode() os.FileMode {
	switch {
	case i.link:
		return os.ModeSymlink | 0777
	case i.dir:
		return os.ModeDir | 0755
	}
	return 0644
}
func (i fileInfo) ModTime() time.Time { return time.Time{} }
func (i fileInfo) IsDir() bool        { return i.dir }
func (i fileInfo) Sys() interface{}   { return nil }
