// Package qcow promotes the overcloud images of a hash. The images of every
// hash live in a directory named after its full hash on an SFTP server, and
// the labels are symlinks to those directories.
package qcow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/rdo-infra/ci-config/pkg/dlrn"
	"github.com/rdo-infra/ci-config/pkg/repo"
	"github.com/rdo-infra/ci-config/pkg/results"
)

const previousPrefix = "previous-"

// FS is the part of a remote filesystem the client needs. ReadLink and Stat
// return an error satisfying errors.Is(err, os.ErrNotExist) for missing paths.
type FS interface {
	Stat(p string) (os.FileInfo, error)
	ReadDir(p string) ([]os.FileInfo, error)
	ReadLink(p string) (string, error)
	Symlink(oldname, newname string) error
	Remove(p string) error
	Close() error
}

// Dialer opens a connection to the images server
type Dialer func(ctx context.Context) (FS, error)

// Options is the part of the configuration used by the qcow client
type Options struct {
	Host    string
	Port    int
	User    string
	KeyPath string
	Root    string
	Images  []string

	Distro  string
	Release string
	// CreatePrevious saves the incumbent of a label as previous-<label>.
	CreatePrevious bool
	// Local promotes on the local filesystem instead of over SFTP
	Local bool
	// KnownHostsPath is checked when present, defaults to ~/.ssh/known_hosts
	KnownHostsPath string
	Timeout        time.Duration
}

// Validation describes the state of the images of a hash
type Validation struct {
	HashValid      bool
	PromotionValid bool
	QcowValid      bool
	PresentQcows   []string
	MissingQcows   []string
}

type rollbackAtom struct {
	link string
	// target is where link pointed before, empty when it did not exist
	target string
}

// Client promotes the images of a hash on the images server
type Client struct {
	logger   *logrus.Entry
	opts     Options
	dial     Dialer
	rollback []rollbackAtom
}

// NewClient creates a client connecting to opts.Host over SFTP, or working
// on the local filesystem when opts.Local is set
func NewClient(logger *logrus.Entry, opts Options) *Client {
	if opts.Local {
		return newClient(logger, opts, func(context.Context) (FS, error) {
			return NewLocalFS(), nil
		})
	}
	return newClient(logger, opts, func(ctx context.Context) (FS, error) {
		return DialSFTP(ctx, opts)
	})
}

func newClient(logger *logrus.Entry, opts Options, dial Dialer) *Client {
	return &Client{logger: logger.WithField("client", "qcow_client"), opts: opts, dial: dial}
}

// ImagesDir is the directory holding one directory per hash
func (c *Client) ImagesDir() string {
	release := repo.ReleaseMap(c.opts.Release)
	if strings.HasPrefix(c.opts.Release, "osp") {
		return path.Join(c.opts.Root, c.opts.Distro, release)
	}
	return path.Join(c.opts.Root, c.opts.Distro, release, "rdo_trunk")
}

// RollbackLinks maps the links changed by the last promotion to where they
// pointed before it. An empty value means the link did not exist.
func (c *Client) RollbackLinks() map[string]string {
	links := map[string]string{}
	for _, atom := range c.rollback {
		links[atom.link] = atom.target
	}
	return links
}

func promotionError(err error, format string, args ...interface{}) error {
	if err == nil {
		return results.ForReason(results.ReasonPromotion).Errorf(format, args...)
	}
	return results.ForReason(results.ReasonPromotion).WithError(err).Errorf(format, args...)
}

// readLink returns where link points, and false when it does not exist
func readLink(fs FS, link string) (string, bool, error) {
	target, err := fs.ReadLink(link)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return target, true, nil
}

// Promote points the targetLabel link to the images of hash
func (c *Client) Promote(ctx context.Context, hash dlrn.Hash, targetLabel, _ string) error {
	logger := c.logger.WithFields(logrus.Fields{"candidate_hash": hash.FullHash(), "target_label": targetLabel})
	c.rollback = nil
	fs, err := c.dial(ctx)
	if err != nil {
		return promotionError(err, "could not connect to the images server %s", c.opts.Host)
	}
	defer func() {
		if err := fs.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close the connection to the images server")
		}
	}()

	imagesDir := c.ImagesDir()
	if _, err := fs.Stat(imagesDir); err != nil {
		return promotionError(err, "images dir %s does not exist on %s", imagesDir, c.opts.Host)
	}
	candidate := path.Join(imagesDir, hash.FullHash())
	if _, err := fs.Stat(candidate); err != nil {
		return promotionError(err, "no images for hash %s in %s", hash.FullHash(), imagesDir)
	}

	link := path.Join(imagesDir, targetLabel)
	current, exists, err := readLink(fs, link)
	if err != nil {
		return promotionError(err, "could not read link %s", link)
	}
	if exists && (current == candidate || current == hash.FullHash()) {
		logger.Infof("%s already points to %s, nothing to do", link, hash.FullHash())
		return nil
	}

	if err := c.promote(ctx, logger, fs, imagesDir, link, candidate, current, exists, targetLabel); err != nil {
		c.rollbackLinks(logger, fs)
		return promotionError(err, "could not promote the images of %s to %s", hash.FullHash(), targetLabel)
	}
	logger.Info("Qcow promotion completed")
	return nil
}

func (c *Client) promote(ctx context.Context, logger *logrus.Entry, fs FS, imagesDir, link, candidate, current string, exists bool, targetLabel string) error {
	if c.opts.CreatePrevious && exists {
		previous := path.Join(imagesDir, previousPrefix+targetLabel)
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.replaceLink(logger, fs, previous, current); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.replaceLink(logger, fs, link, candidate)
}

// replaceLink records the rollback atom of link and points it to target
func (c *Client) replaceLink(logger *logrus.Entry, fs FS, link, target string) error {
	old, exists, err := readLink(fs, link)
	if err != nil {
		return fmt.Errorf("could not read link %s: %w", link, err)
	}
	c.rollback = append(c.rollback, rollbackAtom{link: link, target: old})
	if exists {
		if err := fs.Remove(link); err != nil {
			return fmt.Errorf("could not remove link %s: %w", link, err)
		}
	}
	logger.Infof("Linking %s to %s", link, target)
	if err := fs.Symlink(target, link); err != nil {
		return fmt.Errorf("could not link %s to %s: %w", link, target, err)
	}
	return nil
}

func (c *Client) rollbackLinks(logger *logrus.Entry, fs FS) {
	for i := len(c.rollback) - 1; i >= 0; i-- {
		atom := c.rollback[i]
		logger.Warnf("Rolling back link %s", atom.link)
		if _, exists, err := readLink(fs, atom.link); err == nil && exists {
			if err := fs.Remove(atom.link); err != nil {
				logger.WithError(err).Errorf("Rollback failed: could not remove %s", atom.link)
				continue
			}
		}
		if atom.target == "" {
			continue
		}
		if err := fs.Symlink(atom.target, atom.link); err != nil {
			logger.WithError(err).Errorf("Rollback failed: could not link %s back to %s", atom.link, atom.target)
		}
	}
}

// ValidateQcows checks that the images of hash are all present, and that
// the name link points to them when name is set.
func (c *Client) ValidateQcows(ctx context.Context, hash dlrn.Hash, name string, assumeValid bool) (Validation, error) {
	if assumeValid {
		return Validation{HashValid: true, PromotionValid: true, QcowValid: true, PresentQcows: c.opts.Images}, nil
	}
	fs, err := c.dial(ctx)
	if err != nil {
		return Validation{}, promotionError(err, "could not connect to the images server %s", c.opts.Host)
	}
	defer fs.Close()

	var validation Validation
	imagesDir := c.ImagesDir()
	hashDir := path.Join(imagesDir, hash.FullHash())
	entries, err := fs.ReadDir(hashDir)
	if errors.Is(err, os.ErrNotExist) {
		validation.MissingQcows = c.opts.Images
		return validation, nil
	}
	if err != nil {
		return Validation{}, promotionError(err, "could not list %s", hashDir)
	}
	validation.HashValid = true

	present := sets.New[string]()
	for _, entry := range entries {
		present.Insert(entry.Name())
	}
	for _, image := range c.opts.Images {
		if present.Has(image) {
			validation.PresentQcows = append(validation.PresentQcows, image)
		} else {
			validation.MissingQcows = append(validation.MissingQcows, image)
		}
	}
	validation.QcowValid = len(validation.MissingQcows) == 0

	if name != "" {
		target, exists, err := readLink(fs, path.Join(imagesDir, name))
		if err != nil {
			return Validation{}, promotionError(err, "could not read link %s", name)
		}
		validation.PromotionValid = exists && (target == hashDir || target == hash.FullHash())
	}
	return validation, nil
}
