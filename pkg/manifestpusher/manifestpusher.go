package manifestpusher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Entry is a single architecture image of a manifest list
type Entry struct {
	Image    string
	Platform ocispec.Platform
}

type ManifestPusher interface {
	// PushManifestList bundles the entries in a docker manifest list and
	// pushes it as every one of the targets.
	PushManifestList(ctx context.Context, entries []Entry, targets []string) (digest.Digest, error)
}

// DefaultBackoff bounds the wait for the entries to appear in the registry,
// about two minutes in total
var DefaultBackoff = wait.Backoff{
	Duration: 5 * time.Second,
	Factor:   1.5,
	Steps:    10,
}

func NewManifestPusher(logger *logrus.Entry, keychain authn.Keychain, backoff wait.Backoff) ManifestPusher {
	return &manifestPusher{
		logger:   logger,
		keychain: keychain,
		backoff:  backoff,
	}
}

type manifestPusher struct {
	logger   *logrus.Entry
	keychain authn.Keychain
	backoff  wait.Backoff
}

func (m *manifestPusher) options(ctx context.Context) []remote.Option {
	return []remote.Option{remote.WithContext(ctx), remote.WithAuthFromKeychain(m.keychain)}
}

func (m *manifestPusher) PushManifestList(ctx context.Context, entries []Entry, targets []string) (digest.Digest, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("no source images to create manifest list for %v", targets)
	}

	index := mutate.IndexMediaType(empty.Index, types.DockerManifestList)
	for _, entry := range entries {
		ref, err := name.ParseReference(entry.Image)
		if err != nil {
			return "", fmt.Errorf("invalid image %s: %w", entry.Image, err)
		}
		m.logger.Infof("Adding architecture %s: %s", entry.Platform.Architecture, ref)

		// The per architecture images may not be visible in the registry
		// right after they were pushed.
		var descriptor *remote.Descriptor
		if err := wait.ExponentialBackoffWithContext(ctx, m.backoff, func(ctx context.Context) (bool, error) {
			descriptor, err = remote.Get(ref, m.options(ctx)...)
			if err != nil {
				if isNotFound(err) {
					m.logger.Warnf("Image %s not yet available in registry, retrying: %v", ref, err)
					return false, nil
				}
				return false, err
			}
			return true, nil
		}); err != nil {
			return "", fmt.Errorf("image %s is not available: %w", ref, err)
		}
		image, err := descriptor.Image()
		if err != nil {
			return "", fmt.Errorf("could not read image %s: %w", ref, err)
		}
		index = mutate.AppendManifests(index, mutate.IndexAddendum{
			Add: image,
			Descriptor: v1.Descriptor{
				MediaType: descriptor.MediaType,
				Platform: &v1.Platform{
					OS:           entry.Platform.OS,
					Architecture: entry.Platform.Architecture,
					Variant:      entry.Platform.Variant,
				},
			},
		})
	}

	hash, err := index.Digest()
	if err != nil {
		return "", fmt.Errorf("could not compute manifest list digest: %w", err)
	}
	expected, err := digest.Parse(hash.String())
	if err != nil {
		return "", fmt.Errorf("invalid manifest list digest %s: %w", hash, err)
	}

	for _, target := range targets {
		tag, err := name.NewTag(target)
		if err != nil {
			return "", fmt.Errorf("invalid target %s: %w", target, err)
		}
		m.logger.Infof("Creating manifest list for %s with %d architectures", tag, len(entries))
		if err := remote.WriteIndex(tag, index, m.options(ctx)...); err != nil {
			return "", fmt.Errorf("failed to push manifest list to %s: %w", tag, err)
		}
		pushed, err := remote.Head(tag, m.options(ctx)...)
		if err != nil {
			return "", fmt.Errorf("could not verify manifest list at %s: %w", tag, err)
		}
		if actual := digest.Digest(pushed.Digest.String()); actual != expected {
			return "", fmt.Errorf("manifest list at %s has digest %s, expected %s", tag, actual, expected)
		}
		m.logger.WithField("digest", expected).Infof("Successfully created manifest list for %s", tag)
	}
	return expected, nil
}

func isNotFound(err error) bool {
	var transportErr *transport.Error
	return errors.As(err, &transportErr) && transportErr.StatusCode == http.StatusNotFound
}
