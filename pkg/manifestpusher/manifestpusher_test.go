package manifestpusher

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus/hooks/test"

	"k8s.io/apimachinery/pkg/util/wait"
)

func pushRandomImage(t *testing.T, ref string) {
	t.Helper()
	image, err := random.Image(512, 1)
	if err != nil {
		t.Fatalf("failed to create image: %v", err)
	}
	tag, err := name.NewTag(ref)
	if err != nil {
		t.Fatalf("invalid reference %s: %v", ref, err)
	}
	if err := remote.Write(tag, image); err != nil {
		t.Fatalf("failed to push %s: %v", ref, err)
	}
}

func TestPushManifestList(t *testing.T) {
	server := httptest.NewServer(registry.New())
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")

	pushRandomImage(t, host+"/tripleomaster/openstack-base:abc_x86_64")
	pushRandomImage(t, host+"/tripleomaster/openstack-base:abc_ppc64le")

	logger, _ := test.NewNullLogger()
	pusher := NewManifestPusher(logger.WithField("test", t.Name()), authn.DefaultKeychain, wait.Backoff{Duration: time.Millisecond, Steps: 2})
	targets := []string{host + "/tripleomaster/openstack-base:current-tripleo", host + "/rdo/openstack-base:current-tripleo"}
	pushed, err := pusher.PushManifestList(context.Background(), []Entry{
		{Image: host + "/tripleomaster/openstack-base:abc_x86_64", Platform: ocispec.Platform{OS: "linux", Architecture: "amd64"}},
		{Image: host + "/tripleomaster/openstack-base:abc_ppc64le", Platform: ocispec.Platform{OS: "linux", Architecture: "ppc64le"}},
	}, targets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, target := range targets {
		tag, _ := name.NewTag(target)
		index, err := remote.Index(tag)
		if err != nil {
			t.Fatalf("failed to fetch manifest list %s: %v", target, err)
		}
		digest, _ := index.Digest()
		if digest.String() != pushed.String() {
			t.Errorf("%s: expected digest %s, got %s", target, pushed, digest)
		}
		manifest, err := index.IndexManifest()
		if err != nil {
			t.Fatalf("failed to read manifest list %s: %v", target, err)
		}
		if manifest.MediaType != types.DockerManifestList {
			t.Errorf("%s: expected media type %s, got %s", target, types.DockerManifestList, manifest.MediaType)
		}
		var platforms []string
		for _, entry := range manifest.Manifests {
			platforms = append(platforms, entry.Platform.OS+"/"+entry.Platform.Architecture)
			if entry.Size == 0 || entry.Digest.Hex == "" {
				t.Errorf("%s: entry without digest or size: %+v", target, entry)
			}
		}
		if diff := cmp.Diff([]string{"linux/amd64", "linux/ppc64le"}, platforms); diff != "" {
			t.Errorf("%s: unexpected platforms: %s", target, diff)
		}
	}
}

func TestPushManifestListMissingImage(t *testing.T) {
	server := httptest.NewServer(registry.New())
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")

	logger, _ := test.NewNullLogger()
	pusher := NewManifestPusher(logger.WithField("test", t.Name()), authn.DefaultKeychain, wait.Backoff{Duration: time.Millisecond, Steps: 2})
	_, err := pusher.PushManifestList(context.Background(), []Entry{
		{Image: host + "/tripleomaster/openstack-base:abc_x86_64", Platform: ocispec.Platform{OS: "linux", Architecture: "amd64"}},
	}, []string{host + "/tripleomaster/openstack-base:current-tripleo"})
	if err == nil {
		t.Fatal("expected an error for a missing image")
	}

	if _, err := pusher.PushManifestList(context.Background(), nil, []string{host + "/tripleomaster/openstack-base:current-tripleo"}); err == nil {
		t.Error("expected an error for an empty manifest list")
	}
}
