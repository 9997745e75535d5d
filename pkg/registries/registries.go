// Package registries promotes the containers of a hash: every image built
// for the hash is tagged with the target label on the target registries.
package registries

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/rdo-infra/ci-config/pkg/dlrn"
	"github.com/rdo-infra/ci-config/pkg/manifestpusher"
	"github.com/rdo-infra/ci-config/pkg/repo"
	"github.com/rdo-infra/ci-config/pkg/results"
)

// Tag kinds, as listed in published_tags
const (
	TagFullHash        = "full_hash"
	TagFullHashX86     = "full_hash_x86_64"
	TagFullHashPPC64LE = "full_hash_ppc64le"
)

const (
	DriverRegistry = "registry"
	DriverPlaybook = "playbook"
)

// Registry is a container registry endpoint
type Registry struct {
	Name      string
	Host      string
	Namespace string
	Username  string
	Password  string
}

func (r Registry) image(name, tag string) string {
	return fmt.Sprintf("%s/%s/%s:%s", r.Host, r.Namespace, name, tag)
}

// Options is the part of the configuration used by the registries client
type Options struct {
	Release       string
	DistroName    string
	DistroVersion string

	SourceRegistry   Registry
	TargetRegistries []Registry

	ManifestPush         bool
	TargetRegistriesPush bool
	PPCEnabled           bool
	PublishedTags        []string

	Driver                string
	ContainerPushPlaybook string
	ScriptRoot            string
}

// RetagJob copies Source to Target
type RetagJob struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Request is everything a retag driver needs to promote a hash
type Request struct {
	Hash           dlrn.Hash
	TargetLabel    string
	CandidateLabel string
	Jobs           []RetagJob
}

// Driver applies the retag jobs
type Driver interface {
	Retag(ctx context.Context, request Request) error
}

// Client promotes the containers of a hash
type Client struct {
	logger *logrus.Entry
	opts   Options
	repo   repo.Client
	driver Driver
	pusher manifestpusher.ManifestPusher
}

// NewClient creates a registries client using the driver named in opts
func NewClient(logger *logrus.Entry, opts Options, repoClient repo.Client) (*Client, error) {
	logger = logger.WithField("client", "registries_client")
	keychain := NewKeychain(append([]Registry{opts.SourceRegistry}, opts.TargetRegistries...)...)
	var driver Driver
	switch opts.Driver {
	case DriverRegistry, "":
		driver = &registryDriver{logger: logger, keychain: keychain}
	case DriverPlaybook:
		driver = newPlaybookDriver(logger, opts)
	default:
		return nil, results.ForReason(results.ReasonConfig).Errorf("unknown retag driver %q", opts.Driver)
	}
	return newClient(logger, opts, repoClient, driver, manifestpusher.NewManifestPusher(logger, keychain, manifestpusher.DefaultBackoff)), nil
}

func newClient(logger *logrus.Entry, opts Options, repoClient repo.Client, driver Driver, pusher manifestpusher.ManifestPusher) *Client {
	return &Client{logger: logger, opts: opts, repo: repoClient, driver: driver, pusher: pusher}
}

func promotionError(format string, args ...interface{}) error {
	return results.ForReason(results.ReasonPromotion).Errorf(format, args...)
}

// Promote tags the containers of hash with targetLabel
func (c *Client) Promote(ctx context.Context, hash dlrn.Hash, targetLabel, candidateLabel string) error {
	logger := c.logger.WithFields(logrus.Fields{"candidate_hash": hash.FullHash(), "target_label": targetLabel})

	versions := c.repo.GetVersionsCSV(ctx, hash, candidateLabel)
	if versions == nil {
		return promotionError("no versions.csv found for hash %s", hash.FullHash())
	}
	commit := repo.GetCommitSHA(versions, repo.TripleoCommon)
	if commit == "" {
		return promotionError("no commit of %s found in versions.csv of hash %s", repo.TripleoCommon, hash.FullHash())
	}
	containers := c.repo.GetContainersList(ctx, commit)
	if len(containers.Containers) == 0 {
		return promotionError("empty containers list for %s commit %s", repo.TripleoCommon, commit)
	}

	jobs := BuildWorkList(hash, targetLabel, containers, c.opts)
	logger.Infof("Promoting %d images of %d containers", len(jobs), len(containers.Containers))
	if err := c.driver.Retag(ctx, Request{Hash: hash, TargetLabel: targetLabel, CandidateLabel: candidateLabel, Jobs: jobs}); err != nil {
		return results.ForReason(results.ReasonPromotion).WithError(err).Errorf("failed to retag the containers of %s to %s", hash.FullHash(), targetLabel)
	}

	// the playbook pushes its own manifest lists
	if c.opts.ManifestPush && c.opts.Driver != DriverPlaybook {
		if err := c.pushManifests(ctx, logger, hash, targetLabel, containers); err != nil {
			return results.ForReason(results.ReasonPromotion).WithError(err).Errorf("failed to push the manifest lists of %s to %s", hash.FullHash(), targetLabel)
		}
	}
	logger.Info("Containers promotion completed")
	return nil
}

func (c *Client) targets() []Registry {
	if !c.opts.TargetRegistriesPush {
		return []Registry{c.opts.SourceRegistry}
	}
	return c.opts.TargetRegistries
}

func (c *Client) pushManifests(ctx context.Context, logger *logrus.Entry, hash dlrn.Hash, targetLabel string, containers repo.ContainersList) error {
	prefix := repo.ContainerPrefix(c.opts.Release)
	ppc := sets.New(containers.PPCContainers...)
	for _, base := range containers.Containers {
		image := prefix + base
		entries := []manifestpusher.Entry{{
			Image:    c.opts.SourceRegistry.image(image, hash.FullHash()+"_x86_64"),
			Platform: platform("amd64"),
		}}
		if c.ppcEnabled(containers) && ppc.Has(base) {
			entries = append(entries, manifestpusher.Entry{
				Image:    c.opts.SourceRegistry.image(image, hash.FullHash()+"_ppc64le"),
				Platform: platform("ppc64le"),
			})
		}
		var targets []string
		for _, registry := range c.targets() {
			targets = append(targets, registry.image(image, targetLabel))
		}
		digest, err := c.pusher.PushManifestList(ctx, entries, targets)
		if err != nil {
			return err
		}
		logger.WithField("digest", digest).Debugf("Pushed manifest list for %s", image)
	}
	return nil
}

func (c *Client) ppcEnabled(containers repo.ContainersList) bool {
	return c.opts.PPCEnabled && containers.PPCEnabled
}

// BuildWorkList lists the copies needed to promote the containers of hash.
// Every published tag of an image is copied to the target label, arch
// suffixed tags keep their suffix. The list is sorted.
func BuildWorkList(hash dlrn.Hash, targetLabel string, containers repo.ContainersList, opts Options) []RetagJob {
	c := &Client{opts: opts}
	published := sets.New(opts.PublishedTags...)
	if len(opts.PublishedTags) == 0 {
		published = sets.New(TagFullHash, TagFullHashX86, TagFullHashPPC64LE)
	}
	prefix := repo.ContainerPrefix(opts.Release)
	ppc := sets.New(containers.PPCContainers...)

	var jobs []RetagJob
	for _, base := range containers.Containers {
		image := prefix + base
		for _, kind := range []string{TagFullHash, TagFullHashX86, TagFullHashPPC64LE} {
			if !published.Has(kind) {
				continue
			}
			if kind == TagFullHashPPC64LE && (!c.ppcEnabled(containers) || !ppc.Has(base)) {
				continue
			}
			sourceTag, targetTag := hash.FullHash(), targetLabel
			if arch := strings.TrimPrefix(kind, TagFullHash); arch != "" {
				sourceTag += arch
				targetTag += arch
			}
			for _, registry := range c.targets() {
				jobs = append(jobs, RetagJob{
					Source: opts.SourceRegistry.image(image, sourceTag),
					Target: registry.image(image, targetTag),
				})
			}
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Source != jobs[j].Source {
			return jobs[i].Source < jobs[j].Source
		}
		return jobs[i].Target < jobs[j].Target
	})
	return jobs
}
