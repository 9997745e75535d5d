// Package repo reads the files DLRN and tripleo-common publish about a hash:
// the versions.csv manifest and the list of containers built for it.
package repo

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/rdo-infra/ci-config/pkg/dlrn"
	"github.com/rdo-infra/ci-config/pkg/httphelper"
)

// TripleoCommon is the project whose commit pins the containers list
const TripleoCommon = "openstack-tripleo-common"

var (
	// legacyReleases name their containers centos-binary-<name>
	legacyReleases = sets.New("queens", "stein", "train", "ussuri", "osp16-2")

	releaseMap = map[string]string{
		"osp16-2": "rhos-16.2",
		"osp17":   "rhos-17",
		"osp-17":  "rhos-17",
	}
)

// ReleaseMap translates a release to the name used downstream for images
// and exclude lists
func ReleaseMap(release string) string {
	if mapped, ok := releaseMap[release]; ok {
		return mapped
	}
	return release
}

// ContainerPrefix is what the image names add to the base names for release
func ContainerPrefix(release string) string {
	if legacyReleases.Has(release) {
		return "centos-binary-"
	}
	return "openstack-"
}

// Version is a row of versions.csv
type Version struct {
	Project    string
	SourceRepo string
	SourceSHA  string
	DistRepo   string
	DistSHA    string
	Status     string
}

// Versions maps a project to its row in versions.csv
type Versions map[string]Version

// ContainersList holds the base names of the containers to promote
type ContainersList struct {
	Containers    []string
	PPCContainers []string
	// PPCEnabled is set when the release publishes ppc64le containers
	PPCEnabled bool
}

// Client fetches the repository files. It fails soft: errors are logged and
// an empty result is returned, callers decide whether that is fatal.
type Client interface {
	GetVersionsCSV(ctx context.Context, hash dlrn.Hash, candidateLabel string) Versions
	GetContainersList(ctx context.Context, tripleoCommonCommit string) ContainersList
}

// Options is the part of the configuration used by the repo client
type Options struct {
	RepoURL                     string
	ContainersListBaseURL       string
	ContainersListPath          string
	ContainersListExcludeConfig string
	Release                     string

	Timeout  time.Duration
	RetryMax int
	Metrics  *httphelper.Metrics
}

// NewClient creates a repo client
func NewClient(logger *logrus.Entry, opts Options) Client {
	return &client{
		logger: logger.WithField("client", "repo_client"),
		opts:   opts,
		client: httphelper.NewClient(logger, httphelper.ClientOptions{Timeout: opts.Timeout, RetryMax: opts.RetryMax, Metrics: opts.Metrics}),
	}
}

type client struct {
	logger *logrus.Entry
	opts   Options
	client *http.Client
}

func (c *client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	return httphelper.Do(c.client, req)
}

func (c *client) GetVersionsCSV(ctx context.Context, hash dlrn.Hash, candidateLabel string) Versions {
	url := fmt.Sprintf("%s/%s/versions.csv", strings.TrimSuffix(c.opts.RepoURL, "/"), hash.RepoPath(candidateLabel))
	c.logger.Debugf("Accessing versions at %s", url)
	raw, err := c.get(ctx, url)
	if err != nil {
		c.logger.WithError(err).Errorf("Error downloading versions.csv file at %s", url)
		return nil
	}
	versions, err := ParseVersions(bytes.NewReader(raw))
	if err != nil {
		c.logger.WithError(err).Errorf("Error parsing versions.csv file at %s", url)
		return nil
	}
	return versions
}

// ParseVersions reads a versions.csv file. Only the Project column is
// required.
func ParseVersions(r io.Reader) (Versions, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}
	columns := map[string]int{}
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	if _, ok := columns["Project"]; !ok {
		return nil, fmt.Errorf("no Project column in header %v", header)
	}
	column := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}
	versions := Versions{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		version := Version{
			Project:    column(record, "Project"),
			SourceRepo: column(record, "Source Repo"),
			SourceSHA:  column(record, "Source Sha"),
			DistRepo:   column(record, "Dist Repo"),
			DistSHA:    column(record, "Dist Sha"),
			Status:     column(record, "Status"),
		}
		if version.Project == "" {
			continue
		}
		if _, seen := versions[version.Project]; !seen {
			versions[version.Project] = version
		}
	}
	return versions, nil
}

// GetCommitSHA returns the source commit of project, empty if the project is
// not in versions
func GetCommitSHA(versions Versions, project string) string {
	return versions[project].SourceSHA
}

type containerImage struct {
	ImageName   string `json:"imagename"`
	ImageSource string `json:"image_source,omitempty"`
}

type containersTemplate struct {
	ContainerImages []containerImage `json:"container_images"`
}

type excludeConfig struct {
	ExcludeContainers    map[string][]string `json:"exclude_containers"`
	ExcludePPCContainers map[string][]string `json:"exclude_ppc_containers"`
}

func (c *client) GetContainersList(ctx context.Context, tripleoCommonCommit string) ContainersList {
	url := strings.Join([]string{strings.TrimSuffix(c.opts.ContainersListBaseURL, "/"), tripleoCommonCommit, strings.TrimPrefix(c.opts.ContainersListPath, "/")}, "/")
	c.logger.Debugf("Attempting Download of containers template at %s", url)
	raw, err := c.get(ctx, url)
	if err != nil {
		c.logger.WithError(err).Errorf("Unable to download containers template at %s", url)
		return ContainersList{}
	}
	var template containersTemplate
	if err := yaml.Unmarshal(raw, &template); err != nil {
		c.logger.WithError(err).Errorf("Unable to parse containers template at %s", url)
		return ContainersList{}
	}
	names := baseNames(template.ContainerImages, c.opts.Release)
	if len(names) == 0 {
		c.logger.Errorf("No containers name found in %s", url)
	}
	return c.applyExcludes(ctx, names)
}

// baseNames extracts the names to promote out of the template entries:
// quay.io/tripleomaster/openstack-nova-api:current-tripleo is nova-api.
func baseNames(images []containerImage, release string) []string {
	prefix := ContainerPrefix(release)
	var names []string
	for _, image := range images {
		if !legacyReleases.Has(release) && image.ImageSource != "tripleo" && image.ImageSource != "kolla" {
			continue
		}
		name := image.ImageName[strings.LastIndex(image.ImageName, "/")+1:]
		name, _, _ = strings.Cut(name, ":")
		index := strings.LastIndex(name, prefix)
		if index < 0 {
			continue
		}
		names = append(names, name[index+len(prefix):])
	}
	return names
}

func (c *client) applyExcludes(ctx context.Context, names []string) ContainersList {
	release := ReleaseMap(c.opts.Release)
	var excludes excludeConfig
	if c.opts.ContainersListExcludeConfig != "" {
		raw, err := c.get(ctx, c.opts.ContainersListExcludeConfig)
		if err != nil {
			c.logger.WithError(err).Warnf("Unable to download containers exclude config at %s, no exclusion", c.opts.ContainersListExcludeConfig)
		} else if err := yaml.Unmarshal(raw, &excludes); err != nil {
			c.logger.WithError(err).Error("Unable to read container exclude config_file")
		}
	}
	exclude, ok := excludes.ExcludeContainers[release]
	if !ok {
		c.logger.Warnf("Unable to find container exclude list for %s", release)
	}
	ppcExclude, ok := excludes.ExcludePPCContainers[release]
	if !ok {
		c.logger.Warnf("Unable to find ppc container exclude list for %s", release)
	}

	list := ContainersList{Containers: c.without(names, exclude, "containers list")}
	if len(ppcExclude) > 0 {
		list.PPCContainers = c.without(names, ppcExclude, "ppc containers list")
		list.PPCEnabled = true
	}
	return list
}

func (c *client) without(names, excluded []string, listName string) []string {
	skip := sets.New(excluded...)
	for _, name := range sets.List(skip.Difference(sets.New(names...))) {
		c.logger.Debugf("%s not in containers list", name)
	}
	var kept []string
	for _, name := range names {
		if skip.Has(name) {
			c.logger.Infof("Excluding %s from the %s", name, listName)
			continue
		}
		kept = append(kept, name)
	}
	return kept
}
