package config

import (
	"github.com/rdo-infra/ci-config/pkg/dlrn"
	"github.com/rdo-infra/ci-config/pkg/httphelper"
	"github.com/rdo-infra/ci-config/pkg/promoter"
	"github.com/rdo-infra/ci-config/pkg/qcow"
	"github.com/rdo-infra/ci-config/pkg/registries"
	"github.com/rdo-infra/ci-config/pkg/repo"
)

// NamedLabels are the target labels, guarded against concurrent promotions
func (c *Config) NamedLabels() []string {
	var labels []string
	for _, promotion := range c.Promotions {
		labels = append(labels, promotion.Target)
	}
	return labels
}

func (c *Config) DlrnOptions(metrics *httphelper.Metrics) dlrn.Options {
	return dlrn.Options{
		APIURL:         c.APIURL,
		RepoURL:        c.RepoURL,
		Username:       c.Username,
		Password:       c.Password,
		NamedLabels:    c.NamedLabels(),
		CreatePrevious: c.CreatePrevious,
		Timeout:        c.HTTPTimeout,
		RetryMax:       httphelper.DefaultRetryMax,
		Metrics:        metrics,
	}
}

func (c *Config) RepoOptions(metrics *httphelper.Metrics) repo.Options {
	return repo.Options{
		RepoURL:                     c.RepoURL,
		ContainersListBaseURL:       c.ContainersListBaseURL,
		ContainersListPath:          c.ContainersListPath,
		ContainersListExcludeConfig: c.ContainersListExcludeConfig,
		Release:                     c.Release,
		Timeout:                     c.HTTPTimeout,
		RetryMax:                    httphelper.DefaultRetryMax,
		Metrics:                     metrics,
	}
}

func (c *Config) RegistriesOptions() registries.Options {
	return registries.Options{
		Release:               c.Release,
		DistroName:            c.DistroName,
		DistroVersion:         c.DistroVersion,
		SourceRegistry:        c.SourceRegistry,
		TargetRegistries:      c.TargetRegistries,
		ManifestPush:          c.ManifestPush,
		TargetRegistriesPush:  c.TargetRegistriesPush,
		PPCEnabled:            c.PPCEnabled,
		PublishedTags:         c.PublishedTags,
		Driver:                c.RetagDriver,
		ContainerPushPlaybook: c.ContainerPushPlaybook,
		ScriptRoot:            c.ScriptRoot,
	}
}

// QcowOptions is empty when no [qcow_server] section is configured
func (c *Config) QcowOptions() qcow.Options {
	opts := qcow.Options{
		Distro:         c.Distro,
		Release:        c.Release,
		CreatePrevious: c.CreatePrevious,
		Timeout:        c.SFTPTimeout,
	}
	if server := c.QcowServer; server != nil {
		opts.Host, opts.Port, opts.User = server.Host, server.Port, server.User
		opts.KeyPath, opts.Root, opts.Images = server.KeyPath, server.Root, server.Images
		opts.Local = server.Local
	}
	return opts
}

func (c *Config) PromoterOptions() promoter.Options {
	return promoter.Options{
		DryRun:            c.DryRun,
		LatestHashesCount: c.LatestHashesCount,
		AllowedClients:    c.AllowedClients,
		Promotions:        c.Promotions,
	}
}
