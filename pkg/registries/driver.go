package registries

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/rdo-infra/ci-config/pkg/dlrn"
	"github.com/rdo-infra/ci-config/pkg/util"
)

func platform(architecture string) ocispec.Platform {
	return ocispec.Platform{OS: "linux", Architecture: architecture}
}

// NewKeychain authenticates with basic auth on the registries that have a
// username, and falls back to the docker config for the others.
func NewKeychain(registries ...Registry) authn.Keychain {
	basic := map[string]authn.Authenticator{}
	for _, registry := range registries {
		if registry.Username == "" {
			continue
		}
		basic[registry.Host] = &authn.Basic{Username: registry.Username, Password: registry.Password}
	}
	return &keychain{basic: basic, fallback: authn.DefaultKeychain}
}

type keychain struct {
	basic    map[string]authn.Authenticator
	fallback authn.Keychain
}

func (k *keychain) Resolve(resource authn.Resource) (authn.Authenticator, error) {
	if authenticator, ok := k.basic[resource.RegistryStr()]; ok {
		return authenticator, nil
	}
	return k.fallback.Resolve(resource)
}

// registryDriver copies the images with the registry API
type registryDriver struct {
	logger   *logrus.Entry
	keychain authn.Keychain
}

func (d *registryDriver) Retag(ctx context.Context, request Request) error {
	options := []remote.Option{remote.WithContext(ctx), remote.WithAuthFromKeychain(d.keychain)}
	for _, job := range request.Jobs {
		source, err := name.ParseReference(job.Source)
		if err != nil {
			return fmt.Errorf("invalid source image %s: %w", job.Source, err)
		}
		target, err := name.NewTag(job.Target)
		if err != nil {
			return fmt.Errorf("invalid target image %s: %w", job.Target, err)
		}
		descriptor, err := remote.Get(source, options...)
		if err != nil {
			return fmt.Errorf("could not fetch %s: %w", source, err)
		}
		if existing, err := remote.Head(target, options...); err == nil && existing.Digest == descriptor.Digest {
			d.logger.Debugf("%s already points to %s, skipping", target, descriptor.Digest)
			continue
		}

		d.logger.Infof("Tagging %s as %s", source, target)
		switch {
		case source.Context() == target.Context():
			err = remote.Tag(target, descriptor, options...)
		case descriptor.MediaType.IsIndex():
			index, indexErr := descriptor.ImageIndex()
			if indexErr != nil {
				return fmt.Errorf("could not read %s: %w", source, indexErr)
			}
			err = remote.WriteIndex(target, index, options...)
		default:
			image, imageErr := descriptor.Image()
			if imageErr != nil {
				return fmt.Errorf("could not read %s: %w", source, imageErr)
			}
			err = remote.Write(target, image, options...)
		}
		if err != nil {
			return fmt.Errorf("could not tag %s as %s: %w", source, target, err)
		}
	}
	return nil
}

// playbookDriver delegates the promotion to the container push playbook
type playbookDriver struct {
	logger  *logrus.Entry
	opts    Options
	command string
}

func newPlaybookDriver(logger *logrus.Entry, opts Options) *playbookDriver {
	return &playbookDriver{logger: logger, opts: opts, command: "ansible-playbook"}
}

func (d *playbookDriver) env(request Request) []string {
	env := map[string]string{
		"RELEASE":        d.opts.Release,
		"FULL_HASH":      request.Hash.FullHash(),
		"PROMOTE_NAME":   request.TargetLabel,
		"SCRIPT_ROOT":    d.opts.ScriptRoot,
		"DISTRO_NAME":    d.opts.DistroName,
		"DISTRO_VERSION": d.opts.DistroVersion,
	}
	switch h := request.Hash.(type) {
	case dlrn.CommitDistroHash:
		env["COMMIT_HASH"], env["DISTRO_HASH"] = h.CommitHash, h.DistroHash
	case dlrn.AggregateHash:
		env["COMMIT_HASH"], env["DISTRO_HASH"] = h.CommitHash, h.DistroHash
	}
	vars := os.Environ()
	for _, key := range []string{"RELEASE", "COMMIT_HASH", "DISTRO_HASH", "FULL_HASH", "PROMOTE_NAME", "SCRIPT_ROOT", "DISTRO_NAME", "DISTRO_VERSION"} {
		vars = append(vars, key+"="+env[key])
	}
	return vars
}

func (d *playbookDriver) Retag(ctx context.Context, request Request) error {
	cmd := exec.CommandContext(ctx, d.command,
		"-v", d.opts.ContainerPushPlaybook,
		"-e", "manifest_push="+strconv.FormatBool(d.opts.ManifestPush),
		"-e", "target_registries_push="+strconv.FormatBool(d.opts.TargetRegistriesPush),
	)
	cmd.Env = d.env(request)
	output := &bytes.Buffer{}
	cmd.Stdout = output
	cmd.Stderr = output

	d.logger.Debugf("Running command: %s", cmd.String())
	if err := cmd.Run(); err != nil {
		d.logger.WithError(err).WithField("output", util.StripANSI(output.String())).Error("Container push playbook failed")
		return util.AppendLogToError(fmt.Errorf("%s failed: %w", d.opts.ContainerPushPlaybook, err), output.String())
	}
	d.logger.WithField("output", util.StripANSI(output.String())).Debug("Container push playbook succeeded")
	return nil
}
