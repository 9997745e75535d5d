package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
)

const maxResolveDepth = 10

var errUnknownSetting = errors.New("unknown setting")

var reference = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// derivedSetting computes a setting that was not set explicitly, looking up
// other settings through get.
type derivedSetting func(get func(string) (string, error)) (string, error)

var derivedSettings = map[string]derivedSetting{
	"distro": func(get func(string) (string, error)) (string, error) {
		name, err := get("distro_name")
		if err != nil {
			return "", err
		}
		version, err := get("distro_version")
		if err != nil {
			return "", err
		}
		return strings.ToLower(name) + version, nil
	},
	"api_url":          apiURL,
	"source_namespace": namespace,
	"target_namespace": namespace,
	"promoter_user": func(func(string) (string, error)) (string, error) {
		return os.Getenv("USER"), nil
	},
}

func namespace(get func(string) (string, error)) (string, error) {
	release, err := get("release")
	if err != nil {
		return "", err
	}
	if release == "ussuri" {
		return "tripleou", nil
	}
	return "tripleo" + release, nil
}

// apiURL builds the DLRN API url out of its parts. The endpoint defaults to
// api-<distro>-<release>, where the master release is served by master-uc.
func apiURL(get func(string) (string, error)) (string, error) {
	values := map[string]string{}
	for _, key := range []string{"dlrn_api_scheme", "dlrn_api_host", "distro", "release"} {
		value, err := get(key)
		if err != nil {
			return "", err
		}
		values[key] = value
	}
	optional := func(key string) (string, error) {
		value, err := get(key)
		if errors.Is(err, errUnknownSetting) {
			return "", nil
		}
		return value, err
	}
	port, err := optional("dlrn_api_port")
	if err != nil {
		return "", err
	}
	endpoint, err := optional("dlrn_api_endpoint")
	if err != nil {
		return "", err
	}
	if endpoint == "" {
		release := values["release"]
		if release == "master" {
			release = "master-uc"
		}
		endpoint = fmt.Sprintf("api-%s-%s", values["distro"], release)
	}
	host := values["dlrn_api_host"]
	if host == "" {
		return "", nil
	}
	if port != "" && port != "443" {
		host = host + ":" + port
	}
	u := url.URL{Scheme: values["dlrn_api_scheme"], Host: host, Path: endpoint}
	return u.String(), nil
}

// resolver expands the {{ key }} references in the settings. References are
// resolved recursively, settings that are not set are derived from the
// others when possible.
type resolver struct {
	settings map[string]string
	resolved map[string]string
}

func newResolver(settings map[string]string) *resolver {
	return &resolver{settings: settings, resolved: map[string]string{}}
}

func (r *resolver) has(key string) bool {
	_, set := r.settings[key]
	_, derived := derivedSettings[key]
	return set || derived
}

func (r *resolver) get(key string) (string, error) {
	return r.lookup(key, 0)
}

// expand resolves the references in a value that is not a setting itself
func (r *resolver) expand(value string) (string, error) {
	return r.expandAt(value, 0)
}

func (r *resolver) lookup(key string, depth int) (string, error) {
	if depth > maxResolveDepth {
		return "", fmt.Errorf("%s: too many nested references, there may be a cycle", key)
	}
	if value, ok := r.resolved[key]; ok {
		return value, nil
	}
	var value string
	var err error
	if raw, ok := r.settings[key]; ok {
		value, err = r.expandAt(raw, depth+1)
		if err != nil {
			return "", fmt.Errorf("%s: %w", key, err)
		}
	} else if derive, ok := derivedSettings[key]; ok {
		value, err = derive(func(dependency string) (string, error) {
			return r.lookup(dependency, depth+1)
		})
		if err != nil {
			return "", err
		}
	} else {
		return "", fmt.Errorf("%w %s", errUnknownSetting, key)
	}
	r.resolved[key] = value
	return value, nil
}

func (r *resolver) expandAt(value string, depth int) (string, error) {
	var errs []string
	expanded := reference.ReplaceAllStringFunc(value, func(match string) string {
		key := reference.FindStringSubmatch(match)[1]
		resolved, err := r.lookup(key, depth)
		if err != nil {
			errs = append(errs, err.Error())
			return match
		}
		return resolved
	})
	if len(errs) > 0 {
		return "", fmt.Errorf("%s", strings.Join(errs, ", "))
	}
	return expanded, nil
}
