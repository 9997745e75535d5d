// Package config loads the promoter configuration. Settings are merged from
// defaults, the environment, the [main] section of an INI file and command
// line overrides, in increasing order of priority.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/rdo-infra/ci-config/pkg/promoter"
	"github.com/rdo-infra/ci-config/pkg/registries"
	"github.com/rdo-infra/ci-config/pkg/results"
)

const (
	mainSection             = "main"
	promoteFromSection      = "promote_from"
	sourceRegistrySection   = "source_registry"
	targetRegistriesSection = "target_registries"
	qcowServerSection       = "qcow_server"

	// PasswordEnv holds the password of the DLRN API user
	PasswordEnv = "DLRNAPI_PASSWORD"
	// EnvPrefix is prepended to the upper-cased name of a setting to
	// override it from the environment
	EnvPrefix = "PROMOTER_"
)

// QcowServer is the SFTP host serving the overcloud images
type QcowServer struct {
	Host    string
	Port    int
	User    string
	KeyPath string
	Root    string
	Images  []string
	// Local serves the images from this host, without SFTP
	Local bool
}

// Config is the fully resolved promoter configuration. It is not modified
// after Load returns.
type Config struct {
	Path string

	DistroName    string
	DistroVersion string
	Distro        string
	Release       string

	APIURL   string
	RepoURL  string
	Username string
	Password string

	DryRun            bool
	CreatePrevious    bool
	LatestHashesCount int
	AllowedClients    []promoter.ClientName
	Promotions        []promoter.Promotion

	ManifestPush          bool
	TargetRegistriesPush  bool
	PPCEnabled            bool
	PublishedTags         []string
	RetagDriver           string
	ContainerPushPlaybook string
	ScriptRoot            string
	SourceNamespace       string
	TargetNamespace       string
	SourceRegistry        registries.Registry
	TargetRegistries      []registries.Registry

	ContainersListBaseURL       string
	ContainersListPath          string
	ContainersListExcludeConfig string

	QcowServer *QcowServer

	LogFile      string
	LogLevel     logrus.Level
	LockFile     string
	MetricsFile  string
	HTTPTimeout  time.Duration
	SFTPTimeout  time.Duration
	PromoterUser string
}

var defaults = map[string]string{
	"release":                        "master",
	"distro_name":                    "centos",
	"distro_version":                 "7",
	"username":                       "ciuser",
	"dry_run":                        "false",
	"create_previous":                "true",
	"manifest_push":                  "false",
	"target_registries_push":         "true",
	"ppc_enabled":                    "false",
	"published_tags":                 "full_hash,full_hash_x86_64,full_hash_ppc64le",
	"retag_driver":                   "registry",
	"latest_hashes_count":            "10",
	"allowed_clients":                "registries_client,qcow_client,dlrn_client",
	"log_level":                      "INFO",
	"log_file":                       "~/promoter_logs/{{ distro }}_{{ release }}.log",
	"dlrn_api_scheme":                "https",
	"dlrn_api_host":                  "trunk.rdoproject.org",
	"repo_url":                       "https://{{ dlrn_api_host }}/{{ distro }}-{{ release }}",
	"containers_list_base_url":       "https://opendev.org/openstack/tripleo-common/raw/commit/",
	"containers_list_path":           "container-images/tripleo_containers.yaml",
	"containers_list_exclude_config": "https://opendev.org/openstack/tripleo-ci/raw/branch/master/roles/promote-images/defaults/main.yaml",
	"lock_file":                      "/tmp/promoter-{{ distro }}-{{ release }}.lock",
	"http_timeout":                   "30s",
	"sftp_timeout":                   "30s",
}

// settingNames lists the settings that can be overridden from the
// environment
var settingNames = []string{
	"release", "distro_name", "distro_version", "api_url", "repo_url", "username",
	"dry_run", "create_previous", "latest_hashes_count", "allowed_clients", "manifest_push",
	"target_registries_push", "ppc_enabled", "published_tags", "retag_driver",
	"container_push_playbook", "script_root", "source_namespace", "target_namespace",
	"containers_list_base_url", "containers_list_path", "containers_list_exclude_config",
	"log_file", "log_level", "lock_file", "metrics_file", "http_timeout", "sftp_timeout",
	"dlrn_api_scheme", "dlrn_api_host", "dlrn_api_port", "dlrn_api_endpoint", "promoter_user",
}

// Load reads the configuration at path and applies the overrides on top of
// it. All the problems found are reported at once, as a config error.
func Load(path string, overrides map[string]string) (*Config, error) {
	file, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true, IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, results.ForReason(results.ReasonConfig).WithError(err).Errorf("could not load configuration file %s", path)
	}
	config, errs := load(file, overrides)
	if len(errs) > 0 {
		return nil, results.ForReason(results.ReasonConfig).WithError(utilerrors.NewAggregate(errs)).Errorf("invalid configuration file %s", path)
	}
	config.Path = path
	return config, nil
}

func load(file *ini.File, overrides map[string]string) (*Config, []error) {
	settings := map[string]string{}
	for key, value := range defaults {
		settings[key] = value
	}
	for _, name := range settingNames {
		if value, ok := os.LookupEnv(EnvPrefix + strings.ToUpper(name)); ok {
			settings[name] = value
		}
	}
	if file.HasSection(mainSection) {
		for _, key := range file.Section(mainSection).Keys() {
			settings[key.Name()] = key.Value()
		}
	}
	for key, value := range overrides {
		settings[key] = value
	}

	r := newResolver(settings)
	var errs []error
	failed := sets.New[string]()
	get := func(key string) string {
		value, err := r.get(key)
		if err != nil && !failed.Has(key) {
			failed.Insert(key)
			errs = append(errs, err)
		}
		return value
	}
	optional := func(key string) string {
		if !r.has(key) {
			return ""
		}
		return get(key)
	}
	parseBool := func(key string) bool {
		raw := get(key)
		value, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, raw))
		}
		return value
	}
	parseDuration := func(key string) time.Duration {
		raw := get(key)
		value, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		}
		return value
	}

	c := &Config{
		DistroName:                  strings.ToLower(get("distro_name")),
		DistroVersion:               get("distro_version"),
		Distro:                      get("distro"),
		Release:                     get("release"),
		APIURL:                      get("api_url"),
		RepoURL:                     get("repo_url"),
		Username:                    get("username"),
		Password:                    os.Getenv(PasswordEnv),
		DryRun:                      parseBool("dry_run"),
		CreatePrevious:              parseBool("create_previous"),
		ManifestPush:                parseBool("manifest_push"),
		TargetRegistriesPush:        parseBool("target_registries_push"),
		PPCEnabled:                  parseBool("ppc_enabled"),
		PublishedTags:               splitList(get("published_tags")),
		RetagDriver:                 get("retag_driver"),
		ContainerPushPlaybook:       expandUser(optional("container_push_playbook")),
		ScriptRoot:                  expandUser(optional("script_root")),
		SourceNamespace:             get("source_namespace"),
		TargetNamespace:             get("target_namespace"),
		ContainersListBaseURL:       get("containers_list_base_url"),
		ContainersListPath:          get("containers_list_path"),
		ContainersListExcludeConfig: optional("containers_list_exclude_config"),
		LogFile:                     expandUser(optional("log_file")),
		LockFile:                    expandUser(get("lock_file")),
		MetricsFile:                 expandUser(optional("metrics_file")),
		HTTPTimeout:                 parseDuration("http_timeout"),
		SFTPTimeout:                 parseDuration("sftp_timeout"),
		PromoterUser:                get("promoter_user"),
	}

	for _, key := range []string{"release", "distro_name", "distro_version", "api_url", "repo_url"} {
		if value, err := r.get(key); err == nil && value == "" {
			errs = append(errs, fmt.Errorf("%s: mandatory setting is empty", key))
		}
	}
	if c.Password == "" {
		errs = append(errs, fmt.Errorf("the DLRN API password must be provided through the %s environment variable", PasswordEnv))
	}

	rawCount := get("latest_hashes_count")
	count, err := strconv.Atoi(rawCount)
	if err != nil || count <= 0 {
		errs = append(errs, fmt.Errorf("latest_hashes_count: invalid positive integer %q", rawCount))
	}
	c.LatestHashesCount = count

	rawLevel := get("log_level")
	level, err := logrus.ParseLevel(rawLevel)
	if err != nil {
		errs = append(errs, fmt.Errorf("log_level: invalid level %q", rawLevel))
	}
	c.LogLevel = level

	allowed := sets.New[string]()
	for _, name := range splitList(get("allowed_clients")) {
		client := promoter.ClientName(name)
		if !promoter.KnownClient(client) {
			errs = append(errs, fmt.Errorf("allowed_clients: unknown client %q, valid clients are %s", name, strings.Join(promoter.ClientNames(), ", ")))
			continue
		}
		if !allowed.Has(name) {
			c.AllowedClients = append(c.AllowedClients, client)
		}
		allowed.Insert(name)
	}

	for _, tag := range c.PublishedTags {
		if !sets.New(registries.TagFullHash, registries.TagFullHashX86, registries.TagFullHashPPC64LE).Has(tag) {
			errs = append(errs, fmt.Errorf("published_tags: unknown tag kind %q", tag))
		}
	}
	switch c.RetagDriver {
	case registries.DriverRegistry:
	case registries.DriverPlaybook:
		if c.ContainerPushPlaybook == "" {
			errs = append(errs, fmt.Errorf("container_push_playbook: must be set when the retag driver is playbook"))
		}
	default:
		errs = append(errs, fmt.Errorf("retag_driver: unknown driver %q, must be registry or playbook", c.RetagDriver))
	}

	c.Promotions, errs = appendPromotions(file, errs)

	loaded, registriesErrs := loadRegistries(file, r)
	errs = append(errs, registriesErrs...)
	c.SourceRegistry, c.TargetRegistries = loaded.source, loaded.targets
	if allowed.Has(string(promoter.RegistriesClient)) && c.TargetRegistriesPush && len(c.TargetRegistries) == 0 {
		errs = append(errs, fmt.Errorf("target_registries_push is set but no [%s.<name>] section is configured", targetRegistriesSection))
	}

	qcowServer, qcowErrs := loadQcowServer(file, r)
	errs = append(errs, qcowErrs...)
	c.QcowServer = qcowServer
	if allowed.Has(string(promoter.QcowClient)) && c.QcowServer == nil {
		errs = append(errs, fmt.Errorf("the qcow client is allowed but no [%s] section is configured", qcowServerSection))
	}

	return c, errs
}

// appendPromotions reads the targets from [promote_from], in file order, and
// the criteria of each target from the section named after it.
func appendPromotions(file *ini.File, errs []error) ([]promoter.Promotion, []error) {
	if !file.HasSection(promoteFromSection) || len(file.Section(promoteFromSection).Keys()) == 0 {
		return nil, append(errs, fmt.Errorf("[%s]: no promotions configured", promoteFromSection))
	}
	var promotions []promoter.Promotion
	for _, key := range file.Section(promoteFromSection).Keys() {
		target, candidate := key.Name(), strings.TrimSpace(key.Value())
		if candidate == "" || candidate == "true" {
			errs = append(errs, fmt.Errorf("[%s]: target %s has no candidate label", promoteFromSection, target))
			continue
		}
		if !file.HasSection(target) {
			errs = append(errs, fmt.Errorf("[%s]: no criteria section for target %s", target, target))
			continue
		}
		criteria := sets.New[string]()
		for _, job := range file.Section(target).Keys() {
			criteria.Insert(job.Name())
		}
		if criteria.Len() == 0 {
			errs = append(errs, fmt.Errorf("[%s]: empty criteria for target %s", target, target))
			continue
		}
		promotions = append(promotions, promoter.Promotion{Target: target, Candidate: candidate, Criteria: criteria})
	}
	return promotions, errs
}

type registryConfig struct {
	source  registries.Registry
	targets []registries.Registry
}

func loadRegistries(file *ini.File, r *resolver) (registryConfig, []error) {
	var errs []error
	load := func(section *ini.Section, name, defaultHost, defaultNamespace string) registries.Registry {
		registry := registries.Registry{Name: name, Host: defaultHost, Namespace: defaultNamespace}
		if section == nil {
			return registry
		}
		value := func(key string) string {
			resolved, err := r.expand(section.Key(key).Value())
			if err != nil {
				errs = append(errs, fmt.Errorf("[%s] %s: %w", section.Name(), key, err))
			}
			return resolved
		}
		if section.HasKey("host") {
			registry.Host = value("host")
		}
		if section.HasKey("namespace") {
			registry.Namespace = value("namespace")
		}
		registry.Username = value("username")
		if env := value("password_env"); env != "" {
			registry.Password = os.Getenv(env)
		}
		if registry.Host == "" {
			errs = append(errs, fmt.Errorf("[%s]: host must be set", section.Name()))
		}
		return registry
	}

	sourceNamespace, _ := r.get("source_namespace")
	targetNamespace, _ := r.get("target_namespace")
	var source *ini.Section
	if file.HasSection(sourceRegistrySection) {
		source = file.Section(sourceRegistrySection)
	}
	result := registryConfig{source: load(source, "source", "quay.io", sourceNamespace)}
	for _, section := range file.Sections() {
		name, ok := strings.CutPrefix(section.Name(), targetRegistriesSection+".")
		if !ok || name == "" {
			continue
		}
		result.targets = append(result.targets, load(section, name, "", targetNamespace))
	}
	return result, errs
}

func loadQcowServer(file *ini.File, r *resolver) (*QcowServer, []error) {
	if !file.HasSection(qcowServerSection) {
		return nil, nil
	}
	var errs []error
	section := file.Section(qcowServerSection)
	value := func(key, fallback string) string {
		if !section.HasKey(key) {
			return fallback
		}
		resolved, err := r.expand(section.Key(key).Value())
		if err != nil {
			errs = append(errs, fmt.Errorf("[%s] %s: %w", qcowServerSection, key, err))
		}
		return resolved
	}
	server := &QcowServer{
		Host:    value("host", ""),
		User:    value("user", ""),
		KeyPath: expandUser(value("key_path", "~/.ssh/id_rsa")),
		Root:    value("root", ""),
		Images:  splitList(value("images", "ironic-python-agent.tar,overcloud-full.tar")),
	}
	rawPort := value("port", "22")
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 {
		errs = append(errs, fmt.Errorf("[%s] port: invalid port %q", qcowServerSection, rawPort))
	}
	server.Port = port
	rawLocal := value("local", "false")
	local, err := strconv.ParseBool(rawLocal)
	if err != nil {
		errs = append(errs, fmt.Errorf("[%s] local: invalid boolean %q", qcowServerSection, rawLocal))
	}
	server.Local = local
	mandatory := map[string]string{"root": server.Root}
	if !server.Local {
		mandatory["host"], mandatory["user"] = server.Host, server.User
	}
	for key, value := range mandatory {
		if value == "" {
			errs = append(errs, fmt.Errorf("[%s] %s: mandatory setting is empty", qcowServerSection, key))
		}
	}
	return server, errs
}

// Secrets lists the credentials that must never be logged
func (c *Config) Secrets() sets.Set[string] {
	secrets := sets.New[string]()
	for _, registry := range append([]registries.Registry{c.SourceRegistry}, c.TargetRegistries...) {
		if registry.Password != "" {
			secrets.Insert(registry.Password)
		}
	}
	if c.Password != "" {
		secrets.Insert(c.Password)
	}
	return secrets
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func expandUser(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
