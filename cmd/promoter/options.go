package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rdo-infra/ci-config/pkg/config"
	"github.com/rdo-infra/ci-config/pkg/dlrn"
	"github.com/rdo-infra/ci-config/pkg/lock"
	"github.com/rdo-infra/ci-config/pkg/metrics"
	"github.com/rdo-infra/ci-config/pkg/promoter"
	"github.com/rdo-infra/ci-config/pkg/qcow"
	"github.com/rdo-infra/ci-config/pkg/registries"
	"github.com/rdo-infra/ci-config/pkg/repo"
	"github.com/rdo-infra/ci-config/pkg/results"
	"github.com/rdo-infra/ci-config/pkg/secrets"
)

// options are shared by all the subcommands
type options struct {
	configFile  string
	logLevel    string
	dryRun      bool
	metricsFile string
}

func (o *options) bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.configFile, "config-file", "", "Path to the promoter configuration file.")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level, overrides log_level from the configuration file.")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Evaluate the promotion criteria without promoting anything.")
	fs.StringVar(&o.metricsFile, "metrics-file", "", "Write the promotion metrics to this file, in the prometheus textfile format.")
}

func (o *options) validate() error {
	if o.configFile == "" {
		return usageError("--config-file must be provided")
	}
	return nil
}

// overrides are the settings given on the command line, they win over the
// configuration file and the environment
func (o *options) overrides() map[string]string {
	overrides := map[string]string{}
	if o.logLevel != "" {
		overrides["log_level"] = o.logLevel
	}
	if o.dryRun {
		overrides["dry_run"] = "true"
	}
	if o.metricsFile != "" {
		overrides["metrics_file"] = o.metricsFile
	}
	return overrides
}

func usageError(format string, args ...interface{}) error {
	return results.ForReason(results.ReasonUsage).Errorf(format, args...)
}

// session holds what a subcommand needs once the configuration is loaded
type session struct {
	log      *logrus.Entry
	config   *config.Config
	recorder *metrics.Recorder
	lock     *lock.Lock
	logFile  io.Closer
}

// start loads the configuration and sets up the logging. When locked is set
// the release lock is taken too, a second promoter for the same release
// fails here.
func (o *options) start(log *logrus.Entry, locked bool) (*session, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(o.configFile, o.overrides())
	if err != nil {
		return nil, err
	}
	s := &session{log: log, config: cfg, recorder: metrics.NewRecorder()}
	if err := s.setupLogging(); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"release": cfg.Release, "distro": cfg.Distro}).Infof("Loaded configuration from %s", cfg.Path)
	if locked {
		l, err := lock.Acquire(cfg.LockFile)
		if err != nil {
			s.close()
			return nil, err
		}
		s.lock = l
	}
	return s, nil
}

func (s *session) setupLogging() error {
	censor := secrets.NewDynamicCensor()
	censor.AddSecrets(s.config.Secrets().UnsortedList()...)
	logger := s.log.Logger
	logger.SetLevel(s.config.LogLevel)
	logger.SetFormatter(censor.Formatter(&logrus.TextFormatter{FullTimestamp: true}))
	if s.config.LogFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.config.LogFile), 0755); err != nil {
		return results.ForReason(results.ReasonConfig).WithError(err).Errorf("could not create the log directory for %s", s.config.LogFile)
	}
	file, err := os.OpenFile(s.config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return results.ForReason(results.ReasonConfig).WithError(err).Errorf("could not open log file %s", s.config.LogFile)
	}
	s.logFile = file
	logger.SetOutput(io.MultiWriter(os.Stderr, file))
	return nil
}

// close writes the metrics out and releases the lock
func (s *session) close() {
	if err := s.recorder.Flush(s.log, s.config.MetricsFile); err != nil {
		s.log.WithError(err).Warnf("Could not write the metrics to %s", s.config.MetricsFile)
	}
	if err := s.lock.Release(); err != nil {
		s.log.WithError(err).Warn("Could not release the lock")
	}
	if s.logFile != nil {
		s.log.Logger.SetOutput(os.Stderr)
		s.logFile.Close()
	}
}

func (s *session) newDlrnClient() dlrn.Client {
	return dlrn.NewClient(s.log, s.config.DlrnOptions(s.recorder.HTTP))
}

// newPromoter wires every client the configuration allows to build. The
// qcow client needs a [qcow_server] section.
func (s *session) newPromoter() (*promoter.Promoter, error) {
	cfg := s.config
	dlrnClient := s.newDlrnClient()
	repoClient := repo.NewClient(s.log, cfg.RepoOptions(s.recorder.HTTP))
	registriesClient, err := registries.NewClient(s.log, cfg.RegistriesOptions(), repoClient)
	if err != nil {
		return nil, err
	}
	clients := map[promoter.ClientName]promoter.Client{
		promoter.RegistriesClient: registriesClient,
	}
	if cfg.QcowServer != nil {
		clients[promoter.QcowClient] = qcow.NewClient(s.log, cfg.QcowOptions())
	}
	return promoter.NewPromoter(s.log, cfg.PromoterOptions(), dlrnClient, clients, s.recorder), nil
}

// hashOptions identify a hash on the command line
type hashOptions struct {
	commitHash    string
	distroHash    string
	extendedHash  string
	aggregateHash string
}

func (o *hashOptions) bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.commitHash, "commit-hash", "", "Commit hash of the hash.")
	fs.StringVar(&o.distroHash, "distro-hash", "", "Distro hash of the hash.")
	fs.StringVar(&o.extendedHash, "extended-hash", "", "Extended hash of the hash, if any.")
	fs.StringVar(&o.aggregateHash, "aggregate-hash", "", "Aggregate hash, for component based releases.")
}

func (o *hashOptions) hash() (dlrn.Hash, error) {
	hash, err := dlrn.HashFrom(map[string]string{
		"commit_hash":    o.commitHash,
		"distro_hash":    o.distroHash,
		"extended_hash":  o.extendedHash,
		"aggregate_hash": o.aggregateHash,
	})
	if err != nil {
		return nil, results.ForReason(results.ReasonUsage).WithError(err).Errorf("invalid hash on the command line")
	}
	return hash, nil
}

func parseAllowedClients(raw string) ([]promoter.ClientName, error) {
	if raw == "" {
		return nil, nil
	}
	var names []promoter.ClientName
	for _, item := range strings.Split(raw, ",") {
		name := promoter.ClientName(strings.TrimSpace(item))
		if name == "" {
			continue
		}
		if !promoter.KnownClient(name) {
			return nil, usageError("--allowed-clients: unknown client %q, valid clients are %s", name, strings.Join(promoter.ClientNames(), ", "))
		}
		names = append(names, name)
	}
	return names, nil
}

func newCommand(ctx context.Context, log *logrus.Entry) *cobra.Command {
	opts := options{}
	cmd := cobra.Command{
		Use:           "promoter",
		Short:         "Promote DLRN hashes and their artifacts once they pass CI",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		c.PrintErrln(c.UsageString())
		return results.ForReason(results.ReasonUsage).WithError(err).Errorf("invalid arguments")
	})
	opts.bind(cmd.PersistentFlags())
	cmd.AddCommand(newPromoteAllCmd(ctx, log, &opts))
	cmd.AddCommand(newForcePromoteCmd(ctx, log, &opts))
	cmd.AddCommand(newVoteCmd(ctx, log, &opts))
	return &cmd
}

// exactArgs is cobra.ExactArgs with usage errors
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return results.ForReason(results.ReasonUsage).WithError(err).Errorf("invalid arguments")
		}
		return nil
	}
}
