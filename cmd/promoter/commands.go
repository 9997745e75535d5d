package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rdo-infra/ci-config/pkg/promoter"
)

func newPromoteAllCmd(ctx context.Context, log *logrus.Entry, opts *options) *cobra.Command {
	cmd := cobra.Command{
		Use:   "promote-all",
		Short: "Promote every configured target to its newest candidate meeting the criteria",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.start(log, true)
			if err != nil {
				return err
			}
			defer s.close()
			p, err := s.newPromoter()
			if err != nil {
				return err
			}
			pairs, err := p.PromoteAllLinks(ctx)
			for _, pair := range pairs {
				s.log.Infof("Promoted %s to %s", pair.Hash, pair.Target)
			}
			if err != nil {
				return fmt.Errorf("promote-all: %w", err)
			}
			return nil
		},
	}
	return &cmd
}

type forcePromoteOptions struct {
	*options
	hashOptions
	allowedClients string
}

func newForcePromoteCmd(ctx context.Context, log *logrus.Entry, parent *options) *cobra.Command {
	opts := forcePromoteOptions{options: parent}
	cmd := cobra.Command{
		Use:   "force-promote CANDIDATE_LABEL TARGET_LABEL",
		Short: "Promote a hash without looking at its CI results",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := opts.hash()
			if err != nil {
				return err
			}
			allowed, err := parseAllowedClients(opts.allowedClients)
			if err != nil {
				return err
			}
			s, err := opts.start(log, true)
			if err != nil {
				return err
			}
			defer s.close()
			p, err := s.newPromoter()
			if err != nil {
				return err
			}
			pair, err := p.ForcePromote(ctx, hash, args[0], args[1], allowed)
			if err != nil {
				return fmt.Errorf("force-promote: %w", err)
			}
			if pair != nil {
				s.log.Infof("Promoted %s to %s", pair.Hash, pair.Target)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	opts.hashOptions.bind(flags)
	flags.StringVar(&opts.allowedClients, "allowed-clients", "", fmt.Sprintf("Comma separated clients to promote with, among %v. Defaults to allowed_clients from the configuration file.", promoter.ClientNames()))
	return &cmd
}

type voteOptions struct {
	*options
	hashOptions
	jobID   string
	jobURL  string
	success bool
}

func (o *voteOptions) validate() error {
	if o.jobID == "" {
		return usageError("--job-id must be provided")
	}
	if o.jobURL == "" {
		return usageError("--job-url must be provided")
	}
	return nil
}

func newVoteCmd(ctx context.Context, log *logrus.Entry, parent *options) *cobra.Command {
	opts := voteOptions{options: parent}
	cmd := cobra.Command{
		Use:   "vote",
		Short: "Report a CI job result for a hash to DLRN",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			hash, err := opts.hash()
			if err != nil {
				return err
			}
			s, err := opts.start(log, false)
			if err != nil {
				return err
			}
			defer s.close()
			client := s.newDlrnClient()
			result, err := client.Vote(ctx, hash, opts.jobID, opts.jobURL, opts.success)
			if err != nil {
				return fmt.Errorf("vote: %w", err)
			}
			s.log.Infof("Recorded vote of job %s on %s: success %t", result.JobID, hash.FullHash(), result.Success)
			return nil
		},
	}
	flags := cmd.Flags()
	opts.hashOptions.bind(flags)
	flags.StringVar(&opts.jobID, "job-id", "", "Name of the job voting.")
	flags.StringVar(&opts.jobURL, "job-url", "", "URL of the logs of the job run.")
	flags.BoolVar(&opts.success, "success", false, "Whether the job succeeded.")
	return &cmd
}
