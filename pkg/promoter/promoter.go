// Package promoter decides which hashes move from a candidate label to a
// target label, and drives the promotion of their artifacts.
package promoter

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/rdo-infra/ci-config/pkg/dlrn"
	"github.com/rdo-infra/ci-config/pkg/metrics"
	"github.com/rdo-infra/ci-config/pkg/results"
)

// Promoter promotes hashes on the DLRN server and the artifact backends
type Promoter struct {
	logger  *logrus.Entry
	opts    Options
	dlrn    dlrn.Client
	clients map[ClientName]Client
	metrics *metrics.Recorder
}

// NewPromoter creates a promoter. The DLRN client is also the dlrn_client
// backend unless clients overrides it.
func NewPromoter(logger *logrus.Entry, opts Options, dlrnClient dlrn.Client, clients map[ClientName]Client, recorder *metrics.Recorder) *Promoter {
	registry := map[ClientName]Client{DlrnClient: dlrnClient}
	for name, client := range clients {
		registry[name] = client
	}
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}
	return &Promoter{
		logger:  logger.WithField("component", "promoter"),
		opts:    opts,
		dlrn:    dlrnClient,
		clients: registry,
		metrics: recorder,
	}
}

func (p *Promoter) criteria(target string) (Promotion, bool) {
	for _, promotion := range p.opts.Promotions {
		if promotion.Target == target {
			return promotion, true
		}
	}
	return Promotion{}, false
}

// ordered filters allowed down to the known clients, DLRN last
func ordered(allowed []ClientName) []ClientName {
	wanted := sets.New(allowed...)
	var names []ClientName
	for _, name := range clientOrder {
		if wanted.Has(name) {
			names = append(names, name)
		}
	}
	return names
}

// SelectCandidates returns the newest hashes under candidateLabel that are
// younger than the hash currently under targetLabel, newest first.
func (p *Promoter) SelectCandidates(ctx context.Context, candidateLabel, targetLabel string) ([]dlrn.Hash, error) {
	candidates, err := p.dlrn.FetchPromotions(ctx, candidateLabel, p.opts.LatestHashesCount)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		p.logger.Warnf("Candidate label '%s': No hashes fetched", candidateLabel)
		return nil, nil
	}
	p.logger.Infof("Candidate label '%s': Fetched %d hashes", candidateLabel, len(candidates))

	promoted, err := p.dlrn.FetchPromotions(ctx, targetLabel, 0)
	if err != nil {
		return nil, err
	}
	if len(promoted) == 0 {
		p.logger.Warnf("Target label '%s': No hashes fetched. This could mean that the target label is new or it's the wrong label", targetLabel)
	} else {
		p.logger.Infof("Target label '%s': Fetched %d hashes", targetLabel, len(promoted))
	}
	seen := sets.New[string]()
	for _, hash := range promoted {
		seen.Insert(hash.FullHash())
	}

	for i, hash := range candidates {
		if seen.Has(hash.FullHash()) {
			p.logger.Infof("Target label '%s': current hash is %s", targetLabel, hash)
			candidates = candidates[:i]
			break
		}
	}
	if len(candidates) == 0 {
		p.logger.Info("Candidate hashes: none found younger than target label current")
		return nil, nil
	}
	p.logger.Infof("Candidate hashes younger than target label current: %v", candidates)
	return candidates, nil
}

// Promote moves hash to targetLabel on every allowed client, DLRN last.
// The named hashes are checked before each client. In dry run mode nothing
// is promoted and no pair is returned.
func (p *Promoter) Promote(ctx context.Context, hash dlrn.Hash, candidateLabel, targetLabel string, allowedClients []ClientName) (*Pair, error) {
	logger := p.logger.WithFields(logrus.Fields{"candidate_hash": hash.FullHash(), "target_label": targetLabel})
	if p.opts.DryRun {
		logger.Infof("Dry run: would promote candidate hash '%s' from %s to %s", hash, candidateLabel, targetLabel)
		return nil, nil
	}
	if allowedClients == nil {
		allowedClients = p.opts.AllowedClients
	}
	names := ordered(allowedClients)
	var printable []string
	for _, name := range names {
		printable = append(printable, string(name))
	}
	logger.Debugf("Candidate hash '%s': clients allowed to promote: %s", hash, strings.Join(printable, ", "))

	logger.Infof("Candidate hash '%s': attempting promotion", hash)
	for _, name := range names {
		client, ok := p.clients[name]
		if !ok || client == nil {
			return nil, results.ForReason(results.ReasonConfig).Errorf("client %s is allowed but not configured", name)
		}
		if err := p.dlrn.CheckNamedHashesUnchanged(ctx); err != nil {
			return nil, err
		}
		if err := client.Promote(ctx, hash, targetLabel, candidateLabel); err != nil {
			logger.WithError(err).Errorf("Candidate hash '%s': client %s FAILED promotion attempt to %s", hash, name, targetLabel)
			return nil, fmt.Errorf("client %s failed to promote %s to %s: %w", name, hash.FullHash(), targetLabel, err)
		}
		logger.Debugf("Candidate hash '%s': client %s SUCCESSFUL promotion", hash, name)
	}
	p.dlrn.UpdateCurrentNamedHashes(hash, targetLabel)
	logger.Infof("Candidate hash '%s': SUCCESSFUL promotion to %s", hash, targetLabel)
	return &Pair{Hash: hash, Target: targetLabel}, nil
}

// PromoteLabelToLabel promotes the newest candidate under candidateLabel
// meeting the criteria of targetLabel. It returns nil when nothing was
// promoted.
func (p *Promoter) PromoteLabelToLabel(ctx context.Context, candidateLabel, targetLabel string) (*Pair, error) {
	pair, _, err := p.promoteLabelToLabel(ctx, candidateLabel, targetLabel)
	return pair, err
}

func (p *Promoter) promoteLabelToLabel(ctx context.Context, candidateLabel, targetLabel string) (*Pair, metrics.Result, error) {
	promotion, ok := p.criteria(targetLabel)
	if !ok {
		return nil, metrics.ResultError, results.ForReason(results.ReasonConfig).Errorf("no criteria configured for target %s", targetLabel)
	}
	candidates, err := p.SelectCandidates(ctx, candidateLabel, targetLabel)
	if err != nil {
		return nil, metrics.ResultError, err
	}
	if len(candidates) == 0 {
		p.logger.Warnf("Candidate label '%s': No candidate hashes", candidateLabel)
		return nil, metrics.ResultNone, nil
	}
	p.logger.Infof("Candidate label '%s': %d candidates", candidateLabel, len(candidates))
	p.logger.Infof("Candidate label '%s': Checking candidates that meet promotion criteria for target label '%s'", candidateLabel, targetLabel)

	for _, hash := range candidates {
		p.metrics.Attempt(targetLabel, candidateLabel)
		p.logger.Infof("Candidate hash '%s' vote details page: %s", hash, p.dlrn.CivotesURL(hash))
		p.logger.Debugf("Candidate hash '%s': required jobs %v", hash, sets.List(promotion.Criteria))
		successful, err := p.dlrn.FetchJobs(ctx, hash)
		if err != nil {
			return nil, metrics.ResultError, err
		}
		if successful.Len() > 0 {
			p.logger.Infof("Candidate hash '%s': successful jobs %v", hash, sets.List(successful))
		} else {
			p.logger.Warnf("Candidate hash '%s': NO successful jobs", hash)
		}

		if missing := promotion.Criteria.Difference(successful); missing.Len() > 0 {
			p.logger.Warnf("Candidate hash '%s': missing successful jobs: %v", hash, sets.List(missing))
			p.logger.Warnf("Candidate hash '%s': criteria NOT met for promotion to %s", hash, targetLabel)
			continue
		}

		p.logger.Infof("Candidate hash '%s': criteria met, attempting promotion to %s", hash, targetLabel)
		pair, err := p.Promote(ctx, hash, candidateLabel, targetLabel, nil)
		if err != nil {
			return nil, metrics.ResultError, err
		}
		if pair == nil {
			return nil, metrics.ResultDryRun, nil
		}
		return pair, metrics.ResultPromoted, nil
	}
	return nil, metrics.ResultNone, nil
}

// PromoteAllLinks tries every configured promotion, in configuration order.
// A promotion or a hash change failing one target does not stop the round;
// other errors are returned together with the pairs promoted.
func (p *Promoter) PromoteAllLinks(ctx context.Context) ([]Pair, error) {
	if _, err := p.dlrn.FetchCurrentNamedHashes(ctx, true); err != nil {
		return nil, err
	}

	var pairs []Pair
	var errs []error
	p.logger.Info("Starting promotion attempts for all labels")
	for _, promotion := range p.opts.Promotions {
		p.logger.Infof("Candidate label '%s': Attempting promotion to '%s'", promotion.Candidate, promotion.Target)
		pair, result, err := p.promoteLabelToLabel(ctx, promotion.Candidate, promotion.Target)
		p.metrics.Record(promotion.Target, result)
		switch {
		case err == nil:
		case results.Is(err, results.ReasonPromotion), results.Is(err, results.ReasonHashChanged):
			p.logger.WithError(err).Errorf("Error while trying to promote %s to %s", promotion.Candidate, promotion.Target)
		default:
			p.logger.WithError(err).Errorf("Unexpected error while trying to promote %s to %s", promotion.Candidate, promotion.Target)
			errs = append(errs, fmt.Errorf("%s to %s: %w", promotion.Candidate, promotion.Target, err))
		}
		if ctx.Err() != nil {
			p.logger.Warn("Interrupted, skipping the remaining promotions")
			break
		}
		if pair == nil {
			p.logger.Warnf("Candidate label '%s': NO candidate hash promoted to %s", promotion.Candidate, promotion.Target)
			continue
		}
		pairs = append(pairs, *pair)
	}
	p.logger.Infof("Summary: Promoted %d hashes this round", len(pairs))
	return pairs, utilerrors.NewAggregate(errs)
}

// ForcePromote promotes hash without looking at its CI results
func (p *Promoter) ForcePromote(ctx context.Context, hash dlrn.Hash, candidateLabel, targetLabel string, allowedClients []ClientName) (*Pair, error) {
	if _, err := p.dlrn.FetchCurrentNamedHashes(ctx, true); err != nil {
		return nil, err
	}
	p.logger.Warnf("Forcing the promotion of %s from %s to %s", hash, candidateLabel, targetLabel)
	return p.Promote(ctx, hash, candidateLabel, targetLabel, allowedClients)
}
