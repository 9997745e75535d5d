package dlrn

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
	"sigs.k8s.io/yaml"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/rdo-infra/ci-config/pkg/httphelper"
	"github.com/rdo-infra/ci-config/pkg/results"
)

const previousPrefix = "previous-"

// Client talks to a DLRN server: it lists promotions and CI results and
// moves labels. It also keeps the snapshot of the named hashes used to
// detect concurrent promotions.
type Client interface {
	// FetchPromotions lists the hashes promoted to label, newest first and
	// without duplicates. A count <= 0 means no limit.
	FetchPromotions(ctx context.Context, label string, count int) ([]Hash, error)
	// FetchPromotionsFromHash lists the promotions a hash went through.
	FetchPromotionsFromHash(ctx context.Context, hash Hash, count int) ([]Promotion, error)
	// FetchJobs returns the ids of the jobs that voted successfully on hash.
	FetchJobs(ctx context.Context, hash Hash) (sets.Set[string], error)
	// Promote moves targetLabel to hash. The incumbent is saved as
	// previous-<targetLabel> when configured to.
	Promote(ctx context.Context, hash Hash, targetLabel, candidateLabel string) error
	// Vote reports a CI result for hash.
	Vote(ctx context.Context, hash Hash, jobID, jobURL string, success bool) (*JobResult, error)

	FetchCurrentNamedHashes(ctx context.Context, store bool) (map[string]Hash, error)
	CheckNamedHashesUnchanged(ctx context.Context) error
	UpdateCurrentNamedHashes(hash Hash, label string)

	// CivotesURL is the page summarizing the votes for hash.
	CivotesURL(hash Hash) string
}

// Options is the part of the configuration used by the DLRN client
type Options struct {
	APIURL   string
	RepoURL  string
	Username string
	Password string
	// NamedLabels are the labels tracked by the named hashes guard.
	NamedLabels []string
	// CreatePrevious saves the incumbent of a label as previous-<label>.
	CreatePrevious bool

	Timeout  time.Duration
	RetryMax int
	Metrics  *httphelper.Metrics
}

// NewClient creates a client for the DLRN API at opts.APIURL
func NewClient(logger *logrus.Entry, opts Options) Client {
	return newClient(logger, opts, &httpAPI{
		apiURL:   opts.APIURL,
		username: opts.Username,
		password: opts.Password,
		client:   httphelper.NewClient(logger, httphelper.ClientOptions{Timeout: opts.Timeout, RetryMax: opts.RetryMax, Metrics: opts.Metrics}),
	})
}

func newClient(logger *logrus.Entry, opts Options, backend api) *client {
	return &client{
		logger:      logger.WithField("client", "dlrn_client"),
		opts:        opts,
		api:         backend,
		namedHashes: map[string]Hash{},
	}
}

type client struct {
	logger      *logrus.Entry
	opts        Options
	api         api
	namedHashes map[string]Hash
}

func promotionError(err error, format string, args ...interface{}) error {
	return results.ForReason(results.ReasonPromotion).WithError(err).Errorf(format, args...)
}

func (c *client) FetchPromotions(ctx context.Context, label string, count int) ([]Hash, error) {
	query := url.Values{}
	query.Set("promote_name", label)
	return c.fetchHashes(ctx, query, count)
}

func (c *client) FetchPromotionsFromHash(ctx context.Context, hash Hash, count int) ([]Promotion, error) {
	query := hash.QueryParams()
	if count > 0 {
		query.Set("limit", strconv.Itoa(count))
	}
	promotions, err := c.api.promotions(ctx, query)
	if err != nil {
		return nil, promotionError(err, "could not fetch promotions for hash %s", hash)
	}
	return promotions, nil
}

func (c *client) fetchHashes(ctx context.Context, query url.Values, count int) ([]Hash, error) {
	if count > 0 {
		query.Set("limit", strconv.Itoa(count))
	}
	promotions, err := c.api.promotions(ctx, query)
	if err != nil {
		return nil, promotionError(err, "could not fetch promotions with parameters %s", query.Encode())
	}
	seen := sets.New[string]()
	var hashes []Hash
	for _, promotion := range promotions {
		hash, err := HashFrom(promotion)
		if err != nil {
			return nil, fmt.Errorf("invalid promotion returned by the API: %w", err)
		}
		if seen.Has(hash.Key()) {
			continue
		}
		seen.Insert(hash.Key())
		hashes = append(hashes, hash)
	}
	sortNewestFirst(hashes)
	if count > 0 && len(hashes) > count {
		hashes = hashes[:count]
	}
	return hashes, nil
}

// sortNewestFirst orders by timestamp descending, ties broken by full hash
func sortNewestFirst(hashes []Hash) {
	sort.SliceStable(hashes, func(i, j int) bool {
		if hashes[i].Time() != hashes[j].Time() {
			return hashes[i].Time() > hashes[j].Time()
		}
		return hashes[i].FullHash() < hashes[j].FullHash()
	})
}

func (c *client) latest(ctx context.Context, label string) (Hash, error) {
	hashes, err := c.FetchPromotions(ctx, label, 1)
	if err != nil {
		return nil, err
	}
	if len(hashes) == 0 {
		return nil, nil
	}
	return hashes[0], nil
}

func (c *client) FetchJobs(ctx context.Context, hash Hash) (sets.Set[string], error) {
	_, aggregate := hash.(AggregateHash)
	query := hash.QueryParams()
	query.Set("success", "true")
	c.logger.Debugf("Hash '%s': fetching list of successful jobs", hash)
	jobs, err := c.api.jobs(ctx, aggregate, query)
	if err != nil {
		return nil, promotionError(err, "could not fetch jobs for hash %s", hash)
	}
	successful := sets.New[string]()
	for _, job := range jobs {
		if !job.Success {
			continue
		}
		c.logger.Debugf("%s passed on %s, logs at '%s'", job.JobID, time.Unix(job.Timestamp, 0).UTC().Format(time.RFC3339), job.URL)
		successful.Insert(job.JobID)
	}
	if successful.Len() == 0 {
		c.logger.Debugf("No successful jobs for hash %s", hash)
	}
	return successful, nil
}

func (c *client) Promote(ctx context.Context, hash Hash, targetLabel, candidateLabel string) error {
	logger := c.logger.WithFields(logrus.Fields{"candidate_hash": hash.FullHash(), "target_label": targetLabel})
	incumbent, err := c.latest(ctx, targetLabel)
	if err != nil {
		return err
	}
	if incumbent != nil && incumbent.Equal(hash) {
		return results.ForReason(results.ReasonPromotion).Errorf("attempted to promote %s to %s, but it is already the current hash", hash.FullHash(), targetLabel)
	}
	if c.opts.CreatePrevious {
		if incumbent != nil {
			previous := previousPrefix + targetLabel
			logger.Infof("Moving previous promoted hash '%s' to %s", incumbent.FullHash(), previous)
			if err := c.promoteHash(ctx, logger, incumbent, previous, targetLabel); err != nil {
				return err
			}
		} else {
			logger.Warn("No previous promotion found")
		}
	}
	logger.Info("Attempting promotion")
	if err := c.promoteHash(ctx, logger, hash, targetLabel, candidateLabel); err != nil {
		return err
	}
	logger.Info("Successful promotion")
	return nil
}

func (c *client) promoteHash(ctx context.Context, logger *logrus.Entry, hash Hash, label, sourceLabel string) error {
	var promoted *Promotion
	var err error
	switch h := hash.(type) {
	case CommitDistroHash:
		promoted, err = c.api.promote(ctx, requestFor(h, label))
	case AggregateHash:
		var requests []promotionRequest
		requests, err = c.aggregateRequests(ctx, logger, h, label, sourceLabel)
		if err != nil {
			return err
		}
		promoted, err = c.api.promoteBatch(ctx, requests)
	default:
		return results.ForReason(results.ReasonPromotion).Errorf("unknown hash type %T", hash)
	}
	if err != nil {
		return promotionError(err, "could not promote %s to %s", hash.FullHash(), label)
	}

	if !promotedMatches(promoted, hash) {
		logger.Errorf("API returned different promoted hash: '%v'", promoted)
	} else {
		logger.Infof("(subhash %s) Successfully promoted to %s", hash.FullHash(), label)
	}
	c.UpdateCurrentNamedHashes(hash, label)
	return nil
}

// promotedMatches compares the promotion DLRN answered with to the hash that
// was promoted. A batch answers with its last component, so only the
// aggregate hash is comparable.
func promotedMatches(promoted *Promotion, hash Hash) bool {
	if h, ok := hash.(AggregateHash); ok {
		return promoted.AggregateHash == h.AggregateHash
	}
	promotedHash, err := HashFrom(*promoted)
	return err == nil && promotedHash.Equal(hash)
}

func requestFor(hash CommitDistroHash, label string) promotionRequest {
	return promotionRequest{
		CommitHash:   hash.CommitHash,
		DistroHash:   hash.DistroHash,
		ExtendedHash: hash.ExtendedHash,
		Component:    hash.Component,
		PromoteName:  label,
		timestamp:    hash.Timestamp,
	}
}

// aggregateRequests resolves an aggregate hash into the promotion of each of
// its components: they are listed in the delorean.repo file of the aggregate
// and described by the commit.yaml file of each component repository.
func (c *client) aggregateRequests(ctx context.Context, logger *logrus.Entry, hash AggregateHash, label, sourceLabel string) ([]promotionRequest, error) {
	repoURL := fmt.Sprintf("%s/%s/delorean.repo", strings.TrimSuffix(c.opts.RepoURL, "/"), hash.RepoPath(sourceLabel))
	logger.Debugf("URL for candidate label repo: %s", repoURL)
	raw, err := c.api.asset(ctx, repoURL)
	if err != nil {
		return nil, promotionError(err, "unable to fetch repo from repo url at %s", repoURL)
	}
	repo, err := ini.Load(raw)
	if err != nil {
		return nil, promotionError(err, "unable to parse aggregate repo at %s", repoURL)
	}
	var components []string
	for _, section := range repo.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		components = append(components, section.Name())
	}
	if len(components) == 0 {
		return nil, results.ForReason(results.ReasonPromotion).Errorf("DLRN aggregate repo at %s is empty", repoURL)
	}
	logger.Infof("Aggregate repo at %s contains components %s", repoURL, strings.Join(components, ", "))

	var requests []promotionRequest
	for _, component := range components {
		baseURL := repo.Section(component).Key("baseurl").String()
		commitURL := strings.TrimSuffix(baseURL, "/") + "/commit.yaml"
		logger.Debugf("Commit info url for component %s at %s", component, commitURL)
		raw, err := c.api.asset(ctx, commitURL)
		if err != nil {
			return nil, promotionError(err, "unable to fetch commits from component url %s", commitURL)
		}
		var commits commitsFile
		if err := yaml.Unmarshal(raw, &commits); err != nil {
			return nil, promotionError(err, "unable to parse commits from component url %s", commitURL)
		}
		if len(commits.Commits) == 0 {
			return nil, results.ForReason(results.ReasonPromotion).Errorf("no commits found at %s", commitURL)
		}
		componentHash, err := HashFrom(commits.Commits[0])
		if err != nil {
			return nil, promotionError(err, "invalid commit for component %s", component)
		}
		commitDistro, ok := componentHash.(CommitDistroHash)
		if !ok {
			return nil, results.ForReason(results.ReasonPromotion).Errorf("component %s points to an aggregate hash", component)
		}
		logger.Debugf("Adding '%s' to promotion list", commitDistro)
		requests = append(requests, requestFor(commitDistro, label))
	}
	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].timestamp < requests[j].timestamp
	})
	return requests, nil
}

func (c *client) Vote(ctx context.Context, hash Hash, jobID, jobURL string, success bool) (*JobResult, error) {
	request := voteRequest{
		JobID:     jobID,
		URL:       jobURL,
		Timestamp: hash.Time(),
		Success:   success,
	}
	switch h := hash.(type) {
	case CommitDistroHash:
		request.CommitHash = h.CommitHash
		request.DistroHash = h.DistroHash
		request.ExtendedHash = h.ExtendedHash
	case AggregateHash:
		request.AggregateHash = h.AggregateHash
	}
	if request.Timestamp == 0 {
		request.Timestamp = time.Now().Unix()
	}
	c.logger.Infof("Dlrn voting success: %t for job %s on hash %s", success, jobID, hash)
	result, err := c.api.reportResult(ctx, request)
	if err != nil {
		return nil, promotionError(err, "could not vote for job %s on hash %s", jobID, hash.FullHash())
	}
	if result == nil || result.JobID == "" {
		return nil, results.ForReason(results.ReasonPromotion).Errorf("DLRN vote response for job %s is empty", jobID)
	}
	return result, nil
}

func (c *client) FetchCurrentNamedHashes(ctx context.Context, store bool) (map[string]Hash, error) {
	named := map[string]Hash{}
	for _, label := range c.opts.NamedLabels {
		latest, err := c.latest(ctx, label)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			c.logger.Warnf("No promotions named %s", label)
			continue
		}
		named[label] = latest
		c.logger.Debugf("Check named hashes: value of named hash for %s is %s", label, latest.FullHash())
		if store {
			c.namedHashes[label] = latest
		}
	}
	return named, nil
}

func (c *client) CheckNamedHashesUnchanged(ctx context.Context) error {
	latest, err := c.FetchCurrentNamedHashes(ctx, false)
	if err != nil {
		return err
	}
	for _, label := range sets.List(sets.KeySet(c.namedHashes)) {
		fetched, ok := latest[label]
		if !ok {
			// nothing to compare a new label to
			continue
		}
		if stored := c.namedHashes[label]; !fetched.Equal(stored) {
			c.logger.Errorf("Check named hashes: named hash for label '%s' changed since last check. At promotion start: %s. Now: %s", label, stored, fetched)
			return results.ForReason(results.ReasonHashChanged).Errorf("named hash for %s changed since promotion start (%s -> %s), aborting", label, stored.FullHash(), fetched.FullHash())
		}
	}
	return nil
}

func (c *client) UpdateCurrentNamedHashes(hash Hash, label string) {
	c.logger.Debugf("Check named hashes: updating stored value of named hash for %s to %s", label, hash.FullHash())
	c.namedHashes[label] = hash
}

func (c *client) CivotesURL(hash Hash) string {
	apiURL := strings.TrimSuffix(c.opts.APIURL, "/")
	switch h := hash.(type) {
	case AggregateHash:
		return fmt.Sprintf("%s/api/civotes_agg_detail.html?ref_hash=%s", apiURL, h.AggregateHash)
	case CommitDistroHash:
		return fmt.Sprintf("%s/api/civotes_detail.html?commit_hash=%s&distro_hash=%s", apiURL, h.CommitHash, h.DistroHash)
	}
	return ""
}
