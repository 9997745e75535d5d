package promoter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/rdo-infra/ci-config/pkg/dlrn"
	"github.com/rdo-infra/ci-config/pkg/metrics"
	"github.com/rdo-infra/ci-config/pkg/results"
)

const (
	candidateLabel = "tripleo-ci-testing"
	targetLabel    = "current-tripleo"
	rdoLabel       = "current-tripleo-rdo"
)

func hashN(n int, timestamp int64) dlrn.CommitDistroHash {
	return dlrn.CommitDistroHash{CommitHash: fmt.Sprintf("%040x", n), DistroHash: fmt.Sprintf("%040x", n+1000), Timestamp: timestamp}
}

func promotionOf(hash dlrn.CommitDistroHash, label string) dlrn.Promotion {
	return dlrn.Promotion{CommitHash: hash.CommitHash, DistroHash: hash.DistroHash, PromoteName: label, Timestamp: hash.Timestamp}
}

func successes(jobs ...string) []dlrn.JobResult {
	var out []dlrn.JobResult
	for _, job := range jobs {
		out = append(out, dlrn.JobResult{JobID: job, Success: true, URL: "https://logserver/" + job})
	}
	return out
}

var (
	h0 = hashN(0, 50)
	h1 = hashN(1, 100)
	h2 = hashN(2, 90)
)

// fakeClient records its calls in a log shared by all the clients, and
// forwards to next when set. err and during only apply to the first call.
type fakeClient struct {
	name   ClientName
	calls  *[]string
	err    error
	during func()
	next   Client
}

func (f *fakeClient) Promote(ctx context.Context, hash dlrn.Hash, target, candidate string) error {
	*f.calls = append(*f.calls, fmt.Sprintf("%s %s %s", f.name, hash.FullHash(), target))
	if f.during != nil {
		f.during()
		f.during = nil
	}
	if err := f.err; err != nil {
		f.err = nil
		return err
	}
	if f.next != nil {
		return f.next.Promote(ctx, hash, target, candidate)
	}
	return nil
}

type fixture struct {
	server   *dlrn.FakeServer
	calls    *[]string
	clients  map[ClientName]*fakeClient
	hook     *test.Hook
	recorder *metrics.Recorder
	promoter *Promoter
}

func singlePipeline() Options {
	return Options{
		LatestHashesCount: 10,
		AllowedClients:    []ClientName{DlrnClient, QcowClient, RegistriesClient},
		Promotions: []Promotion{
			{Target: targetLabel, Candidate: candidateLabel, Criteria: sets.New("job-a", "job-b")},
		},
	}
}

func newFixture(opts Options, server *dlrn.FakeServer) *fixture {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	entry := logrus.NewEntry(logger)

	var labels []string
	for _, promotion := range opts.Promotions {
		labels = append(labels, promotion.Target)
	}
	dlrnClient := dlrn.NewFakeClient(entry, dlrn.Options{APIURL: "https://trunk.rdoproject.org/api-centos9-master-uc", NamedLabels: labels, CreatePrevious: true}, server)

	calls := &[]string{}
	f := &fixture{
		server: server,
		calls:  calls,
		clients: map[ClientName]*fakeClient{
			RegistriesClient: {name: RegistriesClient, calls: calls},
			QcowClient:       {name: QcowClient, calls: calls},
			DlrnClient:       {name: DlrnClient, calls: calls, next: dlrnClient},
		},
		hook:     hook,
		recorder: metrics.NewRecorder(),
	}
	clients := map[ClientName]Client{}
	for name, client := range f.clients {
		clients[name] = client
	}
	f.promoter = NewPromoter(entry, opts, dlrnClient, clients, f.recorder)
	return f
}

func (f *fixture) messages() []string {
	var messages []string
	for _, entry := range f.hook.AllEntries() {
		messages = append(messages, entry.Message)
	}
	return messages
}

func (f *fixture) logged(substring string) bool {
	for _, message := range f.messages() {
		if strings.Contains(message, substring) {
			return true
		}
	}
	return false
}

// mutations are the calls to the DLRN server changing a label
func (f *fixture) mutations() []string {
	var mutations []string
	for _, call := range *f.server.Calls {
		if strings.HasPrefix(call, "promote") {
			mutations = append(mutations, call)
		}
	}
	return mutations
}

func pairStrings(pairs []Pair) []string {
	var out []string
	for _, pair := range pairs {
		out = append(out, pair.Hash.FullHash()+" "+pair.Target)
	}
	return out
}

func s1Server() *dlrn.FakeServer {
	return &dlrn.FakeServer{
		Promotions: map[string][]dlrn.Promotion{
			candidateLabel: {promotionOf(h1, candidateLabel), promotionOf(h2, candidateLabel)},
			targetLabel:    {promotionOf(h0, targetLabel)},
		},
		Jobs: map[string][]dlrn.JobResult{
			h1.FullHash(): successes("job-a", "job-b"),
			h2.FullHash(): successes("job-a", "job-b"),
		},
	}
}

func clientCalls(hash dlrn.Hash, target string, names ...ClientName) []string {
	var calls []string
	for _, name := range names {
		calls = append(calls, fmt.Sprintf("%s %s %s", name, hash.FullHash(), target))
	}
	return calls
}

func TestPromoteAllLinksHappyPath(t *testing.T) {
	f := newFixture(singlePipeline(), s1Server())

	pairs, err := f.promoter.PromoteAllLinks(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{h1.FullHash() + " " + targetLabel}, pairStrings(pairs)); diff != "" {
		t.Errorf("unexpected promoted pairs: %s", diff)
	}
	if diff := cmp.Diff(clientCalls(h1, targetLabel, RegistriesClient, QcowClient, DlrnClient), *f.calls); diff != "" {
		t.Errorf("unexpected client calls: %s", diff)
	}
	if current := f.server.Current(targetLabel); current == nil || !current.Equal(h1) {
		t.Errorf("expected %s to point to %s, got %v", targetLabel, h1, current)
	}
	if previous := f.server.Current("previous-" + targetLabel); previous == nil || !previous.Equal(h0) {
		t.Errorf("expected previous-%s to point to %s, got %v", targetLabel, h0, previous)
	}
	if !f.logged("vote details page: https://trunk.rdoproject.org/api-centos9-master-uc/api/civotes_detail.html?commit_hash=" + h1.CommitHash) {
		t.Errorf("expected the civotes url to be logged, got %v", f.messages())
	}

	expected := `
# HELP promoter_promotions_total number of promotion rounds, sorted by target label and result
# TYPE promoter_promotions_total counter
promoter_promotions_total{result="promoted",target="current-tripleo"} 1
# HELP promoter_promotion_attempts_total number of promotion attempts, sorted by target and candidate label
# TYPE promoter_promotion_attempts_total counter
promoter_promotion_attempts_total{candidate="tripleo-ci-testing",target="current-tripleo"} 1
`
	if err := testutil.GatherAndCompare(f.recorder.Gatherer(), strings.NewReader(expected), "promoter_promotions_total", "promoter_promotion_attempts_total"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

func TestPromoteAllLinksCriteriaNotMet(t *testing.T) {
	server := s1Server()
	server.Jobs[h1.FullHash()] = append(successes("job-a"), dlrn.JobResult{JobID: "job-b", Success: false})
	f := newFixture(singlePipeline(), server)

	pairs, err := f.promoter.PromoteAllLinks(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{h2.FullHash() + " " + targetLabel}, pairStrings(pairs)); diff != "" {
		t.Errorf("unexpected promoted pairs: %s", diff)
	}
	if diff := cmp.Diff(clientCalls(h2, targetLabel, RegistriesClient, QcowClient, DlrnClient), *f.calls); diff != "" {
		t.Errorf("unexpected client calls: %s", diff)
	}
	if !f.logged(fmt.Sprintf("Candidate hash '%s': missing successful jobs: [job-b]", h1)) {
		t.Errorf("expected the missing jobs of %s to be logged, got %v", h1.FullHash(), f.messages())
	}
}

func TestPromoteAllLinksNoCandidateMeetsCriteria(t *testing.T) {
	server := s1Server()
	server.Jobs = map[string][]dlrn.JobResult{h1.FullHash(): successes("job-a"), h2.FullHash(): successes("job-b", "job-c")}
	f := newFixture(singlePipeline(), server)

	pairs, err := f.promoter.PromoteAllLinks(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pairs) != 0 || len(*f.calls) != 0 || len(f.mutations()) != 0 {
		t.Errorf("expected no promotion, got pairs %v, calls %v, mutations %v", pairs, *f.calls, f.mutations())
	}
	if err := testutil.GatherAndCompare(f.recorder.Gatherer(), strings.NewReader(`
# HELP promoter_promotions_total number of promotion rounds, sorted by target label and result
# TYPE promoter_promotions_total counter
promoter_promotions_total{result="none",target="current-tripleo"} 1
`), "promoter_promotions_total"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

func TestPromoteAllLinksHashChanged(t *testing.T) {
	h9 := hashN(9, 10)
	opts := singlePipeline()
	opts.Promotions = append(opts.Promotions, Promotion{Target: rdoLabel, Candidate: targetLabel, Criteria: sets.New("job-rdo")})
	server := s1Server()
	server.Promotions[rdoLabel] = []dlrn.Promotion{promotionOf(h0, rdoLabel)}
	f := newFixture(opts, server)
	f.clients[RegistriesClient].during = func() {
		server.SetLabel(rdoLabel, h9)
	}

	pairs, err := f.promoter.PromoteAllLinks(context.Background())
	if err != nil {
		t.Fatalf("a hash change must not fail the round, got %v", err)
	}
	if len(pairs) != 0 {
		t.Errorf("expected no promotion, got %v", pairStrings(pairs))
	}
	if diff := cmp.Diff(clientCalls(h1, targetLabel, RegistriesClient), *f.calls); diff != "" {
		t.Errorf("unexpected client calls: %s", diff)
	}
	if mutations := f.mutations(); len(mutations) != 0 {
		t.Errorf("expected no DLRN promotion, got %v", mutations)
	}
	if !f.logged("Check named hashes: named hash for label '" + rdoLabel + "' changed") {
		t.Errorf("expected the hash change to be logged, got %v", f.messages())
	}
}

func TestPromoteAllLinksClientFailure(t *testing.T) {
	testCases := []struct {
		name          string
		err           error
		expectedError bool
	}{
		{
			name: "promotion error",
			err:  results.ForReason(results.ReasonPromotion).Errorf("could not connect to the images server"),
		},
		{
			name:          "unexpected error",
			err:           errors.New("boom"),
			expectedError: true,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			opts := singlePipeline()
			opts.Promotions = append(opts.Promotions, Promotion{Target: rdoLabel, Candidate: targetLabel, Criteria: sets.New("job-rdo")})
			server := s1Server()
			server.Jobs[h0.FullHash()] = successes("job-rdo")
			f := newFixture(opts, server)
			f.clients[QcowClient].err = testCase.err

			pairs, err := f.promoter.PromoteAllLinks(context.Background())
			if testCase.expectedError != (err != nil) {
				t.Fatalf("expected error %t, got %v", testCase.expectedError, err)
			}
			if err != nil && !strings.Contains(err.Error(), "boom") {
				t.Errorf("expected the client error to be returned, got %v", err)
			}
			// the failed target is skipped, the next one is still promoted
			if diff := cmp.Diff([]string{h0.FullHash() + " " + rdoLabel}, pairStrings(pairs)); diff != "" {
				t.Errorf("unexpected promoted pairs: %s", diff)
			}
			if current := server.Current(targetLabel); current == nil || !current.Equal(h0) {
				t.Errorf("expected %s to be left on %s, got %v", targetLabel, h0, current)
			}
			for _, mutation := range f.mutations() {
				if strings.HasSuffix(mutation, " "+targetLabel) {
					t.Errorf("expected no DLRN promotion to %s, got %s", targetLabel, mutation)
				}
			}
		})
	}
}

func TestPromoteAllLinksDryRun(t *testing.T) {
	opts := singlePipeline()
	opts.DryRun = true
	f := newFixture(opts, s1Server())

	pairs, err := f.promoter.PromoteAllLinks(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pairs) != 0 || len(*f.calls) != 0 || len(f.mutations()) != 0 {
		t.Errorf("expected no mutation, got pairs %v, calls %v, mutations %v", pairs, *f.calls, f.mutations())
	}
	for _, expected := range []string{
		fmt.Sprintf("Candidate hash '%s': criteria met, attempting promotion to %s", h1, targetLabel),
		fmt.Sprintf("Dry run: would promote candidate hash '%s'", h1),
	} {
		if !f.logged(expected) {
			t.Errorf("expected %q to be logged, got %v", expected, f.messages())
		}
	}
}

func TestForcePromote(t *testing.T) {
	h5 := hashN(5, 500)
	f := newFixture(singlePipeline(), s1Server())

	pair, err := f.promoter.ForcePromote(context.Background(), h5, candidateLabel, targetLabel, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair == nil || !pair.Hash.Equal(h5) || pair.Target != targetLabel {
		t.Errorf("unexpected pair: %v", pair)
	}
	if diff := cmp.Diff(clientCalls(h5, targetLabel, RegistriesClient, QcowClient, DlrnClient), *f.calls); diff != "" {
		t.Errorf("unexpected client calls: %s", diff)
	}
	for _, call := range *f.server.Calls {
		if strings.HasPrefix(call, "repo_status") || call == "promotions "+candidateLabel {
			t.Errorf("expected no candidate selection nor criteria evaluation, got %s", call)
		}
	}
}

func TestForcePromoteAllowedClients(t *testing.T) {
	f := newFixture(singlePipeline(), s1Server())
	if _, err := f.promoter.ForcePromote(context.Background(), h1, candidateLabel, targetLabel, []ClientName{DlrnClient, QcowClient}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(clientCalls(h1, targetLabel, QcowClient, DlrnClient), *f.calls); diff != "" {
		t.Errorf("unexpected client calls: %s", diff)
	}
}

func TestPromoteUnconfiguredClient(t *testing.T) {
	logger, _ := test.NewNullLogger()
	server := s1Server()
	dlrnClient := dlrn.NewFakeClient(logrus.NewEntry(logger), dlrn.Options{NamedLabels: []string{targetLabel}}, server)
	promoter := NewPromoter(logrus.NewEntry(logger), singlePipeline(), dlrnClient, nil, nil)

	_, err := promoter.Promote(context.Background(), h1, candidateLabel, targetLabel, nil)
	if !results.Is(err, results.ReasonConfig) {
		t.Errorf("expected a config error, got %v", err)
	}
	if current := server.Current(targetLabel); !current.Equal(h0) {
		t.Errorf("expected no promotion, got %s", current)
	}
}

func TestSelectCandidates(t *testing.T) {
	h3, h4, h7 := hashN(3, 80), hashN(4, 70), hashN(7, 10)
	candidates := []dlrn.Promotion{promotionOf(h1, candidateLabel), promotionOf(h2, candidateLabel), promotionOf(h3, candidateLabel), promotionOf(h4, candidateLabel)}
	testCases := []struct {
		name       string
		candidates []dlrn.Promotion
		target     []dlrn.Promotion
		count      int
		expected   []string
	}{
		{
			name:       "no candidates",
			candidates: nil,
			target:     []dlrn.Promotion{promotionOf(h0, targetLabel)},
			count:      10,
		},
		{
			name:       "new target label",
			candidates: candidates,
			count:      10,
			expected:   []string{h1.FullHash(), h2.FullHash(), h3.FullHash(), h4.FullHash()},
		},
		{
			name:       "candidates older than the current target are dropped",
			candidates: candidates,
			target:     []dlrn.Promotion{promotionOf(h3, targetLabel), promotionOf(h7, targetLabel)},
			count:      10,
			expected:   []string{h1.FullHash(), h2.FullHash()},
		},
		{
			name:       "newest candidate already promoted",
			candidates: candidates,
			target:     []dlrn.Promotion{promotionOf(h1, targetLabel)},
			count:      10,
		},
		{
			name:       "candidates are bounded",
			candidates: candidates,
			target:     []dlrn.Promotion{promotionOf(h7, targetLabel)},
			count:      2,
			expected:   []string{h1.FullHash(), h2.FullHash()},
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			server := &dlrn.FakeServer{Promotions: map[string][]dlrn.Promotion{candidateLabel: testCase.candidates, targetLabel: testCase.target}}
			opts := singlePipeline()
			opts.LatestHashesCount = testCase.count
			f := newFixture(opts, server)

			selected, err := f.promoter.SelectCandidates(context.Background(), candidateLabel, targetLabel)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var actual []string
			for _, hash := range selected {
				actual = append(actual, hash.FullHash())
			}
			if diff := cmp.Diff(testCase.expected, actual); diff != "" {
				t.Errorf("unexpected candidates: %s", diff)
			}
		})
	}
}

func TestOrdered(t *testing.T) {
	testCases := []struct {
		name     string
		allowed  []ClientName
		expected []ClientName
	}{
		{name: "dlrn is last", allowed: []ClientName{DlrnClient, RegistriesClient, QcowClient}, expected: []ClientName{RegistriesClient, QcowClient, DlrnClient}},
		{name: "subset", allowed: []ClientName{DlrnClient, QcowClient}, expected: []ClientName{QcowClient, DlrnClient}},
		{name: "unknown clients are ignored", allowed: []ClientName{"koji_client", RegistriesClient}, expected: []ClientName{RegistriesClient}},
		{name: "none", allowed: nil, expected: nil},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			if diff := cmp.Diff(testCase.expected, ordered(testCase.allowed)); diff != "" {
				t.Errorf("unexpected order: %s", diff)
			}
		})
	}
}
