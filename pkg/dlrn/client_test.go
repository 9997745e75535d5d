package dlrn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/rdo-infra/ci-config/pkg/results"
)

func hashN(n int) CommitDistroHash {
	return CommitDistroHash{
		CommitHash: fmt.Sprintf("%040x", n),
		DistroHash: fmt.Sprintf("%040x", n+1000),
	}
}

func promotionOf(hash CommitDistroHash, label string, timestamp int64) Promotion {
	return Promotion{CommitHash: hash.CommitHash, DistroHash: hash.DistroHash, PromoteName: label, Timestamp: timestamp}
}

func nullLogger() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

type fakeDLRNHandler struct {
	t          *testing.T
	promotions []Promotion
	jobs       []JobResult
	assets     map[string]string
	posted     []string
}

func (h *fakeDLRNHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		if user, password, ok := r.BasicAuth(); !ok || user != "ciuser" || password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message": "Authentication required"}`))
			return
		}
	}
	switch r.URL.Path {
	case "/api/promotions":
		if r.URL.Query().Get("promote_name") == "" {
			h.t.Errorf("expected promote_name in query, got %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(h.promotions)
	case "/api/repo_status", "/api/agg_status":
		if r.URL.Query().Get("success") != "true" {
			h.t.Errorf("expected success=true in query, got %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(h.jobs)
	case "/api/promote", "/api/promote-batch":
		body, _ := io.ReadAll(r.Body)
		h.posted = append(h.posted, r.URL.Path+" "+string(body))
		if r.URL.Path == "/api/promote" {
			var request promotionRequest
			json.Unmarshal(body, &request)
			json.NewEncoder(w).Encode(Promotion{CommitHash: request.CommitHash, DistroHash: request.DistroHash, PromoteName: request.PromoteName, Timestamp: 99})
			return
		}
		var requests []promotionRequest
		json.Unmarshal(body, &requests)
		last := requests[len(requests)-1]
		json.NewEncoder(w).Encode(Promotion{CommitHash: last.CommitHash, DistroHash: last.DistroHash, AggregateHash: aggE, PromoteName: last.PromoteName})
	default:
		content, ok := h.assets[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(content))
	}
}

func TestFetchPromotions(t *testing.T) {
	h1, h2, h3 := hashN(1), hashN(2), hashN(3)
	handler := &fakeDLRNHandler{t: t, promotions: []Promotion{
		promotionOf(h2, "tripleo-ci-testing", 90),
		promotionOf(h1, "tripleo-ci-testing", 100),
		promotionOf(h2, "tripleo-ci-testing", 80),
		promotionOf(h3, "tripleo-ci-testing", 90),
	}}
	server := httptest.NewServer(handler)
	defer server.Close()

	client := NewClient(nullLogger(), Options{APIURL: server.URL, Username: "ciuser", Password: "secret"})
	hashes, err := client.FetchPromotions(context.Background(), "tripleo-ci-testing", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var actual []string
	for _, hash := range hashes {
		actual = append(actual, hash.FullHash())
	}
	expected := []string{h1.FullHash(), h2.FullHash(), h3.FullHash()}
	if diff := cmp.Diff(expected, actual); diff != "" {
		t.Errorf("unexpected order: %s", diff)
	}

	bounded, err := client.FetchPromotions(context.Background(), "tripleo-ci-testing", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bounded) != 2 {
		t.Errorf("expected 2 hashes, got %d", len(bounded))
	}
}

func TestFetchPromotionsUnauthorized(t *testing.T) {
	server := httptest.NewServer(&fakeDLRNHandler{t: t})
	defer server.Close()

	client := NewClient(nullLogger(), Options{APIURL: server.URL, Username: "ciuser", Password: "wrong"})
	_, err := client.FetchPromotions(context.Background(), "current-tripleo", 1)
	if !results.Is(err, results.ReasonPromotion) {
		t.Fatalf("expected a promotion error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Authentication required") {
		t.Errorf("expected the API message in the error, got %v", err)
	}
}

func TestFetchJobs(t *testing.T) {
	handler := &fakeDLRNHandler{t: t, jobs: []JobResult{
		{JobID: "job-a", Success: true, Timestamp: 1, URL: "https://logs/a"},
		{JobID: "job-b", Success: true, Timestamp: 2, URL: "https://logs/b"},
		{JobID: "job-a", Success: true, Timestamp: 3, URL: "https://logs/a2"},
	}}
	server := httptest.NewServer(handler)
	defer server.Close()

	client := NewClient(nullLogger(), Options{APIURL: server.URL, Username: "ciuser", Password: "secret"})
	jobs, err := client.FetchJobs(context.Background(), hashN(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(sets.List(sets.New("job-a", "job-b")), sets.List(jobs)); diff != "" {
		t.Errorf("unexpected jobs: %s", diff)
	}

	handler.jobs = nil
	jobs, err = client.FetchJobs(context.Background(), hashN(1))
	if err != nil {
		t.Fatalf("expected no error for a hash with no votes, got %v", err)
	}
	if jobs.Len() != 0 {
		t.Errorf("expected no jobs, got %v", sets.List(jobs))
	}
}

func TestPromoteCommitDistro(t *testing.T) {
	h0, h1 := hashN(0), hashN(1)
	handler := &fakeDLRNHandler{t: t, promotions: []Promotion{promotionOf(h0, "current-tripleo", 50)}}
	server := httptest.NewServer(handler)
	defer server.Close()

	client := NewClient(nullLogger(), Options{APIURL: server.URL, Username: "ciuser", Password: "secret", CreatePrevious: true})
	if err := client.Promote(context.Background(), h1, "current-tripleo", "tripleo-ci-testing"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []string{
		fmt.Sprintf(`/api/promote {"commit_hash":"%s","distro_hash":"%s","promote_name":"previous-current-tripleo"}`, h0.CommitHash, h0.DistroHash),
		fmt.Sprintf(`/api/promote {"commit_hash":"%s","distro_hash":"%s","promote_name":"current-tripleo"}`, h1.CommitHash, h1.DistroHash),
	}
	if diff := cmp.Diff(expected, handler.posted); diff != "" {
		t.Errorf("unexpected promotions: %s", diff)
	}

	handler.posted = nil
	err := client.Promote(context.Background(), h0, "current-tripleo", "tripleo-ci-testing")
	if !results.Is(err, results.ReasonPromotion) {
		t.Fatalf("expected a promotion error when promoting the incumbent, got %v", err)
	}
	if len(handler.posted) != 0 {
		t.Errorf("expected no promotion, got %v", handler.posted)
	}
}

func TestPromoteAggregate(t *testing.T) {
	agg := AggregateHash{AggregateHash: aggE, CommitHash: commitA, DistroHash: distroB}
	compute, baremetal := hashN(10), hashN(11)
	handler := &fakeDLRNHandler{t: t, assets: map[string]string{
		"/repo/tripleo-ci-testing/e0/e1/" + aggE + "/delorean.repo": `[delorean-component-compute]
name=delorean-openstack-nova
baseurl=BASE/component/compute/nova
enabled=1

[delorean-component-baremetal]
name=delorean-openstack-ironic
baseurl=BASE/component/baremetal/ironic
enabled=1
`,
		"/component/compute/nova/commit.yaml": fmt.Sprintf(`commits:
- commit_hash: %s
  distro_hash: %s
  component: compute
  dt_commit: '1600000200'
`, compute.CommitHash, compute.DistroHash),
		"/component/baremetal/ironic/commit.yaml": fmt.Sprintf(`commits:
- commit_hash: %s
  distro_hash: %s
  component: baremetal
  dt_commit: 1600000100
`, baremetal.CommitHash, baremetal.DistroHash),
	}}
	server := httptest.NewServer(handler)
	defer server.Close()
	for path, content := range handler.assets {
		handler.assets[path] = strings.ReplaceAll(content, "BASE", server.URL)
	}

	logger, hook := test.NewNullLogger()
	client := NewClient(logrus.NewEntry(logger), Options{APIURL: server.URL, RepoURL: server.URL + "/repo", Username: "ciuser", Password: "secret"})
	if err := client.Promote(context.Background(), agg, "current-tripleo", "tripleo-ci-testing"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, entry := range hook.AllEntries() {
		if entry.Level <= logrus.ErrorLevel {
			t.Errorf("unexpected error logged: %s", entry.Message)
		}
	}
	if len(handler.posted) != 1 || !strings.HasPrefix(handler.posted[0], "/api/promote-batch ") {
		t.Fatalf("expected a single batch promotion, got %v", handler.posted)
	}
	var requests []promotionRequest
	if err := json.Unmarshal([]byte(strings.TrimPrefix(handler.posted[0], "/api/promote-batch ")), &requests); err != nil {
		t.Fatalf("failed to parse batch: %v", err)
	}
	var components []string
	for _, request := range requests {
		components = append(components, request.Component+":"+request.PromoteName)
	}
	if diff := cmp.Diff([]string{"baremetal:current-tripleo", "compute:current-tripleo"}, components); diff != "" {
		t.Errorf("batch is not sorted by commit time: %s", diff)
	}
}

func TestPromotedMatches(t *testing.T) {
	agg := AggregateHash{AggregateHash: aggE, CommitHash: commitA, DistroHash: distroB}
	commitDistro := CommitDistroHash{CommitHash: commitA, DistroHash: distroB}
	testCases := []struct {
		name     string
		promoted Promotion
		hash     Hash
		expected bool
	}{
		{
			name:     "batch answers with its last component",
			promoted: Promotion{AggregateHash: aggE, CommitHash: hashN(11).CommitHash, DistroHash: hashN(11).DistroHash},
			hash:     agg,
			expected: true,
		},
		{
			name:     "different aggregate",
			promoted: Promotion{AggregateHash: "f0f1f2f3f4f5f6f7f8f9fafbfcfdfeff", CommitHash: commitA, DistroHash: distroB},
			hash:     agg,
		},
		{
			name:     "same commit and distro, timestamp ignored",
			promoted: Promotion{CommitHash: commitA, DistroHash: distroB, Timestamp: 99},
			hash:     commitDistro,
			expected: true,
		},
		{
			name:     "different commit",
			promoted: Promotion{CommitHash: hashN(3).CommitHash, DistroHash: distroB},
			hash:     commitDistro,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			if actual := promotedMatches(&testCase.promoted, testCase.hash); actual != testCase.expected {
				t.Errorf("expected %t, got %t", testCase.expected, actual)
			}
		})
	}
}

func TestPromoteAggregateEmptyRepo(t *testing.T) {
	agg := AggregateHash{AggregateHash: aggE, CommitHash: commitA, DistroHash: distroB}
	handler := &fakeDLRNHandler{t: t, assets: map[string]string{
		"/repo/tripleo-ci-testing/e0/e1/" + aggE + "/delorean.repo": "",
	}}
	server := httptest.NewServer(handler)
	defer server.Close()

	client := NewClient(nullLogger(), Options{APIURL: server.URL, RepoURL: server.URL + "/repo", Username: "ciuser", Password: "secret"})
	err := client.Promote(context.Background(), agg, "current-tripleo", "tripleo-ci-testing")
	if !results.Is(err, results.ReasonPromotion) {
		t.Fatalf("expected a promotion error, got %v", err)
	}
	if len(handler.posted) != 0 {
		t.Errorf("expected no promotion, got %v", handler.posted)
	}
}

func TestNamedHashesGuard(t *testing.T) {
	h0, h1, h2 := hashN(0), hashN(1), hashN(2)
	server := &FakeServer{Promotions: map[string][]Promotion{
		"current-tripleo":     {promotionOf(h0, "current-tripleo", 10)},
		"current-tripleo-rdo": {promotionOf(h1, "current-tripleo-rdo", 11)},
	}}
	client := NewFakeClient(nullLogger(), Options{NamedLabels: []string{"current-tripleo", "current-tripleo-rdo", "promoted-components"}}, server)
	ctx := context.Background()

	named, err := client.FetchCurrentNamedHashes(ctx, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(named) != 2 {
		t.Errorf("expected two named hashes, got %v", named)
	}
	if err := client.CheckNamedHashesUnchanged(ctx); err != nil {
		t.Fatalf("expected unchanged hashes, got %v", err)
	}

	// a label appearing after the snapshot is not a change
	server.SetLabel("promoted-components", h2)
	if err := client.CheckNamedHashesUnchanged(ctx); err != nil {
		t.Fatalf("expected a new label to be ignored, got %v", err)
	}

	// our own promotions are tracked
	if err := client.Promote(ctx, h2, "current-tripleo", "tripleo-ci-testing"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.CheckNamedHashesUnchanged(ctx); err != nil {
		t.Fatalf("expected our promotion to update the snapshot, got %v", err)
	}

	server.SetLabel("current-tripleo-rdo", h2)
	err = client.CheckNamedHashesUnchanged(ctx)
	if !results.Is(err, results.ReasonHashChanged) {
		t.Fatalf("expected a hash changed error, got %v", err)
	}
}

func TestVote(t *testing.T) {
	server := &FakeServer{}
	client := NewFakeClient(nullLogger(), Options{}, server)
	result, err := client.Vote(context.Background(), hashN(1), "job-a", "https://logs/a", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.JobID != "job-a" || !result.Success {
		t.Errorf("unexpected vote result %+v", result)
	}
	jobs, err := client.FetchJobs(context.Background(), hashN(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !jobs.Has("job-a") {
		t.Errorf("expected the vote to be recorded, got %v", sets.List(jobs))
	}
}

func TestCivotesURL(t *testing.T) {
	client := NewFakeClient(nullLogger(), Options{APIURL: "https://trunk.rdoproject.org/api-centos9-master-uc/"}, &FakeServer{})
	if actual, expected := client.CivotesURL(CommitDistroHash{CommitHash: commitA, DistroHash: distroB}), "https://trunk.rdoproject.org/api-centos9-master-uc/api/civotes_detail.html?commit_hash="+commitA+"&distro_hash="+distroB; actual != expected {
		t.Errorf("expected %s, got %s", expected, actual)
	}
	if actual, expected := client.CivotesURL(AggregateHash{AggregateHash: aggE}), "https://trunk.rdoproject.org/api-centos9-master-uc/api/civotes_agg_detail.html?ref_hash="+aggE; actual != expected {
		t.Errorf("expected %s, got %s", expected, actual)
	}
}
