package dlrn

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// FakeServer is an in-memory DLRN server. The labels hold their promotions
// newest first; every mutating call prepends a promotion.
type FakeServer struct {
	// Promotions maps a label to its promotions, newest first
	Promotions map[string][]Promotion
	// Jobs maps a full hash to the results reported for it
	Jobs map[string][]JobResult
	// Assets maps an url to the content served for it
	Assets map[string][]byte
	// Failures maps a call, as recorded in Calls, to the error it returns
	Failures map[string]error
	Calls    *[]string

	clock int64
}

// NewFakeClient returns a client backed by server
func NewFakeClient(logger *logrus.Entry, opts Options, server *FakeServer) Client {
	if server.Calls == nil {
		server.Calls = &[]string{}
	}
	if server.Promotions == nil {
		server.Promotions = map[string][]Promotion{}
	}
	for _, promotions := range server.Promotions {
		for _, promotion := range promotions {
			if promotion.Timestamp > server.clock {
				server.clock = promotion.Timestamp
			}
		}
	}
	return newClient(logger, opts, &fakeAPI{server: server})
}

// SetLabel points label to hash, as another promoter would do
func (s *FakeServer) SetLabel(label string, hash Hash) {
	s.clock++
	promotion := Promotion{PromoteName: label, Timestamp: s.clock}
	switch h := hash.(type) {
	case CommitDistroHash:
		promotion.CommitHash, promotion.DistroHash, promotion.ExtendedHash, promotion.Component = h.CommitHash, h.DistroHash, h.ExtendedHash, h.Component
	case AggregateHash:
		promotion.AggregateHash, promotion.CommitHash, promotion.DistroHash, promotion.ExtendedHash = h.AggregateHash, h.CommitHash, h.DistroHash, h.ExtendedHash
	}
	s.Promotions[label] = append([]Promotion{promotion}, s.Promotions[label]...)
}

// Current returns the hash label points to, nil if none
func (s *FakeServer) Current(label string) Hash {
	promotions := s.Promotions[label]
	if len(promotions) == 0 {
		return nil
	}
	hash, err := HashFrom(promotions[0])
	if err != nil {
		return nil
	}
	return hash
}

type fakeAPI struct {
	server *FakeServer
}

func (f *fakeAPI) addCall(call string, args ...string) error {
	s := strings.Join(append([]string{call}, args...), " ")
	*f.server.Calls = append(*f.server.Calls, s)
	if failure, exists := f.server.Failures[s]; exists {
		return failure
	}
	return nil
}

func (f *fakeAPI) promotions(_ context.Context, query url.Values) ([]Promotion, error) {
	var candidates []Promotion
	if label := query.Get("promote_name"); label != "" {
		if err := f.addCall("promotions", label); err != nil {
			return nil, err
		}
		candidates = f.server.Promotions[label]
	} else {
		if err := f.addCall("promotions", fullHashOf(query)); err != nil {
			return nil, err
		}
		for _, promotions := range f.server.Promotions {
			for _, promotion := range promotions {
				hash, err := HashFrom(promotion)
				if err == nil && hash.FullHash() == fullHashOf(query) {
					candidates = append(candidates, promotion)
				}
			}
		}
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil && limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return append([]Promotion{}, candidates...), nil
}

func (f *fakeAPI) jobs(_ context.Context, aggregate bool, query url.Values) ([]JobResult, error) {
	endpoint := "repo_status"
	if aggregate {
		endpoint = "agg_status"
	}
	full := fullHashOf(query)
	if err := f.addCall(endpoint, full); err != nil {
		return nil, err
	}
	return f.server.Jobs[full], nil
}

func (f *fakeAPI) promote(_ context.Context, request promotionRequest) (*Promotion, error) {
	hash := CommitDistroHash{CommitHash: request.CommitHash, DistroHash: request.DistroHash, ExtendedHash: request.ExtendedHash, Component: request.Component}
	if err := f.addCall("promote", hash.FullHash(), request.PromoteName); err != nil {
		return nil, err
	}
	f.server.SetLabel(request.PromoteName, hash)
	promotion := f.server.Promotions[request.PromoteName][0]
	return &promotion, nil
}

func (f *fakeAPI) promoteBatch(_ context.Context, requests []promotionRequest) (*Promotion, error) {
	var names []string
	for _, request := range requests {
		hash := CommitDistroHash{CommitHash: request.CommitHash, DistroHash: request.DistroHash, ExtendedHash: request.ExtendedHash, Component: request.Component}
		names = append(names, hash.FullHash())
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if err := f.addCall("promote-batch", strings.Join(names, ","), requests[0].PromoteName); err != nil {
		return nil, err
	}
	var last Promotion
	for _, request := range requests {
		f.server.SetLabel(request.PromoteName, CommitDistroHash{CommitHash: request.CommitHash, DistroHash: request.DistroHash, ExtendedHash: request.ExtendedHash, Component: request.Component})
		last = f.server.Promotions[request.PromoteName][0]
	}
	return &last, nil
}

func (f *fakeAPI) reportResult(_ context.Context, request voteRequest) (*JobResult, error) {
	hash := request.AggregateHash
	if hash == "" {
		hash = CommitDistroHash{CommitHash: request.CommitHash, DistroHash: request.DistroHash, ExtendedHash: request.ExtendedHash}.FullHash()
	}
	if err := f.addCall("report_result", hash, request.JobID, strconv.FormatBool(request.Success)); err != nil {
		return nil, err
	}
	result := JobResult{JobID: request.JobID, CommitHash: request.CommitHash, DistroHash: request.DistroHash, URL: request.URL, Timestamp: request.Timestamp, Success: request.Success}
	if f.server.Jobs == nil {
		f.server.Jobs = map[string][]JobResult{}
	}
	f.server.Jobs[hash] = append(f.server.Jobs[hash], result)
	return &result, nil
}

func (f *fakeAPI) asset(_ context.Context, target string) ([]byte, error) {
	if err := f.addCall("asset", target); err != nil {
		return nil, err
	}
	content, ok := f.server.Assets[target]
	if !ok {
		return nil, fmt.Errorf("got unexpected http 404 status code from %s", target)
	}
	return content, nil
}

func fullHashOf(query url.Values) string {
	if aggregate := query.Get("aggregate_hash"); aggregate != "" {
		return aggregate
	}
	return CommitDistroHash{CommitHash: query.Get("commit_hash"), DistroHash: query.Get("distro_hash"), ExtendedHash: query.Get("extended_hash")}.FullHash()
}
