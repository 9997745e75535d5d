package dlrn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rdo-infra/ci-config/pkg/httphelper"
)

// api is the raw surface of the DLRN server consumed by the client.
type api interface {
	promotions(ctx context.Context, query url.Values) ([]Promotion, error)
	jobs(ctx context.Context, aggregate bool, query url.Values) ([]JobResult, error)
	promote(ctx context.Context, request promotionRequest) (*Promotion, error)
	promoteBatch(ctx context.Context, requests []promotionRequest) (*Promotion, error)
	reportResult(ctx context.Context, request voteRequest) (*JobResult, error)
	// asset downloads a raw file published by DLRN.
	asset(ctx context.Context, url string) ([]byte, error)
}

type httpAPI struct {
	apiURL   string
	username string
	password string
	client   *http.Client
}

func (a *httpAPI) endpoint(name string) string {
	return strings.TrimSuffix(a.apiURL, "/") + "/api/" + name
}

func (a *httpAPI) do(ctx context.Context, method, target string, body interface{}, into interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, target, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
	}
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if a.username != "" {
		req.SetBasicAuth(a.username, a.password)
	}
	data, err := httphelper.Do(a.client, req)
	if err != nil {
		var statusErr *httphelper.StatusError
		if errors.As(err, &statusErr) {
			return fmt.Errorf("DLRN API returned (%d) %s: %s", statusErr.StatusCode, http.StatusText(statusErr.StatusCode), errorMessage(statusErr.Body))
		}
		return err
	}
	if into == nil {
		return nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("could not parse response from %s: %w", target, err)
	}
	return nil
}

func (a *httpAPI) promotions(ctx context.Context, query url.Values) ([]Promotion, error) {
	var promotions []Promotion
	err := a.do(ctx, http.MethodGet, a.endpoint("promotions")+"?"+query.Encode(), nil, &promotions)
	return promotions, err
}

func (a *httpAPI) jobs(ctx context.Context, aggregate bool, query url.Values) ([]JobResult, error) {
	endpoint := "repo_status"
	if aggregate {
		endpoint = "agg_status"
	}
	var jobs []JobResult
	err := a.do(ctx, http.MethodGet, a.endpoint(endpoint)+"?"+query.Encode(), nil, &jobs)
	return jobs, err
}

func (a *httpAPI) promote(ctx context.Context, request promotionRequest) (*Promotion, error) {
	var promotion Promotion
	if err := a.do(ctx, http.MethodPost, a.endpoint("promote"), request, &promotion); err != nil {
		return nil, err
	}
	return &promotion, nil
}

func (a *httpAPI) promoteBatch(ctx context.Context, requests []promotionRequest) (*Promotion, error) {
	var promotion Promotion
	if err := a.do(ctx, http.MethodPost, a.endpoint("promote-batch"), requests, &promotion); err != nil {
		return nil, err
	}
	return &promotion, nil
}

func (a *httpAPI) reportResult(ctx context.Context, request voteRequest) (*JobResult, error) {
	var result JobResult
	if err := a.do(ctx, http.MethodPost, a.endpoint("report_result"), request, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *httpAPI) asset(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	return httphelper.Do(a.client, req)
}
