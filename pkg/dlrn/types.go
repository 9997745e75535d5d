package dlrn

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Promotion is a promotion record as returned by the DLRN API
type Promotion struct {
	CommitHash    string `json:"commit_hash"`
	DistroHash    string `json:"distro_hash"`
	ExtendedHash  string `json:"extended_hash,omitempty"`
	AggregateHash string `json:"aggregate_hash,omitempty"`
	RepoHash      string `json:"repo_hash,omitempty"`
	RepoURL       string `json:"repo_url,omitempty"`
	PromoteName   string `json:"promote_name"`
	Component     string `json:"component,omitempty"`
	User          string `json:"user,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

func (p Promotion) fields() map[string]string {
	return map[string]string{
		"commit_hash":    p.CommitHash,
		"distro_hash":    p.DistroHash,
		"extended_hash":  p.ExtendedHash,
		"aggregate_hash": p.AggregateHash,
		"component":      p.Component,
		"timestamp":      strconv.FormatInt(p.Timestamp, 10),
	}
}

// JobResult is a CI vote recorded on DLRN for a hash
type JobResult struct {
	JobID      string `json:"job_id"`
	CommitHash string `json:"commit_hash,omitempty"`
	DistroHash string `json:"distro_hash,omitempty"`
	URL        string `json:"url"`
	Timestamp  int64  `json:"timestamp"`
	InProgress bool   `json:"in_progress"`
	Success    bool   `json:"success"`
	Notes      string `json:"notes,omitempty"`
	Component  string `json:"component,omitempty"`
}

// Commit is an entry of the commit.yaml file published in every component
// repository
type Commit struct {
	CommitHash   string       `json:"commit_hash"`
	DistroHash   string       `json:"distro_hash"`
	ExtendedHash string       `json:"extended_hash,omitempty"`
	Component    string       `json:"component,omitempty"`
	ProjectName  string       `json:"project_name,omitempty"`
	DtCommit     flexibleTime `json:"dt_commit"`
}

type commitsFile struct {
	Commits []Commit `json:"commits"`
}

func (c Commit) fields() map[string]string {
	return map[string]string{
		"commit_hash":   c.CommitHash,
		"distro_hash":   c.DistroHash,
		"extended_hash": c.ExtendedHash,
		"component":     c.Component,
		"timestamp":     strconv.FormatInt(int64(c.DtCommit), 10),
	}
}

// flexibleTime accepts both numbers and quoted numbers, commit.yaml files
// carry both depending on the DLRN version.
type flexibleTime int64

func (t *flexibleTime) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*t = 0
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*t = flexibleTime(value)
	return nil
}

// promotionRequest is the body of the promote and promote-batch calls
type promotionRequest struct {
	CommitHash   string `json:"commit_hash"`
	DistroHash   string `json:"distro_hash"`
	ExtendedHash string `json:"extended_hash,omitempty"`
	Component    string `json:"component,omitempty"`
	PromoteName  string `json:"promote_name"`

	timestamp int64
}

// voteRequest is the body of the report_result call
type voteRequest struct {
	JobID         string `json:"job_id"`
	CommitHash    string `json:"commit_hash,omitempty"`
	DistroHash    string `json:"distro_hash,omitempty"`
	ExtendedHash  string `json:"extended_hash,omitempty"`
	AggregateHash string `json:"aggregate_hash,omitempty"`
	URL           string `json:"url"`
	Timestamp     int64  `json:"timestamp"`
	Success       bool   `json:"success"`
	Notes         string `json:"notes,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
}

func errorMessage(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(body))
}
