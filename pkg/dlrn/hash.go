package dlrn

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rdo-infra/ci-config/pkg/results"
)

const (
	shaLength     = 40
	shortHashSize = 8
)

// Hash identifies a set of packages built by DLRN. It is either a
// CommitDistroHash, built by the single pipeline, or an AggregateHash that
// points to a set of component hashes. Values are immutable.
type Hash interface {
	// FullHash is the canonical name of the hash, used as directory name
	// on the artifacts servers and as the tag of the container images.
	FullHash() string
	// ShortHash is a prefix of the main hash, for humans.
	ShortHash() string
	// RepoPath is the path of the hash repository relative to the DLRN
	// repo url. The label is only meaningful for aggregate hashes.
	RepoPath(label string) string
	// QueryParams dumps the identifying fields as DLRN API parameters.
	QueryParams() url.Values
	// Key is a comparable identity usable as a map key.
	Key() string
	// Equal compares identifying fields only; the timestamp is ignored.
	Equal(other Hash) bool
	// Time returns the timestamp carried by the hash, zero when unknown.
	Time() int64
	String() string

	isHash()
}

// CommitDistroHash is a hash from the single pipeline, identified by the
// commit and distro hashes of a package.
type CommitDistroHash struct {
	CommitHash   string
	DistroHash   string
	ExtendedHash string
	Component    string
	Timestamp    int64
}

// AggregateHash identifies the aggregate of many components.
type AggregateHash struct {
	AggregateHash string
	CommitHash    string
	DistroHash    string
	ExtendedHash  string
	Timestamp     int64
}

var (
	_ Hash = CommitDistroHash{}
	_ Hash = AggregateHash{}
)

func (CommitDistroHash) isHash() {}
func (AggregateHash) isHash()    {}

func (h CommitDistroHash) FullHash() string {
	if h.ExtendedHash != "" {
		extDistro, extCommit, _ := strings.Cut(h.ExtendedHash, "_")
		return fmt.Sprintf("%s_%s_%s_%s", h.CommitHash, prefix(h.DistroHash), prefix(extDistro), prefix(extCommit))
	}
	return fmt.Sprintf("%s_%s", h.CommitHash, prefix(h.DistroHash))
}

func (h CommitDistroHash) ShortHash() string {
	return prefix(h.CommitHash)
}

func (h CommitDistroHash) RepoPath(string) string {
	var component string
	if h.Component != "" {
		component = fmt.Sprintf("component/%s/", h.Component)
	}
	return fmt.Sprintf("%s%s/%s/%s", component, h.CommitHash[:2], h.CommitHash[2:4], h.FullHash())
}

func (h CommitDistroHash) QueryParams() url.Values {
	values := url.Values{}
	values.Set("commit_hash", h.CommitHash)
	values.Set("distro_hash", h.DistroHash)
	if h.ExtendedHash != "" {
		values.Set("extended_hash", h.ExtendedHash)
	}
	if h.Component != "" {
		values.Set("component", h.Component)
	}
	return values
}

func (h CommitDistroHash) Key() string {
	return strings.Join([]string{"commitdistro", h.CommitHash, h.DistroHash, h.ExtendedHash, h.Component}, ":")
}

func (h CommitDistroHash) Equal(other Hash) bool {
	o, ok := other.(CommitDistroHash)
	if !ok {
		return false
	}
	return h.CommitHash == o.CommitHash && h.DistroHash == o.DistroHash && h.ExtendedHash == o.ExtendedHash && h.Component == o.Component
}

func (h CommitDistroHash) Time() int64 {
	return h.Timestamp
}

func (h CommitDistroHash) String() string {
	return fmt.Sprintf("commit: %s, distro: %s, extended: %s, component: %s, timestamp: %d", h.CommitHash, h.DistroHash, noneIfEmpty(h.ExtendedHash), noneIfEmpty(h.Component), h.Timestamp)
}

func (h AggregateHash) FullHash() string {
	return h.AggregateHash
}

func (h AggregateHash) ShortHash() string {
	return prefix(h.AggregateHash)
}

func (h AggregateHash) RepoPath(label string) string {
	var labelPath string
	if label != "" {
		labelPath = label + "/"
	}
	return fmt.Sprintf("%s%s/%s/%s", labelPath, h.AggregateHash[:2], h.AggregateHash[2:4], h.AggregateHash)
}

func (h AggregateHash) QueryParams() url.Values {
	values := url.Values{}
	values.Set("aggregate_hash", h.AggregateHash)
	return values
}

func (h AggregateHash) Key() string {
	return strings.Join([]string{"aggregate", h.AggregateHash, h.CommitHash, h.DistroHash, h.ExtendedHash}, ":")
}

func (h AggregateHash) Equal(other Hash) bool {
	o, ok := other.(AggregateHash)
	if !ok {
		return false
	}
	return h.AggregateHash == o.AggregateHash && h.CommitHash == o.CommitHash && h.DistroHash == o.DistroHash && h.ExtendedHash == o.ExtendedHash
}

func (h AggregateHash) Time() int64 {
	return h.Timestamp
}

func (h AggregateHash) String() string {
	return fmt.Sprintf("aggregate: %s, commit: %s, distro: %s, extended: %s, timestamp: %d", h.AggregateHash, h.CommitHash, h.DistroHash, noneIfEmpty(h.ExtendedHash), h.Timestamp)
}

// HashSource is anything that carries the DLRN hash fields, keyed the way
// the API names them.
type HashSource interface {
	HashFields() map[string]string
}

// HashFrom builds a Hash out of a DLRN API object or a plain mapping with
// the same keys. The presence of an aggregate hash selects the variant.
func HashFrom(source interface{}) (Hash, error) {
	var fields map[string]string
	switch s := source.(type) {
	case HashSource:
		fields = s.HashFields()
	case Promotion:
		fields = s.fields()
	case *Promotion:
		if s == nil {
			return nil, results.ForReason(results.ReasonHash).Errorf("cannot build a hash from a nil promotion")
		}
		fields = s.fields()
	case Commit:
		fields = s.fields()
	case map[string]string:
		fields = s
	case map[string]interface{}:
		fields = map[string]string{}
		for key, value := range s {
			str, err := stringify(value)
			if err != nil {
				return nil, results.ForReason(results.ReasonHash).WithError(err).Errorf("invalid value for %s", key)
			}
			fields[key] = str
		}
	default:
		return nil, results.ForReason(results.ReasonHash).Errorf("cannot build a hash from %T", source)
	}
	return hashFromFields(fields)
}

func hashFromFields(fields map[string]string) (Hash, error) {
	extended := fields["extended_hash"]
	if extended == "None" {
		extended = ""
	}
	var timestamp int64
	if raw := fields["timestamp"]; raw != "" && raw != "None" {
		ts, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, results.ForReason(results.ReasonHash).WithError(err).Errorf("invalid timestamp %q", raw)
		}
		timestamp = int64(ts)
	}

	if err := checkHash("commit_hash", fields["commit_hash"]); err != nil {
		return nil, err
	}
	if err := checkHash("distro_hash", fields["distro_hash"]); err != nil {
		return nil, err
	}
	if err := checkExtendedHash(extended); err != nil {
		return nil, err
	}

	if aggregate := fields["aggregate_hash"]; aggregate != "" && aggregate != "None" {
		if len(aggregate) < 4 || !isHex(aggregate) {
			return nil, results.ForReason(results.ReasonHash).Errorf("invalid aggregate_hash %q: not an hex hash", aggregate)
		}
		return AggregateHash{
			AggregateHash: aggregate,
			CommitHash:    fields["commit_hash"],
			DistroHash:    fields["distro_hash"],
			ExtendedHash:  extended,
			Timestamp:     timestamp,
		}, nil
	}
	return CommitDistroHash{
		CommitHash:   fields["commit_hash"],
		DistroHash:   fields["distro_hash"],
		ExtendedHash: extended,
		Component:    fields["component"],
		Timestamp:    timestamp,
	}, nil
}

func checkHash(name, value string) error {
	if value == "" {
		return results.ForReason(results.ReasonHash).Errorf("missing %s", name)
	}
	if len(value) != shaLength || !isHex(value) {
		return results.ForReason(results.ReasonHash).Errorf("invalid %s %q: expected %d hex characters", name, value, shaLength)
	}
	return nil
}

func checkExtendedHash(value string) error {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, "_")
	if len(parts) != 2 {
		return results.ForReason(results.ReasonHash).Errorf("invalid extended_hash %q: expected two hashes joined by '_'", value)
	}
	for _, part := range parts {
		if part == "" || !isHex(part) {
			return results.ForReason(results.ReasonHash).Errorf("invalid extended_hash %q: not an hex hash", value)
		}
	}
	return nil
}

func isHex(value string) bool {
	if len(value)%2 == 1 {
		value = "0" + value
	}
	_, err := hex.DecodeString(value)
	return err == nil
}

func prefix(value string) string {
	if len(value) < shortHashSize {
		return value
	}
	return value[:shortHashSize]
}

func noneIfEmpty(value string) string {
	if value == "" {
		return "None"
	}
	return value
}

func stringify(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatInt(int64(v), 10), nil
	case json.Number:
		return v.String(), nil
	default:
		return "", fmt.Errorf("unsupported type %T", value)
	}
}
