package promoter

import (
	"context"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/rdo-infra/ci-config/pkg/dlrn"
)

// ClientName identifies an artifact backend the promoter moves a hash on
type ClientName string

const (
	RegistriesClient ClientName = "registries_client"
	QcowClient       ClientName = "qcow_client"
	DlrnClient       ClientName = "dlrn_client"
)

// clientOrder is the order the backends are promoted in. DLRN comes last:
// once its label moves, the hash is visible as promoted.
var clientOrder = []ClientName{RegistriesClient, QcowClient, DlrnClient}

// KnownClient reports whether name is a backend the promoter can drive
func KnownClient(name ClientName) bool {
	for _, known := range clientOrder {
		if name == known {
			return true
		}
	}
	return false
}

// ClientNames lists the valid backend names
func ClientNames() []string {
	var names []string
	for _, name := range clientOrder {
		names = append(names, string(name))
	}
	return names
}

// Promotion is one configured step: hashes labelled Candidate move to Target
// once every job in Criteria succeeded on them.
type Promotion struct {
	Target    string
	Candidate string
	Criteria  sets.Set[string]
}

// Client is an artifact backend
type Client interface {
	Promote(ctx context.Context, hash dlrn.Hash, targetLabel, candidateLabel string) error
}

// Options is the part of the configuration used by the promoter
type Options struct {
	DryRun            bool
	LatestHashesCount int
	AllowedClients    []ClientName
	Promotions        []Promotion
}

// Pair is a promoted hash and the label it was promoted to
type Pair struct {
	Hash   dlrn.Hash
	Target string
}
