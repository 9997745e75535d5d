package secrets

import (
	"bytes"
	"encoding/base64"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Replacement is what the censored secrets are replaced with
const Replacement = "CENSORED"

// DynamicCensor keeps a list of censored secrets that is dynamically updated.
// Used when the list of secrets to censor is updated during the execution of
// the program and cannot be determined in advance.  Access to the list of
// secrets is internally synchronized.
type DynamicCensor struct {
	sync.RWMutex
	secrets sets.Set[string]
}

func NewDynamicCensor() DynamicCensor {
	return DynamicCensor{
		secrets: sets.New[string](),
	}
}

// AddSecrets adds the content of one or more secrets to the censor list.
func (c *DynamicCensor) AddSecrets(s ...string) {
	c.Lock()
	defer c.Unlock()
	for _, secret := range s {
		if secret != "" {
			c.secrets.Insert(secret)
		}
	}
}

// Censor replaces the secrets and their base64 encoding in input
func (c *DynamicCensor) Censor(input *[]byte) {
	c.RLock()
	defer c.RUnlock()
	var replacements []string
	for secret := range c.secrets {
		replacements = append(replacements, secret, base64.StdEncoding.EncodeToString([]byte(secret)))
	}
	// longer secrets first, one may contain another
	sort.Slice(replacements, func(i, j int) bool {
		if len(replacements[i]) != len(replacements[j]) {
			return len(replacements[i]) > len(replacements[j])
		}
		return replacements[i] < replacements[j]
	})
	for _, secret := range replacements {
		*input = bytes.ReplaceAll(*input, []byte(secret), []byte(Replacement))
	}
}

// Formatter creates a new formatter to be used to filter output.
func (c *DynamicCensor) Formatter(f logrus.Formatter) logrus.Formatter {
	return &censoringFormatter{delegate: f, censor: c}
}

type censoringFormatter struct {
	delegate logrus.Formatter
	censor   *DynamicCensor
}

func (f *censoringFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	raw, err := f.delegate.Format(entry)
	if err != nil {
		return raw, err
	}
	f.censor.Censor(&raw)
	return raw, nil
}
