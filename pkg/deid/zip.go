package deid

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ZipPolicy decides whether a 3-digit ZIP prefix covers too small a
// population to publish.
type ZipPolicy interface {
	Suppress(prefix string) bool
}

// NoSuppression keeps every prefix.
type NoSuppression struct{}

func (NoSuppression) Suppress(string) bool { return false }

// RestrictedPrefixes suppresses a fixed list of prefixes.
type RestrictedPrefixes struct {
	prefixes map[string]struct{}
}

type zipPolicyFile struct {
	Restricted []string `yaml:"restricted_prefixes"`
}

// HIPAARestrictedPrefixes are the 3-digit ZIPs with 20,000 or fewer residents
// per the 2000 census.
var HIPAARestrictedPrefixes = []string{
	"036", "059", "063", "102", "203", "556", "692", "790", "821",
	"823", "830", "831", "878", "879", "884", "890", "893",
}

func NewRestrictedPrefixes(prefixes []string) *RestrictedPrefixes {
	set := make(map[string]struct{}, len(prefixes))
	for _, p := range prefixes {
		set[p] = struct{}{}
	}
	return &RestrictedPrefixes{prefixes: set}
}

func (r *RestrictedPrefixes) Suppress(prefix string) bool {
	_, ok := r.prefixes[prefix]
	return ok
}

// LoadZipPolicy reads a restricted-prefix list from YAML. An empty path means
// no suppression.
func LoadZipPolicy(path string) (ZipPolicy, error) {
	if path == "" {
		return NoSuppression{}, nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var f zipPolicyFile
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parse zip policy: %w", err)
	}
	for _, p := range f.Restricted {
		if len(p) != 3 {
			return nil, fmt.Errorf("zip policy: prefix %q is not 3 digits", p)
		}
	}
	return NewRestrictedPrefixes(f.Restricted), nil
}
