package credential

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Capability is a named permission bundle required to call a downstream API
// family. A record satisfies the capability when its scope contains at least
// one of the acceptable scope strings.
type Capability struct {
	// Scopes is the allow-list of scope strings, any one of which grants the
	// capability.
	Scopes []string `yaml:"scopes"`

	// Mandatory capabilities block token use when unsatisfied. Advisory
	// capabilities log and proceed.
	Mandatory bool `yaml:"mandatory"`
}

// Policy maps capability names to their acceptable scopes. The policy is
// configuration, not code: it is loaded from a YAML file at startup.
type Policy map[string]Capability

type policyFile struct {
	Capabilities Policy `yaml:"capabilities"`
}

// LoadPolicy reads a capability policy from a YAML file.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading capability policy: %w", err)
	}

	return ParsePolicy(data)
}

// ParsePolicy parses YAML capability policy content.
func ParsePolicy(data []byte) (Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing capability policy: %w", err)
	}

	for name, capability := range file.Capabilities {
		if len(capability.Scopes) == 0 {
			return nil, fmt.Errorf("capability %q has no acceptable scopes", name)
		}
	}

	return file.Capabilities, nil
}

// Satisfied reports whether the record's scope grants the named capability.
// Unknown capabilities are never satisfied: a capability that was not
// configured cannot be verified, so it must not be assumed.
func (p Policy) Satisfied(r Record, capability string) bool {
	c, ok := p[capability]
	if !ok {
		return false
	}

	for _, scope := range c.Scopes {
		if r.HasScope(scope) {
			return true
		}
	}

	return false
}

// Mandatory reports whether an unsatisfied capability blocks token use.
// Unknown capabilities are treated as mandatory: failing closed beats
// attempting a call the provider is guaranteed to reject.
func (p Policy) Mandatory(capability string) bool {
	c, ok := p[capability]
	if !ok {
		return true
	}
	return c.Mandatory
}
