package modelpool

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Entry declares one inference backend in the pool definition file.
type Entry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Weight   int    `yaml:"weight"`
}

// LoadDefinition reads a pool definition from a YAML file.
func LoadDefinition(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "modelpool: read definition %s", path)
	}

	// The YAML has a top-level "pool" key
	var wrapper struct {
		Pool []Entry `yaml:"pool"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "modelpool: parse definition")
	}

	entries := wrapper.Pool
	if len(entries) == 0 {
		return nil, eris.Errorf("modelpool: definition %s has no entries", path)
	}
	for i, e := range entries {
		if e.Provider == "" || e.Model == "" {
			return nil, eris.Errorf("modelpool: entry %d missing provider or model", i)
		}
		if e.Weight <= 0 {
			entries[i].Weight = 1
		}
	}
	return entries, nil
}
