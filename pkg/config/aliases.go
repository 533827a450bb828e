package config

import (
	"os"
	"path/filepath"
	"sort"
)

// StageAliases maps pass names as a compiler prints them to the stage
// identifiers the engine uses.
type StageAliases struct {
	Aliases map[string]string `yaml:"aliases"`
}

// LoadAliases reads the aliases section of a stages file.
func LoadAliases(path string) (*StageAliases, error) {
	f, err := LoadStages(path)
	if err != nil {
		return nil, err
	}
	return &StageAliases{Aliases: f.Aliases}, nil
}

// LoadAliasesWithFallback loads aliases from ~/.stagegate/stages.yaml,
// falling back to the built-in aliases if not found.
func LoadAliasesWithFallback() (*StageAliases, error) {
	home, err := os.UserHomeDir()
	if err == nil {
		userPath := filepath.Join(home, ".stagegate", "stages.yaml")
		if _, err := os.Stat(userPath); err == nil {
			return LoadAliases(userPath)
		}
	}
	return DefaultAliases(), nil
}

// DefaultAliases returns the built-in aliases.
func DefaultAliases() *StageAliases {
	return &StageAliases{Aliases: defaultStagesFile().Aliases}
}

// Resolve returns the stage identifier for a pass name.
// If the input is not an alias, it returns the input unchanged.
func (a *StageAliases) Resolve(nameOrAlias string) string {
	if a == nil || a.Aliases == nil {
		return nameOrAlias
	}
	if canonical, ok := a.Aliases[nameOrAlias]; ok {
		return canonical
	}
	return nameOrAlias
}

// IsAlias returns true if the given string is a known alias.
func (a *StageAliases) IsAlias(name string) bool {
	if a == nil || a.Aliases == nil {
		return false
	}
	_, ok := a.Aliases[name]
	return ok
}

// ListAliases returns a copy of the aliases map.
func (a *StageAliases) ListAliases() map[string]string {
	if a == nil || a.Aliases == nil {
		return make(map[string]string)
	}
	result := make(map[string]string, len(a.Aliases))
	for k, v := range a.Aliases {
		result[k] = v
	}
	return result
}

// Names returns the sorted alias names.
func (a *StageAliases) Names() []string {
	if a == nil {
		return nil
	}
	names := make([]string, 0, len(a.Aliases))
	for name := range a.Aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
