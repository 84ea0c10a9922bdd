// Package services holds the carrier service alias table shared by the
// instruction context and the capability surface.
package services

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed aliases.yaml
var aliasesYAML []byte

// Service is one carrier service level.
type Service struct {
	Code    string   `yaml:"code" json:"code"`
	Name    string   `yaml:"name" json:"name"`
	Aliases []string `yaml:"aliases" json:"aliases"`
}

type table struct {
	Services []Service `yaml:"services"`
}

var (
	catalog []Service
	index   map[string]string
)

func init() {
	var t table
	if err := yaml.Unmarshal(aliasesYAML, &t); err != nil {
		panic(fmt.Sprintf("services: parse aliases.yaml: %v", err))
	}
	catalog = t.Services
	sort.SliceStable(catalog, func(i, j int) bool { return catalog[i].Code < catalog[j].Code })

	index = make(map[string]string)
	for _, s := range catalog {
		index[normalize(s.Code)] = s.Code
		index[normalize(s.Name)] = s.Code
		for _, a := range s.Aliases {
			index[normalize(a)] = s.Code
		}
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// All returns the catalog sorted by code.
func All() []Service {
	out := make([]Service, len(catalog))
	copy(out, catalog)
	return out
}

// Resolve maps a code, name or alias to a service code.
func Resolve(s string) (string, bool) {
	code, ok := index[normalize(s)]
	return code, ok
}

// Name returns the display name for a code.
func Name(code string) string {
	for _, s := range catalog {
		if s.Code == code {
			return s.Name
		}
	}
	return code
}
