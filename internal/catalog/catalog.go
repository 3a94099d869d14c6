// Package catalog is the external target catalog: which recommendation sets
// exist, which scope (account or retailer) owns them, whether they are enabled,
// and which algorithm computes each of them.
//
// A catalog document looks like:
//
//	algorithms:
//	  popular:
//	    command: ["./bin/popular", "--target", "{target}"]
//	    skip_exit_code: 3
//	    timeout: 2h
//	scopes:
//	  retailer-7:
//	    - ref: "42"
//	      algorithm: popular
//	    - ref: "43"
//	      algorithm: popular
//	      enabled: false
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"recset-precompute/internal/models"
)

var (
	ErrUnknownTarget = errors.New("unknown target")
	ErrUnknownScope  = errors.New("unknown scope")
)

// Algorithm describes the command that computes one algorithm's targets.
type Algorithm struct {
	Name         string            `yaml:"-"`
	Command      []string          `yaml:"command"`
	Dir          string            `yaml:"dir"`
	Env          map[string]string `yaml:"env"`
	SkipExitCode int               `yaml:"skip_exit_code"`
	Timeout      time.Duration     `yaml:"timeout"`
}

type targetDoc struct {
	Ref       string `yaml:"ref"`
	Algorithm string `yaml:"algorithm"`
	Enabled   *bool  `yaml:"enabled"`
}

type document struct {
	Algorithms map[string]Algorithm   `yaml:"algorithms"`
	Scopes     map[string][]targetDoc `yaml:"scopes"`
}

// Catalog is an immutable, parsed catalog document.
type Catalog struct {
	algorithms map[string]Algorithm
	scopes     map[string][]models.Target
	byRef      map[string]models.Target
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{
		algorithms: make(map[string]Algorithm, len(doc.Algorithms)),
		scopes:     make(map[string][]models.Target, len(doc.Scopes)),
		byRef:      make(map[string]models.Target),
	}
	for name, alg := range doc.Algorithms {
		if len(alg.Command) == 0 {
			return nil, fmt.Errorf("algorithm %q: command is required", name)
		}
		alg.Name = name
		c.algorithms[name] = alg
	}
	for scope, docs := range doc.Scopes {
		if scope == "" {
			return nil, errors.New("scope name is required")
		}
		targets := make([]models.Target, 0, len(docs))
		for i, td := range docs {
			if td.Ref == "" {
				return nil, fmt.Errorf("scope %q target %d: ref is required", scope, i)
			}
			if td.Algorithm == "" {
				return nil, fmt.Errorf("target %q: algorithm is required", td.Ref)
			}
			if prev, dup := c.byRef[td.Ref]; dup {
				return nil, fmt.Errorf("target %q listed in scopes %q and %q", td.Ref, prev.Scope, scope)
			}
			t := models.Target{
				Ref:       td.Ref,
				Algorithm: td.Algorithm,
				Scope:     scope,
				Enabled:   td.Enabled == nil || *td.Enabled,
			}
			c.byRef[t.Ref] = t
			targets = append(targets, t)
		}
		c.scopes[scope] = targets
	}
	return c, nil
}

// Scopes returns every scope name, sorted.
func (c *Catalog) Scopes() []string {
	out := make([]string, 0, len(c.scopes))
	for s := range c.scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Expand returns the targets owned by scope in document order, disabled ones included.
func (c *Catalog) Expand(scope string) ([]models.Target, error) {
	targets, ok := c.scopes[scope]
	if !ok {
		return nil, fmt.Errorf("scope %s: %w", scope, ErrUnknownScope)
	}
	return append([]models.Target(nil), targets...), nil
}

// Lookup resolves target references. It fails on the first unknown ref.
func (c *Catalog) Lookup(refs []string) ([]models.Target, error) {
	out := make([]models.Target, 0, len(refs))
	for _, ref := range refs {
		t, ok := c.byRef[ref]
		if !ok {
			return nil, fmt.Errorf("target %s: %w", ref, ErrUnknownTarget)
		}
		out = append(out, t)
	}
	return out, nil
}

// Algorithms returns the algorithm definitions keyed by name.
func (c *Catalog) Algorithms() map[string]Algorithm {
	out := make(map[string]Algorithm, len(c.algorithms))
	for k, v := range c.algorithms {
		out[k] = v
	}
	return out
}
