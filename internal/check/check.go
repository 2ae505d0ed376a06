// Package check defines check descriptors and the registry the executor
// resolves check identifiers against.
package check

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/oss-compass/openchecker/internal/model"
	"github.com/oss-compass/openchecker/internal/platform"
)

var ErrMissingInput = errors.New("missing input")

// Need is a contextual resource a check requires.
type Need string

const (
	NeedWorkspace   Need = "workspace"
	NeedPlatformAPI Need = "platform_api"
	NeedCommitHash  Need = "commit_hash"
	NeedAccessToken Need = "access_token"

	configSectionPrefix = "config_section:"
)

// NeedConfigSection requires the tools config section of the given name.
func NeedConfigSection(name string) Need {
	return Need(configSectionPrefix + name)
}

// ConfigSection returns the section name of a config_section need.
func (n Need) ConfigSection() (string, bool) {
	return strings.CutPrefix(string(n), configSectionPrefix)
}

// Input is what the executor injected for one check invocation.
type Input struct {
	RepoPath    string
	ProjectURL  string
	CommitHash  string
	AccessToken string
	Platform    platform.Adapter
	Tools       map[string]model.Tool
}

// Tool returns the injected tools section or an ErrMissingInput error.
func (in Input) Tool(name string) (model.Tool, error) {
	t, ok := in.Tools[name]
	if !ok {
		return model.Tool{}, fmt.Errorf("tools.%s: %w", name, ErrMissingInput)
	}
	return t, nil
}

// Func returns a JSON serializable result. A nil result means not applicable.
type Func func(ctx context.Context, in Input) (any, error)

type Descriptor struct {
	ID    string
	Needs []Need
	Run   Func
}

func (d Descriptor) Requires(n Need) bool {
	return slices.Contains(d.Needs, n)
}

// Registry is an immutable id to descriptor mapping.
type Registry struct {
	byID map[string]Descriptor
	ids  []string
}

func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{byID: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		switch {
		case d.ID == "":
			return nil, errors.New("check id is empty")
		case d.Run == nil:
			return nil, fmt.Errorf("check %s: run func is nil", d.ID)
		}
		if _, ok := r.byID[d.ID]; ok {
			return nil, fmt.Errorf("check %s: duplicate id", d.ID)
		}
		d.Needs = slices.Clone(d.Needs)
		r.byID[d.ID] = d
		r.ids = append(r.ids, d.ID)
	}
	slices.Sort(r.ids)
	return r, nil
}

func (r *Registry) Lookup(id string) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// IDs returns the registered identifiers in lexical order.
func (r *Registry) IDs() []string {
	return slices.Clone(r.ids)
}
