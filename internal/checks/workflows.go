package checks

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const workflowsDir = ".github/workflows"

type workflow struct {
	Path        string                 `yaml:"-"`
	On          yaml.Node              `yaml:"on"`
	Permissions yaml.Node              `yaml:"permissions"`
	Jobs        map[string]workflowJob `yaml:"jobs"`
}

type workflowJob struct {
	Permissions yaml.Node      `yaml:"permissions"`
	Uses        string         `yaml:"uses"`
	Steps       []workflowStep `yaml:"steps"`
	Line        int            `yaml:"-"`
}

type workflowStep struct {
	Name string            `yaml:"name"`
	Uses string            `yaml:"uses"`
	Run  string            `yaml:"run"`
	With map[string]string `yaml:"with"`
	Line int               `yaml:"-"`
	// RunLine is the line of the first script line.
	RunLine int `yaml:"-"`
}

func (j *workflowJob) UnmarshalYAML(n *yaml.Node) error {
	type plain workflowJob
	if err := n.Decode((*plain)(j)); err != nil {
		return err
	}
	j.Line = n.Line
	return nil
}

func (s *workflowStep) UnmarshalYAML(n *yaml.Node) error {
	type plain workflowStep
	if err := n.Decode((*plain)(s)); err != nil {
		return err
	}
	s.Line = n.Line
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value != "run" {
			continue
		}
		v := n.Content[i+1]
		s.RunLine = v.Line
		if v.Style&(yaml.LiteralStyle|yaml.FoldedStyle) != 0 {
			s.RunLine++
		}
	}
	return nil
}

// triggers returns the event names of the on: key.
func (w workflow) triggers() []string {
	var ret []string
	switch w.On.Kind {
	case yaml.ScalarNode:
		ret = append(ret, w.On.Value)
	case yaml.SequenceNode:
		for _, n := range w.On.Content {
			ret = append(ret, n.Value)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(w.On.Content); i += 2 {
			ret = append(ret, w.On.Content[i].Value)
		}
	}
	return ret
}

// sortedJobs returns jobs ordered by their position in the file.
func (w workflow) sortedJobs() []workflowJob {
	jobs := make([]workflowJob, 0, len(w.Jobs))
	for _, j := range w.Jobs {
		jobs = append(jobs, j)
	}
	slices.SortFunc(jobs, func(a, b workflowJob) int { return a.Line - b.Line })
	return jobs
}

// loadWorkflows parses GitHub workflow files. Unparsable files are skipped.
func loadWorkflows(ctx context.Context, root string) ([]workflow, error) {
	entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(workflowsDir)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ret []workflow
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.Type().IsRegular() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		rel := workflowsDir + "/" + e.Name()
		b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		var w workflow
		if err := yaml.Unmarshal(b, &w); err != nil {
			slog.DebugContext(ctx, "skipping invalid workflow", "path", rel, "error", err)
			continue
		}
		w.Path = rel
		ret = append(ret, w)
	}
	return ret, nil
}

// Finding is a single problem found in CI or build configuration.
type Finding struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

type FindingsResult struct {
	Findings []Finding `json:"findings"`
	Count    int       `json:"count"`
}

func newFindingsResult(findings []Finding) FindingsResult {
	if findings == nil {
		findings = []Finding{}
	}
	slices.SortFunc(findings, func(a, b Finding) int {
		if c := strings.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return a.Line - b.Line
	})
	return FindingsResult{Findings: findings, Count: len(findings)}
}
