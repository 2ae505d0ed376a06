// Package bom reads CycloneDX SBOMs produced by dependency extractors.
package bom

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"

	cdx "github.com/CycloneDX/cyclonedx-go"
)

type Dependency struct {
	Name      string   `json:"name"`
	Version   string   `json:"version,omitempty"`
	PURL      string   `json:"purl,omitempty"`
	Ecosystem string   `json:"ecosystem,omitempty"`
	Licenses  []string `json:"licenses,omitempty"`
}

type Summary struct {
	SpecVersion  string         `json:"spec_version"`
	Total        int            `json:"total"`
	Ecosystems   map[string]int `json:"ecosystems"`
	Dependencies []Dependency   `json:"dependencies"`
}

// Decode reads a CycloneDX JSON document.
func Decode(r io.Reader) (*cdx.BOM, error) {
	var bom cdx.BOM
	if err := cdx.NewBOMDecoder(r, cdx.BOMFileFormatJSON).Decode(&bom); err != nil {
		return nil, fmt.Errorf("decoding CycloneDX BOM: %w", err)
	}
	if bom.BOMFormat != "" && bom.BOMFormat != cdx.BOMFormat {
		return nil, fmt.Errorf("unexpected bomFormat %q", bom.BOMFormat)
	}
	return &bom, nil
}

// Summarize flattens library and framework components, nested ones included,
// sorted by ecosystem, name and version.
func Summarize(bom *cdx.BOM) Summary {
	s := Summary{
		SpecVersion:  bom.SpecVersion.String(),
		Ecosystems:   map[string]int{},
		Dependencies: []Dependency{},
	}
	if bom.Components != nil {
		s.collect(*bom.Components)
	}
	slices.SortFunc(s.Dependencies, func(a, b Dependency) int {
		return cmp.Or(
			cmp.Compare(a.Ecosystem, b.Ecosystem),
			cmp.Compare(a.Name, b.Name),
			cmp.Compare(a.Version, b.Version),
		)
	})
	s.Total = len(s.Dependencies)
	return s
}

func (s *Summary) collect(components []cdx.Component) {
	for _, c := range components {
		switch c.Type {
		case cdx.ComponentTypeLibrary, cdx.ComponentTypeFramework:
			d := Dependency{
				Name:      c.Name,
				Version:   c.Version,
				PURL:      c.PackageURL,
				Ecosystem: ecosystem(c.PackageURL),
				Licenses:  licenses(c.Licenses),
			}
			if d.Ecosystem != "" {
				s.Ecosystems[d.Ecosystem]++
			}
			s.Dependencies = append(s.Dependencies, d)
		}
		if c.Components != nil {
			s.collect(*c.Components)
		}
	}
}

// ecosystem returns the package url type, e.g. npm for pkg:npm/left-pad@1.0.0
func ecosystem(purl string) string {
	rest, ok := strings.CutPrefix(purl, "pkg:")
	if !ok {
		return ""
	}
	typ, _, _ := strings.Cut(rest, "/")
	return strings.ToLower(typ)
}

func licenses(choices *cdx.Licenses) []string {
	if choices == nil {
		return nil
	}
	var ret []string
	for _, l := range *choices {
		switch {
		case l.Expression != "":
			ret = append(ret, l.Expression)
		case l.License != nil && l.License.ID != "":
			ret = append(ret, l.License.ID)
		case l.License != nil && l.License.Name != "":
			ret = append(ret, l.License.Name)
		}
	}
	return ret
}
