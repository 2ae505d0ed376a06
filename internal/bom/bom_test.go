package bom_test

import (
	"strings"
	"testing"

	"github.com/oss-compass/openchecker/internal/bom"

	"github.com/stretchr/testify/require"
)

const syftOutput = `{
  "bomFormat": "CycloneDX",
  "specVersion": "1.6",
  "version": 1,
  "components": [
    {
      "type": "library",
      "name": "lodash",
      "version": "4.17.21",
      "purl": "pkg:npm/lodash@4.17.21",
      "licenses": [{"license": {"id": "MIT"}}]
    },
    {
      "type": "library",
      "name": "github.com/stretchr/testify",
      "version": "v1.11.1",
      "purl": "pkg:golang/github.com/stretchr/testify@v1.11.1",
      "licenses": [{"expression": "MIT OR Apache-2.0"}],
      "components": [
        {"type": "library", "name": "github.com/davecgh/go-spew", "version": "v1.1.1", "purl": "pkg:golang/github.com/davecgh/go-spew@v1.1.1"}
      ]
    },
    {
      "type": "file",
      "name": "/go.mod"
    }
  ]
}`

func TestSummarize(t *testing.T) {
	t.Parallel()
	b, err := bom.Decode(strings.NewReader(syftOutput))
	require.NoError(t, err)

	s := bom.Summarize(b)
	require.Equal(t, "1.6", s.SpecVersion)
	require.Equal(t, 3, s.Total)
	require.Equal(t, map[string]int{"golang": 2, "npm": 1}, s.Ecosystems)
	require.Equal(t, []bom.Dependency{
		{
			Name:      "github.com/davecgh/go-spew",
			Version:   "v1.1.1",
			PURL:      "pkg:golang/github.com/davecgh/go-spew@v1.1.1",
			Ecosystem: "golang",
		},
		{
			Name:      "github.com/stretchr/testify",
			Version:   "v1.11.1",
			PURL:      "pkg:golang/github.com/stretchr/testify@v1.11.1",
			Ecosystem: "golang",
			Licenses:  []string{"MIT OR Apache-2.0"},
		},
		{
			Name:      "lodash",
			Version:   "4.17.21",
			PURL:      "pkg:npm/lodash@4.17.21",
			Ecosystem: "npm",
			Licenses:  []string{"MIT"},
		},
	}, s.Dependencies)
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()
	_, err := bom.Decode(strings.NewReader("not json"))
	require.Error(t, err)
	_, err = bom.Decode(strings.NewReader(`{"bomFormat": "SPDX"}`))
	require.EqualError(t, err, `unexpected bomFormat "SPDX"`)

	b, err := bom.Decode(strings.NewReader(`{"bomFormat": "CycloneDX", "specVersion": "1.5"}`))
	require.NoError(t, err)
	s := bom.Summarize(b)
	require.Zero(t, s.Total)
	require.NotNil(t, s.Dependencies)
}
