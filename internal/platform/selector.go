package platform

import (
	"net/http"

	"github.com/oss-compass/openchecker/internal/model"
)

// Selector picks the adapter for a repository URL.
type Selector struct {
	cfg    model.Platforms
	client *http.Client
}

func NewSelector(cfg model.Platforms, client *http.Client) *Selector {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Selector{cfg: cfg, client: client}
}

// For returns the adapter for projectURL. A non-empty accessToken takes
// precedence over the configured platform token.
func (s *Selector) For(projectURL, accessToken string) (Adapter, error) {
	kind, err := Of(projectURL)
	if err != nil {
		return nil, err
	}
	var (
		section *model.Platform
		ctor    func(apiURL, token string, client *http.Client) (Adapter, error)
	)
	switch kind {
	case GitHub:
		section, ctor = s.cfg.GitHub, NewGitHub
	case Gitee:
		section, ctor = s.cfg.Gitee, NewGitee
	case GitCode:
		section, ctor = s.cfg.GitCode, NewGitCode
	}
	var apiURL, token string
	if section != nil {
		apiURL, token = section.APIURL, section.Token
	}
	if accessToken != "" {
		token = accessToken
	}
	return ctor(apiURL, token, s.client)
}
