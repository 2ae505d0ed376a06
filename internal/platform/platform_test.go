package platform_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/oss-compass/openchecker/internal/model"
	"github.com/oss-compass/openchecker/internal/platform"

	"github.com/stretchr/testify/require"
)

func TestOf(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     platform.Kind
		err      error
	}{
		{"github", "https://github.com/o/r", platform.GitHub, nil},
		{"github upper case host", "https://GitHub.com/o/r.git", platform.GitHub, nil},
		{"gitee", "https://gitee.com/o/r", platform.Gitee, nil},
		{"gitcode", "https://gitcode.com/o/r", platform.GitCode, nil},
		{"gitcode legacy", "https://gitcode.net/o/r", platform.GitCode, nil},
		{"unknown", "https://example.test/a/b", "", platform.ErrUnsupportedPlatform},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			got, err := platform.Of(tc.given)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, got)
		})
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	owner, repo, err := platform.Parse("https://github.com/oss-compass/openchecker.git/")
	require.NoError(t, err)
	require.Equal(t, "oss-compass", owner)
	require.Equal(t, "openchecker", repo)

	owner, repo, err = platform.Parse("https://gitee.com/a/b/tree/master")
	require.NoError(t, err)
	require.Equal(t, "a", owner)
	require.Equal(t, "b", repo)

	_, _, err = platform.Parse("https://github.com/only-owner")
	require.Error(t, err)
}

func newGitHubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/o/r/releases", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tkn" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		var releases []platform.Release
		switch page {
		case 1:
			for i := range 100 {
				releases = append(releases, platform.Release{
					TagName: fmt.Sprintf("v0.%d", i),
					Assets:  []platform.Asset{{Name: "bin.tgz", DownloadCount: 1}},
				})
			}
		case 2:
			releases = append(releases, platform.Release{
				TagName: "v1.0",
				Assets:  []platform.Asset{{Name: "bin.tgz", DownloadCount: 10}, {Name: "bin.tgz.asc", DownloadCount: 5}},
			})
		}
		_ = json.NewEncoder(w).Encode(releases)
	})
	mux.HandleFunc("GET /repos/o/r", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"description":"a repo","homepage":"https://o.test","stargazers_count":3}`))
	})
	mux.HandleFunc("GET /repos/o/r/hooks", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1,"active":true,"events":["push"],"config":{"url":"https://ci.test/hook"}}]`))
	})
	mux.HandleFunc("GET /repos/o/r/zipball/v1.0", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("PK"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGitHub(t *testing.T) {
	t.Parallel()
	srv := newGitHubServer(t)
	sel := platform.NewSelector(model.Platforms{
		GitHub: &model.Platform{APIURL: srv.URL, Token: "configured"},
	}, srv.Client())

	gh, err := sel.For("https://github.com/o/r", "tkn")
	require.NoError(t, err)
	require.Equal(t, platform.GitHub, gh.Kind())
	ctx := t.Context()

	releases, err := gh.Releases(ctx, "https://github.com/o/r")
	require.NoError(t, err)
	require.Len(t, releases, 101)
	require.Equal(t, "v1.0", releases[100].TagName)

	stats, err := gh.DownloadStats(ctx, "https://github.com/o/r")
	require.NoError(t, err)
	require.Equal(t, platform.DownloadStats{DownloadCount: 115, Period: "all"}, stats)

	info, err := gh.RepoInfo(ctx, "https://github.com/o/r")
	require.NoError(t, err)
	require.Equal(t, platform.RepoInfo{Description: "a repo", Homepage: "https://o.test"}, info)

	hooks, err := gh.Webhooks(ctx, "https://github.com/o/r")
	require.NoError(t, err)
	require.Equal(t, []platform.Webhook{{ID: 1, URL: "https://ci.test/hook", Active: true, Events: []string{"push"}}}, hooks)

	zipURL, err := gh.ZipballURL("https://github.com/o/r", "v1.0")
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/repos/o/r/zipball/v1.0", zipURL)
	var buf bytes.Buffer
	require.NoError(t, gh.Download(ctx, zipURL, &buf))
	require.Equal(t, "PK", buf.String())

	t.Run("configured token is used without job token", func(t *testing.T) {
		gh, err := sel.For("https://github.com/o/r", "")
		require.NoError(t, err)
		_, err = gh.Releases(ctx, "https://github.com/o/r")
		var statusErr *platform.StatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	})
}

func TestGitee(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v5/repos/o/r/releases", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "tkn" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"forbidden"}`))
			return
		}
		_, _ = w.Write([]byte(`[{"tag_name":"v1","name":"one","prerelease":true,"assets":[]}]`))
	})
	mux.HandleFunc("GET /api/v5/repos/o/r/hooks", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":9,"url":"https://ci.test"}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	gitee, err := platform.NewGitee(srv.URL+"/api/v5", "tkn", srv.Client())
	require.NoError(t, err)
	ctx := t.Context()

	releases, err := gitee.Releases(ctx, "https://gitee.com/o/r")
	require.NoError(t, err)
	require.Equal(t, []platform.Release{{TagName: "v1", Name: "one", Prerelease: true, Assets: []platform.Asset{}}}, releases)

	hooks, err := gitee.Webhooks(ctx, "https://gitee.com/o/r")
	require.NoError(t, err)
	require.Equal(t, []platform.Webhook{{ID: 9, URL: "https://ci.test", Active: true}}, hooks)

	_, err = gitee.DownloadStats(ctx, "https://gitee.com/o/r")
	require.ErrorIs(t, err, platform.ErrNotSupported)

	zipURL, err := gitee.ZipballURL("https://gitee.com/o/r", "v1")
	require.NoError(t, err)
	require.Equal(t, "https://gitee.com/o/r/repository/archive/v1.zip", zipURL)

	t.Run("status error redacts token", func(t *testing.T) {
		bad, err := platform.NewGitee(srv.URL+"/api/v5", "wrong", srv.Client())
		require.NoError(t, err)
		_, err = bad.Releases(ctx, "https://gitee.com/o/r")
		var statusErr *platform.StatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, http.StatusForbidden, statusErr.StatusCode)
		require.NotContains(t, err.Error(), "wrong")
	})
}

func TestGitCode(t *testing.T) {
	t.Parallel()
	gc, err := platform.NewGitCode("", "", nil)
	require.NoError(t, err)
	require.Equal(t, platform.GitCode, gc.Kind())

	_, err = gc.Webhooks(t.Context(), "https://gitcode.com/o/r")
	require.ErrorIs(t, err, platform.ErrNotSupported)
	_, err = gc.DownloadStats(t.Context(), "https://gitcode.com/o/r")
	require.ErrorIs(t, err, platform.ErrNotSupported)

	zipURL, err := gc.ZipballURL("https://gitcode.com/o/r.git", "v2.0")
	require.NoError(t, err)
	require.Equal(t, "https://gitcode.com/o/r/archive/refs/tags/v2.0.zip", zipURL)
}

func TestSelectorUnsupported(t *testing.T) {
	t.Parallel()
	_, err := platform.NewSelector(model.Platforms{}, nil).For("https://example.test/a/b", "")
	require.ErrorIs(t, err, platform.ErrUnsupportedPlatform)
}
