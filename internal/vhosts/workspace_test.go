package vhosts

import (
	"context"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"fauxnetd/internal/config"
	"fauxnetd/internal/operations"
	"fauxnetd/internal/operations/testutil"
)

// fakeFetcher serves pages from a map keyed by URL
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	hits  map[string]int
}

func newFakeFetcher(pages map[string]string) *fakeFetcher {
	return &fakeFetcher{pages: pages, hits: make(map[string]int)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[rawURL]++
	body, ok := f.pages[rawURL]
	if !ok {
		return nil, errors.New("GET " + rawURL + ": 404 Not Found")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	ct := "text/html; charset=utf-8"
	if ext := filepath.Ext(u.Path); ext == ".css" || ext == ".png" {
		ct = "application/octet-stream"
	}
	return &Page{URL: u, Body: []byte(body), ContentType: ct}, nil
}

func (f *fakeFetcher) Hits(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[rawURL]
}

type fakeResolver map[string][]string

func (r fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if addrs, ok := r[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

const examplePage = `<html><head>
<link rel="stylesheet" href="/style.css">
<script src="https://cdn.other.net/lib.js"></script>
</head><body>
<img src="logo.png">
<a href="/about">About</a>
<a href="#top">Top</a>
<a href="mailto:admin@example.com">Mail</a>
<a href="http://other.com/x">Elsewhere</a>
</body></html>`

func examplePages() map[string]string {
	return map[string]string{
		"http://www.example.com":           examplePage,
		"http://www.example.com/style.css": "body{}",
		"http://www.example.com/logo.png":  "PNG",
		"http://www.example.com/about":     `<html><body><a href="/team">Team</a></body></html>`,
		"http://www.example.com/team":      `<html><body>team</body></html>`,
	}
}

func newTestWorkspace(t *testing.T, fetcher Fetcher) *Workspace {
	t.Helper()
	cfg := config.VhostsConfig{
		BaseDir:     t.TempDir(),
		Concurrency: 2,
		NCSIURL:     "http://www.msftncsi.com",
		FallbackIP:  "1.0.0.0",
	}
	return NewWorkspace(cfg,
		WithFetcher(fetcher),
		WithBrowserFetcher(fetcher),
		WithResolver(fakeResolver{"www.example.com": {"2001:db8::1", "93.184.216.34"}}),
		WithKeyBits(1024),
	)
}

func runJob(t *testing.T, ws *Workspace, job operations.Job) operations.ProgressRecord {
	t.Helper()
	reg := operations.NewRegistry(operations.RegistryConfig{MaxMessages: 200, RetentionTTL: time.Minute})
	runner := operations.NewRunner(reg)
	if job.Kind == "" {
		job.Kind = operations.KindSiteScrape
	}
	job.Catalog = Catalog()
	job.Run = ws.RunPhase
	started, err := runner.Start(context.Background(), job)
	require.NoError(t, err)
	rec := testutil.WaitForTerminal(t, reg, started.OperationID, 30*time.Second)
	runner.Wait()
	return rec
}

func TestExtractLinks(t *testing.T) {
	base, _ := url.Parse("http://www.example.com/dir/page.html")
	found := extractLinks(base, []byte(examplePage))

	var follow, requisites []string
	for _, u := range found.follow {
		follow = append(follow, u.String())
	}
	for _, u := range found.requisites {
		requisites = append(requisites, u.String())
	}
	assert.Equal(t, []string{"http://www.example.com/about", "http://other.com/x"}, follow)
	assert.Equal(t, []string{
		"http://www.example.com/style.css",
		"https://cdn.other.net/lib.js",
		"http://www.example.com/dir/logo.png",
	}, requisites)
}

func TestLocalPath(t *testing.T) {
	root := filepath.FromSlash("/srv/www/example.com")
	tests := []struct {
		raw    string
		isHTML bool
		want   string
	}{
		{"http://example.com", true, "index.html"},
		{"http://example.com/", true, "index.html"},
		{"http://example.com/docs/", true, "docs/index.html"},
		{"http://example.com/about", true, "about.html"},
		{"http://example.com/page.htm", true, "page.htm"},
		{"http://example.com/style.css", false, "style.css"},
		{"http://example.com/../../etc/passwd", false, "etc/passwd"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(root, filepath.FromSlash(tt.want)), localPath(root, u, tt.isHTML))
		})
	}
}

func TestCrawlDepth(t *testing.T) {
	tests := []struct {
		depth     int
		wantTeam  bool
		wantAbout bool
	}{
		{1, false, false},
		{2, false, true},
		{0, true, true},
	}
	for _, tt := range tests {
		fetcher := newFakeFetcher(examplePages())
		c := &crawler{
			fetch: func(ctx context.Context, u *url.URL, page bool) (*Page, error) {
				return fetcher.Fetch(ctx, u.String())
			},
			wwwDir:  t.TempDir(),
			depth:   tt.depth,
			onError: func(*url.URL, error) {},
		}
		start, _ := url.Parse("http://www.example.com")
		res, err := c.crawl(context.Background(), start)
		require.NoError(t, err)

		assert.Equal(t, "www.example.com", res.Host)
		assert.Equal(t, tt.wantAbout, fetcher.Hits("http://www.example.com/about") == 1, "depth %d", tt.depth)
		assert.Equal(t, tt.wantTeam, fetcher.Hits("http://www.example.com/team") == 1, "depth %d", tt.depth)
		assert.Zero(t, fetcher.Hits("http://other.com/x"))
		assert.Zero(t, fetcher.Hits("https://cdn.other.net/lib.js"))
		assert.FileExists(t, filepath.Join(c.wwwDir, "www.example.com", "index.html"))
		assert.FileExists(t, filepath.Join(c.wwwDir, "www.example.com", "style.css"))
	}
}

func TestCrawlReusesDownloadedFiles(t *testing.T) {
	fetcher := newFakeFetcher(examplePages())
	c := &crawler{
		fetch: func(ctx context.Context, u *url.URL, page bool) (*Page, error) {
			return fetcher.Fetch(ctx, u.String())
		},
		wwwDir:  t.TempDir(),
		depth:   1,
		onError: func(*url.URL, error) {},
	}
	start, _ := url.Parse("http://www.example.com")

	_, err := c.crawl(context.Background(), start)
	require.NoError(t, err)
	res, err := c.crawl(context.Background(), start)
	require.NoError(t, err)

	assert.Equal(t, 1, fetcher.Hits("http://www.example.com"))
	assert.Equal(t, []string{"/about", "/logo.png", "/style.css"}, res.Discovered)

	c.force = true
	_, err = c.crawl(context.Background(), start)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.Hits("http://www.example.com"))
}

func TestWorkspace_CompletedOnEmptyTree(t *testing.T) {
	ws := newTestWorkspace(t, newFakeFetcher(nil))
	for n, done := range ws.CompletionState() {
		assert.False(t, done, "phase %d", n)
	}
	assert.Len(t, ws.CompletionState(), 7)
}

func TestWorkspace_FullScrape(t *testing.T) {
	ws := newTestWorkspace(t, newFakeFetcher(examplePages()))

	rec := runJob(t, ws, operations.Job{
		Values: map[string]interface{}{
			ValueSites:   []string{"http://www.example.com"},
			ValueOptions: Options{Depth: 1},
		},
	})
	require.Equal(t, operations.StatusCompleted, rec.Status, rec.Error)
	assert.Equal(t, float64(100), rec.Progress)
	assert.Equal(t, 7, rec.TotalPhases)

	assert.Equal(t, 2, rec.Result["sites_scraped"])
	assert.Equal(t, 3, rec.Result["urls_discovered"])
	assert.Equal(t, ws.ConfigDir(), rec.Result["config_location"])
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, rec.Result["phases_run"])
	outputs, ok := rec.Result["outputs"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, filepath.Join(ws.ConfigDir(), "sites_summary.json"), outputs["7"])

	for n, done := range ws.CompletionState() {
		assert.True(t, done, "phase %d", n)
	}

	hosts, err := ws.Hosts()
	require.NoError(t, err)
	assert.Equal(t, []string{LandingHost, "www.example.com", "www.msftncsi.com"}, hosts)

	ncsi, err := os.ReadFile(filepath.Join(ws.WWWDir(), "www.msftncsi.com", "ncsi.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Microsoft NCSI", string(ncsi))

	hostsFile, err := os.ReadFile(filepath.Join(ws.ConfigDir(), "hosts.nginx"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0.0 fauxnet.info\n93.184.216.34 www.example.com\n1.0.0.0 www.msftncsi.com\n", string(hostsFile))

	block, err := os.ReadFile(filepath.Join(ws.vhostsConfigDir, "www.example.com", "nginx.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(block), "server_name www.example.com;")
	assert.Contains(t, string(block), "ssl_certificate_key "+filepath.Join(ws.ConfigDir(), "fauxnet_vh.key")+";")

	landing, err := os.ReadFile(filepath.Join(ws.WWWDir(), LandingHost, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(landing), `href="//www.example.com"`)
	assert.NotContains(t, string(landing), `href="//fauxnet.info"`)
	assert.FileExists(t, filepath.Join(ws.WWWDir(), LandingHost, "fauxnet_ca.cer"))

	var fallbackWarned bool
	for _, m := range rec.Messages {
		if m.Level == operations.LevelWarning && strings.Contains(m.Text, "[www.msftncsi.com] Unable to resolve IP address") {
			fallbackWarned = true
		}
	}
	assert.True(t, fallbackWarned)
}

func TestWorkspace_CertificatesChainToCA(t *testing.T) {
	ws := newTestWorkspace(t, newFakeFetcher(examplePages()))
	rec := runJob(t, ws, operations.Job{
		Phases: []int{PhaseCA, PhaseDownload, PhaseCertificates},
		Values: map[string]interface{}{ValueSites: []string{"http://www.example.com"}},
	})
	require.Equal(t, operations.StatusCompleted, rec.Status, rec.Error)

	caDER, err := readPEM(filepath.Join(ws.ConfigDir(), "fauxnet_ca.cer"), "CERTIFICATE")
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)
	assert.True(t, ca.IsCA)
	assert.Equal(t, "fauxnet_ca", ca.Subject.CommonName)

	leafDER, err := readPEM(filepath.Join(ws.vhostsConfigDir, "www.example.com", "www.example.com.cer"), "CERTIFICATE")
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(ca)
	_, err = leaf.Verify(x509.VerifyOptions{
		DNSName:   "www.example.com",
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	require.NoError(t, err)

	hostKey, err := readRSAKey(filepath.Join(ws.ConfigDir(), "fauxnet_vh.key"))
	require.NoError(t, err)
	assert.True(t, hostKey.PublicKey.Equal(leaf.PublicKey))
}

func TestWorkspace_ReusesExistingCA(t *testing.T) {
	ws := newTestWorkspace(t, newFakeFetcher(nil))
	rec := runJob(t, ws, operations.Job{Phases: []int{PhaseCA}})
	require.Equal(t, operations.StatusCompleted, rec.Status)
	first, err := os.ReadFile(filepath.Join(ws.ConfigDir(), "fauxnet_ca.cer"))
	require.NoError(t, err)

	rec = runJob(t, ws, operations.Job{Phases: []int{PhaseCA}})
	require.Equal(t, operations.StatusCompleted, rec.Status)
	second, err := os.ReadFile(filepath.Join(ws.ConfigDir(), "fauxnet_ca.cer"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	rec = runJob(t, ws, operations.Job{
		Phases: []int{PhaseCA},
		Values: map[string]interface{}{ValueOptions: Options{Force: true}},
	})
	require.Equal(t, operations.StatusCompleted, rec.Status)
	third, err := os.ReadFile(filepath.Join(ws.ConfigDir(), "fauxnet_ca.cer"))
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestWorkspace_DownloadRequiresSites(t *testing.T) {
	ws := newTestWorkspace(t, newFakeFetcher(nil))
	rec := runJob(t, ws, operations.Job{
		Phases:    []int{PhaseDownload},
		Satisfied: func(int) bool { return true },
	})
	assert.Equal(t, operations.StatusError, rec.Status)
	assert.Equal(t, "Phase 2 (Download websites) requires 'sites' list", rec.Error)
	assert.Equal(t, PhaseDownload, rec.CurrentPhase)
}

func TestWorkspace_DownloadFailsWhenNoSiteLoads(t *testing.T) {
	ws := newTestWorkspace(t, newFakeFetcher(nil))
	rec := runJob(t, ws, operations.Job{
		Phases:    []int{PhaseDownload},
		Satisfied: func(int) bool { return true },
		Values:    map[string]interface{}{ValueSites: []string{"http://www.bad.example"}},
	})
	assert.Equal(t, operations.StatusError, rec.Status)
	assert.Equal(t, "no websites could be downloaded: www.bad.example, www.msftncsi.com", rec.Error)
	assert.FileExists(t, filepath.Join(ws.WWWDir(), "www.msftncsi.com", "ncsi.txt"))
}

func TestWorkspace_PartialFailureIsWarning(t *testing.T) {
	ws := newTestWorkspace(t, newFakeFetcher(examplePages()))
	rec := runJob(t, ws, operations.Job{
		Phases:    []int{PhaseDownload},
		Satisfied: func(int) bool { return true },
		Values:    map[string]interface{}{ValueSites: []string{"http://www.example.com", "http://www.bad.example"}},
	})
	require.Equal(t, operations.StatusCompleted, rec.Status, rec.Error)
	assert.Equal(t, 3, rec.Result["sites_scraped"])

	var warned bool
	for _, m := range rec.Messages {
		if m.Level == operations.LevelWarning && strings.HasPrefix(m.Text, "Failed www.bad.example") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestWorkspace_PhaseRunUsesEarlierArtifacts(t *testing.T) {
	ws := newTestWorkspace(t, newFakeFetcher(examplePages()))
	rec := runJob(t, ws, operations.Job{
		Values: map[string]interface{}{ValueSites: []string{"http://www.example.com"}},
	})
	require.Equal(t, operations.StatusCompleted, rec.Status, rec.Error)

	rec = runJob(t, ws, operations.Job{
		Kind:      operations.KindPhaseRun,
		Phases:    []int{PhaseNginx},
		Satisfied: ws.Completed,
	})
	require.Equal(t, operations.StatusCompleted, rec.Status, rec.Error)
	assert.Equal(t, []int{PhaseNginx}, rec.Result["phases_run"])
}

func TestWorkspace_SummaryWorkbook(t *testing.T) {
	ws := newTestWorkspace(t, newFakeFetcher(examplePages()))
	rec := runJob(t, ws, operations.Job{
		Phases: []int{PhaseCA, PhaseDownload, PhaseSummary},
		Values: map[string]interface{}{ValueSites: []string{"http://www.example.com"}},
	})
	require.Equal(t, operations.StatusCompleted, rec.Status, rec.Error)

	f, err := excelize.OpenFile(filepath.Join(ws.ConfigDir(), "sites_summary.xlsx"))
	require.NoError(t, err)
	defer f.Close()

	sites, err := f.GetRows("Sites")
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, []string{"Host", "WWW Directory", "Config Directory", "URLs Discovered"}, sites[0])
	assert.Equal(t, "www.example.com", sites[1][0])
	assert.Equal(t, "3", sites[1][3])

	urls, err := f.GetRows("URLs")
	require.NoError(t, err)
	assert.Len(t, urls, 4)
	assert.Equal(t, []string{"www.example.com", "/about"}, urls[1])
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/old":
			http.Redirect(w, r, "/new", http.StatusFound)
		case "/new":
			assert.Equal(t, "fauxnet-test", r.Header.Get("User-Agent"))
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5*time.Second, "fauxnet-test")
	page, err := f.Fetch(context.Background(), srv.URL+"/old")
	require.NoError(t, err)
	assert.Equal(t, "/new", page.URL.Path)
	assert.True(t, page.IsHTML())
	assert.Equal(t, "<html></html>", string(page.Body))

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
