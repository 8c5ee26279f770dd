package vhosts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fauxnetd/internal/config"
	"fauxnetd/internal/operations"
)

// Job values read by RunPhase
const (
	ValueSites   = "sites"
	ValueOptions = "options"
)

const (
	valueOutputs   = "outputs"
	valuePhasesRun = "phases_run"
)

// LandingHost is the virtual host serving the index of all other hosts
const LandingHost = "fauxnet.info"

// Options tune a scrape
type Options struct {
	// Depth 1 downloads landing pages only, 0 follows links without a depth limit
	Depth    int  `json:"depth"`
	Force    bool `json:"force"`
	RenderJS bool `json:"render_js"`
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Workspace owns the on-disk layout of the generated virtual hosts:
//
//	<base>/vhosts_www/<host>/...         downloaded content
//	<base>/vhosts_config/<host>/...      certificate, hosts entry, server block
//	<base>/config/...                    CA, shared key, hosts.nginx, nginx.conf, summaries
type Workspace struct {
	baseDir         string
	wwwDir          string
	vhostsConfigDir string
	configDir       string

	fetcher     Fetcher
	browser     Fetcher
	resolver    Resolver
	concurrency int
	ncsiURL     string
	fallbackIP  string
	keyBits     int
	now         func() time.Time
	logger      *slog.Logger

	// one phase at a time touches the tree
	mu sync.Mutex
}

// Option configures a Workspace
type Option func(*Workspace)

// WithFetcher replaces the HTTP fetcher
func WithFetcher(f Fetcher) Option {
	return func(w *Workspace) { w.fetcher = f }
}

// WithBrowserFetcher replaces the fetcher used when script rendering is requested
func WithBrowserFetcher(f Fetcher) Option {
	return func(w *Workspace) { w.browser = f }
}

// WithResolver replaces the DNS resolver
func WithResolver(r Resolver) Option {
	return func(w *Workspace) { w.resolver = r }
}

// WithKeyBits sets the RSA key size
func WithKeyBits(bits int) Option {
	return func(w *Workspace) { w.keyBits = bits }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workspace) { w.logger = logger }
}

// NewWorkspace creates a workspace rooted at cfg.BaseDir
func NewWorkspace(cfg config.VhostsConfig, opts ...Option) *Workspace {
	w := &Workspace{
		baseDir:         cfg.BaseDir,
		wwwDir:          filepath.Join(cfg.BaseDir, "vhosts_www"),
		vhostsConfigDir: filepath.Join(cfg.BaseDir, "vhosts_config"),
		configDir:       filepath.Join(cfg.BaseDir, "config"),
		resolver:        net.DefaultResolver,
		concurrency:     cfg.Concurrency,
		ncsiURL:         cfg.NCSIURL,
		fallbackIP:      cfg.FallbackIP,
		keyBits:         2048,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.fetcher == nil {
		w.fetcher = NewHTTPFetcher(cfg.RequestTimeout, cfg.UserAgent)
	}
	if w.browser == nil {
		w.browser = NewBrowserFetcher(cfg.RequestTimeout, cfg.UserAgent)
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.fallbackIP == "" {
		w.fallbackIP = "1.0.0.0"
	}
	w.logger = w.logger.With(slog.String("component", "vhosts"))
	return w
}

// ConfigDir is where the generated configuration lives
func (w *Workspace) ConfigDir() string { return w.configDir }

// WWWDir is where downloaded content lives
func (w *Workspace) WWWDir() string { return w.wwwDir }

// Close releases the headless browser if one was started
func (w *Workspace) Close() {
	if b, ok := w.browser.(*BrowserFetcher); ok {
		b.Close()
	}
}

func (w *Workspace) caCertPath() string { return filepath.Join(w.configDir, "fauxnet_ca.cer") }

// CACertPath is where phase 1 writes the CA certificate
func (w *Workspace) CACertPath() string { return w.caCertPath() }

func (w *Workspace) caKeyPath() string   { return filepath.Join(w.configDir, "fauxnet_ca.key") }
func (w *Workspace) hostKeyPath() string { return filepath.Join(w.configDir, "fauxnet_vh.key") }
func (w *Workspace) hostsNginxPath() string {
	return filepath.Join(w.configDir, "hosts.nginx")
}
func (w *Workspace) nginxConfPath() string { return filepath.Join(w.configDir, "nginx.conf") }
func (w *Workspace) discoveredPath() string {
	return filepath.Join(w.configDir, "discovered_urls.json")
}
func (w *Workspace) summaryPath() string  { return filepath.Join(w.configDir, "sites_summary.json") }
func (w *Workspace) workbookPath() string { return filepath.Join(w.configDir, "sites_summary.xlsx") }
func (w *Workspace) landingPath() string {
	return filepath.Join(w.wwwDir, LandingHost, "index.html")
}
func (w *Workspace) hostConfigDir(host string) string {
	return filepath.Join(w.vhostsConfigDir, host)
}

// RunPhase implements operations.PhaseFunc for site-scrape and phase-run jobs
func (w *Workspace) RunPhase(ctx context.Context, phase operations.PhaseDefinition, pc *operations.PhaseContext) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, dir := range []string{w.wwwDir, w.vhostsConfigDir, w.configDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	opts := optionsFrom(pc)
	var output string
	var err error
	switch phase.Number {
	case PhaseCA:
		output, err = w.generateCA(pc, opts)
	case PhaseDownload:
		output, err = w.download(ctx, pc, opts)
	case PhaseCertificates:
		output, err = w.generateCertificates(pc)
	case PhaseHosts:
		output, err = w.generateHosts(ctx, pc)
	case PhaseNginx:
		output, err = w.generateNginx(pc)
	case PhaseLanding:
		output, err = w.generateLanding(pc)
	case PhaseSummary:
		output, err = w.generateSummary(pc)
	default:
		return operations.NewValidationError(fmt.Sprintf("unknown vhost phase %d", phase.Number))
	}
	if err != nil {
		return err
	}

	w.recordOutput(pc, phase.Number, output)
	return nil
}

func (w *Workspace) recordOutput(pc *operations.PhaseContext, phase int, output string) {
	v, _ := pc.Get(valueOutputs)
	outputs, _ := v.(map[string]interface{})
	if outputs == nil {
		outputs = make(map[string]interface{})
	}
	outputs[strconv.Itoa(phase)] = output
	pc.Set(valueOutputs, outputs)

	v, _ = pc.Get(valuePhasesRun)
	run, _ := v.([]int)
	run = append(run, phase)
	pc.Set(valuePhasesRun, run)

	copied := make(map[string]interface{}, len(outputs))
	for k, val := range outputs {
		copied[k] = val
	}
	pc.SetResult("outputs", copied)
	pc.SetResult("phases_run", append([]int(nil), run...))
	pc.SetResult("config_location", w.configDir)
}

func optionsFrom(pc *operations.PhaseContext) Options {
	v, _ := pc.Get(ValueOptions)
	switch opts := v.(type) {
	case Options:
		return opts
	case *Options:
		if opts != nil {
			return *opts
		}
	}
	return Options{Depth: 1}
}

func sitesFrom(pc *operations.PhaseContext) []string {
	v, _ := pc.Get(ValueSites)
	sites, _ := v.([]string)
	return sites
}

// Phase 1

func (w *Workspace) generateCA(pc *operations.PhaseContext, opts Options) (string, error) {
	pc.Step(0, 1)
	if opts.Force || !exists(w.caCertPath()) || !exists(w.caKeyPath()) {
		pc.Log(operations.LevelInfo, "Generating Certificate Authority...")
		if err := createCA(w.caCertPath(), w.caKeyPath(), w.keyBits, w.now()); err != nil {
			return "", err
		}
	} else {
		pc.Log(operations.LevelInfo, "Using existing Certificate Authority")
	}
	if opts.Force || !exists(w.hostKeyPath()) {
		if err := createKey(w.hostKeyPath(), w.keyBits); err != nil {
			return "", err
		}
		pc.Log(operations.LevelInfo, "Generated shared vhost key")
	}

	// the landing site offers the CA for download
	landing := filepath.Join(w.wwwDir, LandingHost)
	if err := os.MkdirAll(landing, 0755); err != nil {
		return "", err
	}
	if err := copyFile(w.caCertPath(), filepath.Join(landing, "fauxnet_ca.cer")); err != nil {
		return "", err
	}
	pc.Step(1, 1)
	return w.caCertPath(), nil
}

// Phase 2

func (w *Workspace) download(ctx context.Context, pc *operations.PhaseContext, opts Options) (string, error) {
	sites := sitesFrom(pc)
	if len(sites) == 0 {
		return "", operations.NewValidationError("Phase 2 (Download websites) requires 'sites' list")
	}

	targets := make([]*url.URL, 0, len(sites)+1)
	hasNCSI := false
	ncsi, _ := url.Parse(w.ncsiURL)
	for _, raw := range sites {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Host == "" {
			return "", operations.NewValidationError("invalid site URL: " + raw)
		}
		if ncsi != nil && strings.EqualFold(u.Hostname(), ncsi.Hostname()) {
			hasNCSI = true
		}
		targets = append(targets, u)
	}
	if ncsi != nil && ncsi.Host != "" && !hasNCSI {
		targets = append(targets, ncsi)
		pc.Logf(operations.LevelInfo, "Added Microsoft NCSI site: %s", w.ncsiURL)
	}

	total := len(targets)
	pc.Step(0, total)
	pc.Logf(operations.LevelInfo, "Downloading %d websites...", total)

	var mu sync.Mutex
	discovered := make(map[string][]string)
	var failed []string
	completed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, target := range targets {
		g.Go(func() error {
			started := time.Now()
			c := &crawler{
				fetch:  w.fetchFunc(opts.RenderJS),
				wwwDir: w.wwwDir,
				depth:  opts.Depth,
				force:  opts.Force,
				onError: func(u *url.URL, err error) {
					w.logger.Debug("resource download failed",
						slog.String("url", u.String()),
						slog.String("error", err.Error()))
				},
			}
			res, err := c.crawl(gctx, target)

			mu.Lock()
			completed++
			n := completed
			if err != nil {
				failed = append(failed, target.Hostname())
			} else {
				discovered[res.Host] = res.Discovered
			}
			mu.Unlock()

			if err != nil {
				pc.Logf(operations.LevelWarning, "Failed %s after %s: %v", target.Hostname(), time.Since(started).Round(time.Millisecond), err)
			} else {
				pc.Logf(operations.LevelInfo, "Downloaded %s (%d files, %d URLs discovered)", res.Host, res.Pages, len(res.Discovered))
			}
			pc.Step(n, total)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if ncsi != nil && ncsi.Host != "" {
		if err := w.generateNCSI(ncsi.Hostname()); err != nil {
			return "", err
		}
	}

	scraped := 0
	for host := range discovered {
		if ncsi == nil || host != strings.ToLower(ncsi.Hostname()) {
			scraped++
		}
	}
	if scraped == 0 {
		sort.Strings(failed)
		return "", operations.NewCollaboratorError("no websites could be downloaded: "+strings.Join(failed, ", "), nil)
	}

	all, err := w.mergeDiscovered(discovered)
	if err != nil {
		return "", err
	}
	urls := 0
	for _, host := range sortedKeys(discovered) {
		urls += len(discovered[host])
	}
	pc.SetResult("sites_scraped", total)
	pc.SetResult("urls_discovered", urls)
	pc.Logf(operations.LevelInfo, "Completed scraping %d websites (%d hosts known)", total, len(all))
	return w.wwwDir, nil
}

func (w *Workspace) fetchFunc(renderJS bool) func(ctx context.Context, u *url.URL, page bool) (*Page, error) {
	return func(ctx context.Context, u *url.URL, page bool) (*Page, error) {
		if renderJS && page && w.browser != nil {
			return w.browser.Fetch(ctx, u.String())
		}
		return w.fetcher.Fetch(ctx, u.String())
	}
}

func (w *Workspace) generateNCSI(host string) error {
	dir := filepath.Join(w.wwwDir, strings.ToLower(host))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "ncsi.txt"), []byte("Microsoft NCSI"), 0644); err != nil {
		return err
	}
	index := filepath.Join(dir, "index.html")
	if !exists(index) {
		return os.WriteFile(index, []byte(ncsiIndex), 0644)
	}
	return nil
}

// mergeDiscovered folds this run's URLs into the saved map so later phase-runs can use them
func (w *Workspace) mergeDiscovered(found map[string][]string) (map[string][]string, error) {
	all, err := w.loadDiscovered()
	if err != nil {
		all = make(map[string][]string)
	}
	for host, urls := range found {
		all[host] = urls
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(w.discoveredPath(), data); err != nil {
		return nil, err
	}
	return all, nil
}

func (w *Workspace) loadDiscovered() (map[string][]string, error) {
	data, err := os.ReadFile(w.discoveredPath())
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", w.discoveredPath(), err)
	}
	return out, nil
}

// Phase 3

func (w *Workspace) generateCertificates(pc *operations.PhaseContext) (string, error) {
	hosts, err := w.requireHosts()
	if err != nil {
		return "", err
	}
	auth, err := loadAuthority(w.caCertPath(), w.caKeyPath(), w.hostKeyPath())
	if err != nil {
		return "", operations.NewCollaboratorError("certificate authority is missing, run phase 1 first: "+err.Error(), err)
	}

	pc.Logf(operations.LevelInfo, "Generating certificates for %d vhosts...", len(hosts))
	now := w.now()
	for i, host := range hosts {
		dir := w.hostConfigDir(host)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
		if err := auth.issue(host, filepath.Join(dir, host+".cer"), now); err != nil {
			return "", err
		}
		pc.Step(i+1, len(hosts))
	}
	pc.Logf(operations.LevelInfo, "Completed generating %d certificates", len(hosts))
	return w.vhostsConfigDir, nil
}

// Phase 4

func (w *Workspace) generateHosts(ctx context.Context, pc *operations.PhaseContext) (string, error) {
	hosts, err := w.requireHosts()
	if err != nil {
		return "", err
	}
	pc.Logf(operations.LevelInfo, "Generating hosts entries for %d vhosts...", len(hosts))

	entries := make([]string, len(hosts))
	var mu sync.Mutex
	completed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, host := range hosts {
		g.Go(func() error {
			ip, resolved := w.resolve(gctx, host)
			if !resolved {
				pc.Logf(operations.LevelWarning, "[%s] Unable to resolve IP address, using fallback IP %s", host, ip)
			}
			line := ip + " " + host
			dir := w.hostConfigDir(host)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(dir, "hosts"), []byte(line+"\n"), 0644); err != nil {
				return err
			}
			entries[i] = line

			mu.Lock()
			completed++
			n := completed
			mu.Unlock()
			pc.Step(n, len(hosts))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	content := strings.Join(entries, "\n") + "\n"
	if err := writeAtomic(w.hostsNginxPath(), []byte(content)); err != nil {
		return "", err
	}
	pc.Logf(operations.LevelInfo, "Completed generating %d hosts entries", len(hosts))
	return w.hostsNginxPath(), nil
}

// resolve returns the first IPv4 address of host, or the fallback address
func (w *Workspace) resolve(ctx context.Context, host string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	addrs, err := w.resolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return w.fallbackIP, false
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a, true
		}
	}
	return addrs[0], true
}

// Phase 5

func (w *Workspace) generateNginx(pc *operations.PhaseContext) (string, error) {
	hosts, err := w.requireHosts()
	if err != nil {
		return "", err
	}
	pc.Logf(operations.LevelInfo, "Generating nginx configs for %d vhosts...", len(hosts))

	var base strings.Builder
	if err := nginxBaseTemplate.Execute(&base, map[string]string{
		"WWWDir":          w.wwwDir,
		"VhostsConfigDir": w.vhostsConfigDir,
	}); err != nil {
		return "", fmt.Errorf("render nginx.conf: %w", err)
	}
	if err := writeAtomic(w.nginxConfPath(), []byte(base.String())); err != nil {
		return "", err
	}

	for i, host := range hosts {
		dir := w.hostConfigDir(host)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
		var block strings.Builder
		if err := nginxVhostTemplate.Execute(&block, map[string]string{
			"Host":     host,
			"CertPath": filepath.Join(dir, host+".cer"),
			"KeyPath":  w.hostKeyPath(),
			"HTMLDir":  filepath.Join(w.wwwDir, host),
		}); err != nil {
			return "", fmt.Errorf("render server block for %s: %w", host, err)
		}
		if err := os.WriteFile(filepath.Join(dir, "nginx.conf"), []byte(block.String()), 0644); err != nil {
			return "", err
		}
		pc.Step(i+1, len(hosts))
	}
	return w.nginxConfPath(), nil
}

// Phase 6

func (w *Workspace) generateLanding(pc *operations.PhaseContext) (string, error) {
	pc.Step(0, 1)
	all, err := w.Hosts()
	if err != nil {
		return "", err
	}
	hosts := make([]string, 0, len(all))
	for _, h := range all {
		if h != LandingHost {
			hosts = append(hosts, h)
		}
	}

	if err := os.MkdirAll(filepath.Dir(w.landingPath()), 0755); err != nil {
		return "", err
	}
	var page strings.Builder
	if err := landingTemplate.Execute(&page, map[string]interface{}{
		"Hosts":     hosts,
		"Generated": w.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return "", fmt.Errorf("render landing page: %w", err)
	}
	if err := writeAtomic(w.landingPath(), []byte(page.String())); err != nil {
		return "", err
	}
	pc.Step(1, 1)
	pc.Logf(operations.LevelInfo, "Generated landing page with %d vhosts", len(hosts))
	return w.landingPath(), nil
}

// Phase 7

// SiteSummary describes one scraped host
type SiteSummary struct {
	WWWDirectory    string            `json:"www_directory"`
	ConfigDirectory string            `json:"config_directory"`
	Files           map[string]string `json:"files"`
	URLsDiscovered  int               `json:"total_urls_discovered"`
	URLs            []string          `json:"urls"`
}

func (w *Workspace) generateSummary(pc *operations.PhaseContext) (string, error) {
	pc.Step(0, 2)
	discovered, err := w.loadDiscovered()
	if err != nil {
		return "", operations.NewCollaboratorError("no download results found, run phase 2 first", err)
	}

	sites := make(map[string]SiteSummary, len(discovered))
	total := 0
	for host, urls := range discovered {
		www := filepath.Join(w.wwwDir, host)
		cfgDir := w.hostConfigDir(host)
		sites[host] = SiteSummary{
			WWWDirectory:    www,
			ConfigDirectory: cfgDir,
			Files: map[string]string{
				"nginx_config":    filepath.Join(cfgDir, "nginx.conf"),
				"ssl_certificate": filepath.Join(cfgDir, host+".cer"),
				"hosts_entry":     filepath.Join(cfgDir, "hosts"),
				"html_content":    www + string(filepath.Separator),
			},
			URLsDiscovered: len(urls),
			URLs:           urls,
		}
		total += len(urls)
	}

	doc := map[string]interface{}{
		"_comment":        "Summary of scraped virtual hosts",
		"vhost_structure": "Web content in vhosts_www/, config files in vhosts_config/",
		"sites":           sites,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	if err := writeAtomic(w.summaryPath(), data); err != nil {
		return "", err
	}
	pc.Step(1, 2)

	if err := writeWorkbook(w.workbookPath(), sites); err != nil {
		return "", err
	}
	pc.Step(2, 2)
	pc.SetResult("summary_workbook", w.workbookPath())
	pc.Logf(operations.LevelInfo, "Generated sites summary with %d sites, %d total URLs", len(sites), total)
	return w.summaryPath(), nil
}

// Completion probe

// Completed reports whether phase n's artifacts are present on disk
func (w *Workspace) Completed(n int) bool {
	switch n {
	case PhaseCA:
		return exists(w.caCertPath()) && exists(w.caKeyPath()) && exists(w.hostKeyPath())
	case PhaseDownload:
		return exists(w.discoveredPath())
	case PhaseCertificates:
		return w.everyHostHas(func(h string) string { return filepath.Join(w.hostConfigDir(h), h+".cer") })
	case PhaseHosts:
		return exists(w.hostsNginxPath()) &&
			w.everyHostHas(func(h string) string { return filepath.Join(w.hostConfigDir(h), "hosts") })
	case PhaseNginx:
		return exists(w.nginxConfPath()) &&
			w.everyHostHas(func(h string) string { return filepath.Join(w.hostConfigDir(h), "nginx.conf") })
	case PhaseLanding:
		return exists(w.landingPath())
	case PhaseSummary:
		return exists(w.summaryPath())
	}
	return false
}

// CompletionState returns Completed for every phase of the catalog
func (w *Workspace) CompletionState() map[int]bool {
	state := make(map[int]bool, catalog.Len())
	for _, n := range catalog.Numbers() {
		state[n] = w.Completed(n)
	}
	return state
}

func (w *Workspace) everyHostHas(file func(host string) string) bool {
	hosts, err := w.Hosts()
	if err != nil || len(hosts) == 0 {
		return false
	}
	for _, h := range hosts {
		if !exists(file(h)) {
			return false
		}
	}
	return true
}

// Hosts lists the host directories under vhosts_www, sorted
func (w *Workspace) Hosts() ([]string, error) {
	entries, err := os.ReadDir(w.wwwDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	hosts := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			hosts = append(hosts, e.Name())
		}
	}
	sort.Strings(hosts)
	return hosts, nil
}

func (w *Workspace) requireHosts() ([]string, error) {
	hosts, err := w.Hosts()
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, operations.NewCollaboratorError("no downloaded hosts found in "+w.wwwDir, nil)
	}
	return hosts, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// writeAtomic replaces path through a temporary file in the same directory
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
