package services

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"fauxnetd/internal/config"
	"fauxnetd/internal/emulator"
	"fauxnetd/internal/operations"
	"fauxnetd/internal/vhosts"
)

// TopologyLoader runs the topology-load phases against the emulator
type TopologyLoader interface {
	TopologyDir() string
	RunPhase(ctx context.Context, phase operations.PhaseDefinition, pc *operations.PhaseContext) error
}

// SiteGenerator runs the virtual-host phases and reports which are already done
type SiteGenerator interface {
	RunPhase(ctx context.Context, phase operations.PhaseDefinition, pc *operations.PhaseContext) error
	Completed(n int) bool
	CompletionState() map[int]bool
}

// TopologyLoadRequest starts a topology-load operation
type TopologyLoadRequest struct {
	File string `json:"file" validate:"required"`
}

// ScrapeOptions tune a scrape. Nil fields fall back to the server configuration.
type ScrapeOptions struct {
	Depth    *int  `json:"depth,omitempty" validate:"omitempty,min=0,max=10"`
	Force    bool  `json:"force,omitempty"`
	RenderJS *bool `json:"render_js,omitempty"`
}

// ScrapeRequest starts a site-scrape operation
type ScrapeRequest struct {
	Sites   []string      `json:"sites" validate:"required,min=1,dive,required,http_url"`
	Options ScrapeOptions `json:"options"`
}

// PhaseRunRequest starts a phase-run operation
type PhaseRunRequest struct {
	Phases  []int         `json:"phases" validate:"required,min=1,dive,min=1,max=7"`
	Sites   []string      `json:"sites,omitempty" validate:"omitempty,dive,required,http_url"`
	Options ScrapeOptions `json:"options"`
}

// StartRequest is the kind-generic start request
type StartRequest struct {
	Kind       operations.Kind        `json:"kind" validate:"required,oneof=topology-load site-scrape phase-run"`
	Parameters map[string]interface{} `json:"parameters"`
	Options    ScrapeOptions          `json:"options"`
}

// StartResponse acknowledges a start request
type StartResponse struct {
	OperationID string          `json:"operation_id"`
	Kind        operations.Kind `json:"kind"`
	Phases      []int           `json:"phases"`
	Duplicate   bool            `json:"duplicate,omitempty"`
	Message     string          `json:"message"`
	File        string          `json:"file,omitempty"`
}

// PhaseInfo describes one site-generation phase and whether its artifacts exist
type PhaseInfo struct {
	PhaseNumber  int    `json:"phase_number"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Completed    bool   `json:"completed"`
	Dependencies []int  `json:"dependencies"`
	Dependents   []int  `json:"dependents"`
	RequiresSite bool   `json:"requires_sites"`
}

// PhaseStatus is the phase catalog with completion state
type PhaseStatus struct {
	Phases []PhaseInfo `json:"phases"`
}

// OperationService turns start requests into jobs and serves reads scoped to their owner
type OperationService struct {
	runner   *operations.Runner
	registry *operations.Registry
	observer *operations.Observer
	topology TopologyLoader
	sites    SiteGenerator
	vhosts   config.VhostsConfig
	validate *validator.Validate
	logger   *slog.Logger
}

// NewOperationService creates the service
func NewOperationService(runner *operations.Runner, registry *operations.Registry, topology TopologyLoader, sites SiteGenerator, vhostsCfg config.VhostsConfig, logger *slog.Logger) *OperationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OperationService{
		runner:   runner,
		registry: registry,
		observer: operations.NewObserver(registry),
		topology: topology,
		sites:    sites,
		vhosts:   vhostsCfg,
		validate: newValidator(),
		logger:   logger.With(slog.String("component", "operation_service")),
	}
}

// StartTopologyLoad loads a topology file from the topology directory into the emulator
func (s *OperationService) StartTopologyLoad(ctx context.Context, owner string, req TopologyLoadRequest) (StartResponse, error) {
	if err := validateRequest(s.validate, req); err != nil {
		return StartResponse{}, err
	}
	file, err := s.resolveTopology(req.File)
	if err != nil {
		return StartResponse{}, err
	}

	started, err := s.runner.Start(ctx, operations.Job{
		Kind:      operations.KindTopologyLoad,
		Owner:     owner,
		Catalog:   emulator.Catalog(),
		Run:       s.topology.RunPhase,
		DedupeKey: dedupeKey(operations.KindTopologyLoad, owner, file),
		Values:    map[string]interface{}{emulator.ValueFile: file},
	})
	if err != nil {
		return StartResponse{}, err
	}
	s.logStarted(ctx, operations.KindTopologyLoad, owner, started)
	return StartResponse{
		OperationID: started.OperationID,
		Kind:        operations.KindTopologyLoad,
		Phases:      started.Phases,
		Duplicate:   started.Duplicate,
		Message:     "Topology loading started",
		File:        file,
	}, nil
}

// resolveTopology maps a request path onto a file inside the topology directory
func (s *OperationService) resolveTopology(file string) (string, error) {
	if !strings.EqualFold(filepath.Ext(file), ".xml") {
		return "", operations.NewValidationError("topology file must be an .xml file")
	}
	dir := filepath.Clean(s.topology.TopologyDir())
	full := filepath.Clean(file)
	if !filepath.IsAbs(full) {
		full = filepath.Join(dir, full)
	}
	rel, err := filepath.Rel(dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", operations.NewValidationError("topology file must be inside " + dir)
	}
	return full, nil
}

// StartScrape downloads sites and runs every site-generation phase
func (s *OperationService) StartScrape(ctx context.Context, owner string, req ScrapeRequest) (StartResponse, error) {
	if len(req.Sites) == 0 {
		return StartResponse{}, operations.NewValidationError("No sites provided")
	}
	if err := validateRequest(s.validate, req); err != nil {
		return StartResponse{}, err
	}
	sites := canonicalSites(req.Sites)
	opts := s.options(req.Options)

	started, err := s.runner.Start(ctx, operations.Job{
		Kind:      operations.KindSiteScrape,
		Owner:     owner,
		Catalog:   vhosts.Catalog(),
		Run:       s.sites.RunPhase,
		DedupeKey: dedupeKey(operations.KindSiteScrape, owner, strings.Join(sites, ","), optionsKey(opts)),
		Values: map[string]interface{}{
			vhosts.ValueSites:   sites,
			vhosts.ValueOptions: opts,
		},
	})
	if err != nil {
		return StartResponse{}, err
	}
	s.logStarted(ctx, operations.KindSiteScrape, owner, started)
	return StartResponse{
		OperationID: started.OperationID,
		Kind:        operations.KindSiteScrape,
		Phases:      started.Phases,
		Duplicate:   started.Duplicate,
		Message:     "Scraping started",
	}, nil
}

// RunPhases runs a subset of the site-generation phases. Prerequisites outside the
// request must already have their artifacts on disk.
func (s *OperationService) RunPhases(ctx context.Context, owner string, req PhaseRunRequest) (StartResponse, error) {
	if len(req.Phases) == 0 {
		return StartResponse{}, operations.NewValidationError("at least one phase must be requested")
	}
	for _, p := range req.Phases {
		if p < 1 || p > vhosts.Catalog().Max() {
			return StartResponse{}, operations.NewValidationError(
				fmt.Sprintf("Phase numbers must be between 1 and %d", vhosts.Catalog().Max()))
		}
	}
	if err := validateRequest(s.validate, req); err != nil {
		return StartResponse{}, err
	}

	phases := uniqueSorted(req.Phases)
	for _, p := range phases {
		def, _ := vhosts.Catalog().Get(p)
		if def.NeedsSites && len(req.Sites) == 0 {
			return StartResponse{}, operations.NewValidationError(
				fmt.Sprintf("Phase %d (%s) requires 'sites' list", def.Number, def.Name))
		}
	}

	sites := canonicalSites(req.Sites)
	opts := s.options(req.Options)
	started, err := s.runner.Start(ctx, operations.Job{
		Kind:      operations.KindPhaseRun,
		Owner:     owner,
		Catalog:   vhosts.Catalog(),
		Phases:    phases,
		Satisfied: s.sites.Completed,
		Run:       s.sites.RunPhase,
		DedupeKey: dedupeKey(operations.KindPhaseRun, owner, intsKey(phases), strings.Join(sites, ","), optionsKey(opts)),
		Values: map[string]interface{}{
			vhosts.ValueSites:   sites,
			vhosts.ValueOptions: opts,
		},
	})
	if err != nil {
		return StartResponse{}, err
	}
	s.logStarted(ctx, operations.KindPhaseRun, owner, started)
	return StartResponse{
		OperationID: started.OperationID,
		Kind:        operations.KindPhaseRun,
		Phases:      started.Phases,
		Duplicate:   started.Duplicate,
		Message:     "Running phases: " + phaseList(started.Phases),
	}, nil
}

// StartOperation dispatches a kind-generic start request
func (s *OperationService) StartOperation(ctx context.Context, owner string, req StartRequest) (StartResponse, error) {
	if err := validateRequest(s.validate, req); err != nil {
		return StartResponse{}, err
	}
	params := req.Parameters
	switch req.Kind {
	case operations.KindTopologyLoad:
		file, _ := params["file"].(string)
		return s.StartTopologyLoad(ctx, owner, TopologyLoadRequest{File: file})
	case operations.KindSiteScrape:
		sites, err := stringList(params, "sites")
		if err != nil {
			return StartResponse{}, err
		}
		return s.StartScrape(ctx, owner, ScrapeRequest{Sites: sites, Options: req.Options})
	case operations.KindPhaseRun:
		phases, err := intList(params, "phases")
		if err != nil {
			return StartResponse{}, err
		}
		sites, err := stringList(params, "sites")
		if err != nil {
			return StartResponse{}, err
		}
		return s.RunPhases(ctx, owner, PhaseRunRequest{Phases: phases, Sites: sites, Options: req.Options})
	}
	return StartResponse{}, operations.NewValidationError("unknown operation kind: " + string(req.Kind))
}

// Status returns the current record. Records of other owners are reported as not found.
func (s *OperationService) Status(ctx context.Context, owner, id string) (operations.ProgressRecord, error) {
	rec, err := s.observer.Snapshot(ctx, id)
	if err != nil {
		return operations.ProgressRecord{}, err
	}
	if !visible(rec, owner) {
		return operations.ProgressRecord{}, operations.NewNotFoundError(id)
	}
	return rec, nil
}

// Follow streams the record to emit until it is terminal
func (s *OperationService) Follow(ctx context.Context, owner, id string, opts operations.FollowOptions, emit func(operations.Event) error) error {
	if _, err := s.Status(ctx, owner, id); err != nil {
		return err
	}
	return s.observer.Follow(ctx, id, opts, emit)
}

// Forget removes a finished operation
func (s *OperationService) Forget(ctx context.Context, owner, id string) error {
	if _, err := s.Status(ctx, owner, id); err != nil {
		return err
	}
	if err := s.registry.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "operation forgotten",
		slog.String("operation_id", id),
		slog.String("owner", owner))
	return nil
}

// List returns the owner's operations, newest first
func (s *OperationService) List(ctx context.Context, owner string) []operations.ProgressRecord {
	return s.registry.List(owner)
}

// PhaseStatus returns the site-generation catalog with what is already on disk
func (s *OperationService) PhaseStatus(ctx context.Context) PhaseStatus {
	state := s.sites.CompletionState()
	catalog := vhosts.Catalog()
	phases := catalog.Phases()
	out := PhaseStatus{Phases: make([]PhaseInfo, 0, len(phases))}
	for _, p := range phases {
		deps := p.Requires
		if deps == nil {
			deps = []int{}
		}
		dependents := catalog.Dependents(p.Number)
		if dependents == nil {
			dependents = []int{}
		}
		out.Phases = append(out.Phases, PhaseInfo{
			PhaseNumber:  p.Number,
			Name:         p.Name,
			Description:  p.Description,
			Completed:    state[p.Number],
			Dependencies: deps,
			Dependents:   dependents,
			RequiresSite: p.NeedsSites,
		})
	}
	return out
}

func (s *OperationService) options(o ScrapeOptions) vhosts.Options {
	opts := vhosts.Options{
		Depth:    s.vhosts.DefaultDepth,
		Force:    o.Force,
		RenderJS: s.vhosts.RenderJS,
	}
	if o.Depth != nil {
		opts.Depth = *o.Depth
	}
	if o.RenderJS != nil {
		opts.RenderJS = *o.RenderJS
	}
	return opts
}

func (s *OperationService) logStarted(ctx context.Context, kind operations.Kind, owner string, started operations.Started) {
	s.logger.InfoContext(ctx, "start request accepted",
		slog.String("kind", string(kind)),
		slog.String("owner", owner),
		slog.String("operation_id", started.OperationID),
		slog.Any("phases", started.Phases),
		slog.Bool("duplicate", started.Duplicate))
}

func visible(rec operations.ProgressRecord, owner string) bool {
	return owner == "" || rec.Owner == "" || rec.Owner == owner
}

func dedupeKey(kind operations.Kind, owner string, parts ...string) string {
	return string(kind) + "|" + owner + "|" + strings.Join(parts, "|")
}

func optionsKey(o vhosts.Options) string {
	return fmt.Sprintf("depth=%d,force=%t,js=%t", o.Depth, o.Force, o.RenderJS)
}

// canonicalSites trims, drops duplicates and keeps request order
func canonicalSites(sites []string) []string {
	seen := make(map[string]bool, len(sites))
	out := make([]string, 0, len(sites))
	for _, site := range sites {
		site = strings.TrimSpace(site)
		if site == "" || seen[site] {
			continue
		}
		seen[site] = true
		out = append(out, site)
	}
	return out
}

func uniqueSorted(in []int) []int {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, n := range in {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

func intsKey(in []int) string {
	parts := make([]string, len(in))
	for i, n := range in {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

// phaseList formats phases as [1, 2, 3]
func phaseList(phases []int) string {
	parts := make([]string, len(phases))
	for i, n := range phases {
		parts[i] = strconv.Itoa(n)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func stringList(params map[string]interface{}, key string) ([]string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, operations.NewValidationError(fmt.Sprintf("parameters.%s must be a list of strings", key))
			}
			out = append(out, str)
		}
		return out, nil
	}
	return nil, operations.NewValidationError(fmt.Sprintf("parameters.%s must be a list of strings", key))
}

func intList(params map[string]interface{}, key string) ([]int, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []int:
		return v, nil
	case []interface{}:
		out := make([]int, 0, len(v))
		for _, item := range v {
			// JSON numbers decode as float64
			f, ok := item.(float64)
			if !ok || f != float64(int(f)) {
				return nil, operations.NewValidationError(fmt.Sprintf("parameters.%s must be a list of integers", key))
			}
			out = append(out, int(f))
		}
		return out, nil
	}
	return nil, operations.NewValidationError(fmt.Sprintf("parameters.%s must be a list of integers", key))
}
