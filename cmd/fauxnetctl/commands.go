package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fauxnetd/internal/client"
	"fauxnetd/internal/operations"
)

const (
	defaultPollInterval   = time.Second
	defaultRequestTimeout = 30 * time.Second
)

func newLoadCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "load <file>",
		Short: "Load an emulator topology",
		Long: `Load a topology file from the server's topology directory into the CORE
emulator and follow the operation until it finishes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.track(cmd, client.StartRequest{
				Kind:       operations.KindTopologyLoad,
				Parameters: map[string]interface{}{"file": args[0]},
			})
		},
	}
}

func newScrapeCmd(s *settings) *cobra.Command {
	var (
		depth    int
		force    bool
		renderJS bool
	)
	cmd := &cobra.Command{
		Use:   "scrape <url>...",
		Short: "Generate virtual-host sites for the given URLs",
		Long: `Run all seven site-generation phases: CA, download, certificates, hosts,
nginx configuration, landing page and summary.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.track(cmd, client.StartRequest{
				Kind:       operations.KindSiteScrape,
				Parameters: map[string]interface{}{"sites": args},
				Options:    scrapeOptions(cmd, depth, force, renderJS),
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 1, "crawl depth per site")
	cmd.Flags().BoolVar(&force, "force", false, "download again even if content exists")
	cmd.Flags().BoolVar(&renderJS, "render-js", false, "render pages in a headless browser")
	return cmd
}

func newPhasesCmd(s *settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phases",
		Short: "Inspect or run individual site-generation phases",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the phases and whether their output exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			phases, err := s.transport(cmd).Phases(cmd.Context())
			if err != nil {
				return err
			}
			newRenderer(cmd.OutOrStdout()).phases(phases)
			return nil
		},
	}

	var (
		numbers  []int
		sites    []string
		depth    int
		force    bool
		renderJS bool
	)
	run := &cobra.Command{
		Use:   "run --phase N [--phase N ...] [--site URL ...]",
		Short: "Run selected phases",
		Long: `Run selected phases. Each phase's prerequisites must either be requested
too or have completed earlier; phase 2 needs at least one --site.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(numbers) == 0 {
				return errors.New("at least one --phase is required")
			}
			params := map[string]interface{}{"phases": numbers}
			if len(sites) > 0 {
				params["sites"] = sites
			}
			return s.track(cmd, client.StartRequest{
				Kind:       operations.KindPhaseRun,
				Parameters: params,
				Options:    scrapeOptions(cmd, depth, force, renderJS),
			})
		},
	}
	run.Flags().IntSliceVar(&numbers, "phase", nil, "phase number to run (repeatable)")
	run.Flags().StringSliceVar(&sites, "site", nil, "site URL for the download phase (repeatable)")
	run.Flags().IntVar(&depth, "depth", 1, "crawl depth per site")
	run.Flags().BoolVar(&force, "force", false, "download again even if content exists")
	run.Flags().BoolVar(&renderJS, "render-js", false, "render pages in a headless browser")

	cmd.AddCommand(list, run)
	return cmd
}

func newWatchCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [family]",
		Short: "Resume following a persisted operation",
		Long: `Resume the operation persisted for a job family (topology-load, site-scrape
or phase-run), or for every family when none is given. A finished operation is
reported once and forgotten; one the server no longer knows is reported as
inconclusive.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: families,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := families
			if len(args) == 1 {
				targets = args
			}
			return s.watch(cmd, targets)
		},
	}
}

func newStatusCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the current state of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := s.transport(cmd).Poll(cmd.Context(), args[0])
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("operation %s not found: it may have finished, failed or expired", args[0])
			}
			if err != nil {
				return err
			}
			newRenderer(cmd.OutOrStdout()).record(rec)
			return nil
		},
	}
}

func newForgetCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <id>",
		Short: "Remove a finished operation from the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.transport(cmd).Forget(cmd.Context(), args[0]); err != nil {
				return err
			}
			store, err := s.store()
			if err != nil {
				return err
			}
			for _, family := range families {
				if id, ok, _ := store.Get(family); ok && id == args[0] {
					_ = store.Clear(family)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", args[0])
			return nil
		},
	}
}

// scrapeOptions forwards only the flags the user set, so the server's defaults apply otherwise
func scrapeOptions(cmd *cobra.Command, depth int, force, renderJS bool) map[string]interface{} {
	opts := map[string]interface{}{}
	if cmd.Flags().Changed("depth") {
		opts["depth"] = depth
	}
	if force {
		opts["force"] = true
	}
	if cmd.Flags().Changed("render-js") {
		opts["render_js"] = renderJS
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// outcome collects the first result the tracker reports for each family
type outcome struct {
	mu   sync.Mutex
	errs map[string]error
	done map[string]bool
}

func newOutcome() *outcome {
	return &outcome{errs: make(map[string]error), done: make(map[string]bool)}
}

func (o *outcome) settle(family string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done[family] {
		return
	}
	o.done[family] = true
	o.errs[family] = err
}

func (o *outcome) result(family string) (settled bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done[family], o.errs[family]
}

func (s *settings) newTracker(cmd *cobra.Command, out *outcome) (*client.Tracker, *renderer, error) {
	store, err := s.store()
	if err != nil {
		return nil, nil, err
	}
	r := newRenderer(cmd.OutOrStdout())
	tracker := client.NewTracker(s.transport(cmd), store, s.cfg, r.callbacks(out), s.logger(cmd.ErrOrStderr()))
	return tracker, r, nil
}

// track starts req under its kind's family and follows it
func (s *settings) track(cmd *cobra.Command, req client.StartRequest) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := newOutcome()
	tracker, r, err := s.newTracker(cmd, out)
	if err != nil {
		return err
	}

	family := string(req.Kind)
	resp, err := tracker.Start(ctx, family, req)
	if err != nil {
		return err
	}
	r.started(resp)
	return s.follow(ctx, tracker, r, out, []string{family})
}

func (s *settings) watch(cmd *cobra.Command, targets []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := newOutcome()
	tracker, r, err := s.newTracker(cmd, out)
	if err != nil {
		return err
	}

	var (
		resumed []string
		lost    []error
	)
	for _, family := range targets {
		id, err := tracker.Resume(ctx, family)
		if client.IsTransportError(err) {
			// already reported; the id stays persisted
			lost = append(lost, err)
			continue
		}
		if err != nil {
			return err
		}
		if id != "" {
			resumed = append(resumed, family)
		}
	}
	if len(resumed) == 0 {
		if len(lost) > 0 {
			return errors.Join(lost...)
		}
		r.info("Nothing to watch")
		return nil
	}
	return s.follow(ctx, tracker, r, out, resumed)
}

// follow waits for the tracker to settle every family or for the user to detach
func (s *settings) follow(ctx context.Context, tracker *client.Tracker, r *renderer, out *outcome, targets []string) error {
	done := make(chan struct{})
	go func() {
		tracker.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		tracker.Detach()
		r.detached(targets)
		return nil
	case <-done:
	}

	var errs []error
	for _, family := range targets {
		ok, err := out.result(family)
		if !ok {
			errs = append(errs, fmt.Errorf("lost contact with %s operation %s; run \"fauxnetctl watch %s\" to resume",
				family, tracker.Active(family), family))
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
