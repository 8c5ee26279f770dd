package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fauxnetd/internal/client"
	"fauxnetd/internal/operations"
)

// families are the job families the CLI tracks, one active operation each
var families = []string{
	string(operations.KindTopologyLoad),
	string(operations.KindSiteScrape),
	string(operations.KindPhaseRun),
}

// settings carries global flags over the FAUXNETCTL_* environment
type settings struct {
	cfg     client.Config
	verbose bool
	noColor bool
	poll    bool
}

func NewRootCmd() *cobra.Command {
	s := &settings{}

	cmd := &cobra.Command{
		Use:   "fauxnetctl",
		Short: "Start and follow fauxnetd operations",
		Long: `fauxnetctl drives a fauxnetd server: it loads emulator topologies, generates
virtual-host sites and follows the resulting long-running operations.

The id of each started operation is persisted per job family, so an interrupted
command can be picked up again with "fauxnetctl watch". Ctrl-C detaches from an
operation without stopping it.

Examples:
  # Load a topology and follow it
  fauxnetctl load lab.xml

  # Generate sites for two hosts
  fauxnetctl scrape https://example.com https://example.org

  # Re-run certificate and nginx generation only
  fauxnetctl phases run --phase 3 --phase 5

  # Resume whatever was running when the terminal closed
  fauxnetctl watch`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.resolve(cmd)
		},
	}

	defaults, err := client.LoadConfig()
	if err != nil {
		// flags can still fix what the environment got wrong
		defaults = client.Config{
			Server:            "http://127.0.0.1:8080",
			Store:             "file",
			Channel:           client.ChannelStream,
			PollInterval:      defaultPollInterval,
			RequestTimeout:    defaultRequestTimeout,
			ReconnectAttempts: 5,
			ReconnectBackoff:  defaultPollInterval,
		}
	}
	s.cfg = defaults

	flags := cmd.PersistentFlags()
	flags.StringVar(&s.cfg.Server, "server", defaults.Server, "fauxnetd base URL")
	flags.StringVar(&s.cfg.Credential, "credential", defaults.Credential, "API credential (bearer token)")
	flags.StringVar(&s.cfg.Store, "store", defaults.Store, "where active operation ids are kept: memory, file or keyring")
	flags.StringVar(&s.cfg.StorePath, "store-path", defaults.StorePath, "file store location")
	flags.BoolVar(&s.poll, "poll", defaults.Channel == client.ChannelPoll, "poll for progress instead of streaming it")
	flags.DurationVar(&s.cfg.PollInterval, "poll-interval", defaults.PollInterval, "interval between polls")
	flags.BoolVarP(&s.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&s.noColor, "no-color", false, "disable colored output")

	cmd.AddCommand(
		newLoadCmd(s),
		newScrapeCmd(s),
		newPhasesCmd(s),
		newWatchCmd(s),
		newStatusCmd(s),
		newForgetCmd(s),
	)
	return cmd
}

func (s *settings) resolve(cmd *cobra.Command) error {
	if s.poll {
		s.cfg.Channel = client.ChannelPoll
	} else if cmd.Flags().Changed("poll") {
		s.cfg.Channel = client.ChannelStream
	}
	if s.noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
	return s.cfg.Validate()
}

func (s *settings) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if s.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (s *settings) transport(cmd *cobra.Command) *client.HTTPTransport {
	return client.NewHTTPTransport(s.cfg, s.logger(cmd.ErrOrStderr()))
}

func (s *settings) store() (client.Store, error) {
	store, err := client.NewStore(s.cfg.Store, s.cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}
