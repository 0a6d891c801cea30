package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Shiori/common/version"
	"github.com/bdobrica/Shiori/internal/shiori/app"
	"github.com/bdobrica/Shiori/internal/shiori/channel"
	"github.com/bdobrica/Shiori/internal/shiori/config"
	"github.com/bdobrica/Shiori/internal/shiori/memory"
	"github.com/bdobrica/Shiori/internal/shiori/observability"
	"github.com/bdobrica/Shiori/internal/shiori/store"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shiori",
		Short:         "shiori - personalised digest and discussion bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SHIORI_CONFIG"), "path to the YAML config file")

	root.AddCommand(newServeCmd(), newMemoryCmd(), newExtractCmd(), newConfigCmd(), newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	observability.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// --- serve ---

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot on the configured channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Shiori %s (%s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)

			a, err := app.New(cfg, app.Options{})
			if err != nil {
				return fmt.Errorf("failed to initialise: %w", err)
			}
			defer a.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

// --- memory ---

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and edit users' memory files",
	}

	view := &cobra.Command{
		Use:   "view <user-id>",
		Short: "Print a user's profile and recent notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, args[0], func(s *memory.Store) error {
				return printMemory(cmd.OutOrStdout(), s)
			})
		},
	}

	var limit int
	search := &cobra.Command{
		Use:   "search <user-id> <query...>",
		Short: "BM25 search over a user's memory",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, args[0], func(s *memory.Store) error {
				hits := s.Search(strings.Join(args[1:], " "), limit, "")
				if len(hits) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no matches")
					return nil
				}
				for _, h := range hits {
					fmt.Fprintf(cmd.OutOrStdout(), "%6.3f  %-8s %-40s %s\n", h.Score, h.Entry.Durability, h.Entry.Key, h.Entry.Value)
				}
				return nil
			})
		},
	}
	search.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of results")

	forget := &cobra.Command{
		Use:   "forget <user-id> <query...>",
		Short: "Delete the entries matching a query",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, args[0], func(s *memory.Store) error {
				removed, err := s.Forget(cmd.Context(), strings.Join(args[1:], " "), 10)
				if err != nil {
					return err
				}
				for _, e := range removed {
					fmt.Fprintf(cmd.OutOrStdout(), "forgot %s: %s\n", e.Key, e.Value)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d entries removed\n", len(removed))
				return nil
			})
		},
	}

	reindex := &cobra.Command{
		Use:   "reindex [user-id...]",
		Short: "Rebuild the search index from the memory files and report counts",
		Long:  "Rebuild the search index of the given users, or of every known user, straight from the on-disk layout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			users := args
			if len(users) == 0 {
				if users, err = knownUsers(cmd.Context(), cfg); err != nil {
					return err
				}
			}
			registry, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			for _, userID := range users {
				s, err := registry.Open(cmd.Context(), userID)
				if err != nil {
					return err
				}
				docs := s.Reindex()
				st := s.Stats()
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d documents (%d durable, %d daily in %d notes, %d profile words)\n",
					userID, docs, st.DurableEntries, st.DailyEntries, st.DailyNotes, st.ProfileWords)
			}
			return nil
		},
	}

	cmd.AddCommand(view, search, forget, reindex)
	return cmd
}

func openRegistry(cfg config.Config) (*memory.Registry, error) {
	backend, err := memory.NewFileBackend(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return memory.NewRegistry(backend, app.MemoryConfig(cfg)), nil
}

func withMemory(cmd *cobra.Command, userID string, fn func(*memory.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	s, err := registry.Open(cmd.Context(), userID)
	if err != nil {
		return err
	}
	return fn(s)
}

func knownUsers(ctx context.Context, cfg config.Config) ([]string, error) {
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	users, err := st.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids, nil
}

func printMemory(w io.Writer, s *memory.Store) error {
	profile, notes := s.Snapshot()
	if rendered := memory.RenderProfile(profile); rendered != "" {
		fmt.Fprintln(w, rendered)
	} else {
		fmt.Fprintln(w, "(empty profile)")
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].Date > notes[j].Date })
	for _, n := range notes {
		fmt.Fprintf(w, "\n%s\n", n.Date)
		for _, e := range n.Entries {
			fmt.Fprintf(w, "- [%s] %s (%.2f, %s)\n", e.Category, e.Value, e.Confidence, e.Source)
		}
	}
	return nil
}

// --- extract ---

func newExtractCmd() *cobra.Command {
	var (
		users []string
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Run batch memory extraction over recent interactions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.LLM.APIKey == "" {
				return errors.New("LLM_API_KEY is required for extraction")
			}
			a, err := app.New(cfg, app.Options{Channels: []channel.Channel{}})
			if err != nil {
				return err
			}
			defer a.Stop()

			until := time.Now()
			report, err := a.Bot().RunBatch(cmd.Context(), until.Add(-since), until, users...)
			fmt.Fprintf(cmd.OutOrStdout(), "users=%d events=%d writes=%d updates=%d skipped=%d failed=%d expired=%d in %s\n",
				report.Users, report.Events, report.Writes, report.Updates,
				len(report.Skipped), len(report.Failed), report.Expired, report.Duration.Round(time.Millisecond))
			return err
		},
	}
	cmd.Flags().StringSliceVarP(&users, "user", "u", nil, "only extract for these user IDs")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "interaction window to extract from")
	return cmd
}

// --- config / version ---

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := cfg.Dump()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
}
