// epubtrans translates unpacked EPUB books block by block with an
// OpenAI-compatible model and writes a resumable translated copy.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/minios-linux/epubtrans/backend"
	"github.com/minios-linux/epubtrans/book"
	"github.com/minios-linux/epubtrans/checkpoint"
	"github.com/minios-linux/epubtrans/config"
	"github.com/minios-linux/epubtrans/glossary"
	"github.com/minios-linux/epubtrans/i18n"
	"github.com/minios-linux/epubtrans/lockfile"
	"github.com/minios-linux/epubtrans/metrics"
	"github.com/minios-linux/epubtrans/pack"
	"github.com/minios-linux/epubtrans/pipeline"
	"github.com/minios-linux/epubtrans/session"
	"github.com/minios-linux/epubtrans/settings"
	"github.com/minios-linux/epubtrans/translate"
	"github.com/minios-linux/epubtrans/watchdog"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ANSI colors, cleared by setupColors when stderr is not a terminal.
var (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorBlue   = "\033[0;34m"
)

func setupColors(isTerminal bool, noColor string) {
	if isTerminal && noColor == "" {
		return
	}
	colorReset, colorRed, colorGreen, colorYellow, colorBlue = "", "", "", "", ""
}

func logInfo(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorBlue+"[INFO]"+colorReset+" "+format+"\n", args...)
}

func logSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorGreen+"[OK]"+colorReset+" "+format+"\n", args...)
}

func logWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorYellow+"[WARN]"+colorReset+" "+format+"\n", args...)
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorRed+"[ERROR]"+colorReset+" "+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Global flags
// ---------------------------------------------------------------------------

var (
	rootDir string
	verbose bool
)

// ---------------------------------------------------------------------------
// Root command
// ---------------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "epubtrans",
		Short: i18n.T("Translate EPUB books block by block with an AI model"),
		Long: `epubtrans translates an unpacked EPUB book with an OpenAI-compatible model.

Every paragraph-level block is sent with its neighbours as context, checked
for leftover source script, and merged into a copy of the book. Progress is
saved after each block, so an interrupted run resumes where it stopped.

Commands:
  init        Write a default .epubtrans.yaml and the prompts file
  status      Show book info and translation progress
  translate   Translate pending blocks
  pack        Rebuild an .epub from the translated tree
  auth        Manage backend API keys`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&rootDir, "root", ".", "Project root directory")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable detailed logging")

	root.AddCommand(
		newInitCmd(),
		newStatusCmd(),
		newTranslateCmd(),
		newPackCmd(),
		newAuthCmd(),
		newVersionCmd(),
	)

	return root
}

func main() {
	setupColors(term.IsTerminal(int(os.Stderr.Fd())), os.Getenv("NO_COLOR"))
	i18n.Init("")
	log.SetFlags(log.Ltime)

	if err := newRootCmd().Execute(); err != nil {
		logError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("epubtrans version %s\n", version)
			fmt.Printf("  commit:    %s\n", commit)
			fmt.Printf("  built:     %s\n", date)
			fmt.Printf("  language:  %s (catalogs: %s)\n", i18n.Language(), strings.Join(i18n.Available(), ", "))
		},
	}
}

// ---------------------------------------------------------------------------
// Shared configuration flags
// ---------------------------------------------------------------------------

// addProjectFlags registers the flags that override project paths and
// languages.
func addProjectFlags(fs *pflag.FlagSet, o *config.Overrides) {
	fs.StringVar(&o.SourceDir, "source", "", "Unpacked source book directory (default from config: source)")
	fs.StringVar(&o.OutputDir, "output-dir", "", "Translated tree directory (default from config: translated)")
	fs.StringVar(&o.SourceLang, "source-lang", "", "Source language (default from config: ja)")
	fs.StringVar(&o.TargetLang, "target-lang", "", "Target language (default from config: zh-CN)")
	fs.StringVar(&o.Checkpoint, "checkpoint", "", "Progress ledger backend: json or sqlite")
}

// addBackendFlags registers the flags that select the model endpoint.
func addBackendFlags(fs *pflag.FlagSet, o *config.Overrides) {
	fs.StringVar(&o.URL, "url", "", "OpenAI-compatible endpoint URL")
	fs.StringVar(&o.Model, "model", "", "Model name")
	fs.StringVar(&o.Profile, "profile", "", "Stored credential profile (default: default)")
	fs.StringVar(&o.APIKey, "api-key", "", "API key (or "+config.APIKeyEnv+" env var)")
}

func completeCheckpoint(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{
		checkpoint.BackendJSON + "\tJSON file (progress.json)",
		checkpoint.BackendSQLite + "\tSQLite database",
	}, cobra.ShellCompDirectiveNoFileComp
}

// loadConfig reads the project configuration and applies flag overrides.
func loadConfig(o config.Overrides) (config.Config, error) {
	cfg, err := config.Load(rootDir)
	if err != nil {
		return cfg, err
	}
	cfg = cfg.With(o)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.File != "" && verbose {
		log.Printf("[DEBUG] Using %s", cfg.File)
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// init
// ---------------------------------------------------------------------------

func newInitCmd() *cobra.Command {
	var (
		format string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Write .epubtrans.yaml (or .epubtrans.toml with --format toml) with every
key set to its default, and create the user prompts file if it is missing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ".epubtrans.yaml"
			switch format {
			case "yaml", "yml":
			case "toml":
				name = ".epubtrans.toml"
			default:
				return fmt.Errorf("unknown format %q (use yaml or toml)", format)
			}
			if existing := config.Find(rootDir); existing != "" && !force {
				logInfo(i18n.T("Configuration already exists: %s"), existing)
			} else {
				p, err := config.WriteDefault(rootDir, name, force)
				if err != nil {
					return err
				}
				logSuccess(i18n.T("Wrote %s"), p)
			}

			_, promptsPath, err := translate.LoadPromptsFromDefaultLocations()
			if err != nil {
				logWarning("Prompts file: %v", err)
			} else {
				logInfo("Prompts: %s", promptsPath)
			}

			src := filepath.Join(rootDir, config.Default().SourceDir)
			if _, err := os.Stat(src); os.IsNotExist(err) {
				logInfo(i18n.T("Unpack the book into %s before translating"), src)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "yaml", "Configuration format: yaml or toml")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration file")
	return cmd
}

// ---------------------------------------------------------------------------
// status (read-only: book info + ledger)
// ---------------------------------------------------------------------------

func newStatusCmd() *cobra.Command {
	var o config.Overrides

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show book info and translation progress",
		Long: `Show the project configuration, book metadata and per-type progress
recorded in the ledger. Does not contact the backend or modify any files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(o)
			if err != nil {
				return err
			}
			return runStatus(cfg)
		},
	}

	addProjectFlags(cmd.Flags(), &o)
	_ = cmd.RegisterFlagCompletionFunc("checkpoint", completeCheckpoint)
	return cmd
}

func runStatus(cfg config.Config) error {
	fmt.Fprintf(os.Stderr, "\n%s%s%s\n", colorBlue, i18n.T("Project"), colorReset)
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))
	fmt.Fprintf(os.Stderr, "  Root:       %s\n", cfg.Root)
	if cfg.File != "" {
		fmt.Fprintf(os.Stderr, "  Config:     %s\n", cfg.File)
	} else {
		fmt.Fprintf(os.Stderr, "  Config:     defaults (no .epubtrans.yaml)\n")
	}
	fmt.Fprintf(os.Stderr, "  Source:     %s\n", cfg.SourcePath())
	fmt.Fprintf(os.Stderr, "  Output:     %s\n", cfg.OutputPath())
	fmt.Fprintf(os.Stderr, "  Languages:  %s -> %s\n", cfg.SourceLang, cfg.TargetLang)
	fmt.Fprintf(os.Stderr, "  Backend:    %s (%s)\n", cfg.BackendURL(), cfg.BackendModel())

	if info, err := book.ReadPackage(cfg.SourcePath()); err == nil {
		if info.Title != "" {
			fmt.Fprintf(os.Stderr, "  Title:      %s\n", info.Title)
		}
		if info.Creator != "" {
			fmt.Fprintf(os.Stderr, "  Creator:    %s\n", info.Creator)
		}
		fmt.Fprintf(os.Stderr, "  Package:    %s\n", info.RootFile)
	} else if verbose {
		log.Printf("[DEBUG] No package metadata: %v", err)
	}
	fmt.Fprintln(os.Stderr)

	store, err := checkpoint.Open(cfg.StatePath(), cfg.Checkpoint.Backend)
	if err != nil {
		return err
	}
	defer store.Close()

	state, err := store.Load()
	if err != nil {
		return fmt.Errorf("loading progress: %w", err)
	}
	if len(state.Files) == 0 {
		logInfo("%s", i18n.T("No progress recorded yet. Run 'epubtrans translate' to start."))
		return nil
	}

	showStatsTable(state)

	errlog := checkpoint.OpenErrorLog(cfg.StatePath())
	if entries, err := errlog.Entries(); err == nil && len(entries) > 0 {
		logWarning(i18n.N("%d block failed in earlier runs, see %s", "%d blocks failed in earlier runs, see %s", len(entries)),
			len(entries), errlog.Path())
	}
	if verbose {
		if lock, err := lockfile.Load(cfg.StatePath()); err == nil {
			logInfo("Source checksums: %s", lock.Summary())
		}
	}
	return nil
}

func showStatsTable(state *checkpoint.State) {
	fmt.Fprintf(os.Stderr, "%s%s%s\n", colorBlue, i18n.T("Translation Progress"), colorReset)
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))
	fmt.Fprintf(os.Stderr, "\n%-14s %-9s %-13s %s\n", "Type", "Files", "Blocks", "Progress")
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))

	for _, ts := range checkpoint.Summarize(state) {
		percent := int(checkpoint.Percent(ts.CompletedBlocks, ts.Blocks))
		if ts.Blocks == 0 {
			percent = 100
		}
		fmt.Fprintf(os.Stderr, "%-14s %-9s %-13s %s\n",
			ts.Type.Label(),
			fmt.Sprintf("%d/%d", ts.CompletedFiles, ts.Files),
			fmt.Sprintf("%s/%s", humanize.Comma(int64(ts.CompletedBlocks)), humanize.Comma(int64(ts.Blocks))),
			progressBar(percent, 20))
	}

	m := state.Meta
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))
	fmt.Fprintf(os.Stderr, "Total: %d/%d files, %s/%s blocks (%.1f%%)\n",
		m.CompletedFiles, m.TotalFiles,
		humanize.Comma(int64(m.CompletedBlocks)), humanize.Comma(int64(m.TotalBlocks)),
		checkpoint.Percent(m.CompletedBlocks, m.TotalBlocks))
	if !m.UpdatedAt.IsZero() {
		fmt.Fprintf(os.Stderr, "Updated: %s\n", humanize.Time(m.UpdatedAt))
	}
	fmt.Fprintln(os.Stderr)
}

// progressBar renders percent as a colored bar of width cells followed
// by the number.
func progressBar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100

	color := colorRed
	switch {
	case percent >= 100:
		color = colorGreen
	case percent >= 50:
		color = colorYellow
	}
	return color + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + colorReset +
		fmt.Sprintf(" %3d%%", percent)
}

// ---------------------------------------------------------------------------
// translate
// ---------------------------------------------------------------------------

type translateArgs struct {
	overrides config.Overrides
	only      []string
	prompt    string
	dryRun    bool
}

func newTranslateCmd() *cobra.Command {
	var a translateArgs

	cmd := &cobra.Command{
		Use:   "translate",
		Short: "Translate pending blocks of the book",
		Long: `Translate every pending block of the source book into the output tree.

Blocks already recorded in the progress ledger are skipped, so the command
can be interrupted with Ctrl+C and run again. A block that still fails after
all retries stops the run; its details are kept in the error ledger.

Examples:
  # Translate with the settings in .epubtrans.yaml
  epubtrans translate

  # Use a local server and keep the original text next to the translation
  epubtrans translate --url http://127.0.0.1:8080/v1 --model qwen2.5 --bilingual

  # Only chapter files, without calling the backend
  epubtrans translate --only 'p-0*.xhtml' --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranslate(a)
		},
	}

	addProjectFlags(cmd.Flags(), &a.overrides)
	addBackendFlags(cmd.Flags(), &a.overrides)
	cmd.Flags().IntVar(&a.overrides.MaxAttempts, "max-attempts", 0, "Attempts per block before the run halts (default from config: 3)")
	cmd.Flags().BoolVar(&a.overrides.Bilingual, "bilingual", false, "Keep the original text next to each translation")
	cmd.Flags().StringSliceVar(&a.only, "only", nil, "Translate only documents matching these globs (comma-separated)")
	cmd.Flags().StringVar(&a.prompt, "prompt", "", "Custom system prompt (use {{sourceLang}} and {{targetLang}} placeholders)")
	cmd.Flags().BoolVar(&a.dryRun, "dry-run", false, "Count pending blocks without calling the backend")
	_ = cmd.RegisterFlagCompletionFunc("checkpoint", completeCheckpoint)

	return cmd
}

func runTranslate(a translateArgs) error {
	cfg, err := loadConfig(a.overrides)
	if err != nil {
		return err
	}

	gl, err := glossary.Load(cfg.GlossaryPath())
	if err != nil {
		return err
	}
	if gl.Len() > 0 {
		logInfo(i18n.T("Glossary: %d terms"), gl.Len())
	}

	rec, err := metrics.NewGlobal()
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	store, err := checkpoint.Open(cfg.StatePath(), cfg.Checkpoint.Backend)
	if err != nil {
		return err
	}
	defer store.Close()
	errlog := checkpoint.OpenErrorLog(cfg.StatePath())

	lock, err := lockfile.Load(cfg.StatePath())
	if err != nil {
		return err
	}

	popts := pipeline.Options{
		SourceDir:     cfg.SourcePath(),
		OutputDir:     cfg.OutputPath(),
		SourceLang:    cfg.SourceLang,
		ChecklistPath: cfg.ChecklistPath(),
		Only:          a.only,
		Bilingual:     cfg.Bilingual,
		DryRun:        a.dryRun,
		Metrics:       rec,
		Lock:          lock,
		Verbose:       verbose,
		OnProgress: func(doc string, done, total int) {
			logInfo("  %s: %d/%d", doc, done, total)
		},
		OnLog: func(format string, args ...any) {
			logInfo(format, args...)
		},
		OnError: func(format string, args ...any) {
			logError(format, args...)
		},
	}

	logInfo(i18n.T("Translating %s -> %s"), cfg.SourceLang, cfg.TargetLang)
	if a.dryRun {
		sum, err := pipeline.New(nil, store, errlog, popts).Run(context.Background())
		if err != nil {
			return err
		}
		logInfo(i18n.T("%d documents, %d blocks, %d pending"), sum.Documents, sum.Blocks, sum.Pending)
		if sum.Fallbacks > 0 {
			logWarning(i18n.T("%d documents used the fallback extractor"), sum.Fallbacks)
		}
		return nil
	}

	key, err := cfg.APIKey()
	if err != nil {
		return err
	}

	// Setup signal handling for graceful cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logWarning("%s", i18n.T("Interrupted, saving progress..."))
			cancel()
		case <-ctx.Done():
		}
	}()

	dialer := backend.NewOpenAIDialer(backend.Config{
		URL:          cfg.BackendURL(),
		APIKey:       key,
		Model:        cfg.BackendModel(),
		HistoryTurns: cfg.Backend.HistoryTurns,
		Verbose:      verbose,
	})
	mgr := session.New(dialer, session.Options{
		URL:               cfg.BackendURL(),
		APIKey:            key,
		ConnectAttempts:   cfg.Backend.ConnectAttempts,
		RequestsPerMinute: cfg.Backend.RequestsPerMinute,
		KillStale:         cfg.Backend.KillStale,
		Metrics:           rec,
		Verbose:           verbose,
		OnLog:             func(msg string) { logInfo("%s", msg) },
	})
	defer mgr.Close()

	logInfo(i18n.T("Backend: %s, model: %s"), cfg.BackendURL(), cfg.BackendModel())
	if err := mgr.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to backend: %w", err)
	}

	prompts, promptsPath, err := translate.LoadPromptsFromDefaultLocations()
	if err != nil {
		logWarning("Prompts file: %v (using built-in prompt)", err)
	} else if verbose {
		log.Printf("[DEBUG] Prompts: %s", promptsPath)
	}
	systemPrompt := a.prompt
	if systemPrompt == "" {
		systemPrompt = cfg.Prompt
	}

	client := translate.New(mgr, translate.Options{
		SourceLang:           cfg.SourceLang,
		TargetLang:           cfg.TargetLang,
		Glossary:             gl,
		SystemPrompt:         systemPrompt,
		Prompts:              prompts,
		MaxAttempts:          cfg.Retry.MaxAttempts,
		RetryDelay:           cfg.Retry.Delay.Std(),
		AttemptTimeout:       cfg.Backend.AttemptTimeout.Std(),
		IdleTimeout:          cfg.Backend.IdleTimeout.Std(),
		ForbiddenPunctuation: cfg.Quality.ForbiddenPunctuation,
		Metrics:              rec,
		Verbose:              verbose,
		OnLog: func(format string, args ...any) {
			logInfo(format, args...)
		},
		OnError: func(format string, args ...any) {
			logWarning(format, args...)
		},
	})

	wd := watchdog.New(watchdog.Options{
		Interval:  cfg.Watchdog.Interval.Std(),
		HighWater: uint64(cfg.Watchdog.HighWaterMB) << 20,
		Metrics:   rec,
		Verbose:   verbose,
		OnLog: func(format string, args ...any) {
			logWarning(format, args...)
		},
	})
	wd.Register("prompt cache", client.ResetCache)

	sum, err := pipeline.New(client, store, errlog, popts).RunWithWatchdog(ctx, wd)
	printSummary(sum, mgr.Stats())

	switch {
	case err == nil:
		if sum.Failed > 0 {
			logWarning("%s", i18n.T("Some blocks could not be merged; run again to retry them"))
		} else {
			logSuccess("%s", i18n.T("Translation complete!"))
		}
		return nil
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		logWarning("%s", i18n.T("Translation interrupted, partial progress saved"))
		return nil
	case errors.Is(err, pipeline.ErrHalted):
		logError(i18n.T("Run halted, details in %s"), errlog.Path())
		return err
	default:
		return err
	}
}

func printSummary(sum pipeline.Summary, st session.Stats) {
	logInfo(i18n.T("Documents: %d/%d complete, blocks translated: %d, failed: %d"),
		sum.Completed, sum.Documents, sum.Translated, sum.Failed)
	if sum.Copied > 0 {
		logInfo("Copied %d unchanged files", sum.Copied)
	}
	if sum.Changed > 0 {
		logWarning("%d documents changed since their translation and were started again", sum.Changed)
	}
	logInfo("Requests: %d ok, %d failed, %d reconnects, %d resets (%s)",
		st.Successful, st.Failed, st.Reconnections, st.Resets, sum.Elapsed.Round(time.Second))
}

// ---------------------------------------------------------------------------
// pack
// ---------------------------------------------------------------------------

func newPackCmd() *cobra.Command {
	var (
		o      config.Overrides
		output string
		force  bool
		noFill bool
	)

	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Build an .epub from the translated tree",
		Long: `Archive the translated tree as an .epub. Files that were never written
to the translated tree are copied from the source first. The archive name
defaults to the book title.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(o)
			if err != nil {
				return err
			}
			opts := pack.Options{
				Dir:    cfg.OutputPath(),
				Output: output,
				Force:  force,
				OnLog: func(format string, args ...any) {
					logInfo(format, args...)
				},
			}
			if !noFill {
				opts.SourceDir = cfg.SourcePath()
			}
			if output != "" && !filepath.IsAbs(output) {
				opts.Output = filepath.Join(cfg.Root, output)
			}
			if output == "" {
				title := ""
				if info, err := book.ReadPackage(cfg.SourcePath()); err == nil {
					title = info.Title
				}
				opts.Output = filepath.Join(cfg.Root, pack.OutputName(title))
			}

			res, err := pack.Pack(opts)
			if err != nil {
				return err
			}
			logSuccess(i18n.T("Wrote %s"), res.Path)
			return nil
		},
	}

	addProjectFlags(cmd.Flags(), &o)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Archive path (default: <title>.epub in the project root)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing archive")
	cmd.Flags().BoolVar(&noFill, "no-fill", false, "Do not copy missing files from the source tree")
	return cmd
}

// ---------------------------------------------------------------------------
// auth
// ---------------------------------------------------------------------------

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage backend API keys",
		Long: `Manage API keys for OpenAI-compatible backends.

Keys are stored per profile in ` + settings.FilePath() + `
(permissions 0600). A profile may also carry an endpoint URL and model that
are used when the project keeps the defaults.

Examples:
  epubtrans auth login                          Store a key for the default profile
  epubtrans auth login --profile local --url http://127.0.0.1:8080/v1
  epubtrans auth logout --profile local         Remove one profile
  epubtrans auth logout                         Remove all profiles
  epubtrans auth list                           Show stored profiles`,
	}

	cmd.AddCommand(
		newAuthLoginCmd(),
		newAuthLogoutCmd(),
		newAuthListCmd(),
	)
	return cmd
}

func completeProfiles(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return settings.Load().Profiles(), cobra.ShellCompDirectiveNoFileComp
}

func newAuthLoginCmd() *cobra.Command {
	var profile, baseURL, model string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return authLogin(profile, baseURL, model)
		},
	}

	cmd.Flags().StringVar(&profile, "profile", settings.DefaultProfile, "Profile name")
	cmd.Flags().StringVar(&baseURL, "url", "", "Endpoint URL for this profile")
	cmd.Flags().StringVar(&model, "model", "", "Model for this profile")
	_ = cmd.RegisterFlagCompletionFunc("profile", completeProfiles)
	return cmd
}

func authLogin(profile, baseURL, model string) error {
	fmt.Fprintf(os.Stderr, "\n%s%s: %s%s\n", colorBlue, i18n.T("API key setup"), profile, colorReset)
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))

	existing := settings.Get(profile)
	if existing != nil && existing.Key != "" {
		fmt.Fprintf(os.Stderr, "  Current key: %s%s%s\n", colorYellow, settings.MaskKey(existing.Key), colorReset)
		fmt.Fprintf(os.Stderr, "  Enter new key to replace, or press Enter to keep: ")
	} else {
		fmt.Fprintf(os.Stderr, "  Enter API key: ")
	}

	key, err := readSecret()
	if err != nil {
		return err
	}
	if key == "" {
		if existing == nil || existing.Key == "" {
			return errors.New("no API key provided")
		}
		key = existing.Key
	}

	info := &settings.Info{Type: "api", Key: key, BaseURL: baseURL, Model: model}
	if existing != nil {
		if info.BaseURL == "" {
			info.BaseURL = existing.BaseURL
		}
		if info.Model == "" {
			info.Model = existing.Model
		}
	}
	if err := settings.Set(profile, info); err != nil {
		return fmt.Errorf("saving API key: %w", err)
	}

	logSuccess(i18n.T("Profile %s saved"), profile)
	if profile != settings.DefaultProfile {
		fmt.Fprintf(os.Stderr, "\n  You can now use: epubtrans translate --profile %s\n\n", profile)
	}
	return nil
}

// readSecret reads one line from stdin without echo when stdin is a
// terminal.
func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading key: %w", err)
		}
		return "", nil
	}
	return strings.TrimSpace(scanner.Text()), nil
}

func newAuthLogoutCmd() *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove stored API keys",
		Long: `Remove the stored key of one profile, or of all profiles when --profile
is not given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if profile != "" {
				if settings.Get(profile) == nil {
					return fmt.Errorf("unknown profile %q, run 'epubtrans auth list'", profile)
				}
				if err := settings.Remove(profile); err != nil {
					return err
				}
				logSuccess(i18n.T("Profile %s removed"), profile)
				return nil
			}
			if err := settings.RemoveAll(); err != nil {
				return err
			}
			logSuccess("%s", i18n.T("All stored credentials removed"))
			return nil
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "Profile to remove (default: all)")
	_ = cmd.RegisterFlagCompletionFunc("profile", completeProfiles)
	return cmd
}

func newAuthListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show stored profiles",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(os.Stderr, "\n%s%s%s\n", colorBlue, i18n.T("Stored Credentials"), colorReset)
			fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))

			store := settings.Load()
			if len(store) == 0 {
				fmt.Fprintf(os.Stderr, "  %snone%s\n", colorRed, colorReset)
			}
			for _, name := range store.Profiles() {
				fmt.Fprintf(os.Stderr, "  %-14s %s\n", name, describeProfile(store[name]))
			}

			fmt.Fprintf(os.Stderr, "\n  %sEnvironment%s\n", colorYellow, colorReset)
			if env := os.Getenv(config.APIKeyEnv); env != "" {
				fmt.Fprintf(os.Stderr, "  %s: %s%s%s (overrides stored keys)\n", config.APIKeyEnv, colorGreen, settings.MaskKey(env), colorReset)
			} else {
				fmt.Fprintf(os.Stderr, "  %s: %snot set%s\n", config.APIKeyEnv, colorRed, colorReset)
			}
			fmt.Fprintln(os.Stderr)
		},
	}
}

// describeProfile renders a stored profile for auth list.
func describeProfile(info *settings.Info) string {
	if info == nil || info.Key == "" {
		return colorRed + "not configured" + colorReset
	}
	s := fmt.Sprintf("%sconfigured%s (key: %s)", colorGreen, colorReset, settings.MaskKey(info.Key))
	if info.BaseURL != "" {
		s += "\n  " + strings.Repeat(" ", 14) + " endpoint: " + info.BaseURL
	}
	if info.Model != "" {
		s += "\n  " + strings.Repeat(" ", 14) + " model: " + info.Model
	}
	return s
}
