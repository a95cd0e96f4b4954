package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"

	"slotcheck/internal/config"
	"slotcheck/internal/ics"
	appLog "slotcheck/internal/log"
	"slotcheck/internal/model"
	"slotcheck/internal/ruleset"
	"slotcheck/internal/slot"
	"slotcheck/internal/web"
)

const defaultConfigPath = "/etc/slotcheck/config.yaml"

// flagConfig holds CLI flag values.
type flagConfig struct {
	includeRule      string
	excludeRule      string
	excludeDatetimes []string
	width            time.Duration
	now              string
	preview          int
	logLevel         string

	configPath string
	listen     string
	watch      bool
	serve      bool
	icsURL     string
	uid        string
}

// daemon reports whether the flags ask for a long-running mode.
func (f flagConfig) daemon() bool { return f.watch || f.serve }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code: 0 when the next
// occurrence falls in the current slot, 1 when it does not, -1 on error.
func run(args []string, stdout, stderr io.Writer) int {
	flags, fs, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return slot.Error.ExitCode()
	}

	if flags.logLevel != "" {
		level, err := appLog.ParseLevel(flags.logLevel)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return slot.Error.ExitCode()
		}
		appLog.SetLevel(level)
	}

	// The config file is only read when asked for or when running as a
	// daemon; a one-shot check works from flags alone.
	conf := config.DefaultConfig()
	if flags.daemon() || fs.Changed("config") {
		conf, err = config.Load(flags.configPath)
		if err != nil {
			appLog.Error("failed to load config", err, "config_path", flags.configPath)
			return slot.Error.ExitCode()
		}
		if !fs.Changed("log-level") {
			if level, err := appLog.ParseLevel(conf.LogLevel); err == nil {
				appLog.SetLevel(level)
			}
		}
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if fs.Changed("width") {
		conf.SlotWidth = flags.width.String()
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		return slot.Error.ExitCode()
	}

	width, _ := conf.Width()
	now := time.Now()
	if flags.now != "" {
		now, err = time.Parse(time.RFC3339, flags.now)
		if err != nil {
			appLog.Error("invalid --now", err, "value", flags.now)
			return slot.Error.ExitCode()
		}
	}

	switch {
	case flags.daemon():
		return runDaemon(flags, conf)
	case flags.icsURL != "":
		return runICS(flags, conf, now, width, stdout)
	default:
		return runOnce(flags, conf, now, width, stdout)
	}
}

func parseFlags(args []string, stderr io.Writer) (flagConfig, *pflag.FlagSet, error) {
	var cfg flagConfig

	fs := pflag.NewFlagSet("slotcheck", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.includeRule, "include-rule", "", "Recurrence rule the job follows (DTSTART + RRULE)")
	fs.StringVar(&cfg.excludeRule, "exclude-rule", "", "Recurrence rule whose occurrences are skipped")
	fs.StringSliceVar(&cfg.excludeDatetimes, "exclude-datetimes", nil, "Instants to skip (RFC 3339 or ICS form); takes several values")
	fs.DurationVar(&cfg.width, "width", 30*time.Minute, "Slot width")
	fs.StringVar(&cfg.now, "now", "", "Evaluate at this RFC 3339 instant instead of the clock")
	fs.IntVar(&cfg.preview, "preview", 0, "Also print the next N occurrences")
	fs.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.configPath, "config", defaultConfigPath, "Path to config file")
	fs.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	fs.BoolVar(&cfg.watch, "watch", false, "Evaluate the configured jobs on the configured cron schedule")
	fs.BoolVar(&cfg.serve, "serve", false, "Serve the HTTP API")
	fs.StringVar(&cfg.icsURL, "ics", "", "Evaluate the events of an ICS file or URL")
	fs.StringVar(&cfg.uid, "uid", "", "With --ics, only evaluate the event with this UID")

	if err := fs.Parse(args); err != nil {
		return cfg, fs, err
	}
	// --exclude-datetimes A B C: values after the flag that are not flags
	// themselves belong to it.
	if fs.NArg() > 0 {
		if !fs.Changed("exclude-datetimes") {
			return cfg, fs, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
		}
		cfg.excludeDatetimes = append(cfg.excludeDatetimes, fs.Args()...)
	}
	if cfg.preview < 0 {
		return cfg, fs, errors.New("--preview must not be negative")
	}
	if cfg.width <= 0 {
		return cfg, fs, errors.New("--width must be positive")
	}
	if cfg.uid != "" && cfg.icsURL == "" {
		return cfg, fs, errors.New("--uid requires --ics")
	}
	if !cfg.daemon() && cfg.icsURL == "" && strings.TrimSpace(cfg.includeRule) == "" {
		return cfg, fs, errors.New("--include-rule is required")
	}
	return cfg, fs, nil
}

// runOnce evaluates the job described by the flags.
func runOnce(flags flagConfig, conf *config.Config, now time.Time, width time.Duration, stdout io.Writer) int {
	exdates, err := ruleset.ParseExDates(flags.excludeDatetimes)
	if err != nil {
		appLog.Error("invalid --exclude-datetimes", err)
		return slot.Error.ExitCode()
	}
	job := model.Job{
		Name:        "cli",
		SourceID:    "flags",
		IncludeRule: flags.includeRule,
		ExcludeRule: flags.excludeRule,
		ExDates:     exdates,
	}

	runID := uuid.NewString()
	res := evaluate(runID, job, now, width, conf.MaxSkips)
	printResult(stdout, job, res)

	if res.Err != nil {
		return res.Outcome.ExitCode()
	}
	set, err := ruleset.Parse(job.IncludeRule, job.ExcludeRule, job.ExDates, now)
	if err != nil {
		return res.Outcome.ExitCode()
	}
	set.MaxSkips = conf.MaxSkips
	for _, t := range set.UnmatchedExDates() {
		appLog.Warn("excluded instant is not an occurrence", "run_id", runID, "at", t)
	}
	for _, t := range set.Upcoming(now, flags.preview) {
		fmt.Fprintln(stdout, "upcoming", t.Format(time.RFC3339))
	}
	return res.Outcome.ExitCode()
}

// runICS evaluates every event of one feed. The exit code is 0 when any
// event is scheduled, -1 when none is and at least one failed, else 1.
func runICS(flags flagConfig, conf *config.Config, now time.Time, width time.Duration, stdout io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs, err := ics.NewFetcher(ics.DefaultCacheDir()).Jobs(ctx, ics.Source{ID: "cli", URL: flags.icsURL})
	if err != nil {
		appLog.Error("failed to load ICS", err)
		return slot.Error.ExitCode()
	}
	if flags.uid != "" {
		jobs = filterUID(jobs, flags.uid)
	}
	if len(jobs) == 0 {
		appLog.Warn("no events to evaluate", "uid", flags.uid)
		return slot.NotScheduled.ExitCode()
	}

	runID := uuid.NewString()
	outcome := slot.NotScheduled
	for _, job := range jobs {
		res := evaluate(runID, job, now, width, conf.MaxSkips)
		printResult(stdout, job, res)
		switch {
		case res.Outcome == slot.Scheduled:
			outcome = slot.Scheduled
		case res.Outcome == slot.Error && outcome != slot.Scheduled:
			outcome = slot.Error
		}
	}
	return outcome.ExitCode()
}

func filterUID(jobs []model.Job, uid string) []model.Job {
	var out []model.Job
	for _, j := range jobs {
		if j.UID == uid {
			out = append(out, j)
		}
	}
	return out
}

// runDaemon runs --watch and/or --serve until SIGINT or SIGTERM.
func runDaemon(flags flagConfig, conf *config.Config) int {
	appLog.Info("slotcheck starting",
		"listen", conf.Listen,
		"slot_width", conf.SlotWidth,
		"watch", conf.Watch,
		"jobs", len(conf.Jobs),
		"ics_count", len(conf.ICS),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher := ics.NewFetcher(ics.DefaultCacheDir())
	var wg sync.WaitGroup
	failed := make(chan error, 2)

	if flags.watch {
		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		if _, err := c.AddFunc(conf.Watch, func() { tick(ctx, conf, fetcher) }); err != nil {
			appLog.Error("invalid watch schedule", err, "watch", conf.Watch)
			return slot.Error.ExitCode()
		}
		c.Start()
		appLog.Info("watch started", "watch", conf.Watch)
		defer func() {
			<-c.Stop().Done()
			appLog.Info("watch stopped")
		}()
	}

	if flags.serve {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := web.Serve(ctx, conf, fetcher); err != nil {
				failed <- err
			}
		}()
	}

	code := 0
	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-failed:
		appLog.Error("HTTP server failed", err)
		stop()
		code = slot.Error.ExitCode()
	}
	wg.Wait()
	appLog.Info("slotcheck exiting")
	return code
}

// tick evaluates every configured job once.
func tick(ctx context.Context, conf *config.Config, fetcher *ics.Fetcher) {
	runID := uuid.NewString()
	now := time.Now()
	width, _ := conf.Width()

	jobs, err := conf.ModelJobs()
	if err != nil {
		appLog.Error("config jobs skipped", err, "run_id", runID)
	}
	for _, src := range conf.ICS {
		got, err := fetcher.Jobs(ctx, ics.Source{ID: src.ID, URL: src.URL})
		if err != nil {
			appLog.Error("ics source failed", err, "run_id", runID, "id", src.ID)
			continue
		}
		jobs = append(jobs, got...)
	}

	scheduled := 0
	for _, job := range jobs {
		if evaluate(runID, job, now, width, conf.MaxSkips).Outcome == slot.Scheduled {
			scheduled++
		}
	}
	appLog.Info("watch tick done", "run_id", runID, "jobs", len(jobs), "scheduled", scheduled)
}

func evaluate(runID string, job model.Job, now time.Time, width time.Duration, maxSkips int) slot.Result {
	res := slot.Evaluate(slot.Request{Job: job, Now: now, Width: width, MaxSkips: maxSkips})

	if appLog.Enabled(appLog.LevelDebug) {
		for _, e := range res.Trace {
			appLog.Debug("trace", "run_id", runID, "job", job.Name, "kind", e.Kind, "at", e.At, "detail", e.Detail)
		}
	}
	if res.Err != nil {
		appLog.Error("evaluation failed", res.Err, "run_id", runID, "job", job.Name, "uid", job.UID)
		return res
	}
	kv := []any{"run_id", runID, "job", job.Name, "outcome", res.Outcome, "slot", res.Window.Start}
	if t, ok := res.Occurrence.Get(); ok {
		kv = append(kv, "next", t)
	}
	appLog.Info("evaluated", kv...)
	return res
}

func printResult(w io.Writer, job model.Job, res slot.Result) {
	name := job.Name
	if job.UID != "" {
		name += " <" + job.UID + ">"
	}
	if res.Err != nil {
		fmt.Fprintf(w, "%s\t%s\t%v\n", res.Outcome, name, res.Err)
		return
	}
	next := "none"
	if t, ok := res.Occurrence.Get(); ok {
		next = t.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(w, "%s\t%s\tnext=%s\tslot=%s/%s\n", res.Outcome, name, next,
		res.Window.Start.UTC().Format(time.RFC3339), res.Window.End.UTC().Format(time.RFC3339))
}
