package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/mattjoyce/rendergate/internal/config"
	"github.com/mattjoyce/rendergate/internal/dispatch"
	"github.com/mattjoyce/rendergate/internal/history"
	"github.com/mattjoyce/rendergate/internal/inspect"
	"github.com/mattjoyce/rendergate/internal/job"
	"github.com/mattjoyce/rendergate/internal/log"
	"github.com/mattjoyce/rendergate/internal/notify"
	"github.com/mattjoyce/rendergate/internal/storage"
)

// jobFlags are shared by run, plan and validate.
type jobFlags struct {
	configPath string
	only       string
	jsonOut    bool
}

func (f *jobFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file or directory")
	fs.StringVar(&f.only, "only", "", "Comma-separated job names to select")
	fs.BoolVar(&f.jsonOut, "json", false, "Output as JSON")
}

// selectJobs expands the configured jobs and keeps those named in only. A
// name shared by several matrix combinations selects all of them.
func selectJobs(cfg *config.Config, only string) ([]job.Descriptor, error) {
	descs, err := cfg.Descriptors()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(only) == "" {
		return descs, nil
	}

	want := make(map[string]bool)
	for _, name := range strings.Split(only, ",") {
		if name = strings.TrimSpace(name); name != "" {
			want[name] = true
		}
	}
	var out []job.Descriptor
	matched := make(map[string]bool)
	for _, d := range descs {
		if name := d.DisplayName(); want[name] {
			out = append(out, d)
			matched[name] = true
		}
	}
	if len(matched) < len(want) {
		var missing []string
		for name := range want {
			if !matched[name] {
				missing = append(missing, name)
			}
		}
		slices.Sort(missing)
		return nil, fmt.Errorf("no configured job named %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func runJobRun(args []string) int {
	fs := flag.NewFlagSet("job run", flag.ContinueOnError)
	var jf jobFlags
	jf.register(fs)
	continueOnError := fs.Bool("continue-on-error", false, "Keep going after a failed job (overrides batch.continue_on_error)")
	stopOnError := fs.Bool("stop-on-error", false, "Skip remaining jobs after the first failure")
	noHistory := fs.Bool("no-history", false, "Do not record the batch in run history")
	verbose := fs.Bool("verbose", false, "Show argv and stderr for each job")
	fs.BoolVar(verbose, "v", false, "Show argv and stderr for each job (shorthand)")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *continueOnError && *stopOnError {
		fmt.Fprintln(os.Stderr, "--continue-on-error and --stop-on-error are mutually exclusive")
		return 1
	}

	cfg, err := loadConfigForTool(jf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load bindings: %v\n", err)
		return 1
	}
	descs, err := selectJobs(cfg, jf.only)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to select jobs: %v\n", err)
		return 1
	}
	if len(descs) == 0 {
		fmt.Fprintln(os.Stderr, "No jobs configured.")
		return 1
	}

	policy := cfg.Batch.Continue()
	switch {
	case *continueOnError:
		policy = true
	case *stopOnError:
		policy = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := dispatch.New(cfg.Renderer, reg).WithConfigPath(cfg.SourcePath)
	if cfg.Locks.Dir != "" {
		d.WithDeviceLocks(cfg.Locks.Dir, cfg.Locks.Poll)
	}

	if !*noHistory {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open run history: %v\n", err)
			return 1
		}
		defer func() { _ = db.Close() }()
		d.WithHistory(history.New(db))
	}

	if cfg.Notify.NATSURL != "" {
		pub, err := notify.Connect(cfg.Notify.NATSURL, cfg.Notify.Subject)
		if err != nil {
			// Outcome events are best effort; the batch still runs.
			log.Warn("outcome notifications disabled", "url", cfg.Notify.NATSURL, "error", err)
		} else {
			defer pub.Close()
			d.WithNotifier(pub)
		}
	}

	report := d.RunBatch(ctx, descs, policy)
	view := inspect.FromDispatch(report)

	if jf.jsonOut {
		out, err := inspect.JSON(view)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(inspect.Text(view, *verbose))
	}

	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "Interrupted; remaining jobs were not run.")
	}
	if !report.OK() {
		return 1
	}
	return 0
}

// planBatch runs every selected job through validation and invocation
// building without launching anything.
func planBatch(cfg *config.Config, descs []job.Descriptor) ([]inspect.PlanEntry, bool, error) {
	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, false, err
	}
	d := dispatch.New(cfg.Renderer, reg)

	ok := true
	entries := make([]inspect.PlanEntry, 0, len(descs))
	for _, desc := range descs {
		entry := inspect.PlanEntry{Job: desc.DisplayName(), Binding: desc.Binding, GPU: desc.GPU}

		v, err := d.Prepare(desc)
		if err != nil {
			entry.Code = job.Code(err)
			entry.Error = err.Error()
			entries = append(entries, entry)
			ok = false
			continue
		}
		plan, err := d.PlanJob(v)
		if err != nil {
			entry.Code = job.Code(err)
			entry.Error = err.Error()
			entries = append(entries, entry)
			ok = false
			continue
		}
		spec := d.BuildInvocation(v)
		entry.Argv = spec.Argv
		entry.Env = spec.Env
		entry.Plan = &plan
		entries = append(entries, entry)
	}
	return entries, ok, nil
}

func runJobPlan(args []string) int {
	fs := flag.NewFlagSet("job plan", flag.ContinueOnError)
	var jf jobFlags
	jf.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	entries, ok, code := loadPlan(jf)
	if entries == nil {
		return code
	}

	if jf.jsonOut {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		fmt.Print(inspect.PlanText(entries))
	}
	if !ok {
		return 1
	}
	return 0
}

type validateResult struct {
	Job     string `json:"job"`
	Binding string `json:"binding"`
	Valid   bool   `json:"valid"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

func runJobValidate(args []string) int {
	fs := flag.NewFlagSet("job validate", flag.ContinueOnError)
	var jf jobFlags
	jf.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	entries, ok, code := loadPlan(jf)
	if entries == nil {
		return code
	}

	results := make([]validateResult, 0, len(entries))
	for _, e := range entries {
		results = append(results, validateResult{
			Job:     e.Job,
			Binding: e.Binding,
			Valid:   e.Error == "",
			Code:    e.Code,
			Error:   e.Error,
		})
	}

	if jf.jsonOut {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		for _, r := range results {
			if r.Valid {
				fmt.Printf("OK      %s (%s)\n", r.Job, r.Binding)
				continue
			}
			fmt.Printf("INVALID %s (%s) [%s] %s\n", r.Job, r.Binding, r.Code, r.Error)
		}
	}
	if !ok {
		return 1
	}
	return 0
}

// loadPlan loads config and plans the selected jobs. A nil slice means the
// command failed before any job was looked at and code is its exit status.
func loadPlan(jf jobFlags) ([]inspect.PlanEntry, bool, int) {
	cfg, err := loadConfigForTool(jf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, false, 1
	}
	descs, err := selectJobs(cfg, jf.only)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to select jobs: %v\n", err)
		return nil, false, 1
	}
	if len(descs) == 0 {
		fmt.Fprintln(os.Stderr, "No jobs configured.")
		return nil, false, 1
	}
	entries, ok, err := planBatch(cfg, descs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load bindings: %v\n", err)
		return nil, false, 1
	}
	return entries, ok, 0
}
