// Command mlprep compiles and runs declarative data preparation pipelines.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/errs"
	"github.com/takurot/mlprep/internal/metrics"
	"github.com/takurot/mlprep/internal/metrics/dogstatsd"
	"github.com/takurot/mlprep/internal/metrics/prompush"
	"github.com/takurot/mlprep/internal/runner"
	"github.com/takurot/mlprep/internal/security"

	// register every output backend with the storage factory.
	_ "github.com/takurot/mlprep/internal/storage/all"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// cli holds the parsed flags of every command.
type cli struct {
	stdout, stderr io.Writer

	logLevel       string
	logFormat      string
	allowedPaths   []string
	maskColumns    []string
	report         string
	metricsBackend string
	pushgatewayURL string
	job            string
	dogstatsdAddr  string

	pipeline   string
	data       string
	checks     string
	mode       string
	quarantine string
	state      string
}

func (c *cli) register(app *kingpin.Application) {
	app.Flag("log.level", "Log level.").Default("info").Envar("MLPREP_LOG_LEVEL").
		EnumVar(&c.logLevel, "debug", "info", "warn", "error")
	app.Flag("log.format", "Log format.").Default("logfmt").EnumVar(&c.logFormat, "logfmt", "json")
	app.Flag("allowed-paths", "Restrict file access to these directories (repeatable).").StringsVar(&c.allowedPaths)
	app.Flag("mask-columns", "Mask values of these columns in logs (repeatable).").StringsVar(&c.maskColumns)
	app.Flag("metrics.backend", "Metrics backend: pushgateway, dogstatsd or none.").Default("none").Envar("METRICS_BACKEND").
		EnumVar(&c.metricsBackend, "pushgateway", "dogstatsd", "none")
	app.Flag("pushgateway.url", "Pushgateway base URL.").Default("http://localhost:9091").Envar("PUSHGATEWAY_URL").
		StringVar(&c.pushgatewayURL)
	app.Flag("metrics.job", "Pushgateway job name.").Default("mlprep").StringVar(&c.job)
	app.Flag("dogstatsd.addr", "DogStatsD agent address.").Default("127.0.0.1:8125").Envar("DOGSTATSD_ADDR").
		StringVar(&c.dogstatsdAddr)

	run := app.Command("run", "Run a pipeline.")
	run.Arg("pipeline", "Pipeline document.").Required().StringVar(&c.pipeline)
	run.Flag("report", "Write the validation reports to this file.").StringVar(&c.report)

	validate := app.Command("validate", "Validate a data file against a checks document.")
	validate.Arg("data", "CSV or JSON lines file.").Required().StringVar(&c.data)
	validate.Flag("checks", "Checks document.").Required().StringVar(&c.checks)
	validate.Flag("mode", "Validation mode.").Default("strict").EnumVar(&c.mode, "strict", "warn", "quarantine")
	validate.Flag("quarantine", "Quarantine output for quarantine mode.").StringVar(&c.quarantine)
	validate.Flag("report", "Write the validation report to this file.").StringVar(&c.report)

	fit := app.Command("fit", "Run a pipeline, refitting its features step.")
	fit.Arg("pipeline", "Pipeline document.").Required().StringVar(&c.pipeline)
	fit.Flag("state", "Write the fitted state here instead of the step's state_path.").StringVar(&c.state)
	fit.Flag("report", "Write the validation reports to this file.").StringVar(&c.report)

	compile := app.Command("compile", "Print the optimized plan of a pipeline.")
	compile.Arg("pipeline", "Pipeline document.").Required().StringVar(&c.pipeline)

	lint := app.Command("lint", "Check a pipeline for likely mistakes.")
	lint.Arg("pipeline", "Pipeline document.").Required().StringVar(&c.pipeline)
}

func (c *cli) logger() log.Logger {
	w := log.NewSyncWriter(c.stderr)
	var logger log.Logger
	if c.logFormat == "json" {
		logger = log.NewJSONLogger(w)
	} else {
		logger = log.NewLogfmtLogger(w)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	var allow level.Option
	switch c.logLevel {
	case "debug":
		allow = level.AllowDebug()
	case "warn":
		allow = level.AllowWarn()
	case "error":
		allow = level.AllowError()
	default:
		allow = level.AllowInfo()
	}
	return level.NewFilter(logger, allow)
}

// run executes args and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}
	app := kingpin.New("mlprep", "Declarative data preparation for machine learning.")
	app.UsageWriter(stdout)
	app.ErrorWriter(stderr)
	c.register(app)

	cmd, err := app.Parse(args)
	if err != nil {
		printError(stderr, errs.Configf("%v", err))
		return errs.ExitConfig
	}
	logger := c.logger()
	c.setupMetrics(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.dispatch(ctx, cmd, logger); err != nil {
		printError(stderr, err)
		return errs.ExitCode(err)
	}
	return errs.ExitOK
}

// setupMetrics installs the configured metrics backend. A backend that
// cannot be created leaves metrics disabled.
func (c *cli) setupMetrics(logger log.Logger) {
	var (
		b   metrics.Backend
		err error
	)
	switch c.metricsBackend {
	case "pushgateway":
		b, err = prompush.NewBackend(c.job, c.pushgatewayURL)
	case "dogstatsd":
		b, err = dogstatsd.NewBackend(dogstatsd.Config{Addr: c.dogstatsdAddr, Tags: []string{"job:" + c.job}})
	default:
		metrics.SetBackend(nil)
		return
	}
	if err != nil {
		level.Warn(logger).Log("msg", "metrics disabled", "backend", c.metricsBackend, "err", err)
		metrics.SetBackend(nil)
		return
	}
	level.Debug(logger).Log("msg", "metrics enabled", "backend", c.metricsBackend)
	metrics.SetBackend(b)
}

func (c *cli) dispatch(ctx context.Context, cmd string, logger log.Logger) error {
	policy, err := security.New(c.allowedPaths, c.maskColumns)
	if err != nil {
		return err
	}
	opts := runner.Options{Logger: logger, Policy: policy, ReportPath: c.report}

	switch cmd {
	case "run":
		res, err := runner.New(opts).RunFile(ctx, c.pipeline)
		printSummary(c.stdout, res)
		return err

	case "fit":
		opts.ForceFit = true
		opts.StatePath = c.state
		res, err := runner.New(opts).RunFile(ctx, c.pipeline)
		printSummary(c.stdout, res)
		return err

	case "validate":
		var q *config.OutputSpec
		if c.quarantine != "" {
			q = &config.OutputSpec{Path: c.quarantine}
		}
		mode, _ := config.ParseValidationMode(c.mode)
		opts.Name = config.StemOf(c.data)
		spec := runner.ValidationSpec(config.InputSpec{Path: c.data}, c.checks, mode, q)
		res, err := runner.New(opts).Run(ctx, spec)
		printSummary(c.stdout, res)
		return err

	case "compile":
		r := runner.New(opts)
		spec, err := r.CompileFile(c.pipeline)
		if err != nil {
			return err
		}
		plan, err := r.Explain(ctx, spec)
		if err != nil {
			return err
		}
		fmt.Fprint(c.stdout, plan)
		return nil

	case "lint":
		spec, err := runner.New(opts).CompileFile(c.pipeline)
		if err != nil {
			return err
		}
		issues := config.Lint(spec)
		printIssues(c.stdout, issues)
		if config.HasErrors(issues) {
			return errs.Configf("%s has lint errors", c.pipeline)
		}
		return nil
	}
	return errs.Configf("unknown command %q", cmd)
}
