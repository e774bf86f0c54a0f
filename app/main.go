package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/freqops/trainn/app/artifacts"
	"github.com/freqops/trainn/app/conf"
	"github.com/freqops/trainn/app/coverage"
	"github.com/freqops/trainn/app/notify"
	"github.com/freqops/trainn/app/pairs"
	"github.com/freqops/trainn/app/preflight"
	"github.com/freqops/trainn/app/provision"
	"github.com/freqops/trainn/app/report"
	"github.com/freqops/trainn/app/store"
	"github.com/freqops/trainn/app/trainer"
	"github.com/freqops/trainn/app/web"
)

var opts struct {
	Config string `short:"f" long:"config" env:"TRAINN_CONFIG" default:"trainn.yml" description:"config file"`
	DB     string `long:"db" env:"TRAINN_DB" default:"var/trainn.db" description:"run history database"`
	Dbg    bool   `long:"dbg" env:"TRAINN_DEBUG" description:"debug mode"`

	Train     TrainCommand     `command:"train" description:"run training jobs for whitelisted pairs"`
	Provision ProvisionCommand `command:"provision" description:"create and bootstrap a training host"`
	Pack      PackCommand      `command:"pack" description:"package trained model artifacts"`
	Report    ReportCommand    `command:"report" description:"generate plots from the latest backtest results"`
	Coverage  CoverageCommand  `command:"coverage" description:"verify downloaded data covers the timerange"`
	Discover  DiscoverCommand  `command:"discover" description:"discover liquid perpetual pairs"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"var/trainn.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"TRAINN_LOG"`

	Notify struct {
		EnabledError      bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable notifications on errors"`
		EnabledCompletion bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable run summary notifications"`
		ErrorTemplate     string        `long:"err-template" env:"ERR_TEMPLATE" description:"error message template file"`
		SummaryTemplate   string        `long:"summary-template" env:"SUMMARY_TEMPLATE" description:"summary message template file"`
		SMTPHost          string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort          int           `long:"smtp-port" env:"SMTP_PORT" description:"SMTP port"`
		SMTPUsername      string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword      string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS           bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPTimeOut       time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		FromEmail         string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails          []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		SlackToken        string        `long:"slack-token" env:"SLACK_TOKEN" description:"slack token"`
		SlackChannels     []string      `long:"slack-channel" env:"SLACK_CHANNELS" description:"slack channel(s)" env-delim:","`
		TelegramToken     string        `long:"telegram-token" env:"TELEGRAM_TOKEN" description:"telegram token"`
		TelegramChats     []string      `long:"telegram-chat" env:"TELEGRAM_CHATS" description:"telegram chat(s)" env-delim:","`
		WebhookURLs       []string      `long:"webhook" env:"WEBHOOKS" description:"webhook url(s)" env-delim:","`
		HostName          string        `long:"host" env:"HOSTNAME" description:"host name running trainn"`
	} `group:"notify" namespace:"notify" env-namespace:"TRAINN_NOTIFY"`

	Web struct {
		Enabled      bool   `long:"enabled" env:"ENABLED" description:"enable web API"`
		Address      string `long:"address" env:"ADDRESS" default:":8080" description:"listen address"`
		AuthUser     string `long:"auth-user" env:"AUTH_USER" default:"admin" description:"basic auth user"`
		PasswordHash string `long:"auth-hash" env:"AUTH_HASH" description:"bcrypt hash of basic auth password, empty disables auth"`
	} `group:"web" namespace:"web" env-namespace:"TRAINN_WEB"`
}

var revision = "unknown"

func main() {
	fmt.Printf("trainn %s\n", revision)

	p := flags.NewParser(&opts, flags.Default)
	p.CommandHandler = func(command flags.Commander, args []string) error {
		setupLog()
		defer func() {
			if x := recover(); x != nil {
				log.Printf("[WARN] run time panic:\n%v", x)
				panic(x)
			}
		}()
		return command.Execute(args)
	}

	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// TrainCommand runs the bounded-parallel training dispatch
type TrainCommand struct {
	Timerange    string `long:"timerange" env:"TRAINN_TIMERANGE" description:"training timerange, overrides config"`
	Threads      int    `long:"threads" env:"TRAINN_THREADS" description:"BLAS/torch threads per job, 0 picks by CPU count"`
	Concurrency  int    `long:"concurrency" env:"TRAINN_CONCURRENCY" description:"max parallel jobs, 0 derives from CPU count"`
	IDPrefix     string `long:"id-prefix" env:"TRAINN_ID_PREFIX" description:"identifier prefix"`
	IDSuffix     string `long:"id-suffix" env:"TRAINN_ID_SUFFIX" description:"identifier suffix"`
	Fresh        bool   `long:"fresh" env:"TRAINN_FRESH" description:"train from scratch, no checkpoint restore"`
	RewardDebug  bool   `long:"reward-debug" description:"enable reward debug overlay"`
	Pair         string `long:"pair" description:"restrict the run to a single whitelisted pair"`
	SkipPrefetch bool   `long:"skip-prefetch" description:"skip the data download step"`
	Schedule     string `long:"schedule" description:"cron spec for periodic retraining, runs once when empty"`
}

// Execute runs the train command
func (c *TrainCommand) Execute(_ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals(cancel)

	timerange := c.Timerange
	if timerange == "" {
		timerange = cfg.Timerange
	}

	checker := preflight.NewChecker(0)
	if !checker.Wait(ctx, cfg.Preflight) {
		return fmt.Errorf("run blocked by preflight gate")
	}

	var rec *store.Recorder
	var webStore web.Storage
	st, err := store.NewSQLiteStore(opts.DB)
	if err != nil {
		log.Printf("[WARN] run history disabled, %v", err)
		rec = store.NewRecorder(nil, timerange)
	} else {
		defer st.Close() //nolint:errcheck // nothing to do at this point
		rec = store.NewRecorder(st, timerange)
		webStore = st
	}

	if opts.Web.Enabled {
		srv := &web.Server{
			Store:        webStore,
			Live:         rec,
			Version:      revision,
			AuthUser:     opts.Web.AuthUser,
			PasswordHash: opts.Web.PasswordHash,
		}
		go func() {
			if err := srv.Run(ctx, opts.Web.Address); err != nil {
				log.Printf("[WARN] web server terminated, %v", err)
			}
		}()
	}

	tr := &trainer.Trainer{
		ComposeFile: cfg.ComposeFile,
		Service:     cfg.Service,
		ConfigPath:  cfg.FreqtradeConfig,
		OverlayDir:  cfg.OverlayDir,
		Timerange:   timerange,

		Threads:     c.Threads,
		Concurrency: c.Concurrency,
		IDPrefix:    c.IDPrefix,
		IDSuffix:    c.IDSuffix,
		Fresh:       c.Fresh,
		RewardDebug: c.RewardDebug,

		OnlyPair:     c.Pair,
		SkipPrefetch: c.SkipPrefetch,

		Runner:   &trainer.ShellRunner{},
		Prefetch: repeater.New(&strategy.Backoff{Repeats: 3, Duration: 10 * time.Second, Factor: 2}),
		Events:   rec,
		ArtifactPkr: &artifacts.Packer{
			ModelsDir: cfg.Artifacts.ModelsDir,
			OutputDir: cfg.Artifacts.OutputDir,
		},
		Stdout: os.Stdout,
	}

	if c.Schedule != "" {
		return tr.RunOnSchedule(ctx, c.Schedule)
	}

	results, runErr := tr.Do(ctx)
	notifyResults(ctx, timerange, results, runErr)
	pushArtifacts(ctx, cfg, results)
	return runErr
}

// ProvisionCommand creates a training VM and prepares it
type ProvisionCommand struct {
	Create bool `long:"create" description:"run the cloud create command before bootstrap"`
}

// Execute runs the provision command
func (c *ProvisionCommand) Execute(_ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Provision.Host == "" {
		return fmt.Errorf("provision.host is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals(cancel)

	prov := &provision.Provisioner{Config: cfg.Provision}

	if c.Create {
		if err := prov.Create(ctx); err != nil {
			return err
		}
	}

	ex, err := provision.NewSSHExecutor(cfg.Provision.Host, cfg.Provision.Port, cfg.Provision.User, cfg.Provision.KeyFile)
	if err != nil {
		return err
	}
	defer ex.Close() //nolint:errcheck // nothing to do at this point
	prov.Exec = ex

	if err := prov.WaitAptLock(ctx); err != nil {
		return err
	}
	return prov.Bootstrap(ctx)
}

// PackCommand archives trained models for all whitelisted pairs
type PackCommand struct {
	IDPrefix string `long:"id-prefix" description:"identifier prefix used during training"`
	IDSuffix string `long:"id-suffix" description:"identifier suffix used during training"`
	Push     bool   `long:"push" description:"push archives to the configured destination"`
}

// Execute runs the pack command
func (c *PackCommand) Execute(_ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals(cancel)

	pp, err := pairs.FromConfig(cfg.FreqtradeConfig)
	if err != nil {
		return err
	}

	packer := &artifacts.Packer{ModelsDir: cfg.Artifacts.ModelsDir, OutputDir: cfg.Artifacts.OutputDir}
	var failed int
	for _, pair := range pp {
		identifier := trainer.Identifier(c.IDPrefix, pair, c.IDSuffix)
		archive, err := packer.Pack(pair, identifier, "")
		if err != nil {
			log.Printf("[WARN] can't pack %s, %v", pair, err)
			failed++
			continue
		}
		if c.Push && cfg.Artifacts.PushTo != "" {
			if err := artifacts.Push(ctx, archive, cfg.Artifacts.PushTo); err != nil {
				log.Printf("[WARN] can't push %s, %v", archive, err)
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d pairs failed to pack", failed, len(pp))
	}
	return nil
}

// ReportCommand plots the latest backtest results
type ReportCommand struct {
	Pair      string `long:"pair" default:"BTC/USDT:USDT" description:"pair for the per-pair plot"`
	Timerange string `long:"timerange" description:"timerange for the per-pair plot, config default when empty"`
	UseDocker bool   `long:"use-docker" description:"force report generation through the compose stack"`
}

// Execute runs the report command
func (c *ReportCommand) Execute(_ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals(cancel)

	timerange := c.Timerange
	if timerange == "" {
		timerange = cfg.Timerange
	}

	rep := &report.Reporter{Root: ".", ConfigPath: cfg.FreqtradeConfig, UseDocker: c.UseDocker}
	html, err := rep.Generate(ctx, c.Pair, timerange)
	if err != nil {
		return err
	}
	fmt.Printf("report: %s\n", html)
	return nil
}

// CoverageCommand verifies candle history reaches far enough back
type CoverageCommand struct {
	Timerange  string   `long:"timerange" description:"timerange to verify, config default when empty"`
	Timeframes []string `long:"timeframe" description:"timeframe(s) to check" default:"5m" default:"15m" default:"1h"`
	WarmupDays int      `long:"warmup-days" env:"WARMUP_DAYS" default:"45" description:"feature warmup buffer in days"`
}

// Execute runs the coverage command
func (c *CoverageCommand) Execute(_ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals(cancel)

	timerange := c.Timerange
	if timerange == "" {
		timerange = cfg.Timerange
	}

	checker := &coverage.Checker{
		ConfigPath: cfg.FreqtradeConfig,
		Timeframes: c.Timeframes,
		WarmupDays: c.WarmupDays,
	}
	gaps, err := checker.Check(ctx, timerange)
	if err != nil {
		return err
	}
	if len(gaps) == 0 {
		fmt.Println("OK: all pairs and timeframes start early enough")
		return nil
	}
	fmt.Println("INSUFFICIENT COVERAGE:")
	for _, g := range gaps {
		fmt.Printf("  - %s\n", g)
	}
	return fmt.Errorf("%d pair/timeframe combinations lack coverage", len(gaps))
}

// DiscoverCommand lists liquid USDT-M perpetuals for a whitelist
type DiscoverCommand struct {
	Top             int     `long:"top" default:"20" description:"keep top N pairs by quote volume"`
	MinQuoteVolume  float64 `long:"min-volume" default:"50000000" description:"min 24h quote volume in USDT"`
	MinOpenInterest float64 `long:"min-oi" description:"min open interest in contracts, 0 disables"`
}

// Execute runs the discover command
func (c *DiscoverCommand) Execute(_ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals(cancel)

	d := &pairs.Discoverer{
		MinQuoteVolume:  c.MinQuoteVolume,
		MinOpenInterest: c.MinOpenInterest,
		Top:             c.Top,
	}
	pp, err := d.Discover(ctx)
	if err != nil {
		return err
	}
	fmt.Println(strings.Join(pp, "\n"))
	return nil
}

func loadConfig() (*conf.Config, error) {
	return conf.Load(opts.Config) // verifies against the schema as part of loading
}

func notifyResults(ctx context.Context, timerange string, results []trainer.Result, runErr error) {
	notif := makeNotifier()
	if notif == nil {
		return
	}

	if runErr != nil && notif.IsOnError() {
		msg, err := notif.MakeErrorHTML("train", makeErrorLog(runErr, results))
		if err != nil {
			log.Printf("[WARN] can't make error message, %v", err)
			return
		}
		if err := notif.Send(ctx, "trainn: training run failed", msg); err != nil {
			log.Printf("[WARN] can't send error notification, %v", err)
		}
		return
	}

	if notif.IsOnCompletion() {
		msg, err := notif.MakeSummaryHTML(timerange, results)
		if err != nil {
			log.Printf("[WARN] can't make summary message, %v", err)
			return
		}
		if err := notif.Send(ctx, "trainn: training run completed", msg); err != nil {
			log.Printf("[WARN] can't send summary notification, %v", err)
		}
	}
}

// makeErrorLog combines the run error with the captured output tails of failed
// jobs, the notification is often the only place operators see container output
func makeErrorLog(runErr error, results []trainer.Result) string {
	var sb strings.Builder
	sb.WriteString(runErr.Error())
	for _, r := range results {
		if r.Status != trainer.StatusFailed || r.Output == "" {
			continue
		}
		sb.WriteString("\n\n")
		sb.WriteString(r.Pair)
		sb.WriteString(" output tail:\n")
		sb.WriteString(r.Output)
	}
	return sb.String()
}

func pushArtifacts(ctx context.Context, cfg *conf.Config, results []trainer.Result) {
	if cfg.Artifacts.PushTo == "" {
		return
	}
	for _, r := range results {
		if r.ArtifactPath == "" {
			continue
		}
		if err := artifacts.Push(ctx, r.ArtifactPath, cfg.Artifacts.PushTo); err != nil {
			log.Printf("[WARN] can't push %s, %v", r.ArtifactPath, err)
		}
	}
}

func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion {
		return nil
	}

	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "trainn@" + makeHostName()
	}

	return notify.NewService(
		notify.Params{
			EnabledError:      opts.Notify.EnabledError,
			EnabledCompletion: opts.Notify.EnabledCompletion,
			ErrorTemplate:     opts.Notify.ErrorTemplate,
			SummaryTemplate:   opts.Notify.SummaryTemplate,
			HostName:          makeHostName(),
		},
		notify.SendersParams{
			SMTPHost:             opts.Notify.SMTPHost,
			SMTPPort:             opts.Notify.SMTPPort,
			SMTPTLS:              opts.Notify.SMTPTLS,
			SMTPUsername:         opts.Notify.SMTPUsername,
			SMTPPassword:         opts.Notify.SMTPPassword,
			SMTPTimeOut:          opts.Notify.SMTPTimeOut,
			FromEmail:            opts.Notify.FromEmail,
			ToEmails:             opts.Notify.ToEmails,
			SlackToken:           opts.Notify.SlackToken,
			SlackChannels:        opts.Notify.SlackChannels,
			TelegramToken:        opts.Notify.TelegramToken,
			TelegramDestinations: opts.Notify.TelegramChats,
			WebhookURLs:          opts.Notify.WebhookURLs,
		})
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// setupLog sets the logger up, to stdout or a rotated file
func setupLog() {
	w := setupLogs()
	logOpts := []log.Option{log.Msec, log.LevelBraces, log.Out(w), log.Err(w)}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFile, log.CallerFunc)
	}
	log.Setup(logOpts...)
}

// setupLogs returns the log writer, a rotated file when file logging enabled
func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.EnabledCompress,
	}
}

// signals converts SIGTERM/SIGINT to cancellation and dumps stacks on SIGQUIT
func signals(cancel context.CancelFunc) {
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // dump stacks
				stacktrace := make([]byte, 8192)
				length := runtime.Stack(stacktrace, true)
				if length > 8192 {
					length = 8192
				}
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] received %v signal, terminating", sig)
			cancel()
		}
	}()
}
