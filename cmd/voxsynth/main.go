// Command voxsynth drives one voice synthesis session against a running
// synthesis backend: it uploads a voice sample, submits a script, follows the
// generation stream and downloads the resulting audio. With --watch it prints
// the session events other runs publish on NATS, and with --fetch it restores
// previously archived audio.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voxsynth/internal/api"
	"github.com/book-expert/voxsynth/internal/config"
	"github.com/book-expert/voxsynth/internal/core"
	"github.com/book-expert/voxsynth/internal/health"
	"github.com/book-expert/voxsynth/internal/notify"
	"github.com/book-expert/voxsynth/internal/telemetry"
	"github.com/book-expert/voxsynth/internal/workflow"
)

// Flag names.
const (
	flagConfig      = "config"
	flagAudio       = "audio"
	flagText        = "text"
	flagScript      = "script"
	flagOutput      = "output"
	flagHealth      = "health"
	flagWatch       = "watch"
	flagFetch       = "fetch"
	flagMaxTokens   = "max-tokens"
	flagCFGScale    = "cfg-scale"
	flagTemperature = "temperature"
	flagTopP        = "top-p"
	flagTopK        = "top-k"
	flagTimeout     = "timeout"
)

// Flag descriptions.
const (
	flagConfigDesc      = "Path to a TOML config file (defaults to the central configurator)"
	flagAudioDesc       = "Voice sample to clone (WAV, MP3, FLAC, OGG or M4A)"
	flagTextDesc        = "Script text to synthesize"
	flagScriptDesc      = "File containing the script to synthesize"
	flagOutputDesc      = "Directory the generated audio is saved to"
	flagHealthDesc      = "Print model readiness and exit"
	flagWatchDesc       = "Print session events published on NATS until interrupted"
	flagFetchDesc       = "Restore the archived audio of this task id into the output directory"
	flagMaxTokensDesc   = "Maximum audio tokens to generate"
	flagCFGScaleDesc    = "Classifier-free guidance scale"
	flagTemperatureDesc = "Sampling temperature"
	flagTopPDesc        = "Nucleus sampling threshold"
	flagTopKDesc        = "CFG filter top-k"
	flagTimeoutDesc     = "Abort the session after this long (0 waits indefinitely)"
)

// Errors.
var (
	errAudioRequired     = errors.New("--audio must be provided")
	errEitherTextScript  = errors.New("either --text or --script must be provided")
	errCannotSpecifyBoth = errors.New("cannot specify both --text and --script")
	errScriptEmpty       = errors.New("script is empty")
	errUploadFailed      = errors.New("upload failed")
	errGenerationFailed  = errors.New("generation failed")
	errModelFailed       = errors.New("model failed to load")
	errNATSRequired      = errors.New("nats.url must be configured")
	errArchiveRequired   = errors.New("nats.audio_object_store_bucket must be configured")
	errModesExclusive    = errors.New("--health, --watch and --fetch cannot be combined")
)

// Messages.
const (
	msgBootstrapLog       = "voxsynth-bootstrap.log"
	msgFinalLog           = "voxsynth.log"
	msgReadiness          = "Model: %s%s\n"
	msgUploading          = "Uploading %s...\n"
	msgSignature          = "Signature %s: %s, %s, quality %.0f\n"
	msgWaitingForModel    = "Waiting for the model (%s)...\n"
	msgProgress           = "Generating %s %s\n"
	msgComplete           = "Generated %s (%d Hz, %s)\n"
	msgSaved              = "Saved %s\n"
	msgArchived           = "Archived as %s\n"
	logFmtInitialized     = "voxsynth initialized against %s"
	logFmtNATSUnavailable = "NATS integration disabled: %v"
	logFmtArchiveFailed   = "Failed to archive %s: %v"
	healthCheckTimeout    = 10 * time.Second
	updateBuffer          = 1
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	config  string
	audio   string
	text    string
	script  string
	output  string
	health  bool
	watch   bool
	fetch   string
	timeout time.Duration
	params  core.GenerationParams
}

// archiver stores a downloaded file.
type archiver interface {
	Archive(ctx context.Context, path string, output core.Output) (string, error)
}

func main() {
	err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := parseFlags(flag.NewFlagSet("voxsynth", flag.ContinueOnError), args)
	if err != nil {
		return err
	}

	err = validateFlags(flags)
	if err != nil {
		return err
	}

	bootstrapLog, err := logger.New(os.TempDir(), msgBootstrapLog)
	if err != nil {
		return fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	defer func() { _ = bootstrapLog.Close() }()

	cfg, err := loadConfig(flags.config, bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return err
	}

	logDir := cfg.Paths.BaseLogsDir
	if logDir == "" {
		logDir = os.TempDir()
	}

	log, err := logger.New(logDir, msgFinalLog)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	client := api.NewClient(cfg.API.BaseURL, time.Duration(cfg.API.TimeoutSeconds)*time.Second)
	log.System(logFmtInitialized, client.BaseURL())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.health {
		return checkHealth(ctx, client, os.Stdout)
	}

	if flags.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, flags.timeout)
		defer cancel()
	}

	outputDir := flags.output
	if outputDir == "" {
		outputDir = cfg.Paths.OutputDir
	}

	if flags.watch || flags.fetch != "" {
		return runArchiveMode(ctx, cfg, log, flags, outputDir)
	}

	script, err := readScript(flags)
	if err != nil {
		return err
	}

	opts, store, closeNATS := connectNATS(cfg, log)
	defer closeNATS()

	instruments, err := telemetry.New(nil)
	if err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	session := sessionOptions{
		audio:     flags.audio,
		script:    script,
		outputDir: outputDir,
		params:    mergeParams(cfg.Generation, flags.params),
		archive:   store,
	}

	opts = append(opts,
		workflow.WithInstruments(instruments),
		workflow.WithCompletionDelay(time.Duration(cfg.API.CompletionDelayMs)*time.Millisecond),
		workflow.WithPoller(health.NewPoller(client, log,
			time.Duration(cfg.API.HealthIntervalMillis)*time.Millisecond, cfg.API.HealthWarnAfter)),
	)

	_, err = runSession(ctx, client, log, session, os.Stdout, opts...)

	return err
}

// parseFlags parses args into appFlags. Generation parameters that are not
// given stay nil.
func parseFlags(fs *flag.FlagSet, args []string) (appFlags, error) {
	var flags appFlags

	fs.StringVar(&flags.config, flagConfig, "", flagConfigDesc)
	fs.StringVar(&flags.audio, flagAudio, "", flagAudioDesc)
	fs.StringVar(&flags.text, flagText, "", flagTextDesc)
	fs.StringVar(&flags.script, flagScript, "", flagScriptDesc)
	fs.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	fs.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	fs.BoolVar(&flags.watch, flagWatch, false, flagWatchDesc)
	fs.StringVar(&flags.fetch, flagFetch, "", flagFetchDesc)
	fs.DurationVar(&flags.timeout, flagTimeout, 0, flagTimeoutDesc)
	fs.Func(flagMaxTokens, flagMaxTokensDesc, intParam(&flags.params.MaxTokens))
	fs.Func(flagCFGScale, flagCFGScaleDesc, floatParam(&flags.params.CFGScale))
	fs.Func(flagTemperature, flagTemperatureDesc, floatParam(&flags.params.Temperature))
	fs.Func(flagTopP, flagTopPDesc, floatParam(&flags.params.TopP))
	fs.Func(flagTopK, flagTopKDesc, intParam(&flags.params.CFGFilterTopK))

	err := fs.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

func intParam(target **int) func(string) error {
	return func(value string) error {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer %q: %w", value, err)
		}

		*target = &parsed

		return nil
	}
}

func floatParam(target **float64) func(string) error {
	return func(value string) error {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", value, err)
		}

		*target = &parsed

		return nil
	}
}

// validateFlags checks required and conflicting arguments.
func validateFlags(flags appFlags) error {
	modes := 0

	for _, set := range []bool{flags.health, flags.watch, flags.fetch != ""} {
		if set {
			modes++
		}
	}

	if modes > 1 {
		return errModesExclusive
	}

	if modes == 1 {
		return nil
	}

	if flags.audio == "" {
		return errAudioRequired
	}

	if flags.text == "" && flags.script == "" {
		return errEitherTextScript
	}

	if flags.text != "" && flags.script != "" {
		return errCannotSpecifyBoth
	}

	return nil
}

func loadConfig(path string, log *logger.Logger) (*config.Config, error) {
	if path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}

		return cfg, nil
	}

	cfg, err := config.Load(log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

func readScript(flags appFlags) (string, error) {
	script := flags.text

	if flags.script != "" {
		data, err := os.ReadFile(flags.script)
		if err != nil {
			return "", fmt.Errorf("failed to read script %s: %w", flags.script, err)
		}

		script = string(data)
	}

	if strings.TrimSpace(script) == "" {
		return "", errScriptEmpty
	}

	return script, nil
}

// mergeParams overlays the parameters given on the command line on the
// configured ones.
func mergeParams(configured config.GenerationConfig, given core.GenerationParams) core.GenerationParams {
	params := core.GenerationParams{
		MaxTokens:     configured.MaxTokens,
		CFGScale:      configured.CFGScale,
		Temperature:   configured.Temperature,
		TopP:          configured.TopP,
		CFGFilterTopK: configured.CFGFilterTopK,
	}

	if given.MaxTokens != nil {
		params.MaxTokens = given.MaxTokens
	}

	if given.CFGScale != nil {
		params.CFGScale = given.CFGScale
	}

	if given.Temperature != nil {
		params.Temperature = given.Temperature
	}

	if given.TopP != nil {
		params.TopP = given.TopP
	}

	if given.CFGFilterTopK != nil {
		params.CFGFilterTopK = given.CFGFilterTopK
	}

	return params
}

// checkHealth queries the backend once and prints the model readiness.
func checkHealth(ctx context.Context, checker health.Checker, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status, err := checker.Health(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	readiness := health.Classify(status)

	detail := ""
	if status.Device != nil && *status.Device != "" {
		detail = " on " + *status.Device
	}

	if readiness == health.ReadinessFailed && status.ModelError != nil {
		detail = ": " + *status.ModelError
	}

	fmt.Fprintf(out, msgReadiness, readiness, detail)

	if readiness == health.ReadinessFailed {
		return errModelFailed
	}

	return nil
}

// runArchiveMode runs --watch or --fetch, both of which need NATS.
func runArchiveMode(
	ctx context.Context,
	cfg *config.Config,
	log *logger.Logger,
	flags appFlags,
	outputDir string,
) error {
	natsConnection, err := dialNATS(cfg)
	if err != nil {
		return err
	}

	defer func() { _ = natsConnection.Drain() }()

	if flags.watch {
		err = watchSessions(ctx, natsConnection, cfg.NATS.EventSubject, log, os.Stdout)
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}

		return err
	}

	store, err := openArchive(cfg, natsConnection)
	if err != nil {
		return err
	}

	_, err = fetchArchived(ctx, store, flags.fetch, outputDir, os.Stdout)

	return err
}

// connectNATS returns the publisher option and audio archive for the
// configured NATS server. NATS is optional: connection problems are logged
// and the session runs without it.
func connectNATS(cfg *config.Config, log *logger.Logger) ([]workflow.Option, archiver, func()) {
	if !cfg.NATSEnabled() {
		return nil, nil, func() {}
	}

	natsConnection, err := dialNATS(cfg)
	if err != nil {
		log.Warn(logFmtNATSUnavailable, err)

		return nil, nil, func() {}
	}

	var opts []workflow.Option

	publisher, err := notify.NewNatsPublisher(natsConnection, cfg.NATS.EventSubject, log)
	if err != nil {
		log.Warn(logFmtNATSUnavailable, err)
	} else {
		opts = append(opts, workflow.WithPublisher(publisher))
	}

	var archive archiver

	if cfg.NATS.AudioObjectStoreBucket != "" {
		store, storeErr := openArchive(cfg, natsConnection)
		if storeErr != nil {
			log.Warn(logFmtNATSUnavailable, storeErr)
		} else {
			archive = store
		}
	}

	return opts, archive, func() {
		_ = natsConnection.Drain()
	}
}
