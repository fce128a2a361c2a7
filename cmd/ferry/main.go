package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hpcforge/ferry/engine"
	"github.com/hpcforge/ferry/gateway"
	"github.com/hpcforge/ferry/gateway/rest"
	"github.com/hpcforge/ferry/scheduler"
	"github.com/hpcforge/ferry/store"
)

const defaultStateDir = "./.ferry-state"

func usage() {
	fmt.Println("Usage: ferry <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  put     Upload files or trees to the remote system")
	fmt.Println("  get     Download files or trees from the remote system")
	fmt.Println("  copy    Copy files or trees on the remote system")
	fmt.Println("  submit  Submit a batch job script")
	fmt.Println("  status  Show the state of one job")
	fmt.Println("  jobs    List jobs")
	fmt.Println("  cancel  Cancel a job")
	fmt.Println("  whoami  Print the authenticated username")
	fmt.Println("\nEnvironment (or .env file):")
	fmt.Println("  FERRY_BASE_URL, FERRY_MACHINE, FERRY_TOKEN_URL,")
	fmt.Println("  FERRY_CLIENT_ID, FERRY_CLIENT_SECRET")
	os.Exit(1)
}

func newLogger(stateDir string, verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(stateDir, "ferry.log"),
		MaxSize:    20, // megabytes
		MaxBackups: 3,
	})
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, sink, level),
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.AddSync(os.Stderr),
			zapcore.WarnLevel,
		),
	)
	return zap.New(core)
}

func newClient(log *zap.Logger) (gateway.Client, error) {
	baseURL := os.Getenv("FERRY_BASE_URL")
	machine := os.Getenv("FERRY_MACHINE")
	if baseURL == "" || machine == "" {
		return nil, fmt.Errorf("FERRY_BASE_URL and FERRY_MACHINE are required")
	}

	cfg := rest.Config{BaseURL: baseURL, Machine: machine, Logger: log}
	if tokenURL := os.Getenv("FERRY_TOKEN_URL"); tokenURL != "" {
		cfg.HTTPClient = rest.NewAuthClient(context.Background(), rest.AuthConfig{
			TokenURL:     tokenURL,
			ClientID:     os.Getenv("FERRY_CLIENT_ID"),
			ClientSecret: os.Getenv("FERRY_CLIENT_SECRET"),
		})
	}
	return rest.NewClient(cfg)
}

func main() {
	// A missing .env is fine; explicit environment wins either way.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
	}
	command := os.Args[1]
	args := os.Args[2:]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch command {
	case "put", "get", "copy":
		err = runTransfer(ctx, command, args)
	case "submit", "status", "jobs", "cancel":
		err = runJobs(ctx, command, args)
	case "whoami":
		err = runWhoami(ctx)
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ferry %s: %v\n", command, err)
		os.Exit(1)
	}
}

func runTransfer(ctx context.Context, command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	var (
		recursive    bool
		dereference  bool
		overwrite    string
		forceArchive bool
		skipVerify   bool
		parallelism  int
		tempDir      string
		stateDir     string
		verbose      bool
	)
	fs.BoolVar(&recursive, "r", false, "Allow directory trees as sources")
	fs.BoolVar(&dereference, "L", false, "Follow symlinks instead of preserving them")
	fs.StringVar(&overwrite, "overwrite", "fail", "Existing destinations: fail, skip or replace")
	fs.BoolVar(&forceArchive, "archive", false, "Always stage trees through a tar archive")
	fs.BoolVar(&skipVerify, "no-verify", false, "Skip checksum verification")
	fs.IntVar(&parallelism, "parallelism", 1, "Concurrent per-file transfers")
	fs.StringVar(&tempDir, "temp-dir", engine.DefaultRemoteTempDir, "Remote scratch directory for staged archives")
	fs.StringVar(&stateDir, "state-dir", defaultStateDir, "Directory for logs and state")
	fs.BoolVar(&verbose, "v", false, "Verbose logging")
	fs.Parse(args)

	pos := fs.Args()
	if len(pos) < 2 {
		return fmt.Errorf("expected <source>... <dest>")
	}
	dest := pos[len(pos)-1]
	sources := pos[:len(pos)-1]

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	log := newLogger(stateDir, verbose)
	defer log.Sync()

	client, err := newClient(log)
	if err != nil {
		return err
	}

	var policy engine.OverwritePolicy
	switch overwrite {
	case "fail":
		policy = engine.OverwriteFail
	case "skip":
		policy = engine.OverwriteSkip
	case "replace":
		policy = engine.OverwriteReplace
	default:
		return fmt.Errorf("unknown overwrite policy %q", overwrite)
	}

	eng := engine.New(client, engine.Config{
		Parallelism: parallelism,
		TempDir:     tempDir,
		Logger:      log,
	})

	req := engine.TransferRequest{
		Recursive:    recursive,
		Dereference:  dereference,
		Overwrite:    policy,
		ForceArchive: forceArchive,
		SkipVerify:   skipVerify,
	}
	for _, src := range sources {
		req.Pairs = append(req.Pairs, engine.SourcePair{Source: src, Dest: dest})
	}

	var result *engine.BatchResult
	switch command {
	case "put":
		result, err = eng.Put(ctx, req)
	case "get":
		result, err = eng.Get(ctx, req)
	case "copy":
		result, err = eng.Copy(ctx, req)
	}
	if result == nil {
		// Nothing ran; the batch error covers per-item failures below.
		return err
	}

	for _, item := range result.Completed {
		if item.Skipped {
			fmt.Printf("skipped   %s\n", item.Dest)
			continue
		}
		fmt.Printf("done      %s -> %s (%d bytes, %s)\n", item.Source, item.Dest, item.Bytes, item.Strategy)
	}
	for _, item := range result.Failed {
		fmt.Fprintf(os.Stderr, "failed    %s -> %s: %v\n", item.Source, item.Dest, item.Err)
	}
	return result.Err()
}

func runWhoami(ctx context.Context) error {
	client, err := newClient(zap.NewNop())
	if err != nil {
		return err
	}
	user, err := client.Whoami(ctx)
	if err != nil {
		return err
	}
	fmt.Println(user)
	return nil
}

func runJobs(ctx context.Context, command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	var (
		user     string
		stateDir string
		verbose  bool
	)
	fs.StringVar(&user, "user", "", "Filter job listings by user")
	fs.StringVar(&stateDir, "state-dir", defaultStateDir, "Directory for logs and state")
	fs.BoolVar(&verbose, "v", false, "Verbose logging")
	fs.Parse(args)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	log := newLogger(stateDir, verbose)
	defer log.Sync()

	client, err := newClient(log)
	if err != nil {
		return err
	}
	ledger, err := store.Open(filepath.Join(stateDir, "submissions.db"))
	if err != nil {
		return fmt.Errorf("failed to open submission ledger: %w", err)
	}
	defer ledger.Close()

	resolver := scheduler.NewResolver(client,
		scheduler.WithLedger(ledger),
		scheduler.WithLogger(log),
	)

	switch command {
	case "submit":
		if fs.NArg() != 1 {
			return fmt.Errorf("expected <remote script path>")
		}
		jobID, err := resolver.Submit(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		fmt.Println(jobID)
		return nil

	case "status":
		if fs.NArg() != 1 {
			return fmt.Errorf("expected <job id>")
		}
		rec, err := resolver.Job(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		printJob(rec)
		return nil

	case "jobs":
		records, err := resolver.Jobs(ctx, scheduler.Filter{User: user})
		if err != nil {
			return err
		}
		for _, rec := range records {
			printJob(rec)
		}
		return nil

	case "cancel":
		if fs.NArg() != 1 {
			return fmt.Errorf("expected <job id>")
		}
		return resolver.Cancel(ctx, fs.Arg(0))
	}
	return nil
}

func printJob(rec scheduler.JobRecord) {
	name := rec.Name
	if name == "" {
		name = "-"
	}
	fmt.Printf("%-12s %-10s %s\n", rec.ID, rec.State, name)
}
