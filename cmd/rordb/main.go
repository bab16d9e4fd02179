package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/lmittmann/tint"

	"github.com/andreyvit/rordb"
	"github.com/andreyvit/rordb/server"
	"github.com/andreyvit/rordb/users"
)

const (
	defaultConfigPath = "./config/rordb.yaml"
	rootName          = "root"
	rootPassword      = "123456"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = initCmd(os.Args[2:])
	case "serve":
		err = serveCmd(os.Args[2:])
	case "users":
		err = usersCmd(os.Args[2:])
	case "dump":
		err = dumpCmd(os.Args[2:])
	case "compact":
		err = compactCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "rordb %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: rordb <command> [options]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  init     Write a default config and seed the root account")
	fmt.Fprintln(os.Stderr, "  serve    Run the server")
	fmt.Fprintln(os.Stderr, "  users    List, add or delete accounts (offline)")
	fmt.Fprintln(os.Stderr, "  dump     Print the records of a data file")
	fmt.Fprintln(os.Stderr, "  compact  Compact a data file (offline)")
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	}))
}

func initCmd(args []string) error {
	flags := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "config file to write")
	force := flags.Bool("force", false, "overwrite an existing config")
	flags.Parse(args)
	logger := newLogger(false)

	cfg := server.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil && !*force {
		logger.Info("config exists, keeping it", "path", *configPath)
		cfg, err = server.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	} else {
		if err := cfg.Save(*configPath); err != nil {
			return err
		}
		logger.Info("wrote config", "path", *configPath)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	store, err := users.OpenBolt(users.BoltOptions{Path: cfg.UsersDB, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()
	err = store.Register(rootName, rootPassword, users.SuperAdmin)
	if errors.Is(err, users.ErrUserExists) {
		logger.Info("root account exists", "users_db", cfg.UsersDB)
		return nil
	} else if err != nil {
		return err
	}
	logger.Warn("created root account with the default password", "user", rootName, "users_db", cfg.UsersDB)
	return nil
}

func serveCmd(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "config file")
	addr := flags.String("addr", "", "listen address (overrides config)")
	verbose := flags.Bool("verbose", false, "debug logging and compaction self-checks")
	gops := flags.Bool("gops", false, "start the gops diagnostics agent")
	flags.Parse(args)

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	cfg.Verbose = cfg.Verbose || *verbose
	cfg.Logger = newLogger(cfg.Verbose)

	if *gops {
		if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
			cfg.Logger.Warn("gops", "err", err)
		}
	}

	store, err := users.OpenBolt(users.BoltOptions{Path: cfg.UsersDB, Logger: cfg.Logger})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.New(cfg, store).ListenAndServe(ctx)
}

func usersCmd(args []string) error {
	flags := flag.NewFlagSet("users", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "config file")
	add := flags.String("add", "", "create an account with this name")
	password := flags.String("password", "", "password for --add")
	levelStr := flags.String("level", "read-only", "level for --add: read-only, read-write, admin, super-admin or 0-3")
	del := flags.String("delete", "", "delete the account with this name")
	flags.Parse(args)

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := users.OpenBolt(users.BoltOptions{Path: cfg.UsersDB, Logger: newLogger(false)})
	if err != nil {
		return err
	}
	defer store.Close()

	switch {
	case *add != "":
		level, err := users.ParseLevel(*levelStr)
		if err != nil {
			return err
		}
		return store.Register(*add, *password, level)
	case *del != "":
		return store.Delete(*del)
	default:
		list, err := store.List()
		if err != nil {
			return err
		}
		for _, u := range list {
			fmt.Printf("%-20s  %-12v  %s\n", u.Name, u.Level, u.UID)
		}
		return nil
	}
}

func dumpCmd(args []string) error {
	flags := flag.NewFlagSet("dump", flag.ExitOnError)
	dead := flags.Bool("dead", false, "only show superseded and deleted records")
	noValues := flags.Bool("no-values", false, "omit values")
	flags.Parse(args)
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: rordb dump [options] <file>")
	}

	e, err := rordb.Open(flags.Arg(0), rordb.Options{Logger: newLogger(false), CompactionThreshold: -1})
	if err != nil {
		return err
	}
	defer e.Close()

	f := rordb.DumpAll
	if *noValues {
		f &^= rordb.DumpValues
	}
	if *dead {
		f |= rordb.DumpDeadOnly
	}
	return e.Dump(os.Stdout, f)
}

func compactCmd(args []string) error {
	flags := flag.NewFlagSet("compact", flag.ExitOnError)
	verbose := flags.Bool("verbose", false, "verify contents after compaction")
	flags.Parse(args)
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: rordb compact [options] <file>")
	}

	logger := newLogger(*verbose)
	e, err := rordb.Open(flags.Arg(0), rordb.Options{Logger: logger, Verbose: *verbose})
	if err != nil {
		return err
	}
	defer e.Close()
	before := e.Stats()
	if err := e.Compact(); err != nil {
		return err
	}
	after := e.Stats()
	logger.Info("compacted", "path", e.Path(), "keys", after.Keys, "before", before.FileSize, "after", after.FileSize)
	return nil
}
