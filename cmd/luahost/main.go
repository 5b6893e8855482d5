// Package main is a script runner for the luahost library.
//
// Usage:
//
//	luahost [-config host.toml] [-watch] [-verbose] script.lua
//
// With -watch the script is reloaded and rerun whenever the file
// changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dshills/luahost"
	"github.com/dshills/luahost/config"
	"github.com/dshills/luahost/luajson"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a TOML config file")
	watch := flag.Bool("watch", false, "rerun the script when it changes")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: luahost [-config file] [-watch] [-verbose] script.lua")
		return 2
	}
	script := flag.Arg(0)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		cfg = loaded
	}

	opts, err := cfg.Options()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer logger.Sync() //nolint:errcheck
		opts = append(opts, luahost.WithLogger(logger))
	}

	in, err := luahost.New(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}
	defer in.Close()

	if cfg.JSONModule {
		luajson.Install(in.LuaState())
	}

	if !*watch {
		if err := loadAndRun(in, script); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	return watchLoop(in, script)
}

func loadAndRun(in *luahost.Interpreter, script string) error {
	if err := in.LoadFile(script); err != nil {
		return err
	}
	return in.Run()
}

// watchLoop reruns the script on every change until interrupted. All
// interpreter work goes through an Executor so the watcher goroutine
// never touches the engine directly.
func watchLoop(in *luahost.Interpreter, script string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := luahost.NewExecutor(in, 0)
	defer exec.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer watcher.Close()
	if err := watcher.Add(script); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		rerun := func() {
			err := exec.Execute(ctx, func(in *luahost.Interpreter) error {
				return loadAndRun(in, script)
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		}
		rerun()

		// Editors often emit bursts of writes; coalesce them.
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					pending = time.After(100 * time.Millisecond)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)
			case <-pending:
				pending = nil
				rerun()
			}
		}
	}()

	go func() {
		<-signals
		cancel()
	}()

	// The executor runs on the main goroutine, which owns the
	// interpreter.
	exec.Run(ctx)
	return 0
}
