package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/ShayCichocki/swarmops/internal/queue"
	"github.com/ShayCichocki/swarmops/internal/registry"
	"github.com/ShayCichocki/swarmops/internal/store"
)

// openStore opens the configured backend.
func openStore(ctx context.Context) (store.Store, error) {
	s, err := store.Open(ctx, store.Options{
		Backend:  cfg.Store.Backend,
		Path:     cfg.Store.Path,
		RedisURL: cfg.Store.RedisURL,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	return s, nil
}

// withStore runs fn with an open store, task queue and registry.
func withStore(ctx context.Context, fn func(s store.Store, tasks *queue.TaskQueue, reg *registry.Registry) error) error {
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s, queue.New(s, logger), registry.New(s, logger))
}

// readInput reads path, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("an input file is required (-f, or - for stdin)")
	}
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
