// Command cpmc runs a constrained-path auxiliary-field quantum Monte Carlo
// simulation of the Hubbard model from a JSON configuration document.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/talgya/hubbard-cpmc/internal/comm"
	"github.com/talgya/hubbard-cpmc/internal/config"
	"github.com/talgya/hubbard-cpmc/internal/estimators"
	"github.com/talgya/hubbard-cpmc/internal/persistence"
	"github.com/talgya/hubbard-cpmc/internal/qmc"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON configuration document (required)")
	nprocs := flag.Int("nprocs", 1, "number of in-process SPMD participants")
	dbPath := flag.String("db", "data/cpmc.db", "results database path (empty disables the store)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: cpmc -config <file.json> [-nprocs N] [-db path]")
		os.Exit(2)
	}
	if *nprocs < 1 {
		slog.Error("nprocs must be at least 1", "nprocs", *nprocs)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration rejected", "error", err)
		os.Exit(1)
	}

	var store *persistence.Store
	if *dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(*dbPath), 0755); err != nil {
			slog.Error("failed to create results directory", "path", filepath.Dir(*dbPath), "error", err)
			os.Exit(1)
		}
		store, err = persistence.Open(*dbPath)
		if err != nil {
			slog.Error("failed to open results store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		slog.Info("results store opened", "path", *dbPath)
	}

	start := time.Now()
	results, err := launch(cfg, *nprocs, store)
	if err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}

	slog.Info("run complete",
		"steps", humanize.Comma(int64(cfg.QMCOptions.Nsteps)),
		"walkers_per_proc", humanize.Comma(int64(cfg.QMCOptions.Nwalkers)),
		"nprocs", *nprocs,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := results[name]
		fmt.Printf("%-18s % .8f +/- %.8f  (%d samples)\n", name, r.Mean, r.StdErr, r.Count)
	}
}

// launch builds and runs one driver per participant. A single participant
// takes the direct in-process path; more use an in-process SPMD group with
// one goroutine per rank. Both produce equivalent statistics for the same
// seed, modulo RNG-stream partitioning.
func launch(cfg *config.Config, nprocs int, store *persistence.Store) (map[string]estimators.Result, error) {
	if nprocs == 1 {
		driver, err := qmc.New(cfg, comm.Single{}, store)
		if err != nil {
			return nil, err
		}
		if err := driver.Run(); err != nil {
			return nil, err
		}
		return driver.Finalize()
	}

	members := comm.NewGroup(nprocs)
	var (
		wg      sync.WaitGroup
		results map[string]estimators.Result
		errs    = make([]error, nprocs)
	)
	for rank, member := range members {
		wg.Add(1)
		go func(rank int, member *comm.Member) {
			defer wg.Done()
			rankStore := store
			if rank != 0 {
				rankStore = nil
			}
			driver, derr := qmc.New(cfg, member, rankStore)
			// Readiness barrier: a rank whose constructor failed must still
			// show up here, or its peers would block on their first
			// collective inside the run.
			if _, err := member.AllReduce(nil, derr); err != nil {
				errs[rank] = err
				return
			}
			if err := driver.Run(); err != nil {
				errs[rank] = err
				return
			}
			res, err := driver.Finalize()
			if err != nil {
				errs[rank] = err
				return
			}
			if rank == 0 {
				results = res
			}
		}(rank, member)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}
