// Command scan runs a one-shot batch availability scan from the
// command line: candidates come from a file (or stdin), results go to
// stdout, optionally as JSON to a file.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/domiro-org/domiro/internal/config"
	"github.com/domiro-org/domiro/internal/doh"
	"github.com/domiro-org/domiro/internal/normalize"
	"github.com/domiro-org/domiro/internal/pipeline"
	"github.com/domiro-org/domiro/internal/rdap"
	"github.com/domiro-org/domiro/internal/whoisfb"
)

func main() {
	input := flag.String("input", "-", "file with one candidate domain per line, or - for stdin")
	output := flag.String("output", "", "write results as JSON to this file")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	lines, err := readLines(*input)
	if err != nil {
		logger.Fatal("Failed to read input", zap.Error(err))
	}

	res := normalize.Normalize(nil, lines)
	for _, rej := range res.Invalid {
		logger.Warn("Skipping invalid input", zap.String("input", rej.Raw), zap.String("reason", rej.Reason))
	}
	if len(res.Duplicate) > 0 {
		logger.Info("Skipping duplicates", zap.Int("count", len(res.Duplicate)))
	}
	if len(res.Valid) == 0 {
		logger.Fatal("No valid domains to scan")
	}

	dnsChecker := doh.NewChecker(doh.Options{
		Providers:   doh.ParseProviders(cfg.DNS.Providers),
		Timeout:     cfg.DNS.Timeout,
		MaxAttempts: cfg.DNS.MaxAttempts,
		RetryBase:   cfg.DNS.RetryBase,
	}, logger)

	rdapChecker := rdap.NewClient(rdap.Options{
		BootstrapURL: cfg.RDAP.BootstrapURL,
		FallbackURL:  cfg.RDAP.FallbackURL,
		Timeout:      cfg.RDAP.Timeout,
		MaxAttempts:  cfg.RDAP.MaxAttempts,
		RetryBase:    cfg.RDAP.RetryBase,
		RatePerSec:   cfg.RDAP.RatePerSec,
		UseProxy:     cfg.RDAP.UseProxy,
		ProxyURL:     cfg.RDAP.ProxyURL,
	}, logger)

	opts := pipeline.Options{
		DNSConcurrency:  cfg.DNS.Concurrency,
		RDAPConcurrency: cfg.RDAP.Concurrency,
	}
	if cfg.Whois.EnableFallback {
		opts.Fallback = whoisfb.New(cfg.Whois.Timeout, logger)
	}

	pipe := pipeline.New(dnsChecker, rdapChecker, opts, logger)
	defer pipe.Close()

	pipe.Start(res.Valid)
	done := pipe.Done()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

scan:
	for {
		select {
		case <-done:
			break scan
		case <-quit:
			logger.Warn("Interrupted, abandoning scan")
			pipe.Reset()
			return
		case <-ticker.C:
			p := pipe.Progress()
			logger.Info("Scan progress",
				zap.String("stage", string(p.Stage)),
				zap.Int("dns_done", p.DNSDone),
				zap.Int("dns_total", p.DNSTotal),
				zap.Int("rdap_done", p.RDAPDone),
				zap.Int("rdap_total", p.RDAPTotal),
			)
		}
	}

	progress := pipe.Progress()
	if progress.Stage == pipeline.StageErr {
		logger.Fatal("Scan failed", zap.String("error", progress.Error))
	}

	rows := pipe.Snapshot()
	summary := map[string]int{}
	for _, row := range rows {
		summary[string(row.Verdict)]++
		fmt.Printf("%-12s %s\n", row.Verdict, row.Domain)
	}
	logger.Info("Scan finished",
		zap.Int("domains", len(rows)),
		zap.Any("verdicts", summary),
	)

	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			logger.Fatal("Failed to create output file", zap.Error(err))
		}
		defer f.Close()
		if err := (pipeline.JSONExporter{}).Export(f, rows); err != nil {
			logger.Fatal("Failed to write results", zap.Error(err))
		}
		logger.Info("Results written", zap.String("file", *output))
	}
}

func readLines(path string) ([]string, error) {
	var f *os.File
	if path == "-" {
		f = os.Stdin
	} else {
		var err error
		f, err = os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
