// Command aggregate runs one bandwidth-authority round: it fetches the
// live consensus, ingests scanner measurements, runs the PID controller
// and post-processor over every measured relay, and emits a new vote
// file, plus a bwfiles percentile table and, optionally, a Prometheus
// textfile-collector metrics snapshot.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opd-ai/tor-bwauth/pkg/aggconfig"
	"github.com/opd-ai/tor-bwauth/pkg/bwfiles"
	"github.com/opd-ai/tor-bwauth/pkg/classify"
	"github.com/opd-ai/tor-bwauth/pkg/consensus"
	"github.com/opd-ai/tor-bwauth/pkg/controlclient"
	"github.com/opd-ai/tor-bwauth/pkg/logger"
	"github.com/opd-ai/tor-bwauth/pkg/pidctl"
	"github.com/opd-ai/tor-bwauth/pkg/round"
	"github.com/opd-ai/tor-bwauth/pkg/roundmetrics"
	"github.com/opd-ai/tor-bwauth/pkg/scan"
	"github.com/opd-ai/tor-bwauth/pkg/vote"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

// errNoScanResults signals the documented no-error-yet abort: ingestion
// found nothing to measure, which isn't a failure, just nothing to do.
var errNoScanResults = errors.New("no scan results yet")

type cliOpts struct {
	configPath  string
	controlAddr string
	cookiePath  string
	logLevel    string
	metricsPath string
	version     bool
}

func main() {
	var o cliOpts

	root := &cobra.Command{
		Use:   "aggregate <data-dir>... <vote-file>",
		Short: "Compute one bandwidth-authority voting round",
		Long: `aggregate fetches the live Tor consensus over the control port, ingests
scanner measurement files from one or more data directories, runs the PID
bandwidth controller over every measured relay, and writes a new vote
file for the directory authority to pick up.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if o.version {
				return nil
			}
			return cobra.MinimumNArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.version {
				fmt.Printf("aggregate version %s (built %s)\n", version, buildTime)
				return nil
			}
			dataDirs := args[:len(args)-1]
			voteFile := args[len(args)-1]
			return run(cmd.Context(), o, dataDirs, voteFile)
		},
	}

	root.Flags().StringVar(&o.configPath, "config", "", "path to YAML configuration file")
	root.Flags().StringVar(&o.controlAddr, "control", "", "control port address (overrides config)")
	root.Flags().StringVar(&o.cookiePath, "cookie-auth-file", "", "control port cookie auth file (overrides config)")
	root.Flags().StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	root.Flags().StringVar(&o.metricsPath, "metrics-path", "", "Prometheus textfile-collector output path (overrides config)")
	root.Flags().BoolVar(&o.version, "version", false, "print version and exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "aggregate: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o cliOpts, dataDirs []string, voteFile string) error {
	cfg, err := aggconfig.LoadFromFile(o.configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if o.controlAddr != "" {
		cfg.ControlAddress = o.controlAddr
	}
	if o.cookiePath != "" {
		cfg.CookieAuthFile = o.cookiePath
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.metricsPath != "" {
		cfg.MetricsPath = o.metricsPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log := logger.New(level, os.Stdout).Round(logger.NewRoundID())

	start := time.Now()
	if err := runRound(ctx, cfg, dataDirs, voteFile, log); err != nil {
		if errors.Is(err, errNoScanResults) {
			return nil
		}
		log.Warn("round aborted", "error", err)
		return err
	}
	log.Info("round complete", "duration", time.Since(start))
	return nil
}

func runRound(ctx context.Context, cfg *aggconfig.Config, dataDirs []string, voteFile string, log *logger.Logger) error {
	start := time.Now()
	client, err := controlclient.Dial(ctx, cfg.ControlAddress, cfg.CookieAuthFile)
	if err != nil {
		return fmt.Errorf("connecting to control port: %w", err)
	}
	defer client.Close()

	consensusBody, err := client.GetConsensus(ctx)
	if err != nil {
		return fmt.Errorf("fetching consensus: %w", err)
	}

	doc, err := consensus.Parse(consensusBody, log)
	if err != nil {
		log.Warn("consensus parse failed, falling back to ratio-only PID-disabled round", "error", err)
		doc = &consensus.Document{Params: consensus.DefaultParams()}
		doc.Params.PIDControlEnabled = false
	}

	relaysByID := make(map[string]*consensus.Relay, len(doc.Relays))
	for _, r := range doc.Relays {
		relaysByID[r.Fingerprint] = r
	}

	prevVotes, err := vote.LoadPrevious(voteFile, log)
	if err != nil {
		return fmt.Errorf("loading previous vote: %w", err)
	}

	scanResult, err := scan.Ingest(dataDirs, cfg.MaxScanAge, log)
	if err != nil {
		return fmt.Errorf("ingesting scan data: %w", err)
	}
	checkScannerLiveness(scanResult, cfg.MaxAge, log)

	if len(scanResult.Measurements) == 0 {
		log.Notice("No scan results yet")
		return errNoScanResults
	}

	var classifyInputs []classify.Input
	var matchedRelays []*consensus.Relay
	var matchedMeasurements []*scan.Measurement
	for id, m := range scanResult.Measurements {
		relay, ok := relaysByID[id]
		if !ok {
			log.Notice("measurement for unknown relay, skipping", "id", id, "nick", m.Nick)
			continue
		}
		classifyInputs = append(classifyInputs, classify.Input{Class: classify.NodeClass(relay.Flags), Measurement: m})
		matchedRelays = append(matchedRelays, relay)
		matchedMeasurements = append(matchedMeasurements, m)
	}

	averages := classify.Compute(classifyInputs, doc.Params.GroupByClass)

	roundRelays := make([]round.Relay, len(matchedMeasurements))
	lines := make([]vote.Line, len(matchedMeasurements))
	filtBWs := make([]int64, len(matchedMeasurements))

	for i, m := range matchedMeasurements {
		relay := matchedRelays[i]
		class := classify.NodeClass(relay.Flags)
		isPureGuard := relay.IsGuard() && !relay.IsExit()
		isGuardExit := relay.IsGuard() && relay.IsExit()

		out := pidctl.Step(pidctl.Input{
			Measurement: m,
			ClassAvg:    averages[class],
			Params:      doc.Params,
			Wgd:         doc.Weights.Wgd,
			IsPureGuard: isPureGuard,
			IsGuardExit: isGuardExit,
			Prev:        prevVotes[m.ID],
		})

		roundRelays[i] = round.Relay{
			ID: m.ID, Nick: m.Nick, Class: class, NewBW: out.NewBW,
			PIDError: out.PIDError, PIDErrorSum: out.PIDErrorSum,
			IsPureGuard: isPureGuard, IsAuthority: relay.HasFlag("Authority"),
		}
		lines[i] = vote.Line{
			ID: m.ID, Nick: m.Nick, MeasuredAt: out.MeasuredAt, UpdatedAt: out.UpdatedAt,
			PIDError: out.PIDError, PIDErrorSum: out.PIDErrorSum, PIDDelta: out.PIDDelta,
			PIDW: int64(out.PIDBW), CircFail: m.CircFailRate, Scanner: m.Scanner,
		}
		filtBWs[i] = m.FiltBW
	}

	prevBandwidth := make(map[string]float64, len(prevVotes))
	for id, p := range prevVotes {
		prevBandwidth[id] = float64(p.BW) * 1000
	}
	totNetBW, measured := round.MarkMeasuredAndAccumulate(roundRelays, prevBandwidth)

	finalized := round.Finalize(roundRelays, totNetBW, cfg.NodeCap, doc.Params.TI, doc.Params.TIDecay, log)
	for i := range lines {
		lines[i].BW = vote.RoundBW(finalized[i].NewBW)
		lines[i].PIDErrorSum = finalized[i].PIDErrorSum
	}

	ignore := round.ApplyIgnoreFlags(finalized, cfg.IgnoreGuards)
	var published []vote.Line
	for i, r := range finalized {
		if ignore[r.ID] {
			continue
		}
		published = append(published, lines[i])
	}

	cov, err := round.CheckCoverage(len(measured), len(doc.Relays), totNetBW, sumPrevBandwidth(prevBandwidth), cfg.MinReport, log)
	if err != nil {
		return err
	}

	scanAge := newestScannerTimestamp(scanResult)
	if err := vote.Write(voteFile, scanAge, published); err != nil {
		return fmt.Errorf("writing vote file: %w", err)
	}

	if len(dataDirs) > 0 {
		if err := bwfiles.Write(dataDirs[0]+"/bwfiles", filtBWs); err != nil {
			log.Warn("failed to write bwfiles percentile table", "error", err)
		}
	}

	if cfg.MetricsPath != "" {
		clipped := 0
		for i := range finalized {
			if finalized[i].NewBW != roundRelays[i].NewBW {
				clipped++
			}
		}
		snap := roundmetrics.Snapshot{
			MeasuredRelays: float64(len(measured)),
			MeasuredPct:    cov.MeasuredPct,
			MeasuredBWPct:  cov.MeasuredBWPct,
			TotNetBW:       totNetBW,
			ClippedRelays:  float64(clipped),
			PIDEnabled:     doc.Params.PIDControlEnabled,

			RoundDurationSec: time.Since(start).Seconds(),
		}
		if err := roundmetrics.Write(cfg.MetricsPath, snap); err != nil {
			log.Warn("failed to write metrics", "error", err)
		}
	}

	return nil
}

func checkScannerLiveness(result *scan.Result, maxAge time.Duration, log *logger.Logger) {
	now := time.Now()
	for scanner, ts := range result.ScannerTimestamps {
		if now.Sub(time.Unix(ts, 0)) > maxAge {
			log.Warn("bandwidth scanner is stale, possibly dead", "scanner", scanner, "last_seen", time.Unix(ts, 0))
		}
	}
}

func newestScannerTimestamp(result *scan.Result) int64 {
	var newest int64
	for _, ts := range result.ScannerTimestamps {
		if ts > newest {
			newest = ts
		}
	}
	return newest
}

func sumPrevBandwidth(m map[string]float64) float64 {
	var total float64
	for _, v := range m {
		total += v
	}
	return total
}
