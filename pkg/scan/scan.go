// Package scan ingests per-relay bandwidth measurement records produced by
// the scanner fleet, keeping only the newest measurement per relay and
// aging out stale scan files.
package scan

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/tor-bwauth/pkg/logger"
)

var (
	scannerDirRE = regexp.MustCompile(`^scanner\.\d+$`)
	doneFileRE   = regexp.MustCompile(`^bws-\S+-done-`)
)

// Measurement is one relay's most recent bandwidth measurement.
type Measurement struct {
	ID            string
	Nick          string
	StrmBW        int64
	FiltBW        int64
	NSBW          int64
	DescBW        int64
	CircFailRate  float64
	StrmFailRate  float64
	MeasuredAt    int64
	Scanner       string
}

// Result is the outcome of one ingestion pass.
type Result struct {
	Measurements map[string]*Measurement // keyed by relay fingerprint
	// ScannerTimestamps holds, per scanner subdirectory, the newest header
	// timestamp seen across its surviving done-files.
	ScannerTimestamps map[string]int64
}

// Ingest walks every scanner.<digits>/scan-data tree under each root,
// ages out and deletes done-files (and their sql-* siblings) older than
// maxAge, parses the rest, and keeps the newest-measured_at record per
// relay.
func Ingest(roots []string, maxAge time.Duration, log *logger.Logger) (*Result, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.Component("scan")

	result := &Result{
		Measurements:      make(map[string]*Measurement),
		ScannerTimestamps: make(map[string]int64),
	}

	now := time.Now()

	for _, root := range roots {
		scannerDirs, err := listScannerDirs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to list scanner dirs under %s: %w", root, err)
		}

		for _, sd := range scannerDirs {
			scanDataDir := filepath.Join(root, sd, "scan-data")
			doneFiles, err := listDoneFiles(scanDataDir)
			if err != nil {
				// scan-data may not exist for a scanner that hasn't run yet.
				continue
			}

			var newest int64
			for _, f := range doneFiles {
				fullPath := filepath.Join(scanDataDir, f)
				ts, err := readTimestampHeader(fullPath)
				if err != nil {
					log.Notice("failed to read scan file header", "file", fullPath, "error", err)
					continue
				}

				if now.Sub(time.Unix(int64(ts), 0)) > maxAge {
					removeAged(fullPath, log)
					continue
				}
				if int64(ts) > newest {
					newest = int64(ts)
				}

				if err := ingestFile(fullPath, f, result, log); err != nil {
					log.Notice("failed to ingest scan file", "file", fullPath, "error", err)
				}
			}
			result.ScannerTimestamps[sd] = newest
		}
	}

	return result, nil
}

func listScannerDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() && scannerDirRE.MatchString(e.Name()) {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

func listDoneFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && doneFileRE.MatchString(e.Name()) {
			files = append(files, e.Name())
		}
	}
	return files, nil
}

func readTimestampHeader(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("missing slice-identifier header line")
	}
	if !scanner.Scan() {
		return 0, fmt.Errorf("missing timestamp header line")
	}
	ts, err := strconv.ParseFloat(strings.TrimSpace(scanner.Text()), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp header: %w", err)
	}
	return ts, nil
}

func removeAged(path string, log *logger.Logger) {
	log.Info("removing aged scan file", "file", path)
	if err := os.Remove(path); err != nil {
		log.Warn("failed to remove aged scan file", "file", path, "error", err)
	}
	sqlPath := strings.Replace(path, "bws-", "sql-", 1)
	if err := os.Remove(sqlPath); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove sql sibling of aged scan file", "file", sqlPath, "error", err)
	}
}

func ingestFile(path, scannerLabel string, result *Result, log *logger.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// skip the slice-identifier header; the timestamp header stamps every
	// record in the file as its measured_at
	if !scanner.Scan() {
		return fmt.Errorf("missing slice-identifier header line")
	}
	if !scanner.Scan() {
		return fmt.Errorf("missing timestamp header line")
	}
	ts, err := strconv.ParseFloat(strings.TrimSpace(scanner.Text()), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp header: %w", err)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		m, err := parseLine(line, scannerLabel)
		if err != nil {
			log.Notice("skipping malformed scan line", "line", line, "error", err)
			continue
		}
		m.MeasuredAt = int64(ts)

		existing, ok := result.Measurements[m.ID]
		if !ok || m.MeasuredAt > existing.MeasuredAt {
			result.Measurements[m.ID] = m
		}
	}
	return scanner.Err()
}

func parseLine(line, scannerLabel string) (*Measurement, error) {
	fields := tokenize(line)

	m := &Measurement{Scanner: scannerLabel}

	id, ok := fields["node_id"]
	if !ok {
		return nil, fmt.Errorf("missing node_id")
	}
	m.ID = id

	nick, ok := fields["nick"]
	if !ok {
		return nil, fmt.Errorf("missing nick")
	}
	m.Nick = nick

	var err error
	if m.StrmBW, err = requireInt(fields, "strm_bw"); err != nil {
		return nil, err
	}
	if m.FiltBW, err = requireInt(fields, "filt_bw"); err != nil {
		return nil, err
	}
	if m.NSBW, err = requireInt(fields, "ns_bw"); err != nil {
		return nil, err
	}
	if m.DescBW, err = requireInt(fields, "desc_bw"); err != nil {
		return nil, err
	}

	if v, ok := fields["circ_fail_rate"]; ok {
		m.CircFailRate, _ = parseFloatOrZero(v)
	}
	if v, ok := fields["strm_fail_rate"]; ok {
		m.StrmFailRate, _ = parseFloatOrZero(v)
	}

	return m, nil
}

func tokenize(line string) map[string]string {
	fields := make(map[string]string)
	for _, tok := range strings.Fields(line) {
		idx := strings.IndexByte(tok, '=')
		if idx < 0 {
			continue
		}
		fields[tok[:idx]] = tok[idx+1:]
	}
	return fields
}

func requireInt(fields map[string]string, key string) (int64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func parseFloatOrZero(v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, nil
	}
	return f, nil
}
