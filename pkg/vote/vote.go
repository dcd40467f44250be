// Package vote loads the previous round's vote file into prior PID state
// and emits the new vote file atomically.
package vote

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/opd-ai/tor-bwauth/pkg/atomicwrite"
	"github.com/opd-ai/tor-bwauth/pkg/logger"
)

// Previous is one relay's prior-round vote state.
type Previous struct {
	ID           string
	Nick         string
	BW           int64 // published integer, kilobytes
	MeasuredAt   int64
	UpdatedAt    int64
	PIDError     float64
	PIDErrorSum  float64
	PIDDelta     float64
	PIDBW        float64 // raw floating-point bandwidth prior to rounding
}

// LoadPrevious parses the previous round's vote file into a map from
// fingerprint to prior-vote record. A missing or unparseable file is not an
// error: it returns an empty map, as if this were the first-ever round.
func LoadPrevious(path string, log *logger.Logger) (map[string]*Previous, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.Component("vote")

	result := make(map[string]*Previous)

	f, err := os.Open(path)
	if err != nil {
		log.Notice("no previous vote data", "path", path, "error", err)
		return result, nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// first line is the scan-age header, not a vote record
	if !scanner.Scan() {
		log.Notice("previous vote file is empty", "path", path)
		return result, nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		prev, err := parseLine(line, log)
		if err != nil {
			log.Notice("skipping malformed previous vote line", "line", line, "error", err)
			continue
		}
		result[prev.ID] = prev
	}
	if err := scanner.Err(); err != nil {
		log.Notice("error reading previous vote file, treating as first round", "path", path, "error", err)
		return make(map[string]*Previous), nil
	}

	return result, nil
}

func parseLine(line string, log *logger.Logger) (*Previous, error) {
	fields := tokenize(line)

	id, ok := fields["node_id"]
	if !ok {
		return nil, fmt.Errorf("missing node_id")
	}
	nick := fields["nick"]

	bw, err := strconv.ParseInt(fields["bw"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid bw: %w", err)
	}
	measuredAt, err := strconv.ParseInt(fields["measured_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid measured_at: %w", err)
	}

	p := &Previous{
		ID:         id,
		Nick:       nick,
		BW:         bw,
		MeasuredAt: measuredAt,
	}

	pidErr, errErr := strconv.ParseFloat(fields["pid_error"], 64)
	pidErrSum, sumErr := strconv.ParseFloat(fields["pid_error_sum"], 64)
	pidDelta, deltaErr := strconv.ParseFloat(fields["pid_delta"], 64)
	pidBW, bwErr := strconv.ParseFloat(fields["pid_w"], 64)

	if errErr != nil || sumErr != nil || deltaErr != nil || bwErr != nil {
		log.Notice("no previous PID data", "node_id", id)
		p.PIDBW = float64(bw)
		p.PIDError = 0
		p.PIDDelta = 0
		p.PIDErrorSum = 0
	} else {
		p.PIDError = pidErr
		p.PIDErrorSum = pidErrSum
		p.PIDDelta = pidDelta
		p.PIDBW = pidBW
	}

	if updatedAt, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		p.UpdatedAt = updatedAt
	} else {
		p.UpdatedAt = p.MeasuredAt
	}

	return p, nil
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

// Line is one relay's fully computed vote-file entry, ready for emission.
type Line struct {
	ID          string
	BW          int64 // published bandwidth, kilobytes (see RoundBW)
	Nick        string
	MeasuredAt  int64
	UpdatedAt   int64
	PIDError    float64
	PIDErrorSum float64
	PIDW        int64 // raw pid_bw, truncated to an integer (not kilobytes)
	PIDDelta    float64
	CircFail    float64
	Scanner     string
}

// RoundBW reduces a raw bandwidth value to 3 significant figures and
// converts it to kilobytes, so that small measurement jitter between
// rounds doesn't perturb the published consensus diff. The result is
// never less than 1.
func RoundBW(raw float64) int64 {
	if raw <= 0 {
		return 1
	}
	exp := math.Floor(math.Log10(raw)) - 2
	scale := math.Pow(10, exp)
	rounded := math.Round(raw/scale) * scale
	rounded = math.Round(rounded/1000) * 1000
	if rounded < 1000 {
		rounded = 1000
	}
	kb := int64(rounded / 1000)
	if kb == 0 {
		return 1
	}
	return kb
}

// Write emits the vote file: a scan-age header line followed by one line
// per relay sorted by pid_error descending, written atomically.
func Write(path string, scanAge int64, lines []Line) error {
	sorted := make([]Line, len(lines))
	copy(sorted, lines)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PIDError > sorted[j].PIDError
	})

	return atomicwrite.File(path, func(w io.Writer) error {
		if _, err := fmt.Fprintf(w, "%d\n", scanAge); err != nil {
			return err
		}
		for _, l := range sorted {
			_, err := fmt.Fprintf(w,
				"node_id=%s bw=%d nick=%s measured_at=%d updated_at=%d pid_error=%f pid_error_sum=%f pid_w=%d pid_delta=%f circ_fail=%f scanner=%s\n",
				l.ID, l.BW, l.Nick, l.MeasuredAt, l.UpdatedAt, l.PIDError, l.PIDErrorSum, l.PIDW, l.PIDDelta, l.CircFail, l.Scanner)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
