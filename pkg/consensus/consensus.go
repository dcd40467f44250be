// Package consensus parses the directory-vote consensus document fetched
// from a Tor control port, extracting relay flags, bandwidth-weight
// parameters, and PID-controller tuning parameters.
package consensus

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/tor-bwauth/pkg/logger"
)

const (
	maxMalformedEntryRate = 10 // reject if >10% of r-lines are malformed
)

// Relay is a single router-status entry from the consensus.
type Relay struct {
	Nickname    string
	Fingerprint string
	Flags       []string
}

// HasFlag reports whether the relay carries the named consensus flag.
func (r *Relay) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func (r *Relay) IsGuard() bool   { return r.HasFlag("Guard") }
func (r *Relay) IsExit() bool    { return r.HasFlag("Exit") }
func (r *Relay) IsStable() bool  { return r.HasFlag("Stable") }
func (r *Relay) IsRunning() bool { return r.HasFlag("Running") }
func (r *Relay) IsValid() bool   { return r.HasFlag("Valid") }

// Weights holds the bandwidth-weights line. Wgd dampens a relay that is both
// Guard and Exit; Wgg is the guard-position weight. Both default to the
// original implementation's fallback of Wgd=0, Wgg=1 when the line is
// missing or unparseable.
type Weights struct {
	Wgd float64
	Wgg float64
}

// Params holds the bwauth* consensus parameters that tune the PID
// controller, with the same defaults the original aggregator falls back to
// when a parameter is absent from the params line.
type Params struct {
	PIDControlEnabled bool // bwauthpid, default enabled
	UseDescBW         bool // !bwauthnsbw, default true
	UseCircuitFails   bool // bwauthcircs, default false
	UseBestRatio      bool // bwauthbestratio, default true
	GroupByClass      bool // bwauthbyclass, default false
	UsePIDTarget      bool // bwauthpidtgt, default false
	UseMercy          bool // bwauthmercy, default false

	KP      float64
	TI      float64
	TD      float64
	TIDecay float64

	KI      float64 // derived: KP/TI, or 0 when TI==0
	KIDecay float64 // derived: 1 - TIDecay/TI, or 0 when TI==0
	KD      float64 // derived: KP*TD

	PIDMax          float64 // bwauthpidmax / 10000
	GuardSampleRate int64   // bwauthguardrate, in seconds
}

// DefaultParams mirrors the original aggregator's built-in PID constants,
// used when the consensus carries no bwauth* parameters at all.
func DefaultParams() Params {
	p := Params{
		PIDControlEnabled: true,
		UseDescBW:         true,
		UseCircuitFails:   false,
		UseBestRatio:      true,
		GroupByClass:      false,
		UsePIDTarget:      false,
		UseMercy:          false,
		KP:                1.0,
		TI:                0,
		TD:                0,
		TIDecay:           0,
		PIDMax:            500.0,
		GuardSampleRate:   14 * 24 * 60 * 60,
	}
	p.deriveGains()
	return p
}

func (p *Params) deriveGains() {
	if p.TI == 0 {
		p.KI = 0
		p.KIDecay = 0
	} else {
		p.KI = p.KP / p.TI
		p.KIDecay = 1.0 - p.TIDecay/p.TI
	}
	p.KD = p.KP * p.TD
}

// Document is the parsed consensus: relay flags plus the derived weights
// and PID parameters.
type Document struct {
	Relays  []*Relay
	Weights Weights
	Params  Params
}

// Parse parses a raw consensus document body as returned by
// controlclient.Client.GetConsensus.
func Parse(body []byte, log *logger.Logger) (*Document, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.Component("consensus")

	doc := &Document{
		Weights: Weights{Wgd: 0, Wgg: 1.0},
		Params:  DefaultParams(),
	}

	relays, err := parseRelays(body, log)
	if err != nil {
		return nil, err
	}
	doc.Relays = relays

	if params, ok := parseParamsLine(body, log); ok {
		doc.Params = params
	}
	if weights, ok := parseWeightsLine(body, log); ok {
		doc.Weights = weights
	} else {
		log.Warn("no bandwidth-weights line in consensus, using defaults")
	}

	return doc, nil
}

func parseRelays(body []byte, log *logger.Logger) ([]*Relay, error) {
	var relays []*Relay
	scanner := bufio.NewScanner(bytes.NewReader(body))

	var current *Relay
	var total, malformed int

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "r ") {
			total++
			if current != nil {
				relays = append(relays, current)
			}

			parts := strings.Fields(line)
			if len(parts) < 3 {
				malformed++
				log.Debug("skipping malformed r line", "line", line)
				current = nil
				continue
			}

			current = &Relay{
				Nickname:    parts[1],
				Fingerprint: parts[2],
			}
			continue
		}

		if strings.HasPrefix(line, "s ") && current != nil {
			current.Flags = strings.Fields(line[2:])
		}
	}
	if current != nil {
		relays = append(relays, current)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading consensus body: %w", err)
	}

	threshold := total * maxMalformedEntryRate / 100
	if total > 0 && malformed > threshold {
		return nil, fmt.Errorf("excessive malformed entries in consensus: %d/%d (>%d%%)",
			malformed, total, maxMalformedEntryRate)
	}

	return relays, nil
}

func parseParamsLine(body []byte, log *logger.Logger) (Params, bool) {
	line, ok := findLine(body, "params ")
	if !ok {
		return Params{}, false
	}

	p := DefaultParams()
	for _, field := range strings.Fields(line) {
		name, value, ok := splitParam(field)
		if !ok {
			continue
		}
		if strings.HasPrefix(name, "bwauth") {
			if _, err := strconv.ParseInt(value, 10, 64); err != nil {
				log.Notice("unparseable bwauth parameter, disabling PID control", "param", field)
				p.PIDControlEnabled = false
				continue
			}
		}
		switch {
		case name == "bwauthpid" && value == "0":
			p.PIDControlEnabled = false
		case name == "bwauthnsbw" && value == "1":
			p.UseDescBW = false
		case name == "bwauthcircs" && value == "1":
			p.UseCircuitFails = true
		case name == "bwauthbestratio" && value == "0":
			p.UseBestRatio = false
		case name == "bwauthbyclass" && value == "1":
			p.GroupByClass = true
		case name == "bwauthpidtgt" && value == "1":
			p.UsePIDTarget = true
		case name == "bwauthmercy" && value == "1":
			p.UseMercy = true
		case name == "bwauthkp":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				p.KP = float64(v) / 10000.0
			}
		case name == "bwauthti":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				p.TI = float64(v) / 10000.0
			}
		case name == "bwauthtd":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				p.TD = float64(v) / 10000.0
			}
		case name == "bwauthtidecay":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				p.TIDecay = float64(v) / 10000.0
			}
		case name == "bwauthpidmax":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				p.PIDMax = float64(v) / 10000.0
			}
		case name == "bwauthguardrate":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				p.GuardSampleRate = v
			}
		}
	}

	p.deriveGains()
	log.Info("loaded PID parameters from consensus",
		"k_p", p.KP, "k_i", p.KI, "k_d", p.KD, "k_i_decay", p.KIDecay)
	return p, true
}

func parseWeightsLine(body []byte, log *logger.Logger) (Weights, bool) {
	line, ok := findLine(body, "bandwidth-weights ")
	if !ok {
		return Weights{}, false
	}

	w := Weights{}
	found := make(map[string]bool)
	for _, field := range strings.Fields(line) {
		name, value, ok := splitParam(field)
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		switch name {
		case "Wgd":
			w.Wgd = float64(v) / 10000.0
			found["Wgd"] = true
		case "Wgg":
			w.Wgg = float64(v) / 10000.0
			found["Wgg"] = true
		}
	}
	if !found["Wgd"] {
		w.Wgd = 0
	}
	if !found["Wgg"] {
		w.Wgg = 1.0
	}
	return w, true
}

// findLine returns the remainder of the first line in body that starts
// with prefix.
func findLine(body []byte, prefix string) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix), true
		}
	}
	return "", false
}

func splitParam(field string) (name, value string, ok bool) {
	idx := strings.IndexByte(field, '=')
	if idx < 0 {
		return "", "", false
	}
	return field[:idx], field[idx+1:], true
}
