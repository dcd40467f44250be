// Package bwfiles emits the bwfiles percentile table: for each of a fixed
// set of client-facing download sizes, the network percentile of relays
// whose filtered bandwidth can serve that size promptly. Tor clients use
// this table to pick how large a chunk to request from a given relay.
package bwfiles

import (
	"fmt"
	"io"
	"sort"

	"github.com/opd-ai/tor-bwauth/pkg/atomicwrite"
)

// sizeTable maps a download size in kilobytes to its label, in descending
// size order; 16 and 0 share the "16k" label. The 0 entry is only the floor
// that the first recorded size must exceed and is never selected itself.
var sizeTable = []struct {
	sizeKB int64
	label  string
}{
	{65536, "64M"},
	{32768, "32M"},
	{16384, "16M"},
	{8192, "8M"},
	{4096, "4M"},
	{2048, "2M"},
	{1024, "1M"},
	{512, "512k"},
	{256, "256k"},
	{128, "128k"},
	{64, "64k"},
	{32, "32k"},
	{16, "16k"},
	{0, "16k"},
}

type pair struct {
	pct   int
	label string
}

// Write builds the percentile table from each measured relay's filtered
// bandwidth (filtBWs, in the consensus's bandwidth units) and writes it
// atomically to path, terminated by a lone "." line.
func Write(path string, filtBWs []int64) error {
	fbws := make([]int64, len(filtBWs))
	for i, bw := range filtBWs {
		fbws[i] = 5 * bw
	}
	sort.Slice(fbws, func(i, j int) bool { return fbws[i] < fbws[j] })

	pairs := buildPairs(fbws)

	return atomicwrite.File(path, func(w io.Writer) error {
		for _, p := range pairs {
			if _, err := fmt.Fprintf(w, "%d %s\n", p.pct, p.label); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, ".\n")
		return err
	})
}

// buildPairs grabs, for each relay in ascending scaled-bandwidth order, the
// largest file size still below its bandwidth (and larger than the last size
// recorded), recording it with the percentage of relays ranked above it,
// rounded up. Ties in percentile keep
// only the smaller file size already recorded, and the result is returned
// in ascending percentile order.
func buildPairs(fbws []int64) []pair {
	n := len(fbws)
	if n == 0 {
		return nil
	}

	prevSize := sizeTable[len(sizeTable)-1].sizeKB // smallest size, 0
	prevPct := 0
	var pairs []pair

	for i, bw := range fbws {
		pct := 100 - (100*(i+1))/n
		if pct == prevPct {
			continue
		}
		for f := range sizeTable {
			if bw > sizeTable[f].sizeKB*1024 && sizeTable[f].sizeKB > prevSize {
				pairs = append(pairs, pair{pct: pct, label: sizeTable[f].label})
				prevSize = sizeTable[f].sizeKB
				prevPct = pct
				break
			}
		}
	}

	for i, j := 0, len(pairs)-1; i < j; i, j = i+1, j-1 {
		pairs[i], pairs[j] = pairs[j], pairs[i]
	}
	return pairs
}
