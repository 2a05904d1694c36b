package main

import (
	"flag"
	"fmt"
	"os"

	replaycatalog "github.com/jordan16ellis/fw-coll-env/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing episode replay bundles")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	grid := flag.String("grid", "", "only list bundles recorded with this grid fingerprint")
	filteredOnly := flag.Bool("filtered", false, "only list episodes flown with the safety filter")
	unfilteredOnly := flag.Bool("unfiltered", false, "only list episodes flown without the safety filter")
	flag.Parse()

	entries, err := replaycatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	entries = replaycatalog.Filter(entries, replaycatalog.Query{
		GridFingerprint: *grid,
		FilteredOnly:    *filteredOnly,
		UnfilteredOnly:  *unfilteredOnly,
	})

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		fmt.Printf("%s (schema %d)\n", entry.BundleDir, entry.Header.SchemaVersion)
		fmt.Printf("  episode: %s\n", entry.Header.EpisodeID)
		fmt.Printf("  seed: %d\n", entry.Header.Seed)
		if entry.Header.GridFingerprint != "" {
			fmt.Printf("  grid: %s\n", entry.Header.GridFingerprint)
		}
		if entry.Filtered {
			fmt.Printf("  filter: %s\n", entry.Header.Filter)
		} else {
			fmt.Printf("  filter: none\n")
		}
		fmt.Printf("  header: %s\n", entry.HeaderPath)
	}
}
