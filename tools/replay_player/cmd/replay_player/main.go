package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	replayplayer "github.com/jordan16ellis/fw-coll-env/tools/replay_player"
)

func main() {
	path := flag.String("path", "", "Path to an episode replay directory")
	verify := flag.Bool("verify", false, "Re-run the recorded filter and dynamics and report disagreements")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}

	playback, bundle, err := replayplayer.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	payload := struct {
		*replayplayer.Playback
		Mismatches []replayplayer.Mismatch `json:"mismatches,omitempty"`
	}{Playback: playback}
	if *verify {
		if payload.Mismatches, err = replayplayer.Verify(bundle); err != nil {
			fmt.Fprintln(os.Stderr, "verify error:", err)
			os.Exit(2)
		}
	}

	//1.- Render the episode as JSON so callers can pipe the output elsewhere.
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
	if len(payload.Mismatches) > 0 {
		os.Exit(4)
	}
}
