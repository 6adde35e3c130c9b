// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/pierrec/lz4/v4"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/atmirror/cmd/atmirror/cli"
	"github.com/bureau-foundation/atmirror/repo"
)

// lz4FrameMagic opens every LZ4 frame (little-endian).
const lz4FrameMagic = 0x184D2204

func inspectCommand(stdout io.Writer) *cli.Command {
	var (
		verify bool
		asJSON bool
	)
	return &cli.Command{
		Name:    "inspect",
		Summary: "Summarize a repository archive",
		Description: `Decode a repository archive (plain or LZ4-compressed CAR) the way
a snapshot sync would and print what the mirror would load from it.`,
		Usage: "atmirror inspect [flags] <archive>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
			flagSet.BoolVar(&verify, "verify", true, "check every block against its CID")
			flagSet.BoolVar(&asJSON, "json", false, "print the summary as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one archive path, got %d", len(args))
			}
			data, err := readArchive(args[0])
			if err != nil {
				return err
			}
			snapshot, err := repo.DecodeSnapshot(data, repo.DecodeOptions{VerifyBlocks: verify})
			if err != nil {
				return fmt.Errorf("decoding %s: %w", args[0], err)
			}
			summary := summarize(snapshot)
			if asJSON {
				encoder := json.NewEncoder(stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(summary)
			}
			printSummary(stdout, summary)
			return nil
		},
	}
}

// readArchive reads a CAR file, decompressing it when it is an LZ4
// frame (detected by magic number or a .lz4 extension).
func readArchive(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: archive is empty", path)
	}
	if !isLZ4(data) && filepath.Ext(path) != ".lz4" {
		return data, nil
	}
	decompressed, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", path, err)
	}
	return decompressed, nil
}

func isLZ4(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data) == lz4FrameMagic
}

type archiveSummary struct {
	Repo        string               `json:"repo"`
	Rev         string               `json:"rev"`
	Commit      string               `json:"commit"`
	Collections map[string]int       `json:"collections"`
	Identity    bool                 `json:"identity"`
	DaemonState bool                 `json:"daemonState"`
	Untracked   int                  `json:"untracked"`
	Skipped     []repo.SkippedRecord `json:"skipped,omitempty"`
}

func summarize(snapshot *repo.Snapshot) archiveSummary {
	summary := archiveSummary{
		Repo:        snapshot.Repo,
		Rev:         snapshot.Rev,
		Commit:      snapshot.CommitCID,
		Collections: make(map[string]int, len(snapshot.Collections)),
		Identity:    snapshot.Identity != nil,
		DaemonState: snapshot.DaemonState != nil,
		Untracked:   snapshot.Untracked,
		Skipped:     snapshot.Skipped,
	}
	for collection, records := range snapshot.Collections {
		summary.Collections[collection] = len(records)
	}
	return summary
}

func printSummary(w io.Writer, summary archiveSummary) {
	fmt.Fprintf(w, "repo:    %s\n", summary.Repo)
	fmt.Fprintf(w, "rev:     %s\n", summary.Rev)
	fmt.Fprintf(w, "commit:  %s\n\n", summary.Commit)

	collections := make([]string, 0, len(summary.Collections))
	for collection := range summary.Collections {
		collections = append(collections, collection)
	}
	sort.Strings(collections)

	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "COLLECTION\tRECORDS\n")
	for _, collection := range collections {
		fmt.Fprintf(tw, "%s\t%d\n", collection, summary.Collections[collection])
	}
	fmt.Fprintf(tw, "identity\t%s\n", present(summary.Identity))
	fmt.Fprintf(tw, "daemonState\t%s\n", present(summary.DaemonState))
	fmt.Fprintf(tw, "untracked\t%d\n", summary.Untracked)
	tw.Flush()

	if len(summary.Skipped) > 0 {
		fmt.Fprintf(w, "\nskipped %d record(s):\n", len(summary.Skipped))
		for _, skipped := range summary.Skipped {
			fmt.Fprintf(w, "  %s/%s (%s): %s\n", skipped.Collection, skipped.RecordKey, skipped.CID, skipped.Reason)
		}
	}
}

func present(ok bool) string {
	if ok {
		return "present"
	}
	return "absent"
}
