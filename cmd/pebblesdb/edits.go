// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebblesdb"
	"github.com/cockroachdb/pebblesdb/internal/manifest"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var editsConfig struct {
	numLevels   int
	forceChecks bool
	guards      bool
	summary     bool
}

var editsCmd = &cobra.Command{
	Use:   "edits",
	Short: "version edit introspection tools",
}

var editsApplyCmd = &cobra.Command{
	Use:   "apply <file>",
	Short: "apply version edits to an empty version and print the result",
	Long: `
Reads version edits in their debug text format from <file>, one edit per
block of lines with blocks separated by blank lines, applies them in order to
an empty version and prints the resulting version. Lines starting with '#'
are ignored. Tables are not opened.
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEditsApply(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	editsCmd.AddCommand(editsApplyCmd)
	editsApplyCmd.Flags().IntVar(
		&editsConfig.numLevels, "num-levels", manifest.DefaultNumLevels, "number of levels of the version")
	editsApplyCmd.Flags().BoolVar(
		&editsConfig.forceChecks, "force-consistency-checks", true, "run the version consistency checks")
	editsApplyCmd.Flags().BoolVar(
		&editsConfig.guards, "guards", false, "print the guards of every level instead of the version")
	editsApplyCmd.Flags().BoolVar(
		&editsConfig.summary, "summary", false, "print a per-level summary table after the version")
}

// readEdits parses the blank-line separated edits read from r.
func readEdits(r io.Reader) ([]*manifest.VersionEdit, error) {
	var edits []*manifest.VersionEdit
	var block strings.Builder
	flush := func(line int) error {
		if strings.TrimSpace(block.String()) == "" {
			return nil
		}
		ve, err := manifest.ParseVersionEditDebug(block.String())
		if err != nil {
			return errors.Wrapf(err, "edit ending at line %d", line)
		}
		edits = append(edits, ve)
		block.Reset()
		return nil
	}

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		switch trimmed := strings.TrimSpace(text); {
		case trimmed == "":
			if err := flush(line - 1); err != nil {
				return nil, err
			}
		case strings.HasPrefix(trimmed, "#"):
		default:
			block.WriteString(text)
			block.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := flush(line); err != nil {
		return nil, err
	}
	return edits, nil
}

func runEditsApply(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	edits, err := readEdits(f)
	if err != nil {
		return err
	}

	vs, err := pebblesdb.Open(filepath.Dir(path), &pebblesdb.Options{
		NumLevels:              editsConfig.numLevels,
		ForceConsistencyChecks: editsConfig.forceChecks,
		DisableTableWarmup:     true,
		TableCacheShards:       1,
	})
	if err != nil {
		return err
	}
	defer func() { _ = vs.Close() }()

	ctx := context.Background()
	for i, ve := range edits {
		if err := vs.LogAndApply(ctx, ve); err != nil {
			return errors.Wrapf(err, "applying edit %d", i+1)
		}
	}

	v := vs.Current()
	defer vs.Release(v)
	if editsConfig.guards {
		fmt.Fprint(w, v.GuardDump())
	} else {
		fmt.Fprint(w, v.DebugString())
	}
	if editsConfig.summary {
		writeSummary(w, v)
	}
	return nil
}

// writeSummary prints the number of files, bytes and guards of every level.
func writeSummary(w io.Writer, v *pebblesdb.Version) {
	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"Level", "Files", "Bytes", "New Guards", "Complete Guards"})
	var files, guards, complete int
	var size uint64
	for level := 0; level < v.NumLevels(); level++ {
		var levelSize uint64
		for _, f := range v.LevelFiles(level) {
			levelSize += f.FD.FileSize
		}
		n, g, c := len(v.LevelFiles(level)), len(v.NewGuards(level)), len(v.CompleteGuards(level))
		tbl.Append([]string{
			fmt.Sprintf("L%d", level),
			strconv.Itoa(n),
			strconv.FormatUint(levelSize, 10),
			strconv.Itoa(g),
			strconv.Itoa(c),
		})
		files, size, guards, complete = files+n, size+levelSize, guards+g, complete+c
	}
	tbl.Append([]string{
		"total", strconv.Itoa(files), strconv.FormatUint(size, 10), strconv.Itoa(guards), strconv.Itoa(complete),
	})
	tbl.Render()
}
