// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testEdits = `# Two files on L1 and a guard between them.
comparer: leveldb.BytewiseComparator
add-file: L1 000004:[a#1,SET-c#1,SET] size:100
add-file: L1 000005:[d#2,SET-f#2,SET] size:50
new-guard: L1 d#0,SET

# Move the first file down.
del-file: L1 000004
add-file: L2 000004:[a#1,SET-c#1,SET] size:100
complete-guard: L1 d#0,SET
`

func writeEditsFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edits.txt")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestReadEdits(t *testing.T) {
	edits, err := readEdits(strings.NewReader(testEdits))
	require.NoError(t, err)
	require.Len(t, edits, 2)
	require.True(t, edits[0].HasComparerName)
	require.Len(t, edits[0].NewFiles, 2)
	require.Len(t, edits[1].DeletedFiles, 1)

	edits, err = readEdits(strings.NewReader("\n\n# nothing\n\n"))
	require.NoError(t, err)
	require.Empty(t, edits)

	_, err = readEdits(strings.NewReader("log-num: 1\n\nbogus: 2\n"))
	require.ErrorContains(t, err, "edit ending at line 3")
}

func TestEditsApply(t *testing.T) {
	saved := editsConfig
	defer func() { editsConfig = saved }()
	path := writeEditsFile(t, testEdits)

	editsConfig.numLevels = 4
	editsConfig.forceChecks = true
	var buf bytes.Buffer
	require.NoError(t, runEditsApply(&buf, path))
	require.Equal(t, `L1:
  000005:[d#2,SET-f#2,SET] seqnums:[2-2] size:50
L2:
  000004:[a#1,SET-c#1,SET] seqnums:[1-1] size:100
new-guards:
  L1 d#0,SET
complete-guards:
  L1 d#0,SET
`, buf.String())

	buf.Reset()
	editsConfig.guards = true
	editsConfig.summary = true
	require.NoError(t, runEditsApply(&buf, path))
	out := buf.String()
	require.True(t, strings.HasPrefix(out, `--- level 1 ---
Guard Key: (sentinel)
Guard Key: d#0,SET
--- level 2 ---
Guard Key: (sentinel)
--- level 3 ---
Guard Key: (sentinel)
`), out)
	for _, s := range []string{"LEVEL", "COMPLETE GUARDS", "total", "150"} {
		require.Contains(t, out, s)
	}

	require.Error(t, runEditsApply(&buf, filepath.Join(t.TempDir(), "missing")))
	require.ErrorContains(t, runEditsApply(&buf, writeEditsFile(t, "comparer: other\n")), "applying edit 1")
}
