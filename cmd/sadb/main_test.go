package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDump = `Service Record: id=0x0000000000001000 gid=0xfe80000000000000:0x0002c90300a1b2c1 pkey=0xffff lease=0xffffffff key=0x0000000000000000:0x0000000000000000 name=storage data8=0x0000000000000000:0x0000000000000000 data16=0x0000000000000000:0x0000000000000000 data32=0x0000000000000000:0x0000000000000000 data64=0x0000000000000000:0x0000000000000000 modified_time=0x00000000 lease_period=0xffffffff
Service Record: id=0xzz
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeDump(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opensm-sa.dump")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCheck(t *testing.T) {
	out, err := run(t, "check", writeDump(t, testDump))
	assert.ErrorContains(t, err, "1 malformed records")
	assert.Contains(t, out, "services:    1")
	assert.Contains(t, out, "reregister:  true")

	_, err = run(t, "check", filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "failed to open")

	_, err = run(t, "check", "--subnet-prefix", "nope", writeDump(t, testDump))
	assert.ErrorContains(t, err, "invalid subnet prefix")
}

func TestFmtIsStable(t *testing.T) {
	first, err := run(t, "fmt", writeDump(t, testDump))
	require.NoError(t, err)
	assert.Contains(t, first, "name='storage'")

	second, err := run(t, "fmt", writeDump(t, first))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMirrorNeedsInstance(t *testing.T) {
	_, err := run(t, "mirror", writeDump(t, testDump))
	assert.ErrorContains(t, err, "--instance is required")
}
