package main

import (
	"bytes"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func Test_Commands(t *testing.T) {
	dir := path.Join(t.TempDir(), "db")

	_, err := run(t, "--dir", dir, "put", "a", "1")
	require.NoError(t, err)
	_, err = run(t, "--dir", dir, "put", "b", "2")
	require.NoError(t, err)

	out, err := run(t, "--dir", dir, "get", "a")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	_, err = run(t, "--dir", dir, "delete", "a")
	require.NoError(t, err)
	_, err = run(t, "--dir", dir, "get", "a")
	assert.Error(t, err)

	_, err = run(t, "--dir", dir, "compact")
	require.NoError(t, err)

	out, err = run(t, "--dir", dir, "scan")
	require.NoError(t, err)
	assert.Equal(t, "b\t2\n", out)

	// 导出后导入到另一个目录
	file := path.Join(t.TempDir(), "backup.s2")
	out, err = run(t, "--dir", dir, "export", file)
	require.NoError(t, err)
	assert.Equal(t, "exported 1 keys\n", out)

	other := path.Join(t.TempDir(), "other")
	out, err = run(t, "--dir", other, "import", file)
	require.NoError(t, err)
	assert.Equal(t, "imported 1 keys\n", out)

	out, err = run(t, "--dir", other, "scan", "a", "c")
	require.NoError(t, err)
	assert.Equal(t, "b\t2\n", out)
}
