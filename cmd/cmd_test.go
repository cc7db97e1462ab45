package cmd

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/safeconvert/convert"
	"github.com/jmorganca/safeconvert/convert/torchtest"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("SAFECONVERT_DEBUG", "")

	var out bytes.Buffer
	c := NewCLI()
	c.SetOut(&out)
	c.SetErr(&out)
	c.SetArgs(args)
	err := c.Execute()
	return out.String(), err
}

func TestConvertCommand(t *testing.T) {
	src := t.TempDir()
	torchtest.Checkpoint{
		Storages: []torchtest.Storage{torchtest.Float32s("0", 1, 2, 3, 4)},
		Entries: []torchtest.Entry{
			torchtest.Contiguous("w1", "0", 0, 4),
			torchtest.Contiguous("w2", "0", 0, 4),
		},
	}.WriteZip(t, filepath.Join(src, convert.WeightsFile))
	require.NoError(t, os.WriteFile(filepath.Join(src, "config.json"), []byte("{}"), 0o644))

	dst := filepath.Join(t.TempDir(), "converted")
	out, err := run(t, "--src_directory", src, "--dest_directory", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "converted "+src+" to "+dst)

	for _, name := range []string{convert.SafetensorsFile, "config.json"} {
		_, err := os.Stat(filepath.Join(dst, name))
		assert.NoError(t, err, name)
	}
}

func TestConvertCommandDefaultDestination(t *testing.T) {
	src := t.TempDir()
	torchtest.Checkpoint{
		Storages: []torchtest.Storage{torchtest.Float32s("0", 1, 2)},
		Entries:  []torchtest.Entry{torchtest.Contiguous("w", "0", 0, 2)},
	}.WriteZip(t, filepath.Join(src, convert.WeightsFile))

	out, err := run(t, "--src_directory", src)
	require.NoError(t, err)
	assert.Contains(t, out, convert.DefaultDestination(src))

	_, err = os.Stat(filepath.Join(convert.DefaultDestination(src), convert.SafetensorsFile))
	assert.NoError(t, err)
}

func TestConvertCommandErrors(t *testing.T) {
	_, err := run(t)
	assert.ErrorContains(t, err, "src_directory")

	_, err = run(t, "--src_directory", t.TempDir())
	assert.ErrorIs(t, err, convert.ErrWeightsNotFound)

	_, err = run(t, "--src_directory", t.TempDir(), "extra")
	assert.Error(t, err)
}

func TestUsageListsEnvironment(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "--src_directory")
	assert.Contains(t, out, "--dest_directory")
	assert.Contains(t, out, "SAFECONVERT_DEBUG")
}

func TestDebugLogsConfig(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	t.Setenv("SAFECONVERT_DEBUG", "1")

	src := t.TempDir()
	torchtest.Checkpoint{
		Storages: []torchtest.Storage{torchtest.Float32s("0", 1, 2)},
		Entries:  []torchtest.Entry{torchtest.Contiguous("w", "0", 0, 2)},
	}.WriteZip(t, filepath.Join(src, convert.WeightsFile))

	var out bytes.Buffer
	c := NewCLI()
	c.SetOut(&out)
	c.SetErr(&out)
	c.SetArgs([]string{"--src_directory", src})
	require.NoError(t, c.Execute())

	assert.Contains(t, out.String(), "msg=config")
	assert.Contains(t, out.String(), "SAFECONVERT_DEBUG:true")
}
