package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idxerrors "github.com/tamirms/digestindex/errors"
	"github.com/tamirms/digestindex/internal/config"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRunDryRun(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	corpus := writeFile(t, "hashes.txt", "AABBCCDDEEFF00112233445566778899\nnot-a-hash\n")

	require.NoError(t, run([]string{"-f", corpus, "--dry-run", "--log-level", "error"}))
	require.NoError(t, run([]string{"-f", corpus, "--dry-run", "--mmap", "--log-level", "error"}))
}

func TestRunConfigFile(t *testing.T) {
	corpus := writeFile(t, "hashes.txt", "AABBCCDDEEFF00112233445566778899\n")
	cfgPath := writeFile(t, "nsrlsvr.yaml", "corpus:\n  file: "+corpus+"\nlog:\n  level: error\n")
	t.Setenv(config.EnvConfigPath, cfgPath)

	require.NoError(t, run([]string{"--dry-run"}))
}

func TestRunRejectsDuplicates(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	corpus := writeFile(t, "hashes.txt", "AABBCCDDEEFF00112233445566778899\naabbccddeeff00112233445566778899\n")

	require.NoError(t, run([]string{"-f", corpus, "--dry-run", "--log-level", "error"}))
	err := run([]string{"-f", corpus, "--dry-run", "--reject-duplicates", "--log-level", "error"})
	require.ErrorIs(t, err, idxerrors.ErrDuplicateIdentifier)
}

func TestRunErrors(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	corpus := writeFile(t, "hashes.txt", "AABBCCDDEEFF00112233445566778899\n")

	err := run([]string{"-f", filepath.Join(t.TempDir(), "missing.txt"), "--dry-run"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not be found")

	err = run([]string{"-f", corpus, "-p", "70000", "--dry-run"})
	require.ErrorIs(t, err, idxerrors.ErrInvalidConfig)

	err = run([]string{"-f", corpus, "--log-format", "xml", "--dry-run"})
	require.ErrorIs(t, err, idxerrors.ErrInvalidConfig)

	require.Error(t, run([]string{"--no-such-flag"}))
	require.Error(t, run([]string{"-f", corpus, "extra"}))
}

func TestRunDirectoryIsUnavailable(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")

	err := run([]string{"-f", t.TempDir(), "--dry-run", "--log-level", "error"})
	require.ErrorIs(t, err, idxerrors.ErrSourceUnavailable)
}
