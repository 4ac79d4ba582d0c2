package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0 B", FormatSize(0))
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "1.00 KB", FormatSize(1024))
	assert.Equal(t, "1.50 MB", FormatSize(1536*1024))
	assert.Equal(t, "2.00 GB", FormatSize(2*1024*1024*1024))
}

func TestFormatSpeed(t *testing.T) {
	assert.Equal(t, "500 B/s", FormatSpeed(500))
	assert.Equal(t, "1.00 KB/s", FormatSpeed(1024))
	assert.Equal(t, "3.25 MB/s", FormatSpeed(3.25*1024*1024))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", FormatDuration(5*time.Second))
	assert.Equal(t, "1m 30s", FormatDuration(90*time.Second))
	assert.Equal(t, "2h 5m 0s", FormatDuration(2*time.Hour+5*time.Minute))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "very lo...", TruncateString("very long string", 10))
	assert.Equal(t, "ab", TruncateString("abcdef", 2))
}

func TestUniqueFilename(t *testing.T) {
	dir := t.TempDir()

	fresh := filepath.Join(dir, "report.pdf")
	assert.Equal(t, fresh, UniqueFilename(fresh))

	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0644))
	assert.Equal(t, filepath.Join(dir, "report (1).pdf"), UniqueFilename(fresh))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "report (1).pdf"), []byte("x"), 0644))
	assert.Equal(t, filepath.Join(dir, "report (2).pdf"), UniqueFilename(fresh))
}

func TestUniqueFilenameWithoutExtension(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "README")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0644))
	assert.Equal(t, filepath.Join(dir, "README (1)"), UniqueFilename(plain))
}
