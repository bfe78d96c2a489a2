package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0", 0, false},
		{"4096", 4096, false},
		{"100B", 100, false},

		{"1KB", 1000, false},
		{"1.5MB", 1500000, false},
		{"40GB", 40000000000, false},
		{"1.485TB", 1485000000000, false},

		{"1K", 1024, false},
		{"1.5KiB", 1536, false},
		{"512MiB", 536870912, false},
		{"1.5GiB", 1610612736, false},
		{"1T", 1099511627776, false},
		{"1PiB", 1125899906842624, false},

		{"1gib", 1073741824, false},
		{"1 GB", 1000000000, false},
		{" 100 MB ", 100000000, false},

		{"", 0, true},
		{"lots", 0, true},
		{"GB", 0, true},
		{"1.2.3GB", 0, true},
		{"1XB", 0, true},
		{"-1GB", 0, true},
		{"9000000PiB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDataSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatDataSize(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1 KiB"},
		{1536, "1.5 KiB"},
		{10240, "10 KiB"},
		{104857600, "100 MiB"},
		{1610612736, "1.5 GiB"},
		{1000000000, "953.67 MiB"},
		{1649267441664, "1.5 TiB"},
		{2 * PiB, "2 PiB"},
		{-2048, "-2 KiB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDataSize(tt.input))
		})
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "files.mlst")

	require.NoError(t, WriteFileAtomic(path, []byte("first\n"), 0o640))
	require.NoError(t, WriteFileAtomic(path, []byte("second\n"), 0o640))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	leftovers, err := filepath.Glob(filepath.Join(dir, "nested", ".*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
