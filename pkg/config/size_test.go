package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0", 0, false},
		{"4096", 4096, false},
		{"100B", 100, false},
		{"1KB", 1000, false},
		{"1.5KB", 1500, false},
		{"1K", 1024, false},
		{"1KiB", 1024, false},
		{"1.5KiB", 1536, false},
		{"1MB", 1000000, false},
		{"1MiB", 1048576, false},
		{"1 MiB", 1048576, false},
		{"2G", 2147483648, false},
		{"1mib", 1048576, false},

		{"", 0, true},
		{"-1", 0, true},
		{"MB", 0, true},
		{"1.2.3MB", 0, true},
		{"10XB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "1 KiB", FormatSize(1024))
	assert.Equal(t, "1.5 KiB", FormatSize(1536))
	assert.Equal(t, "1 MiB", FormatSize(MiB))
	assert.Equal(t, "1.25 GiB", FormatSize(GiB+GiB/4))
}

func TestByteSizeUnmarshal(t *testing.T) {
	var v struct {
		Limit ByteSize `json:"limit" yaml:"limit"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"limit":"64KiB"}`), &v))
	assert.Equal(t, ByteSize(64*KiB), v.Limit)

	require.NoError(t, json.Unmarshal([]byte(`{"limit":2048}`), &v))
	assert.Equal(t, ByteSize(2048), v.Limit)

	require.NoError(t, yaml.Unmarshal([]byte("limit: 2MiB\n"), &v))
	assert.Equal(t, ByteSize(2*MiB), v.Limit)

	assert.Error(t, json.Unmarshal([]byte(`{"limit":"lots"}`), &v))

	data, err := json.Marshal(ByteSize(MiB))
	require.NoError(t, err)
	assert.Equal(t, `"1 MiB"`, string(data))
}
