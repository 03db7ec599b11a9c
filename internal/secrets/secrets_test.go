package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	t.Setenv("RM_TEST_TOKEN", "s3cret")
	t.Setenv("RM_TEST_EMPTY", "")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "empty", input: "", want: ""},
		{name: "literal", input: "plain-value", want: "plain-value"},
		{name: "variable", input: "${RM_TEST_TOKEN}", want: "s3cret"},
		{name: "embedded", input: "mysql://u:${RM_TEST_TOKEN}@db", want: "mysql://u:s3cret@db"},
		{name: "default used", input: "${RM_TEST_UNSET:-fallback}", want: "fallback"},
		{name: "empty default", input: "${RM_TEST_EMPTY:-}", want: ""},
		{name: "missing", input: "${RM_TEST_UNSET}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expand(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "RM_TEST_UNSET")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := filepath.Join(dir, "password")
	require.NoError(t, os.WriteFile(path, []byte(" pass word \n"), 0o600))
	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, " pass word ", got, "only trailing newlines are trimmed")

	loose := filepath.Join(dir, "loose")
	require.NoError(t, os.WriteFile(loose, []byte("token"), 0o644))
	got, err = ReadFile(loose)
	require.NoError(t, err, "permissive files are accepted with a warning")
	assert.Equal(t, "token", got)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o600))
	_, err = ReadFile(empty)
	require.Error(t, err)

	large := filepath.Join(dir, "large")
	require.NoError(t, os.WriteFile(large, make([]byte, maxFileSize+1), 0o600))
	_, err = ReadFile(large)
	require.Error(t, err)

	_, err = ReadFile(dir)
	require.Error(t, err)
	_, err = ReadFile(filepath.Join(dir, "absent"))
	require.Error(t, err)
	_, err = ReadFile("")
	require.Error(t, err)
}

func TestResolvePrefersFile(t *testing.T) {
	t.Setenv("RM_TEST_PASSWORD", "from-env")
	path := filepath.Join(t.TempDir(), "password")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))

	got, err := Resolve(path, "${RM_TEST_PASSWORD}")
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	got, err = Resolve("", "${RM_TEST_PASSWORD}")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)

	got, err = Resolve("", "")
	require.NoError(t, err)
	assert.Empty(t, got)
}
