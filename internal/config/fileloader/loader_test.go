package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string   `yaml:"name"`
	Items []string `yaml:"items"`
}

func TestFileLoader_Load(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}

	tests := []struct {
		name    string
		path    string
		want    sample
		wantErr bool
	}{
		{name: "valid", path: write("ok.yaml", "name: a\nitems: [x, y]\n"), want: sample{Name: "a", Items: []string{"x", "y"}}},
		{name: "unknown field", path: write("extra.yaml", "name: a\ncolour: red\n"), wantErr: true},
		{name: "malformed", path: write("bad.yaml", "name: [\n"), wantErr: true},
		{name: "missing file", path: filepath.Join(dir, "missing.yaml"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got sample
			err := NewFileLoader(tt.path).Load(context.Background(), &got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
