package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveDataRoot(t *testing.T) {
	os.Unsetenv("COT_RELAY_DATA_ROOT")
	assert.Equal(t, DefaultDataRoot, ResolveDataRoot())

	t.Setenv("COT_RELAY_DATA_ROOT", "/custom/data")
	assert.Equal(t, "/custom/data", ResolveDataRoot())
}

func TestResolveConfigPath(t *testing.T) {
	os.Unsetenv("CONFIG_PATH")
	t.Setenv("COT_RELAY_DATA_ROOT", "/custom/data")

	assert.Equal(t, "/explicit/config.yaml", ResolveConfigPath("/explicit/config.yaml"))
	assert.Equal(t, filepath.Join("/custom/data", "config", "default.yaml"), ResolveConfigPath(""))

	t.Setenv("CONFIG_PATH", "/env/config.yaml")
	assert.Equal(t, "/env/config.yaml", ResolveConfigPath(""))
}

func TestSafeJoin(t *testing.T) {
	base := filepath.Join(os.TempDir(), "cot_relay_test_data")

	cases := []struct {
		name     string
		elements []string
		valid    bool
	}{
		{"normal", []string{"logs", "app.log"}, true},
		{"parent", []string{"..", "other"}, false},
		{"nested_parent", []string{"logs", "..", "..", "secrets"}, false},
		{"absolute", []string{string(filepath.Separator) + "etc" + string(filepath.Separator) + "passwd"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := SafeJoin(base, tc.elements...)
			if tc.valid {
				assert.NoError(t, err)
				assert.Contains(t, res, base)
			} else {
				if assert.Error(t, err) {
					assert.Contains(t, err.Error(), "traversal")
				}
			}
		})
	}
}

func TestEnsureDirs(t *testing.T) {
	tmpRoot := filepath.Join(os.TempDir(), "cot_relay_test_data")
	defer os.RemoveAll(tmpRoot)

	err := EnsureDirs(tmpRoot)
	assert.NoError(t, err)

	for _, sub := range []string{"queue", "audit", "audit-spool", "keys"} {
		_, err := os.Stat(filepath.Join(tmpRoot, sub))
		assert.NoError(t, err, "subdirectory %s should exist", sub)
	}
}
