package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_NewConfig_Defaults(t *testing.T) {
	c, err := NewConfig(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), c)
}

func Test_NewConfig_FileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tsstash.yaml")
	body := "dataDir: /var/lib/tsstash\nminRows: 50\nmaxRows: 500\ncompactMode: deep\ncompactInterval: 30s\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	c, err := NewConfig([]string{"-CONFIG", path, "-MAX_ROWS", "800"})
	require.NoError(t, err)
	require.Equal(t, "/var/lib/tsstash", c.DataDir)
	require.Equal(t, 50, c.MinRows)
	require.Equal(t, 800, c.MaxRows, "flags override the file")
	require.Equal(t, ModeDeep, c.CompactMode)
	require.Equal(t, 30*time.Second, c.CompactInterval)
}

func Test_Config_Validate(t *testing.T) {
	c := Default()
	c.MaxRows = c.MinRows - 1
	require.Error(t, c.Validate())

	c = Default()
	c.CompactMode = "full"
	require.Error(t, c.Validate())

	_, err := NewConfig([]string{"-MIN_ROWS", "0"})
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("unknownKey: 1\n"), 0o644))
	_, err = NewConfig([]string{"-CONFIG", path})
	require.Error(t, err)
}
