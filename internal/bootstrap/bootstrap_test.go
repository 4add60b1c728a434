package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/melihxz/flock/internal/config"
	"github.com/melihxz/flock/internal/view"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSelfReturnsSingletonView(t *testing.T) {
	self := view.Key{Address: "a:1", ProviderID: 1}
	v, err := Resolve(config.GroupConfig{Bootstrap: config.BootstrapSelf}, self)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Len())
	assert.NotNil(t, v.FindMember(self))
}

func TestResolveFileLoadsViewAndInsertsSelf(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "view.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"members":[{"address":"b:1","provider_id":1}]}`), 0644))

	self := view.Key{Address: "a:1", ProviderID: 1}
	v, err := Resolve(config.GroupConfig{Bootstrap: config.BootstrapFile, File: path}, self)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Len())
	assert.NotNil(t, v.FindMember(self))
	assert.NotNil(t, v.FindMember(view.Key{Address: "b:1", ProviderID: 1}))
}

func TestResolveUnsupportedModeReturnsError(t *testing.T) {
	self := view.Key{Address: "a:1", ProviderID: 1}
	_, err := Resolve(config.GroupConfig{Bootstrap: config.BootstrapJoin}, self)
	assert.ErrorIs(t, err, ErrUnsupported)
}
