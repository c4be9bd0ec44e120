package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holoforge/scenecast/internal/auth"
	"github.com/holoforge/scenecast/internal/config"
	"github.com/holoforge/scenecast/internal/store"
)

func TestAllRoles(t *testing.T) {
	r := AllRoles()
	assert.True(t, r.Worker)
	assert.True(t, r.Broadcaster)
	assert.True(t, r.Gateway)
	assert.True(t, r.Snapshotter)
}

func TestBuildStore_MemoryBackend(t *testing.T) {
	cfg := &config.Config{StoreBackend: "memory"}
	st, err := buildStore(context.Background(), cfg)
	require.NoError(t, err)
	defer st.Close()

	_, ok := st.(*store.MemoryStore)
	assert.True(t, ok)
}

func TestBuildVerifier_StaticWhenNoSigningKey(t *testing.T) {
	v := buildVerifier(&config.Config{})
	_, ok := v.(auth.StaticVerifier)
	assert.True(t, ok)
}

func TestBuildVerifier_JWTWhenSigningKeySet(t *testing.T) {
	v := buildVerifier(&config.Config{JWTSigningKey: "secret"})
	_, ok := v.(*auth.JWTVerifier)
	assert.True(t, ok)
}
