package provider

import (
	"testing"

	"github.com/picklr-io/inferstack/providers/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProvider_BuiltIns(t *testing.T) {
	reg := NewRegistry(WithAWSRegion("eu-west-1"))
	for _, name := range []string{"null", "memory", "docker", "aws"} {
		require.NoError(t, reg.LoadProvider(name), name)
		p, err := reg.Get(name)
		require.NoError(t, err)
		assert.NotNil(t, p)
	}
	assert.ElementsMatch(t, []string{"null", "memory", "docker", "aws"}, reg.Names())
}

func TestLoadProvider_Unknown(t *testing.T) {
	reg := NewRegistry()
	assert.ErrorContains(t, reg.LoadProvider("gcp"), "unknown provider")

	_, err := reg.Get("gcp")
	assert.ErrorContains(t, err, "not loaded")
}

func TestWithProvider_KeepsInstance(t *testing.T) {
	fake := memory.New()
	reg := NewRegistry(WithProvider("memory", fake))
	require.NoError(t, reg.LoadProvider("memory"))

	p, err := reg.Get("memory")
	require.NoError(t, err)
	assert.Same(t, fake, p)
}
