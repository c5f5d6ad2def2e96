package depot

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestArtifactRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(mr.Addr())

	published := Artifact{
		Service:  "web",
		Version:  "1.2.3",
		Checksum: "0f343b0931126a20f133d67c2b018a3b",
		URL:      "https://depot.internal/web-1.2.3.tar",
	}
	require.NoError(t, client.PutArtifact(published))

	artifact, err := client.GetArtifact("web", "1.2.3")
	require.NoError(t, err)
	require.NotNil(t, artifact)
	require.Equal(t, published, *artifact)
}

func TestGetArtifactUnpublished(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(mr.Addr())

	artifact, err := client.GetArtifact("web", "0.0.1")
	require.NoError(t, err)
	require.Nil(t, artifact)
}

func TestTargetRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(mr.Addr())

	// No target set yet reads back as empty, not as an error.
	target, err := client.GetTarget("web", "default")
	require.NoError(t, err)
	require.Empty(t, target)

	require.NoError(t, client.SetTarget("web", "default", "2.0.0"))

	target, err = client.GetTarget("web", "default")
	require.NoError(t, err)
	require.Equal(t, "2.0.0", target)
}

func TestTargetsAreScopedPerGroup(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(mr.Addr())

	require.NoError(t, client.SetTarget("web", "blue", "2.0.0"))

	target, err := client.GetTarget("web", "green")
	require.NoError(t, err)
	require.Empty(t, target)
}
