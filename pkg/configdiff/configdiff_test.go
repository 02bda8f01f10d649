package configdiff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorhq/anchor/pkg/types"
)

func TestCanonicalSortsChildren(t *testing.T) {
	svc := &types.Service{SourceType: types.SourceImage, Image: "registry/app:v2"}
	ports := []*types.ServicePort{{Port: 8080}, {Port: 443}}
	replicas := []*types.ServiceReplica{{ServerID: "s2", Count: 1}, {ServerID: "s1", Count: 2}}
	volumes := []*types.ServiceVolume{{Name: "data"}, {Name: "cache"}}
	secrets := []*types.Secret{{Key: "DB_PASSWORD"}, {Key: "API_KEY"}}

	cfg := Canonical(svc, ports, replicas, volumes, secrets)

	require.Len(t, cfg.Ports, 2)
	assert.Equal(t, 443, cfg.Ports[0].Port)
	assert.Equal(t, 8080, cfg.Ports[1].Port)

	require.Len(t, cfg.Replicas, 2)
	assert.Equal(t, "s1", cfg.Replicas[0].ServerID)

	assert.Equal(t, []string{"API_KEY", "DB_PASSWORD"}, cfg.SecretKeys)
	assert.Equal(t, []string{"cache", "data"}, cfg.Volumes)
}

func TestDiffNoChanges(t *testing.T) {
	cfg := &types.CanonicalConfig{SourceType: types.SourceImage, SourceRef: "app:v1"}
	assert.Empty(t, Diff(cfg, cfg))
}

func TestDiffNilDeployed(t *testing.T) {
	cfg := &types.CanonicalConfig{SourceType: types.SourceImage, SourceRef: "app:v1"}
	diffs := Diff(nil, cfg)
	require.Len(t, diffs, 1)
	assert.Equal(t, "source", diffs[0].Field)
}

func TestDiffDetectsChangedFields(t *testing.T) {
	deployed := &types.CanonicalConfig{
		SourceType: types.SourceImage,
		SourceRef:  "app:v1",
		Ports:      []types.CanonicalPort{{Port: 80}},
		SecretKeys: []string{"A"},
	}
	current := &types.CanonicalConfig{
		SourceType: types.SourceImage,
		SourceRef:  "app:v2",
		Ports:      []types.CanonicalPort{{Port: 80}, {Port: 443}},
		SecretKeys: []string{"A", "B"},
	}

	diffs := Diff(deployed, current)

	fields := make(map[string]bool)
	for _, d := range diffs {
		fields[d.Field] = true
	}
	assert.True(t, fields["source"])
	assert.True(t, fields["ports"])
	assert.True(t, fields["secrets"])
	assert.False(t, fields["volumes"])
}
