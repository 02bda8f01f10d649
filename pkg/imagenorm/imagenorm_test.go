package imagenorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"nginx":                          "docker.io/library/nginx:latest",
		"nginx:alpine":                   "docker.io/library/nginx:alpine",
		"acme/api":                       "docker.io/acme/api:latest",
		"acme/api:v2":                    "docker.io/acme/api:v2",
		"ghcr.io/acme/api:v2":            "ghcr.io/acme/api:v2",
		"registry.internal:5000/api:v2": "registry.internal:5000/api:v2",
	}
	for in, want := range cases {
		got, err := Normalize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestNormalizeRejectsInvalidReference(t *testing.T) {
	_, err := Normalize("UPPER CASE NOT ALLOWED")
	assert.Error(t, err)
}
