package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseVersion(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Version
	}{
		{"5.10.43", V(5, 10, 43)},
		{"5.10.43-android12-9-g1a2b3c", V(5, 10, 43)},
		{"4.19.157+", V(4, 19, 157)},
		{"6.1", V(6, 1, 0)},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseVersion(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ParseVersion("android")
	assert.Error(t, err)
}

func TestParseBanner(t *testing.T) {
	v, err := ParseBanner("Linux version 6.1.25-android14-11-g34fde9ec08a3 (build-user@build-host) (clang version 14.0.7) #1 SMP PREEMPT")
	require.NoError(t, err)
	assert.Equal(t, V(6, 1, 25), v)

	_, err = ParseBanner("garbage")
	assert.Error(t, err)
}

func TestVersionCompare(t *testing.T) {
	assert.True(t, V(4, 19, 0).Less(V(4, 20, 0)))
	assert.True(t, V(5, 0, 0).AtLeast(V(4, 20, 0)))
	assert.True(t, V(6, 1, 0).AtLeast(V(6, 1, 0)))
	assert.Equal(t, 1, V(6, 1, 1).Compare(V(6, 1, 0)))
	assert.Equal(t, 0, V(3, 18, 71).Compare(V(3, 18, 71)))
	assert.True(t, Version{}.IsZero())
}

func TestVersionYAML(t *testing.T) {
	var cfg struct {
		Version Version `yaml:"version"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("version: 5.15.78-android14\n"), &cfg))
	assert.Equal(t, V(5, 15, 78), cfg.Version)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Equal(t, "version: 5.15.78\n", string(out))
}
