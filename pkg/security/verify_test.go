package security

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnsurer struct {
	err    error
	called string
}

func (f *fakeEnsurer) EnsureRestrictedNetwork(_ context.Context, name string) error {
	f.called = name
	return f.err
}

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seccomp.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const validProfile = `{"defaultAction":"SCMP_ACT_ERRNO","syscalls":[{"names":["read","write"],"action":"SCMP_ACT_ALLOW"}]}`

func TestVerify_AllChecksPass(t *testing.T) {
	t.Parallel()

	ensurer := &fakeEnsurer{}
	res, err := Verify(context.Background(), ensurer, Options{
		SeccompProfilePath: writeProfile(t, validProfile),
		NetworkName:        "shellbroker-restricted",
		Strict:             true,
	})
	require.NoError(t, err)
	defer res.Cleanup()

	assert.Equal(t, "shellbroker-restricted", ensurer.called)
	assert.Equal(t, "shellbroker-restricted", res.EffectiveNetworkName)
	assert.Empty(t, res.Degraded)
	require.NotEmpty(t, res.EffectiveSeccompPath)

	// The staged copy is private to the broker.
	info, err := os.Stat(res.EffectiveSeccompPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestVerify_NetworkStrictVsDegraded(t *testing.T) {
	t.Parallel()

	ensurer := &fakeEnsurer{err: errors.New("icc enabled")}
	_, err := Verify(context.Background(), ensurer, Options{NetworkName: "n", Strict: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restricted network")

	res, err := Verify(context.Background(), ensurer, Options{NetworkName: "n", Strict: false})
	require.NoError(t, err)
	assert.Contains(t, res.Degraded, "network")
	assert.Equal(t, "bridge", res.EffectiveNetworkName, "degraded sandboxes fall back to the default bridge")
}

func TestVerify_SeccompStrictVsDegraded(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "nope.json")

	_, err := Verify(context.Background(), &fakeEnsurer{}, Options{
		SeccompProfilePath: missing,
		NetworkName:        "n",
		Strict:             true,
	})
	require.Error(t, err, "strict mode must refuse a missing profile")

	res, err := Verify(context.Background(), &fakeEnsurer{}, Options{
		SeccompProfilePath: missing,
		NetworkName:        "n",
		Strict:             false,
	})
	require.NoError(t, err)
	defer res.Cleanup()
	assert.Contains(t, res.Degraded, "seccomp")
	assert.Empty(t, res.EffectiveSeccompPath)
}

func TestVerify_SeccompRejectsBadProfile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "not json", content: "not-json{"},
		{name: "no default action", content: `{"syscalls":[]}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Verify(context.Background(), &fakeEnsurer{}, Options{
				SeccompProfilePath: writeProfile(t, tt.content),
				NetworkName:        "n",
				Strict:             true,
			})
			assert.Error(t, err)
		})
	}
}

func TestVerify_CleanupRemovesStagedProfile(t *testing.T) {
	t.Parallel()

	res, err := Verify(context.Background(), &fakeEnsurer{}, Options{
		SeccompProfilePath: writeProfile(t, validProfile),
		NetworkName:        "n",
	})
	require.NoError(t, err)
	staged := res.EffectiveSeccompPath
	require.FileExists(t, staged)

	res.Cleanup()
	assert.NoFileExists(t, staged)
}

func TestAppArmorProfileLoaded(t *testing.T) {
	t.Parallel()

	list := "docker-default (enforce)\nshellbroker-sandbox (enforce)\nfirefox (complain)\n"

	tests := []struct {
		name    string
		list    string
		profile string
		want    bool
	}{
		{name: "loaded profile is found", list: list, profile: "shellbroker-sandbox", want: true},
		{name: "missing profile is reported", list: list, profile: "shellbroker-other", want: false},
		{name: "prefix of a loaded name does not match", list: list, profile: "docker", want: false},
		{name: "empty list matches nothing", list: "", profile: "shellbroker-sandbox", want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, apparmorProfileLoaded([]byte(tt.list), tt.profile))
		})
	}
}

func TestVerify_SkipsUnconfiguredLayers(t *testing.T) {
	t.Parallel()

	res, err := Verify(context.Background(), &fakeEnsurer{}, Options{NetworkName: "n", Strict: true})
	require.NoError(t, err)
	assert.Empty(t, res.EffectiveSeccompPath)
	assert.Empty(t, res.EffectiveAppArmorProfile)
	assert.Empty(t, res.Degraded)
}
