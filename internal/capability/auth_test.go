package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUseCertificateAuth(t *testing.T) {
	cases := map[string]bool{
		"":         false,
		"false":    false,
		"true":     true,
		"TRUE":     true,
		" True ":   true,
		"is-true!": true,
		"yes":      false,
	}
	for value, want := range cases {
		t.Run("value="+value, func(t *testing.T) {
			t.Setenv(UseCertificateEnvVar, value)
			assert.Equal(t, want, UseCertificateAuth())
		})
	}
}

func TestFeatures_Flags(t *testing.T) {
	cases := []struct {
		name     string
		features Features
		want     []string
	}{
		{
			name:     "defaults",
			features: Features{},
			want:     []string{"f0", "nst"},
		},
		{
			name:     "accelerator on suppresses nst",
			features: Features{VPNAccelerator: true},
			want:     []string{"f0"},
		},
		{
			name: "everything on",
			features: Features{
				NetshieldLevel: 2,
				VPNAccelerator: true,
				PortForwarding: true,
				ModerateNAT:    true,
			},
			want: []string{"f2", "pmp", "nr"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.features.Flags())
		})
	}
}

func TestSettings_FlaggedUsername(t *testing.T) {
	s := Settings{Features: Features{NetshieldLevel: 1, VPNAccelerator: true, PortForwarding: true}}
	assert.Equal(t, "alice+f1+pmp", s.FlaggedUsername("alice"))
	assert.Equal(t, "", s.FlaggedUsername(""))
}
