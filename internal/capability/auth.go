package capability

import (
	"os"
	"strconv"
	"strings"
)

// UseCertificateEnvVar selects certificate-based authentication when its
// value contains the substring "true" (case-insensitive). Anything else,
// including unset, selects username/password.
const UseCertificateEnvVar = "PROTON_VPN_USE_CERTIFICATE"

// UseCertificateAuth reports whether certificate-based authentication was
// requested through the environment.
func UseCertificateAuth() bool {
	v := strings.ToLower(strings.ReplaceAll(os.Getenv(UseCertificateEnvVar), " ", ""))
	return strings.Contains(v, "true")
}

// Flags renders the feature toggles as the short server-side flags
// suffixed onto the tunnel username: f<level> for the netshield level,
// nst when the accelerator is off, pmp when port forwarding is on, nr
// when moderate NAT is on.
func (f Features) Flags() []string {
	flags := []string{"f" + strconv.Itoa(f.NetshieldLevel)}
	if !f.VPNAccelerator {
		flags = append(flags, "nst")
	}
	if f.PortForwarding {
		flags = append(flags, "pmp")
	}
	if f.ModerateNAT {
		flags = append(flags, "nr")
	}
	return flags
}

// FlaggedUsername suffixes the feature flags onto username, each flag
// preceded by "+", which is how backends trigger the corresponding
// server-side behavior during authentication.
func (s Settings) FlaggedUsername(username string) string {
	if username == "" {
		return ""
	}
	return strings.Join(append([]string{username}, s.Features.Flags()...), "+")
}
