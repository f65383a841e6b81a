package process

import (
	"regexp"
	"strings"

	"github.com/vpnkit/connector/internal/capability"
)

// Regex patterns for recognizing a tunnel binary's status lines. Kept
// deliberately close to the shape an OpenVPN-management-style process
// actually prints, since that is the concrete protocol this reference
// backend targets.
var (
	tunnelUpPattern     = regexp.MustCompile(`Tunnel is up and running`)
	tunnelDownPattern   = regexp.MustCompile(`Tunnel is down`)
	gotAddressesPattern = regexp.MustCompile(`Got addresses: \[([^\]]+)\]`)
	errorPattern        = regexp.MustCompile(`ERROR:\s*(.+)`)
	authDeniedPattern   = regexp.MustCompile(`(?i)authentication (failed|denied)`)
)

// parsedLine is what ParseLine extracts before it is turned into a
// capability.Event by the Connection that owns the process.
type parsedLine struct {
	kind       capability.EventKind
	assignedIP string
	err        error
}

// ParseLine recognizes a single line of tunnel-binary output. It returns
// nil for lines that carry no lifecycle signal (most lines: routing
// table dumps, informational chatter, etc.).
func ParseLine(line string) *parsedLine {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	if tunnelUpPattern.MatchString(line) {
		return &parsedLine{kind: capability.Connected}
	}
	if tunnelDownPattern.MatchString(line) {
		return &parsedLine{kind: capability.Disconnected}
	}
	if m := gotAddressesPattern.FindStringSubmatch(line); m != nil {
		return &parsedLine{kind: capability.Connected, assignedIP: m[1]}
	}
	if authDeniedPattern.MatchString(line) {
		return &parsedLine{kind: capability.AuthDenied, err: errString(line)}
	}
	if m := errorPattern.FindStringSubmatch(line); m != nil {
		return &parsedLine{kind: capability.TunnelSetupFailed, err: errString(strings.TrimSpace(m[1]))}
	}

	return nil
}

type lineError string

func (e lineError) Error() string { return string(e) }

func errString(s string) error { return lineError(s) }
