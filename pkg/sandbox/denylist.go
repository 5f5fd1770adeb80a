package sandbox

import (
	"regexp"
	"strings"
)

// The denylist is checked against the fully rendered command, after
// argument substitution, and causes rejection regardless of what the tool
// author declared. It catches unconditionally destructive patterns, not
// policy decisions.
var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-\w*[rf]\w*\s+)+`),       // recursive/forced delete
	regexp.MustCompile(`\bsudo\b`),                       // privilege escalation
	regexp.MustCompile(`\bsu\s+-?\b`),                    //
	regexp.MustCompile(`\bmkfs\b`),                       // filesystem creation
	regexp.MustCompile(`\bdd\s+.*\bof=/dev/`),            // raw device write
	regexp.MustCompile(`>\s*/dev/(sd|nvme|disk)`),        //
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`\bchmod\s+(-\w+\s+)*777\s+/`),    // world-writable root
	regexp.MustCompile(`\bchown\s+-R\b.*\s+/\s*$`),       //
	regexp.MustCompile(`:\(\)\s*\{`),                     // fork bomb
	regexp.MustCompile(`\bkill\s+-9\s+1\b`),              // init kill
	regexp.MustCompile(`\b(curl|wget)\b.*\|\s*(ba)?sh\b`), // pipe-to-shell
}

// CheckDenylist rejects a rendered command that matches any destructive
// pattern. The check is on the joined argv so multi-token patterns match.
func CheckDenylist(argv []string) error {
	rendered := strings.Join(argv, " ")
	for _, pattern := range destructivePatterns {
		if pattern.MatchString(rendered) {
			return rejectf("command matches destructive pattern %q", pattern.String())
		}
	}
	return nil
}
