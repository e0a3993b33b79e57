package pathguard

import (
	"fmt"
	"strings"
)

// dangerousSequences are rejected anywhere in a raw path, before the
// filesystem is consulted. Order matters only for which pattern is reported.
var dangerousSequences = []string{
	"../",
	`..\`,
	"~",
	";", "|", "&", "$", "`", "<", ">",
	"(", ")", "{", "}", "[", "]",
	"*", "?", "!",
}

// DangerousSequence returns the first forbidden sequence found in raw.
// Control bytes (including NUL and newline) are reported as \xNN.
func DangerousSequence(raw string) (string, bool) {
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c < 0x20 || c == 0x7f {
			return fmt.Sprintf(`\x%02x`, c), true
		}
	}
	if raw == ".." || strings.HasSuffix(raw, "/..") || strings.HasSuffix(raw, `\..`) {
		return "..", true
	}
	for _, seq := range dangerousSequences {
		if strings.Contains(raw, seq) {
			return seq, true
		}
	}
	return "", false
}
