package negotiation

import "regexp"

// ICE candidate strings carry their type as " typ <type>" per RFC 5245
// grammar (host, srflx, prflx, relay).
var candidateTypeRe = regexp.MustCompile(` typ (\w+)`)

// candidateType extracts the candidate type from a raw candidate string,
// returning "unknown" when it cannot be parsed.
func candidateType(candidate string) string {
	m := candidateTypeRe.FindStringSubmatch(candidate)
	if m == nil {
		return "unknown"
	}
	return m[1]
}
