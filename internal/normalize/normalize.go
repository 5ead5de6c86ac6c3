package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// Reject reasons for inputs that did not produce a DomainIdentity.
const (
	ReasonInvalidFormat = "invalid-format"
	ReasonNoTLD         = "no-tld"
	ReasonDuplicate     = "duplicate"
)

var labelRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// DomainIdentity is the canonical form of one candidate domain.
// ASCII is the lowercase IDNA form and the uniqueness key; Display keeps
// the cleaned input as the user typed it.
type DomainIdentity struct {
	Display string `json:"display"`
	ASCII   string `json:"ascii"`
	TLD     string `json:"tld"`
}

// Rejected is an input that was classified rather than normalized.
type Rejected struct {
	Raw    string `json:"raw"`
	Reason string `json:"reason"`
}

// Result groups the outcome of one normalization batch.
type Result struct {
	Valid     []DomainIdentity `json:"valid"`
	Invalid   []Rejected       `json:"invalid"`
	Duplicate []string         `json:"duplicate"`
}

// Normalize parses a batch of raw candidate strings into canonical domain
// identities. Entries already present in existing (keyed by ASCII form) or
// repeated within the batch are reported as duplicates. The function never
// fails; malformed input is classified, not rejected with an error.
func Normalize(existing map[string]bool, inputs []string) Result {
	res := Result{}
	seen := make(map[string]bool, len(inputs))

	for _, raw := range inputs {
		cleaned := stripDecoration(raw)
		if cleaned == "" {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			res.Invalid = append(res.Invalid, Rejected{Raw: raw, Reason: ReasonInvalidFormat})
			continue
		}

		ascii, reason := toCanonicalASCII(cleaned)
		if reason != "" {
			res.Invalid = append(res.Invalid, Rejected{Raw: raw, Reason: reason})
			continue
		}

		if existing[ascii] || seen[ascii] {
			res.Duplicate = append(res.Duplicate, cleaned)
			continue
		}
		seen[ascii] = true

		res.Valid = append(res.Valid, DomainIdentity{
			Display: cleaned,
			ASCII:   ascii,
			TLD:     ascii[strings.LastIndexByte(ascii, '.')+1:],
		})
	}

	return res
}

// stripDecoration removes the URL-ish parts people paste along with a
// domain: scheme, path/query/fragment, and a trailing FQDN dot.
func stripDecoration(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "://"); i >= 0 && !strings.ContainsAny(s[:i], "/?#") {
		s = s[i+3:]
	} else {
		s = strings.TrimPrefix(s, "//")
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, ".")
	return s
}

func toCanonicalASCII(host string) (string, string) {
	if strings.Contains(host, "..") {
		return "", ReasonInvalidFormat
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// idna.Lookup refuses underscores and some mixed-script labels;
		// fall back to the raw host so plain ASCII mistakes get the
		// label-level classification below instead of a blanket error.
		ascii = host
	}
	ascii = strings.ToLower(ascii)

	if len(ascii) < 1 || len(ascii) > 253 {
		return "", ReasonInvalidFormat
	}
	if !strings.Contains(ascii, ".") {
		return "", ReasonNoTLD
	}
	for _, label := range strings.Split(ascii, ".") {
		if !labelRe.MatchString(label) {
			return "", ReasonInvalidFormat
		}
	}
	return ascii, ""
}
