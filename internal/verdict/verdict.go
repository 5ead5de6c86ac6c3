// Package verdict derives the final four-way classification of a domain
// from its DNS pre-check status and, when one ran, its RDAP result.
package verdict

import (
	"net/http"

	"github.com/domiro-org/domiro/internal/doh"
	"github.com/domiro-org/domiro/internal/rdap"
)

type Verdict string

const (
	Available       Verdict = "available"
	Taken           Verdict = "taken"
	Undetermined    Verdict = "undetermined"
	RDAPUnsupported Verdict = "rdap-unsupported"
)

// Reconcile combines both stage signals into the row's verdict. It is
// total over every status/result combination and is the only place a
// verdict is computed.
func Reconcile(dnsStatus doh.Status, rdapResult *rdap.Result) Verdict {
	if rdapResult == nil {
		return fromDNS(dnsStatus)
	}
	switch {
	case rdapResult.Unsupported:
		return RDAPUnsupported
	case rdapResult.Available != nil && *rdapResult.Available:
		return Available
	case rdapResult.Available != nil:
		return Taken
	case rdapResult.StatusCode == http.StatusTooManyRequests:
		return Undetermined
	default:
		return fromDNS(dnsStatus)
	}
}

func fromDNS(dnsStatus doh.Status) Verdict {
	switch dnsStatus {
	case doh.StatusHasNS:
		return Taken
	case doh.StatusError:
		return Undetermined
	default:
		return Available
	}
}
