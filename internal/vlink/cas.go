package vlink

import (
	"fmt"
	"strings"

	"github.com/pion/ice/v4"

	"github.com/1ureka/tincan/internal/errs"
)

// Fixed ICE credentials shared by every dataplane instance. With the
// credentials pinned, the candidate address set is exactly the candidate
// list, and the controller can treat it as an opaque string.
const (
	iceUfrag = "+001EVIOICEUFRAG"
	icePwd   = "+00000001EVIOICEPASSWORD"
)

// casSeparator joins marshaled candidates in a CAS string. Candidate
// attribute lines contain spaces, so a semicolon keeps the set splittable.
const casSeparator = ";"

// marshalCAS renders gathered candidates as the opaque CAS string.
func marshalCAS(cands []ice.Candidate) string {
	parts := make([]string, 0, len(cands))
	for _, c := range cands {
		parts = append(parts, c.Marshal())
	}
	return strings.Join(parts, casSeparator)
}

// unmarshalCAS parses a peer CAS string back into candidates. Empty input
// yields an empty set; any unparsable candidate fails the whole set.
func unmarshalCAS(cas string) ([]ice.Candidate, error) {
	var cands []ice.Candidate
	for _, f := range strings.Split(cas, casSeparator) {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		c, err := ice.UnmarshalCandidate(f)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing peer candidate %q: %v", errs.ErrProtocol, f, err)
		}
		cands = append(cands, c)
	}
	return cands, nil
}
