package domain

import "strings"

// alphaSourceKeywords and poolSourceKeywords match the naming conventions of
// the upstream signal engines that open positions.
var (
	alphaSourceKeywords = []string{"alpha", "listing", "cex"}
	poolSourceKeywords  = []string{"pool", "sniper", "dex", "launch"}
)

// ResolveVenueClass derives the price-venue classification for a position.
// Precedence, highest first:
//
//  1. an explicit stored flag (anything other than VenueUnknown);
//  2. a keyword match on the originating signal source;
//  3. presence of a contract address, which implies an on-chain pool quote
//     is possible and preferred.
//
// Positions that fall through every rule stay unknown and are quoted
// best-effort across both venues.
func ResolveVenueClass(stored VenueClass, signalSource, contractAddress string) VenueClass {
	if stored != "" && stored != VenueUnknown {
		return stored
	}

	if c := ClassFromSource(signalSource); c != VenueUnknown {
		return c
	}

	if contractAddress != "" {
		return VenuePool
	}
	return VenueUnknown
}

// ClassFromSource derives a classification from the signal-source keyword
// alone. The monitor uses it to detect a stored flag that disagrees with the
// position's own signal metadata (self-healing misclassification).
func ClassFromSource(signalSource string) VenueClass {
	src := strings.ToLower(signalSource)
	for _, kw := range alphaSourceKeywords {
		if strings.Contains(src, kw) {
			return VenueAlpha
		}
	}
	for _, kw := range poolSourceKeywords {
		if strings.Contains(src, kw) {
			return VenuePool
		}
	}
	return VenueUnknown
}
