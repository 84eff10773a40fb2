package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveVenueClassStoredFlagWins(t *testing.T) {
	// An explicit stored flag beats both the source keyword and the
	// contract-address fallback.
	got := ResolveVenueClass(VenueAlpha, "dex-sniper-v2", "0xabc")
	assert.Equal(t, VenueAlpha, got)
}

func TestResolveVenueClassFromSource(t *testing.T) {
	cases := []struct {
		source string
		want   VenueClass
	}{
		{"alpha-momentum", VenueAlpha},
		{"cex-listing-watch", VenueAlpha},
		{"pool-sniper", VenuePool},
		{"LAUNCH-radar", VenuePool},
		{"dex_breakout", VenuePool},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ResolveVenueClass(VenueUnknown, tc.source, ""), "source %q", tc.source)
	}
}

func TestResolveVenueClassContractImpliesPool(t *testing.T) {
	got := ResolveVenueClass(VenueUnknown, "manual", "0xdeadbeef")
	assert.Equal(t, VenuePool, got)
}

func TestResolveVenueClassFallsThroughToUnknown(t *testing.T) {
	got := ResolveVenueClass(VenueUnknown, "manual", "")
	assert.Equal(t, VenueUnknown, got)
}

func TestResolveVenueClassEmptyStoredTreatedAsUnknown(t *testing.T) {
	got := ResolveVenueClass("", "pool-sniper", "")
	assert.Equal(t, VenuePool, got)
}

func TestClassFromSourceUnknownForUnmatched(t *testing.T) {
	assert.Equal(t, VenueUnknown, ClassFromSource("copy-trade"))
	assert.Equal(t, VenueUnknown, ClassFromSource(""))
}
