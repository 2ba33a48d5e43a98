package wikipedia_test

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"gitlab.com/mwoffliner/mwoffliner/internal/wikipedia"
)

// dms mirrors the rewriter's degree/minute/second accumulation so expected strings match its
// float formatting exactly.
func dms(d, m, s float64) string {
	return strconv.FormatFloat(d+m/60+s/3600, 'f', -1, 64)
}

func TestExtractGeoHref(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		href     string
		expected string
		ok       bool
	}{
		{
			"geohack decimal with hemispheres",
			"http://tools.wmflabs.org/geohack/geohack.php?params=48.85825_N_2.2945_E_type:landmark",
			"geo:48.85825,2.2945",
			true,
		},
		{
			"geohack semicolon pair",
			"http://tools.wmflabs.org/geohack/geohack.php?params=48.858;2.2945_type:landmark",
			"geo:48.858,2.2945",
			true,
		},
		{
			"geohack DMS",
			"https://tools.wmflabs.org/geohack/geohack.php?params=48_51_29_N_2_17_40_E_type:landmark",
			fmt.Sprintf("geo:%s,%s", dms(48, 51, 29), dms(2, 17, 40)),
			true,
		},
		{
			"geohack southern and western hemispheres",
			"https://tools.wmflabs.org/geohack/geohack.php?params=33.865_S_151.209_W",
			"geo:-33.865,-151.209",
			true,
		},
		{
			"geohack O hemisphere is positive",
			"https://tools.wmflabs.org/geohack/geohack.php?params=52.52_N_13.405_O",
			"geo:52.52,13.405",
			true,
		},
		{
			"poimap2 direct lat/lon",
			"http://wikivoyage.org/w/poimap2.php?lat=41.9&lon=12.5&zoom=12",
			"geo:41.9,12.5",
			true,
		},
		{
			"poimap2 missing lon",
			"http://wikivoyage.org/w/poimap2.php?lat=41.9",
			"",
			false,
		},
		{
			"geohack empty params",
			"https://tools.wmflabs.org/geohack/geohack.php?params=",
			"",
			false,
		},
		{
			"geohack unparseable params",
			"https://tools.wmflabs.org/geohack/geohack.php?params=type:landmark",
			"",
			false,
		},
		{
			"ordinary article link",
			"./Paris",
			"",
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rewritten, ok := wikipedia.ExtractGeoHref(tt.href)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, rewritten)
			}
		})
	}
}
