package mediawiki

import (
	"context"
	"encoding/json"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/fetcher"
)

// FetchMobileSections retrieves and decodes one article's mobile-sections REST response (§6
// "Wiki HTTP API"). An exhausted-retries failure (empty body) or a decode failure is returned
// as an error; the caller (component E) treats that, and a response with no lead sections,
// identically: drop the title without aborting the run (§7).
func FetchMobileSections(ctx context.Context, httpClient *retryablehttp.Client, logger zerolog.Logger, mobileSectionsURL string) (*MobileSections, errors.E) {
	body, _, errE := fetcher.Fetch(ctx, httpClient, logger, mobileSectionsURL)
	if errE != nil {
		return nil, errE
	}
	if len(body) == 0 {
		errE := errors.New("empty response body")
		errors.Details(errE)["url"] = mobileSectionsURL
		return nil, errE
	}

	var sections MobileSections
	// Unlike the action-API wrapper responses, the mobile-sections REST body carries many
	// fields this module does not model: decode permissively rather than with
	// DisallowUnknownFields.
	if err := json.Unmarshal(body, &sections); err != nil {
		return nil, errors.WithStack(err)
	}
	return &sections, nil
}
