// Package crawler implements the title/redirect crawler (component D): title enumeration (by
// namespace or from a file), per-title revision/coordinate resolution, and inbound-redirect
// discovery, all under the bounded-concurrency design of §5.
package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/time/rate"

	"gitlab.com/mwoffliner/mwoffliner/internal/mediawiki"
)

// APILimit is the page size used for paginated list queries; the API caps anonymous clients at
// this value regardless of what is requested.
const APILimit = 500

// Client talks to one wiki's action API. All of its calls share a single rate limiter so that
// concurrent queues (title enumeration, redirect lookup) together stay polite against the API.
type Client struct {
	HTTPClient *retryablehttp.Client
	APIURL     string
	Limiter    *rate.Limiter
}

// NewClient builds a Client for apiURL. The limiter allows one API call per second on average
// with a burst of the given size, matching the pacing used for allpages enumeration.
func NewClient(httpClient *retryablehttp.Client, apiURL string, burst int) *Client {
	if burst < 1 {
		burst = 1
	}
	return &Client{
		HTTPClient: httpClient,
		APIURL:     apiURL,
		Limiter:    rate.NewLimiter(rate.Every(time.Second), burst),
	}
}

// NamespaceInfo is one entry of siteinfo's "namespaces" property.
type NamespaceInfo struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Content bool   `json:"content"`
}

type siteInfoResponse struct {
	Error    json.RawMessage `json:"error,omitempty"`
	Warnings json.RawMessage `json:"warnings,omitempty"`
	ServedBy string          `json:"servedby,omitempty"`

	BatchComplete bool `json:"batchcomplete"`
	Query         struct {
		General struct {
			MainPage string `json:"mainpage"`
			SiteName string `json:"sitename"`
			RTL      bool   `json:"rtl"`
			Lang     string `json:"lang"`
		} `json:"general"`
		Namespaces map[string]NamespaceInfo `json:"namespaces"`
	} `json:"query"`
}

// SiteInfo is the subset of `action=query&meta=siteinfo` this crawler needs (§4.D): the main
// page and namespace list drive enumeration, the site name and text direction feed the
// getSubTitle/getTextDirection phases of §4.G.
type SiteInfo struct {
	MainPage   string
	SiteName   string
	RTL        bool
	Lang       string
	Namespaces []NamespaceInfo
}

// ContentNamespacePrefixes returns the name-prefix set of namespaces with content=true, used by
// the HTML rewriter's "Mirrored test" (§4.E) when crawling by namespace.
func (s *SiteInfo) ContentNamespacePrefixes() map[string]bool {
	out := map[string]bool{}
	for _, ns := range s.Namespaces {
		if ns.Content && ns.Name != "" {
			out[ns.Name] = true
		}
	}
	return out
}

// SiteInfo retrieves the wiki's general metadata and namespace list.
func (c *Client) SiteInfo(ctx context.Context) (*SiteInfo, errors.E) {
	data := url.Values{}
	data.Set("action", "query")
	data.Set("format", "json")
	data.Set("formatversion", "2")
	data.Set("meta", "siteinfo")
	data.Set("siprop", "general|namespaces")

	var resp siteInfoResponse
	if errE := c.doGet(ctx, data, &resp); errE != nil {
		return nil, errE
	}
	if resp.Error != nil {
		return nil, apiError(resp.Error)
	}

	info := &SiteInfo{
		MainPage: resp.Query.General.MainPage,
		SiteName: resp.Query.General.SiteName,
		RTL:      resp.Query.General.RTL,
		Lang:     resp.Query.General.Lang,
	}
	for _, ns := range resp.Query.Namespaces {
		info.Namespaces = append(info.Namespaces, ns)
	}
	return info, nil
}

type revisionInfo struct {
	RevID     int64  `json:"revid"`
	ParentID  int64  `json:"parentid"`
	Minor     bool   `json:"minor"`
	User      string `json:"user,omitempty"`
	Anon      bool   `json:"anon,omitempty"`
	Timestamp string `json:"timestamp"`
	Comment   string `json:"comment,omitempty"`
}

type coordInfo struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Primary bool    `json:"primary,omitempty"`
	Globe   string  `json:"globe,omitempty"`
}

type pageInfo struct {
	PageID      int64          `json:"pageid,omitempty"`
	Namespace   int            `json:"ns"`
	Title       string         `json:"title"`
	Missing     bool           `json:"missing,omitempty"`
	Invalid     bool           `json:"invalid,omitempty"`
	Revisions   []revisionInfo `json:"revisions,omitempty"`
	Coordinates []coordInfo    `json:"coordinates,omitempty"`
}

type pagesQueryResponse struct {
	Error    json.RawMessage `json:"error,omitempty"`
	Warnings json.RawMessage `json:"warnings,omitempty"`
	ServedBy string          `json:"servedby,omitempty"`

	BatchComplete bool              `json:"batchcomplete"`
	Continue      map[string]string `json:"continue,omitempty"`
	// Pre-1.26 APIs deliver continuation under "query-continue" instead; both shapes are
	// accepted and the "allpages"/"backlinks" sub-key is followed either way (§4.D).
	QueryContinue map[string]map[string]string `json:"query-continue,omitempty"` //nolint:tagliatelle
	Query         struct {
		Normalized []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"normalized,omitempty"`
		Redirects []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"redirects,omitempty"`
		Pages     []pageInfo `json:"pages,omitempty"`
		Backlinks []struct {
			PageID    int64  `json:"pageid"`
			Namespace int    `json:"ns"`
			Title     string `json:"title"`
			Redirect  bool   `json:"redirect,omitempty"`
		} `json:"backlinks,omitempty"`
	} `json:"query"`
}

// continuation extracts the named continuation parameters from either continuation shape, or
// nil when the listing is exhausted.
func (r *pagesQueryResponse) continuation(name string) map[string]string {
	if cont, ok := r.QueryContinue[name]; ok && len(cont) > 0 {
		return cont
	}
	if len(r.Continue) > 0 {
		return r.Continue
	}
	return nil
}

// Revision is a title's resolved revision id, timestamp, and optional coordinates (§3).
type Revision struct {
	ID        int64
	Timestamp int64
	Geo       string
	Missing   bool
}

func (p *pageInfo) revision() Revision {
	if p.Missing || p.Invalid || len(p.Revisions) == 0 {
		return Revision{Missing: true}
	}
	rev := Revision{
		ID:        p.Revisions[0].RevID,
		Timestamp: parseMWTimestamp(p.Revisions[0].Timestamp),
	}
	if len(p.Coordinates) > 0 {
		rev.Geo = fmt.Sprintf("%v;%v", p.Coordinates[0].Lat, p.Coordinates[0].Lon)
	}
	return rev
}

// Revision resolves one title via `action=query&redirects&prop=revisions|coordinates`
// (file-mode path, §4.D).
func (c *Client) Revision(ctx context.Context, title string) (Revision, errors.E) {
	data := url.Values{}
	data.Set("action", "query")
	data.Set("format", "json")
	data.Set("formatversion", "2")
	data.Set("redirects", "")
	data.Set("prop", "revisions|coordinates")
	data.Set("titles", title)

	var resp pagesQueryResponse
	if errE := c.doGet(ctx, data, &resp); errE != nil {
		return Revision{}, errE
	}
	if resp.Error != nil {
		return Revision{}, apiError(resp.Error)
	}
	for i := range resp.Query.Pages {
		return resp.Query.Pages[i].revision(), nil
	}
	return Revision{Missing: true}, nil
}

// AllPagesPage is one page returned by the generator=allpages pagination (§4.D namespace mode).
type AllPagesPage struct {
	Title string
	Revision
}

// EnumerateNamespace paginates `generator=allpages&gapfilterredir=nonredirects&gapnamespace=N`,
// following the "allpages" continuation until empty, invoking emit for every discovered page.
func (c *Client) EnumerateNamespace(ctx context.Context, namespace int, emit func(AllPagesPage) errors.E) errors.E {
	data := url.Values{}
	data.Set("action", "query")
	data.Set("format", "json")
	data.Set("formatversion", "2")
	data.Set("generator", "allpages")
	data.Set("gapfilterredir", "nonredirects")
	data.Set("gapnamespace", strconv.Itoa(namespace))
	data.Set("gaplimit", strconv.Itoa(APILimit))
	data.Set("prop", "revisions|coordinates")

	for {
		var resp pagesQueryResponse
		if errE := c.doGet(ctx, data, &resp); errE != nil {
			return errE
		}
		if resp.Error != nil {
			return apiError(resp.Error)
		}

		for i := range resp.Query.Pages {
			page := &resp.Query.Pages[i]
			if errE := emit(AllPagesPage{Title: page.Title, Revision: page.revision()}); errE != nil {
				return errE
			}
		}

		cont := resp.continuation("allpages")
		if cont == nil {
			return nil
		}
		for key, value := range cont {
			data.Set(key, value)
		}
	}
}

// Backlinks implements the redirect lookup of §4.D:
// `action=query&list=backlinks&blfilterredir=redirects&bltitle=T`, paginated.
func (c *Client) Backlinks(ctx context.Context, title string) ([]string, errors.E) {
	data := url.Values{}
	data.Set("action", "query")
	data.Set("format", "json")
	data.Set("formatversion", "2")
	data.Set("list", "backlinks")
	data.Set("blfilterredir", "redirects")
	data.Set("bltitle", title)
	data.Set("bllimit", strconv.Itoa(APILimit))

	var sources []string
	for {
		var resp pagesQueryResponse
		if errE := c.doGet(ctx, data, &resp); errE != nil {
			return nil, errE
		}
		if resp.Error != nil {
			return nil, apiError(resp.Error)
		}
		for _, bl := range resp.Query.Backlinks {
			sources = append(sources, bl.Title)
		}

		cont := resp.continuation("backlinks")
		if cont == nil {
			return sources, nil
		}
		for key, value := range cont {
			data.Set(key, value)
		}
	}
}

func (c *Client) doGet(ctx context.Context, data url.Values, out interface{}) errors.E {
	if err := c.Limiter.Wait(ctx); err != nil {
		// Context has been canceled.
		return errors.WithStack(err)
	}

	fullURL := c.APIURL + "?" + data.Encode()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		errE := errors.WithStack(err)
		errors.Details(errE)["url"] = fullURL
		return errE
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		errE := errors.WithStack(err)
		errors.Details(errE)["url"] = fullURL
		return errE
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		errE := errors.New("bad response status")
		errors.Details(errE)["url"] = fullURL
		errors.Details(errE)["code"] = resp.StatusCode
		errors.Details(errE)["body"] = strings.TrimSpace(string(body))
		return errE
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WithStack(err)
	}

	if errE := mediawiki.UnmarshalWithoutUnknownFields(body, out); errE != nil {
		errors.Details(errE)["url"] = fullURL
		return errE
	}
	return nil
}

func apiError(raw json.RawMessage) errors.E {
	errE := errors.New("API error")
	errors.Details(errE)["error"] = string(raw)
	return errE
}

// parseMWTimestamp parses a MediaWiki ISO-8601 revision timestamp ("2024-01-02T03:04:05Z") into
// a Unix timestamp, per §3 "Revision". An unparseable timestamp (should not happen against a
// conforming API) yields 0 rather than erroring the whole enumeration.
func parseMWTimestamp(ts string) int64 {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return 0
	}
	return t.Unix()
}
