package orchestrator

import (
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/mwoffliner/mwoffliner/internal/mediawiki"
	"gitlab.com/mwoffliner/mwoffliner/internal/run"
)

// Login performs the private-wiki login handshake named in §6's configuration options
// (mwUsername/Password/Domain) and §1's "out of scope... we specify only the contract each
// exposes to the core": a successful login leaves a persistent session cookie in the HTTP
// client's cookie jar (already wired by component C), which every subsequent request reuses per
// §4.C. This is the two-step MediaWiki clientlogin flow: fetch a login token, then submit it.
func Login(runCtx *run.Context) errors.E {
	cfg := runCtx.Config
	apiURL := cfg.APIURL()

	token, errE := fetchLoginToken(runCtx, apiURL)
	if errE != nil {
		return errE
	}

	data := url.Values{}
	data.Set("action", "clientlogin")
	data.Set("format", "json")
	data.Set("username", cfg.MWUsername)
	data.Set("password", cfg.MWPassword)
	if cfg.MWDomain != "" {
		data.Set("logindomain", cfg.MWDomain)
	}
	data.Set("logintoken", token)
	data.Set("loginreturnurl", cfg.MWUrl.String())

	req, err := retryablehttp.NewRequestWithContext(runCtx.Ctx(), http.MethodPost, apiURL, data.Encode())
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := runCtx.HTTPClient.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		errE := errors.New("login request failed")
		errors.Details(errE)["code"] = resp.StatusCode
		return errE
	}

	var result struct {
		ClientLogin struct {
			Status string `json:"status"`
		} `json:"clientlogin"` //nolint:tagliatelle
	}
	if errE := mediawiki.DecodeJSON(resp.Body, &result); errE != nil {
		return errE
	}
	if result.ClientLogin.Status != "PASS" {
		return errors.Errorf("login did not succeed, status %q", result.ClientLogin.Status)
	}
	return nil
}

func fetchLoginToken(runCtx *run.Context, apiURL string) (string, errors.E) {
	data := url.Values{}
	data.Set("action", "query")
	data.Set("format", "json")
	data.Set("meta", "tokens")
	data.Set("type", "login")

	req, err := retryablehttp.NewRequestWithContext(runCtx.Ctx(), http.MethodGet, apiURL+"?"+data.Encode(), nil)
	if err != nil {
		return "", errors.WithStack(err)
	}
	resp, err := runCtx.HTTPClient.Do(req)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	var result struct {
		Query struct {
			Tokens struct {
				LoginToken string `json:"logintoken"`
			} `json:"tokens"`
		} `json:"query"`
	}
	if errE := mediawiki.DecodeJSON(resp.Body, &result); errE != nil {
		return "", errE
	}
	return result.Query.Tokens.LoginToken, nil
}
