// Package steam implements the catalog's upstream capabilities against the
// Steam Web API.
package steam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tmlsync/internal/catalog"
	"tmlsync/internal/config"
	"tmlsync/internal/model"
)

const (
	queryFilesPath   = "/IPublishedFileService/QueryFiles/v1/"
	getDetailsPath   = "/IPublishedFileService/GetDetails/v1/"
	getUserFilesPath = "/IPublishedFileService/GetUserFiles/v1/"
	resolveVanityURL = "/ISteamUser/ResolveVanityURL/v0001/"
	playerSummaries  = "/ISteamUser/GetPlayerSummaries/v2/"

	userFilesPerPage = 100
	maxErrorBody     = 512
)

// Options configures a Client.
type Options struct {
	BaseURL  string
	AppID    uint32
	APIKey   string
	Timeout  time.Duration // per request
	PageSize int           // items per catalog page

	// HTTPClient overrides the default client, e.g. in tests.
	HTTPClient *http.Client
}

// Client is a Steam Web API client. Safe for concurrent use.
type Client struct {
	baseURL  string
	appNum   uint32
	appID    string
	key      string
	timeout  time.Duration
	pageSize int
	http     *http.Client
}

// NewClient validates opts and creates a Client.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("steam: base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("steam: invalid base URL: %w", err)
	}
	if opts.AppID == 0 {
		return nil, errors.New("steam: app id is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = config.DefaultPageSize
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Client{
		baseURL:  strings.TrimRight(base, "/"),
		appNum:   opts.AppID,
		appID:    strconv.FormatUint(uint64(opts.AppID), 10),
		key:      opts.APIKey,
		timeout:  timeout,
		pageSize: pageSize,
		http:     hc,
	}, nil
}

// NewClientFromConfig creates a Client from the upstream config section.
func NewClientFromConfig(cfg config.UpstreamConfig) (*Client, error) {
	return NewClient(Options{
		BaseURL:  cfg.BaseURL,
		AppID:    cfg.AppID,
		APIKey:   cfg.ResolveAPIKey(),
		Timeout:  cfg.Timeout.D(),
		PageSize: cfg.PageSize,
	})
}

type envelope[T any] struct {
	Response T `json:"response"`
}

type fileList struct {
	Total      uint32            `json:"total"`
	NextCursor *string           `json:"next_cursor"`
	Details    []model.RawRecord `json:"publishedfiledetails"`
}

type vanityResponse struct {
	Success int    `json:"success"`
	SteamID string `json:"steamid"`
}

type playersResponse struct {
	Players []model.Persona `json:"players"`
}

// FetchPage returns one page of the full catalog scan.
func (c *Client) FetchPage(ctx context.Context, cursor string) (*model.Page, error) {
	q := c.query()
	q.Set("appid", c.appID)
	q.Set("cursor", cursor)
	q.Set("numperpage", strconv.Itoa(c.pageSize))
	q.Set("cache_max_age_seconds", "0")
	for _, flag := range []string{"return_details", "return_kv_tags", "return_children", "return_tags", "return_vote_data"} {
		q.Set(flag, "true")
	}

	var resp envelope[fileList]
	if err := c.get(ctx, queryFilesPath, q, &resp); err != nil {
		return nil, err
	}
	return &model.Page{
		Total:      resp.Response.Total,
		NextCursor: resp.Response.NextCursor,
		Records:    resp.Response.Details,
	}, nil
}

// FetchSingle returns the full record of one item.
func (c *Client) FetchSingle(ctx context.Context, id uint64) (*model.RawRecord, error) {
	q := c.query()
	q.Set("publishedfileids[0]", strconv.FormatUint(id, 10))
	for _, flag := range []string{"includekvtags", "includechildren", "includetags", "includevotes"} {
		q.Set(flag, "true")
	}

	var resp envelope[fileList]
	if err := c.get(ctx, getDetailsPath, q, &resp); err != nil {
		return nil, err
	}
	if len(resp.Response.Details) == 0 || resp.Response.Details[0].IsLookupFailure() {
		return nil, fmt.Errorf("item %d: %w", id, catalog.ErrEntityNotFound)
	}
	return &resp.Response.Details[0], nil
}

// FetchAuthorFiles returns every file published by steamID under the app,
// following the upstream's pages of 100.
func (c *Client) FetchAuthorFiles(ctx context.Context, steamID uint64) ([]model.RawRecord, uint32, error) {
	var (
		records []model.RawRecord
		total   uint32
	)
	for page := 1; ; page++ {
		q := c.query()
		q.Set("appid", c.appID)
		q.Set("steamid", strconv.FormatUint(steamID, 10))
		q.Set("numperpage", strconv.Itoa(userFilesPerPage))
		q.Set("page", strconv.Itoa(page))
		for _, flag := range []string{"return_kv_tags", "return_children", "return_tags", "return_vote_data"} {
			q.Set(flag, "true")
		}

		var resp envelope[fileList]
		if err := c.get(ctx, getUserFilesPath, q, &resp); err != nil {
			return nil, 0, err
		}
		total = resp.Response.Total
		records = append(records, resp.Response.Details...)

		if len(resp.Response.Details) < userFilesPerPage || uint32(len(records)) >= total {
			break
		}
	}
	return records, total, nil
}

// ResolvePersona returns the public profile of steamID.
func (c *Client) ResolvePersona(ctx context.Context, steamID uint64) (*model.Persona, error) {
	q := c.query()
	q.Set("steamids", strconv.FormatUint(steamID, 10))

	var resp envelope[playersResponse]
	if err := c.get(ctx, playerSummaries, q, &resp); err != nil {
		return nil, err
	}
	if len(resp.Response.Players) == 0 {
		return nil, fmt.Errorf("persona %d: %w", steamID, catalog.ErrEntityNotFound)
	}
	return &resp.Response.Players[0], nil
}

// ResolveVanity maps a profile vanity name to its SteamID64.
func (c *Client) ResolveVanity(ctx context.Context, name string) (uint64, error) {
	q := c.query()
	q.Set("vanityurl", name)

	var resp envelope[vanityResponse]
	if err := c.get(ctx, resolveVanityURL, q, &resp); err != nil {
		return 0, err
	}
	if resp.Response.Success != 1 || resp.Response.SteamID == "" {
		return 0, fmt.Errorf("vanity name %q: %w", name, catalog.ErrEntityNotFound)
	}
	id, err := strconv.ParseUint(resp.Response.SteamID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: vanity name %q resolved to %q", catalog.ErrUpstreamUnavailable, name, resp.Response.SteamID)
	}
	return id, nil
}

// ResolveModName finds the item whose "name" tag equals name.
func (c *Client) ResolveModName(ctx context.Context, name string) (uint64, error) {
	input, err := json.Marshal(struct {
		AppID          uint32        `json:"appid"`
		RequiredKVTags []model.KVTag `json:"required_kv_tags"`
	}{
		AppID:          c.appNum,
		RequiredKVTags: []model.KVTag{{Key: "name", Value: name}},
	})
	if err != nil {
		return 0, fmt.Errorf("encoding mod name query: %w", err)
	}
	q := c.query()
	q.Set("input_json", string(input))

	var resp envelope[fileList]
	if err := c.get(ctx, queryFilesPath, q, &resp); err != nil {
		return 0, err
	}
	if len(resp.Response.Details) == 0 {
		return 0, fmt.Errorf("mod name %q: %w", name, catalog.ErrEntityNotFound)
	}
	id, err := strconv.ParseUint(resp.Response.Details[0].PublishedFileID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("mod name %q: %w", name, catalog.ErrEntityNotFound)
	}
	return id, nil
}

// Count returns the number of items published under the app.
func (c *Client) Count(ctx context.Context) (uint32, error) {
	q := c.query()
	q.Set("appid", c.appID)
	q.Set("totalonly", "true")

	var resp envelope[fileList]
	if err := c.get(ctx, queryFilesPath, q, &resp); err != nil {
		return 0, err
	}
	return resp.Response.Total, nil
}

func (c *Client) query() url.Values {
	q := url.Values{}
	if c.key != "" {
		q.Set("key", c.key)
	}
	return q
}

// get issues one GET with the per-request timeout and decodes the JSON body
// into out. Every failure is reported as ErrUpstreamUnavailable. Errors never
// include the query string, which carries the API key.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: building request for %s: %v", catalog.ErrUpstreamUnavailable, path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("%w: GET %s: %v", catalog.ErrUpstreamUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: GET %s: http status %d: %s",
			catalog.ErrUpstreamUnavailable, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", catalog.ErrUpstreamUnavailable, path, err)
	}
	return nil
}

var _ catalog.Upstream = (*Client)(nil)
