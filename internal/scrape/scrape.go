// Package scrape reads author statistics from the legacy tModLoader
// ranks pages. The pages are plain HTML tables with no stable markup, so
// parsing is positional.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"tmlsync/internal/cache"
	"tmlsync/internal/catalog"
	"tmlsync/internal/model"
)

const ranksPath = "/ranksbysteamid.php"

// ModRank is one row of the author's mod table.
type ModRank struct {
	RankTotal          int    `json:"rank_total"`
	DisplayName        string `json:"display_name"`
	DownloadsTotal     int    `json:"downloads_total"`
	DownloadsYesterday int    `json:"downloads_yesterday"`
}

// MaintainedMod is one row of the author's maintained mods table.
type MaintainedMod struct {
	ModName            string `json:"mod_name"`
	DownloadsTotal     int    `json:"downloads_total"`
	DownloadsYesterday int    `json:"downloads_yesterday"`
}

// AuthorStats is the scraped summary of one author.
type AuthorStats struct {
	SteamID            uint64          `json:"steam_id"`
	SteamName          string          `json:"steam_name"`
	DownloadsTotal     int             `json:"downloads_total"`
	DownloadsYesterday int             `json:"downloads_yesterday"`
	Mods               []ModRank       `json:"mods"`
	MaintainedMods     []MaintainedMod `json:"maintained_mods"`
}

// PersonaResolver supplies the display name of an account.
type PersonaResolver interface {
	ResolvePersona(ctx context.Context, steamID uint64) (*model.Persona, error)
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	Timeout  time.Duration
	TTL      time.Duration
	Personas PersonaResolver // optional; leaves SteamName empty when nil

	HTTPClient   *http.Client
	CacheOptions []cache.Option
}

// Client fetches and caches author statistics.
type Client struct {
	baseURL  string
	timeout  time.Duration
	ttl      time.Duration
	personas PersonaResolver
	http     *http.Client
	authors  *cache.Cache[uint64, *AuthorStats]
}

// NewClient creates a Client.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("scrape: base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("scrape: invalid base URL: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL:  strings.TrimRight(base, "/"),
		timeout:  timeout,
		ttl:      opts.TTL,
		personas: opts.Personas,
		http:     hc,
		authors:  cache.New[uint64, *AuthorStats]("scrape_author", opts.CacheOptions...),
	}, nil
}

// TTL returns the cache lifetime of scraped results.
func (c *Client) TTL() time.Duration { return c.ttl }

// AuthorStats returns the ranks summary of steamID.
func (c *Client) AuthorStats(ctx context.Context, steamID uint64) (*AuthorStats, error) {
	if err := catalog.ValidateSteamID64(steamID); err != nil {
		return nil, err
	}

	return c.authors.GetOrCompute(steamID, c.ttl, func() (*AuthorStats, error) {
		doc, err := c.fetch(ctx, ranksPath, url.Values{"steamid64": {strconv.FormatUint(steamID, 10)}})
		if err != nil {
			return nil, err
		}
		stats, err := ParseAuthorStats(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: ranks page of %d: %v", catalog.ErrUpstreamUnavailable, steamID, err)
		}
		stats.SteamID = steamID

		if c.personas != nil {
			p, err := c.personas.ResolvePersona(ctx, steamID)
			if err != nil {
				return nil, fmt.Errorf("resolving persona %d: %w", steamID, err)
			}
			stats.SteamName = p.PersonaName
		}
		return stats, nil
	})
}

func (c *Client) fetch(ctx context.Context, path string, q url.Values) (*html.Node, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", catalog.ErrUpstreamUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", catalog.ErrUpstreamUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: GET %s: http status %d", catalog.ErrUpstreamUnavailable, path, resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", catalog.ErrUpstreamUnavailable, path, err)
	}
	return doc, nil
}

const (
	totalPrefix     = "Total Downloads:"
	yesterdayPrefix = "Yesterday Downloads:"

	modTableIndex        = 0
	maintainedTableIndex = 3
)

// ParseAuthorStats extracts the author summary from a ranks page.
// The first table lists the author's mods; the fourth, when present,
// lists mods they maintain. Header rows are skipped.
func ParseAuthorStats(doc *html.Node) (*AuthorStats, error) {
	bodies := nodesByTag(doc, "tbody")
	if len(bodies) == 0 {
		return nil, errors.New("no tables on page")
	}

	stats := &AuthorStats{
		Mods:           []ModRank{},
		MaintainedMods: []MaintainedMod{},
	}

	for _, cells := range dataRows(bodies[modTableIndex]) {
		if len(cells) < 4 {
			return nil, fmt.Errorf("mod row has %d cells, want 4", len(cells))
		}
		nums, err := atoiAll(cells[0], cells[2], cells[3])
		if err != nil {
			return nil, fmt.Errorf("mod row %q: %w", cells[1], err)
		}
		stats.Mods = append(stats.Mods, ModRank{
			RankTotal:          nums[0],
			DisplayName:        cells[1],
			DownloadsTotal:     nums[1],
			DownloadsYesterday: nums[2],
		})
	}

	if len(bodies) > maintainedTableIndex {
		for _, cells := range dataRows(bodies[maintainedTableIndex]) {
			if len(cells) < 3 {
				return nil, fmt.Errorf("maintained mod row has %d cells, want 3", len(cells))
			}
			nums, err := atoiAll(cells[1], cells[2])
			if err != nil {
				return nil, fmt.Errorf("maintained mod row %q: %w", cells[0], err)
			}
			stats.MaintainedMods = append(stats.MaintainedMods, MaintainedMod{
				ModName:            cells[0],
				DownloadsTotal:     nums[0],
				DownloadsYesterday: nums[1],
			})
		}
	}

	var foundTotal, foundYesterday bool
	for _, body := range nodesByTag(doc, "body") {
		for _, text := range textNodes(body) {
			var err error
			switch {
			case strings.HasPrefix(text, totalPrefix):
				stats.DownloadsTotal, err = atoi(strings.TrimPrefix(text, totalPrefix))
				foundTotal = true
			case strings.HasPrefix(text, yesterdayPrefix):
				stats.DownloadsYesterday, err = atoi(strings.TrimPrefix(text, yesterdayPrefix))
				foundYesterday = true
			}
			if err != nil {
				return nil, fmt.Errorf("download totals: %w", err)
			}
		}
	}
	if !foundTotal || !foundYesterday {
		return nil, errors.New("download totals missing")
	}

	return stats, nil
}

// nodesByTag returns every element named tag under n in document order.
func nodesByTag(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// textContent concatenates all text under n, trimmed.
func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

func textNodes(n *html.Node) []string {
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				out = append(out, s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// dataRows returns the cell texts of every row after the header row.
func dataRows(tbody *html.Node) [][]string {
	rows := nodesByTag(tbody, "tr")
	if len(rows) < 2 {
		return nil
	}
	out := make([][]string, 0, len(rows)-1)
	for _, tr := range rows[1:] {
		var cells []string
		for _, td := range nodesByTag(tr, "td") {
			cells = append(cells, textContent(td))
		}
		out = append(out, cells)
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
}

func atoiAll(ss ...string) ([]int, error) {
	out := make([]int, len(ss))
	for i, s := range ss {
		n, err := atoi(s)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
