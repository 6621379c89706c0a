package database

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"tmlsync/internal/model"
)

// rowScanner is satisfied by both *sql.Rows and pgx.Rows.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

const dateLayout = "2006-01-02"

const selectModColumns = `mod_id, display_name, internal_name, author, author_id,
	modside, homepage, mod_references, num_versions, time_created, time_updated,
	workshop_icon_url, description, downloads_total, favorited, followers, views,
	playtime, num_comments, votes_up, votes_down, score`

// scanMods reads rows selected with selectModColumns. The returned map
// indexes the same entities by id.
func scanMods(rows rowScanner) ([]*model.Entity, map[uint64]*model.Entity, error) {
	var entities []*model.Entity
	byID := make(map[uint64]*model.Entity)

	for rows.Next() {
		var (
			e                  model.Entity
			votesUp, votesDown *int64
			score              *float64
		)
		if err := rows.Scan(
			&e.EntityID, &e.DisplayName, &e.InternalName, &e.Author, &e.AuthorID,
			&e.ModSide, &e.Homepage, &e.ModReferences, &e.NumVersions, &e.TimeCreated, &e.TimeUpdated,
			&e.WorkshopIconURL, &e.Description, &e.DownloadsTotal, &e.Favorited, &e.Followers, &e.Views,
			&e.Playtime, &e.NumComments, &votesUp, &votesDown, &score,
		); err != nil {
			return nil, nil, fmt.Errorf("scanning mod: %w", err)
		}
		if votesUp != nil || votesDown != nil || score != nil {
			e.VoteData = &model.VoteData{}
			if votesUp != nil {
				e.VoteData.VotesUp = uint32(*votesUp)
			}
			if votesDown != nil {
				e.VoteData.VotesDown = uint32(*votesDown)
			}
			if score != nil {
				e.VoteData.Score = *score
			}
		}
		entities = append(entities, &e)
		byID[e.EntityID] = &e
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating mods: %w", err)
	}
	return entities, byID, nil
}

// scanVersions expects (mod_id, mod_version, tmodloader_version) ordered by position.
func scanVersions(rows rowScanner, byID map[uint64]*model.Entity) error {
	for rows.Next() {
		var id uint64
		var v model.Version
		if err := rows.Scan(&id, &v.ModVersion, &v.PlatformVersion); err != nil {
			return fmt.Errorf("scanning version: %w", err)
		}
		if e, ok := byID[id]; ok {
			e.Versions = append(e.Versions, v)
		}
	}
	return rows.Err()
}

// scanTags expects (mod_id, tag, display_name) ordered by position.
func scanTags(rows rowScanner, byID map[uint64]*model.Entity) error {
	for rows.Next() {
		var id uint64
		var t model.Tag
		if err := rows.Scan(&id, &t.Tag, &t.DisplayName); err != nil {
			return fmt.Errorf("scanning tag: %w", err)
		}
		if e, ok := byID[id]; ok {
			e.Tags = append(e.Tags, t)
		}
	}
	return rows.Err()
}

// scanChildren expects (parent_mod_id, child_mod_id) ordered by position.
func scanChildren(rows rowScanner, byID map[uint64]*model.Entity) error {
	for rows.Next() {
		var parent, child uint64
		if err := rows.Scan(&parent, &child); err != nil {
			return fmt.Errorf("scanning child: %w", err)
		}
		if e, ok := byID[parent]; ok {
			e.Children = append(e.Children, child)
		}
	}
	return rows.Err()
}

// scanSocials expects (mod_id, youtube, twitter, reddit, facebook, sketchfab).
func scanSocials(rows rowScanner, byID map[uint64]*model.Entity) error {
	for rows.Next() {
		var id uint64
		var s model.Socials
		if err := rows.Scan(&id, &s.Youtube, &s.Twitter, &s.Reddit, &s.Facebook, &s.Sketchfab); err != nil {
			return fmt.Errorf("scanning socials: %w", err)
		}
		if e, ok := byID[id]; ok {
			e.Socials = &s
		}
	}
	return rows.Err()
}

// finishEntities guarantees the non-empty versions invariant on loaded rows.
func finishEntities(entities []*model.Entity) {
	for _, e := range entities {
		if len(e.Versions) == 0 {
			e.Versions = []model.Version{{}}
		}
	}
}

const selectHistoryColumns = `mod_id, author_id, date, downloads_total, views, followers,
	favorited, votes_up, votes_down, score, num_comments, playtime, time_updated, version`

// scanHistory reads rows selected with selectHistoryColumns, date as YYYY-MM-DD text.
func scanHistory(rows rowScanner) ([]*model.HistoryRow, error) {
	var out []*model.HistoryRow
	for rows.Next() {
		var (
			h                  model.HistoryRow
			date               string
			votesUp, votesDown *int64
			score              *float64
		)
		if err := rows.Scan(
			&h.EntityID, &h.AuthorID, &date, &h.DownloadsTotal, &h.Views, &h.Followers,
			&h.Favorited, &votesUp, &votesDown, &score, &h.NumComments, &h.Playtime, &h.TimeUpdated, &h.Version,
		); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		d, err := parseDate(date)
		if err != nil {
			return nil, err
		}
		h.Date = d
		if votesUp != nil && votesDown != nil && score != nil {
			h.VoteData = &model.VoteData{VotesUp: uint32(*votesUp), VotesDown: uint32(*votesDown), Score: *score}
		}
		out = append(out, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}
	return out, nil
}

// scanGlobalHistory expects (date, downloads, views, followers, favorited, playtime, comments).
func scanGlobalHistory(rows rowScanner) ([]*model.GlobalHistoryRow, error) {
	var out []*model.GlobalHistoryRow
	for rows.Next() {
		var g model.GlobalHistoryRow
		var date string
		if err := rows.Scan(&date, &g.DownloadsTotal, &g.ViewsTotal, &g.FollowersTotal,
			&g.FavoritedTotal, &g.PlaytimeTotal, &g.CommentsTotal); err != nil {
			return nil, fmt.Errorf("scanning global history row: %w", err)
		}
		d, err := parseDate(date)
		if err != nil {
			return nil, err
		}
		g.Date = d
		out = append(out, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating global history: %w", err)
	}
	return out, nil
}

// authorRow is the slice of mods needed for author aggregation.
type authorRow struct {
	entityID     uint64
	displayName  string
	internalName string
	author       string
	authorID     uint64
	downloads    int64
	views        int64
	favorited    int64
}

// scanAuthorRows expects (mod_id, display_name, internal_name, author,
// author_id, downloads_total, views, favorited).
func scanAuthorRows(rows rowScanner) ([]authorRow, error) {
	var out []authorRow
	for rows.Next() {
		var r authorRow
		if err := rows.Scan(&r.entityID, &r.displayName, &r.internalName, &r.author,
			&r.authorID, &r.downloads, &r.views, &r.favorited); err != nil {
			return nil, fmt.Errorf("scanning author row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating author rows: %w", err)
	}
	return out, nil
}

// summarizeAuthors groups rows by author id, ordered by total downloads
// descending and author id ascending on ties.
func summarizeAuthors(rows []authorRow) []*model.AuthorSummary {
	byAuthor := make(map[uint64]*model.AuthorSummary)
	seenNames := make(map[uint64]map[string]struct{})
	var order []uint64

	for _, r := range rows {
		s, ok := byAuthor[r.authorID]
		if !ok {
			s = &model.AuthorSummary{AuthorID: r.authorID}
			byAuthor[r.authorID] = s
			seenNames[r.authorID] = make(map[string]struct{})
			order = append(order, r.authorID)
		}
		if _, dup := seenNames[r.authorID][r.author]; !dup && r.author != "" {
			seenNames[r.authorID][r.author] = struct{}{}
			s.AuthorNames = append(s.AuthorNames, r.author)
		}
		s.Mods = append(s.Mods, model.AuthorModRef{
			EntityID:     r.entityID,
			DisplayName:  r.displayName,
			InternalName: r.internalName,
		})
		s.TotalDownloads += r.downloads
		s.TotalViews += r.views
		s.TotalFavorited += r.favorited
	}

	out := make([]*model.AuthorSummary, 0, len(order))
	for _, id := range order {
		out = append(out, byAuthor[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalDownloads != out[j].TotalDownloads {
			return out[i].TotalDownloads > out[j].TotalDownloads
		}
		return out[i].AuthorID < out[j].AuthorID
	})
	return out
}

// historyValues derives the history columns of one entity.
type historyValues struct {
	playtime           int64
	version            *string
	votesUp, votesDown *int64
	score              *float64
}

func historyFor(e *model.Entity) historyValues {
	var h historyValues
	if n, err := strconv.ParseInt(e.Playtime, 10, 64); err == nil {
		h.playtime = n
	}
	if v := e.LatestVersion(); v != "" {
		h.version = &v
	}
	h.votesUp, h.votesDown, h.score = voteColumns(e.VoteData)
	return h
}

func voteColumns(v *model.VoteData) (up, down *int64, score *float64) {
	if v == nil {
		return nil, nil, nil
	}
	u, d, s := int64(v.VotesUp), int64(v.VotesDown), v.Score
	return &u, &d, &s
}

// dayOf truncates t to midnight UTC of its UTC calendar day.
func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing history date %q: %w", s, err)
	}
	return t, nil
}
