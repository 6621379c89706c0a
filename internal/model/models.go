package model

import "time"

// KVTag is a free-form key/value pair attached to an upstream record.
// The key vocabulary is controlled by the upstream publisher and grows over time.
type KVTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Tag is a workshop category tag.
type Tag struct {
	Tag         string `json:"tag"`
	DisplayName string `json:"display_name"`
}

// VoteData holds the aggregated rating of an entity.
type VoteData struct {
	Score     float64 `json:"score"`
	VotesUp   uint32  `json:"votes_up"`
	VotesDown uint32  `json:"votes_down"`
}

// Child references a dependency of a workshop item.
type Child struct {
	PublishedFileID string `json:"publishedfileid"`
	SortOrder       uint32 `json:"sortorder"`
	FileType        uint32 `json:"file_type"`
}

// ResultOK is the per-item result code of a successful upstream lookup.
const ResultOK = 1

// RawRecord is a workshop item exactly as the upstream delivers it.
// Any field may be missing; missing fields decode to their zero value.
type RawRecord struct {
	Result               uint32    `json:"result"` // 0 when omitted by list endpoints
	PublishedFileID      string    `json:"publishedfileid"`
	Creator              string    `json:"creator"`
	Title                string    `json:"title"`
	FileDescription      *string   `json:"file_description"`
	PreviewURL           string    `json:"preview_url"`
	Subscriptions        uint32    `json:"subscriptions"`
	Favorited            uint32    `json:"favorited"`
	Followers            uint32    `json:"followers"`
	Views                uint64    `json:"views"`
	LifetimePlaytime     string    `json:"lifetime_playtime"`
	NumCommentsPublic    uint32    `json:"num_comments_public"`
	RevisionChangeNumber string    `json:"revision_change_number"`
	TimeCreated          uint64    `json:"time_created"`
	TimeUpdated          uint64    `json:"time_updated"`
	KVTags               []KVTag   `json:"kvtags"`
	Tags                 []Tag     `json:"tags"`
	VoteData             *VoteData `json:"vote_data"`
	Children             []Child   `json:"children"`
}

// IsLookupFailure reports whether the record is an upstream per-item error
// sentinel rather than a real item.
func (r *RawRecord) IsLookupFailure() bool {
	return r.Result != 0 && r.Result != ResultOK
}

// Page is one page of an upstream cursor scan.
// Records is nil when the upstream omitted the list entirely.
type Page struct {
	Total      uint32
	NextCursor *string
	Records    []RawRecord
}

// Version pairs a mod version with the platform version it was built for.
type Version struct {
	ModVersion      string `json:"mod_version"`
	PlatformVersion string `json:"tmodloader_version"`
}

// Socials holds optional links to the author's channels. A nil field means
// the link was absent or blank upstream.
type Socials struct {
	Youtube   *string `json:"youtube"`
	Twitter   *string `json:"twitter"`
	Reddit    *string `json:"reddit"`
	Facebook  *string `json:"facebook"`
	Sketchfab *string `json:"sketchfab"`
}

// Entity is the canonical, normalized catalog item.
type Entity struct {
	EntityID        uint64    `json:"mod_id"`
	DisplayName     string    `json:"display_name"`
	InternalName    string    `json:"internal_name"`
	Author          string    `json:"author"`
	AuthorID        uint64    `json:"author_id"`
	ModSide         string    `json:"modside"`
	Homepage        string    `json:"homepage"`
	ModReferences   string    `json:"mod_references"`
	Versions        []Version `json:"versions"` // never empty
	NumVersions     uint32    `json:"num_versions"`
	Tags            []Tag     `json:"tags"`     // nil when upstream sent none
	Children        []uint64  `json:"children"` // nil when upstream sent none
	Socials         *Socials  `json:"socials"`
	VoteData        *VoteData `json:"vote_data"`
	WorkshopIconURL string    `json:"workshop_icon_url"`
	Description     *string   `json:"description"`
	DownloadsTotal  uint32    `json:"downloads_total"`
	Favorited       uint32    `json:"favorited"`
	Followers       uint32    `json:"followers"`
	Views           uint64    `json:"views"`
	NumComments     uint32    `json:"num_comments"`
	Playtime        string    `json:"playtime"`
	TimeCreated     uint64    `json:"time_created"`
	TimeUpdated     uint64    `json:"time_updated"`
}

// LatestVersion returns the mod version of the last listed version, or ""
// when the only version is the synthesized empty one.
func (e *Entity) LatestVersion() string {
	if len(e.Versions) == 0 {
		return ""
	}
	return e.Versions[len(e.Versions)-1].ModVersion
}

// HistoryRow is an immutable per-entity, per-day copy of the counters.
type HistoryRow struct {
	EntityID       uint64    `json:"mod_id"`
	AuthorID       uint64    `json:"author_id"`
	Date           time.Time `json:"date"` // midnight UTC of the snapshot day
	DownloadsTotal uint32    `json:"downloads_total"`
	Views          uint64    `json:"views"`
	Followers      uint32    `json:"followers"`
	Favorited      uint32    `json:"favorited"`
	VoteData       *VoteData `json:"vote_data"`
	NumComments    uint32    `json:"num_comments"`
	Playtime       int64     `json:"playtime"`
	TimeUpdated    uint64    `json:"time_updated"`
	Version        *string   `json:"version"`
}

// GlobalHistoryRow sums every entity's history row for one date.
type GlobalHistoryRow struct {
	Date           time.Time `json:"date"`
	DownloadsTotal int64     `json:"downloads_total"`
	ViewsTotal     int64     `json:"views_total"`
	FollowersTotal int64     `json:"followers_total"`
	FavoritedTotal int64     `json:"favorited_total"`
	PlaytimeTotal  int64     `json:"playtime_total"`
	CommentsTotal  int64     `json:"comments_total"`
}

// AuthorModRef is an entity listed under an author summary.
type AuthorModRef struct {
	EntityID     uint64 `json:"mod_id"`
	DisplayName  string `json:"display_name"`
	InternalName string `json:"internal_name"`
}

// AuthorSummary aggregates the current catalog per author id.
type AuthorSummary struct {
	AuthorID       uint64         `json:"author_id"`
	AuthorNames    []string       `json:"author_names"`
	Mods           []AuthorModRef `json:"mods"`
	TotalDownloads int64          `json:"total_downloads"`
	TotalViews     int64          `json:"total_views"`
	TotalFavorited int64          `json:"total_favorited"`
}

// Persona is the public profile of an upstream account.
type Persona struct {
	SteamID     string `json:"steamid"`
	PersonaName string `json:"personaname"`
	Avatar      string `json:"avatarfull"`
}

// AuthorInfo is the live (non-snapshot) view of an author and their entities.
type AuthorInfo struct {
	SteamID        uint64   `json:"steam_id"`
	SteamName      string   `json:"steam_name"`
	SteamAvatar    string   `json:"steam_avatar"`
	Mods           []Entity `json:"mods"`
	Total          uint32   `json:"total"`
	TotalDownloads uint64   `json:"total_downloads"`
	TotalFavorites uint64   `json:"total_favorites"`
	TotalViews     uint64   `json:"total_views"`
}

// SyncRun records one execution of the sync cycle.
type SyncRun struct {
	ID              string     // UUID
	StartedAt       time.Time
	FinishedAt      *time.Time // nil while running
	Status          string     // "running", "success" or "error"
	EntityCount     int
	HistoryAppended bool
	Error           string
}
