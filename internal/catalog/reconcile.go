package catalog

import (
	"sort"
	"strconv"
	"strings"

	"tmlsync/internal/model"
)

// Recognized tag keys. Anything else is reported as unknown.
const (
	tagName             = "name"
	tagAuthor           = "Author"
	tagModSide          = "modside"
	tagHomepage         = "homepage"
	tagModReferences    = "modreferences"
	tagVersionSummary   = "versionsummary"
	tagVersion          = "version"
	tagModLoaderVersion = "modloaderversion"
	tagYoutube          = "youtube"
	tagTwitter          = "twitter"
	tagReddit           = "reddit"
	tagFacebook         = "facebook"
	tagSketchfab        = "sketchfab"
)

var knownTagKeys = map[string]struct{}{
	tagName:             {},
	tagAuthor:           {},
	tagModSide:          {},
	tagHomepage:         {},
	tagModReferences:    {},
	tagVersionSummary:   {},
	tagVersion:          {},
	tagModLoaderVersion: {},
	tagYoutube:          {},
	tagTwitter:          {},
	tagReddit:           {},
	tagFacebook:         {},
	tagSketchfab:        {},
}

// Report collects the upstream irregularities absorbed while reconciling
// one record.
type Report struct {
	UnknownKeys       []string // tag keys outside the recognized set, sorted
	MalformedVersions []string // versionsummary segments without a ':'
	DroppedChildren   []string // child ids that are not unsigned integers
	MalformedFields   []string // structured fields that failed to parse
}

// Clean reports whether nothing irregular was observed.
func (r *Report) Clean() bool {
	return len(r.UnknownKeys) == 0 &&
		len(r.MalformedVersions) == 0 &&
		len(r.DroppedChildren) == 0 &&
		len(r.MalformedFields) == 0
}

// Unidentified reports whether the record's own id failed to parse. Such an
// entity carries EntityID 0 and must not be stored.
func (r *Report) Unidentified() bool {
	for _, f := range r.MalformedFields {
		if f == fieldPublishedFileID {
			return true
		}
	}
	return false
}

const fieldPublishedFileID = "publishedfileid"

// Reconcile converts a raw upstream record into its canonical shape.
// It never fails: unparsable or missing data falls back to zero values and
// is listed in the returned Report.
// Lookup-failure sentinels must be filtered out by the caller.
func Reconcile(raw *model.RawRecord) (*model.Entity, Report) {
	var report Report

	tags := foldTags(raw.KVTags, &report)

	entity := &model.Entity{
		EntityID:        parseID(raw.PublishedFileID, fieldPublishedFileID, &report),
		DisplayName:     raw.Title,
		InternalName:    tags[tagName],
		Author:          tags[tagAuthor],
		AuthorID:        parseID(raw.Creator, "creator", &report),
		ModSide:         tags[tagModSide],
		Homepage:        tags[tagHomepage],
		ModReferences:   tags[tagModReferences],
		Versions:        versionsFromTags(tags, &report),
		NumVersions:     parseRevision(raw.RevisionChangeNumber, &report),
		Tags:            raw.Tags,
		Children:        childIDs(raw.Children, &report),
		Socials:         socialsFromTags(tags),
		VoteData:        raw.VoteData,
		WorkshopIconURL: raw.PreviewURL,
		Description:     raw.FileDescription,
		DownloadsTotal:  raw.Subscriptions,
		Favorited:       raw.Favorited,
		Followers:       raw.Followers,
		Views:           raw.Views,
		NumComments:     raw.NumCommentsPublic,
		Playtime:        raw.LifetimePlaytime,
		TimeCreated:     raw.TimeCreated,
		TimeUpdated:     raw.TimeUpdated,
	}

	return entity, report
}

// foldTags builds a key->value map. The first occurrence of a key wins.
func foldTags(kv []model.KVTag, report *Report) map[string]string {
	tags := make(map[string]string, len(kv))
	unknown := make(map[string]struct{})
	for _, t := range kv {
		if _, seen := tags[t.Key]; seen {
			continue
		}
		tags[t.Key] = t.Value
		if _, ok := knownTagKeys[t.Key]; !ok {
			unknown[t.Key] = struct{}{}
		}
	}
	for k := range unknown {
		report.UnknownKeys = append(report.UnknownKeys, k)
	}
	sort.Strings(report.UnknownKeys)
	return tags
}

// versionsFromTags prefers the versionsummary tag, then the legacy
// version/modloaderversion pair. The result always has at least one entry.
func versionsFromTags(tags map[string]string, report *Report) []model.Version {
	if summary := tags[tagVersionSummary]; summary != "" {
		var versions []model.Version
		for _, segment := range strings.Split(summary, ";") {
			segment = strings.TrimSpace(segment)
			if segment == "" {
				continue
			}
			modVersion, platformVersion, ok := strings.Cut(segment, ":")
			if !ok {
				report.MalformedVersions = append(report.MalformedVersions, segment)
				continue
			}
			versions = append(versions, model.Version{
				ModVersion:      modVersion,
				PlatformVersion: platformVersion,
			})
		}
		if len(versions) > 0 {
			return versions
		}
	}

	return []model.Version{{
		ModVersion:      tags[tagVersion],
		PlatformVersion: tags[tagModLoaderVersion],
	}}
}

// socialsFromTags returns nil unless at least one link is non-empty.
func socialsFromTags(tags map[string]string) *model.Socials {
	link := func(key string) *string {
		v := tags[key]
		if v == "" {
			return nil
		}
		return &v
	}

	s := &model.Socials{
		Youtube:   link(tagYoutube),
		Twitter:   link(tagTwitter),
		Reddit:    link(tagReddit),
		Facebook:  link(tagFacebook),
		Sketchfab: link(tagSketchfab),
	}
	if s.Youtube == nil && s.Twitter == nil && s.Reddit == nil && s.Facebook == nil && s.Sketchfab == nil {
		return nil
	}
	return s
}

func childIDs(children []model.Child, report *Report) []uint64 {
	if children == nil {
		return nil
	}
	ids := make([]uint64, 0, len(children))
	for _, c := range children {
		id, err := strconv.ParseUint(c.PublishedFileID, 10, 64)
		if err != nil {
			report.DroppedChildren = append(report.DroppedChildren, c.PublishedFileID)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func parseID(s, field string, report *Report) uint64 {
	if s == "" {
		report.MalformedFields = append(report.MalformedFields, field)
		return 0
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		report.MalformedFields = append(report.MalformedFields, field)
		return 0
	}
	return id
}

func parseRevision(s string, report *Report) uint32 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		report.MalformedFields = append(report.MalformedFields, "revision_change_number")
		return 0
	}
	return uint32(n)
}
