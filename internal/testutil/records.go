package testutil

import (
	"strconv"

	"tmlsync/internal/model"
)

// TestAuthorID is a valid individual SteamID64.
const TestAuthorID uint64 = 76561198000000001

// RawMod builds a well-formed upstream record for a mod named name.
func RawMod(id uint64, name string) model.RawRecord {
	return model.RawRecord{
		Result:               model.ResultOK,
		PublishedFileID:      strconv.FormatUint(id, 10),
		Creator:              strconv.FormatUint(TestAuthorID, 10),
		Title:                name + " Display",
		PreviewURL:           "https://images.example/" + name + ".png",
		Subscriptions:        100,
		Favorited:            10,
		Followers:            5,
		Views:                1000,
		LifetimePlaytime:     "7200",
		NumCommentsPublic:    3,
		RevisionChangeNumber: "4",
		TimeCreated:          1600000000,
		TimeUpdated:          1700000000,
		KVTags: []model.KVTag{
			{Key: "name", Value: name},
			{Key: "Author", Value: "tester"},
			{Key: "modside", Value: "Both"},
			{Key: "versionsummary", Value: "1.0:2022.9;1.1:2023.8"},
		},
		Tags:     []model.Tag{{Tag: "Content", DisplayName: "Content"}},
		VoteData: &model.VoteData{Score: 0.9, VotesUp: 90, VotesDown: 10},
	}
}

// LookupFailure builds an upstream per-item error sentinel.
func LookupFailure(id uint64) model.RawRecord {
	return model.RawRecord{Result: 9, PublishedFileID: strconv.FormatUint(id, 10)}
}
