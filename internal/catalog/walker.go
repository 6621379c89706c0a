package catalog

import (
	"context"
	"fmt"

	"tmlsync/internal/model"
)

// FetchAll walks the upstream cursor from StartCursor until the upstream
// signals exhaustion and returns every record in arrival order.
//
// A page with Total == 0 or with no record list ends the walk normally. A
// missing, empty or repeated next cursor after a page ends it as well. Any
// error from fetch aborts the walk and no records are returned.
func FetchAll(ctx context.Context, fetch FetchPageFunc) ([]model.RawRecord, error) {
	var records []model.RawRecord
	cursor := StartCursor

	for pageNum := 1; ; pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("walk cancelled before page %d: %w", pageNum, err)
		}

		page, err := fetch(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("fetching page %d: %w", pageNum, err)
		}

		if page == nil || page.Total == 0 || page.Records == nil {
			break
		}
		records = append(records, page.Records...)

		if page.NextCursor == nil || *page.NextCursor == "" || *page.NextCursor == cursor {
			break
		}
		cursor = *page.NextCursor
	}

	return records, nil
}
