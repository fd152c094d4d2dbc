package linkcrawl

import (
	"bytes"
	"context"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/pulse/entity"
	"github.com/teranos/forage/pulse/staging"
	"github.com/teranos/forage/pulse/task"
)

// Enricher fills in a staged record's name and description from its website's
// home page when the crawl did not see them.
func Enricher(fetcher Fetcher) staging.Enricher {
	return staging.EnricherFunc(func(ctx context.Context, rec *staging.Record, _ task.Deadline) (entity.Fields, error) {
		var out entity.Fields
		if rec.Payload.Website == nil || (rec.Payload.Name != nil && rec.Payload.Description != nil) {
			return out, nil
		}
		page, err := fetcher.Fetch(ctx, *rec.Payload.Website+"/")
		if err != nil {
			return out, err
		}
		if !isHTML(page.ContentType) {
			return out, nil
		}
		info, err := ExtractPage(page.URL, bytes.NewReader(page.Body), 1)
		if err != nil {
			return out, task.NoRetry(errors.Wrap(err, "unreadable home page"))
		}
		if rec.Payload.Name == nil && info.Title != "" {
			out.Name = entity.Value(info.Title)
		}
		if rec.Payload.Description == nil && info.Description != "" {
			out.Description = entity.Value(info.Description)
		}
		if rec.Payload.Email == nil && len(info.Emails) > 0 {
			out.Email = entity.Value(info.Emails[0])
		}
		return out, nil
	})
}
