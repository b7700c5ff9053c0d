package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/YannKr/streamgate/internal/apierr"
	"github.com/YannKr/streamgate/internal/db"
	"github.com/YannKr/streamgate/internal/fallback"
	"github.com/YannKr/streamgate/internal/model"
)

type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (*fallback.Result, error)
}

type ResultCache interface {
	Put(ctx context.Context, rawURL string, meta *model.VideoMetadata)
}

// Analyze resolves the job's URL and caches the format list on success.
func Analyze(resolver Resolver, cache ResultCache) Handler {
	return func(ctx context.Context, t Task, progress func(int)) (*model.VideoMetadata, error) {
		progress(10)
		res, err := resolver.Resolve(ctx, t.Job.URL)
		if err != nil {
			return nil, err
		}
		if len(res.Metadata.Formats) == 0 {
			return nil, apierr.Extraction("video_unavailable", errors.New("no downloadable formats"))
		}
		progress(95)
		if cache != nil {
			cache.Put(ctx, t.Job.URL, res.Metadata)
		}
		return res.Metadata, nil
	}
}

// TrackSessions persists the *model.StreamSession carried by each job.
func TrackSessions(database *sql.DB) Handler {
	return func(ctx context.Context, t Task, progress func(int)) (*model.VideoMetadata, error) {
		s, ok := t.Payload.(*model.StreamSession)
		if !ok {
			return nil, fmt.Errorf("tracking job %s: unexpected payload %T", t.Job.ID, t.Payload)
		}
		if err := db.InsertStreamSession(database, s); err != nil {
			return nil, fmt.Errorf("insert stream session: %w", err)
		}
		return nil, nil
	}
}
