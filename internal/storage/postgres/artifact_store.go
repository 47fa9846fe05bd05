package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

const artifactColumns = `job_id, raw_key, raw_sha256, raw_bytes, raw_content_type, ingested_at,
	parsed_key, parsed_sha256, parsed_bytes, parsed_content_type, parsed_at`

// ArtifactStore records content pointers in the artifacts table.
type ArtifactStore struct {
	db DB
}

// NewArtifactStore wraps db.
func NewArtifactStore(db DB) *ArtifactStore {
	return &ArtifactStore{db: db}
}

// PutRaw upserts the raw pointer. Parsed columns are left untouched.
func (s *ArtifactStore) PutRaw(ctx context.Context, jobID string, raw jobs.ContentPointer, at time.Time) (jobs.Artifact, error) {
	row := s.db.QueryRow(ctx, `
INSERT INTO artifacts (job_id, raw_key, raw_sha256, raw_bytes, raw_content_type, ingested_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (job_id) DO UPDATE SET
	raw_key = EXCLUDED.raw_key,
	raw_sha256 = EXCLUDED.raw_sha256,
	raw_bytes = EXCLUDED.raw_bytes,
	raw_content_type = EXCLUDED.raw_content_type,
	ingested_at = EXCLUDED.ingested_at
RETURNING `+artifactColumns,
		jobID, raw.Key, raw.SHA256, raw.Bytes, raw.ContentType, at,
	)
	art, err := scanArtifact(row)
	if err != nil {
		return jobs.Artifact{}, fmt.Errorf("upsert raw artifact: %w", err)
	}
	return art, nil
}

// PutParsed records the parsed pointer on an existing artifact row.
func (s *ArtifactStore) PutParsed(ctx context.Context, jobID string, parsed jobs.ContentPointer, at time.Time) (jobs.Artifact, error) {
	row := s.db.QueryRow(ctx, `
UPDATE artifacts SET
	parsed_key = $2,
	parsed_sha256 = $3,
	parsed_bytes = $4,
	parsed_content_type = $5,
	parsed_at = $6
WHERE job_id = $1
RETURNING `+artifactColumns,
		jobID, parsed.Key, parsed.SHA256, parsed.Bytes, parsed.ContentType, at,
	)
	art, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Artifact{}, fmt.Errorf("artifact %s: %w", jobID, jobs.ErrNotFound)
	}
	if err != nil {
		return jobs.Artifact{}, fmt.Errorf("update parsed artifact: %w", err)
	}
	return art, nil
}

// GetArtifact fetches the artifact for jobID.
func (s *ArtifactStore) GetArtifact(ctx context.Context, jobID string) (jobs.Artifact, error) {
	row := s.db.QueryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE job_id = $1`, jobID)
	art, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Artifact{}, fmt.Errorf("artifact %s: %w", jobID, jobs.ErrNotFound)
	}
	if err != nil {
		return jobs.Artifact{}, fmt.Errorf("select artifact: %w", err)
	}
	return art, nil
}

func scanArtifact(row pgx.Row) (jobs.Artifact, error) {
	var (
		art               jobs.Artifact
		parsedKey         *string
		parsedSHA         *string
		parsedBytes       *int64
		parsedContentType *string
	)
	err := row.Scan(
		&art.JobID,
		&art.Raw.Key,
		&art.Raw.SHA256,
		&art.Raw.Bytes,
		&art.Raw.ContentType,
		&art.IngestedAt,
		&parsedKey,
		&parsedSHA,
		&parsedBytes,
		&parsedContentType,
		&art.ParsedAt,
	)
	if err != nil {
		return jobs.Artifact{}, err
	}
	if parsedKey != nil {
		p := jobs.ContentPointer{
			Key:         *parsedKey,
			SHA256:      derefString(parsedSHA),
			ContentType: derefString(parsedContentType),
		}
		if parsedBytes != nil {
			p.Bytes = *parsedBytes
		}
		art.Parsed = &p
	}
	return art, nil
}
