package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

// ArtifactStore keeps artifact pointers in memory.
type ArtifactStore struct {
	mu        sync.RWMutex
	artifacts map[string]jobs.Artifact
}

// NewArtifactStore constructs an ArtifactStore.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{artifacts: make(map[string]jobs.Artifact)}
}

// PutRaw records (or overwrites) the raw content pointer.
func (s *ArtifactStore) PutRaw(_ context.Context, jobID string, raw jobs.ContentPointer, at time.Time) (jobs.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	art := s.artifacts[jobID]
	art.JobID = jobID
	art.Raw = raw
	art.IngestedAt = at
	s.artifacts[jobID] = art
	return cloneArtifact(art), nil
}

// PutParsed records the parsed content pointer. The raw pointer must exist.
func (s *ArtifactStore) PutParsed(_ context.Context, jobID string, parsed jobs.ContentPointer, at time.Time) (jobs.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	art, ok := s.artifacts[jobID]
	if !ok {
		return jobs.Artifact{}, fmt.Errorf("artifact %s: %w", jobID, jobs.ErrNotFound)
	}
	p := parsed
	ts := at
	art.Parsed = &p
	art.ParsedAt = &ts
	s.artifacts[jobID] = art
	return cloneArtifact(art), nil
}

// GetArtifact fetches the artifact for jobID.
func (s *ArtifactStore) GetArtifact(_ context.Context, jobID string) (jobs.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	art, ok := s.artifacts[jobID]
	if !ok {
		return jobs.Artifact{}, fmt.Errorf("artifact %s: %w", jobID, jobs.ErrNotFound)
	}
	return cloneArtifact(art), nil
}

func cloneArtifact(art jobs.Artifact) jobs.Artifact {
	if art.Parsed != nil {
		p := *art.Parsed
		art.Parsed = &p
	}
	if art.ParsedAt != nil {
		ts := *art.ParsedAt
		art.ParsedAt = &ts
	}
	return art
}
