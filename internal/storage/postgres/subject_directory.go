package postgres

import (
	"context"
	"fmt"
)

// SubjectDirectory answers subject existence checks against the subjects
// table. Subject CRUD is owned by a separate administrative surface; the
// pipeline only ever reads.
type SubjectDirectory struct {
	pool pool
}

// NewSubjectDirectory constructs a directory over an existing pool.
func NewSubjectDirectory(p pool) (*SubjectDirectory, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SubjectDirectory{pool: p}, nil
}

// NewSubjectDirectoryFromRepo shares the accession repository's pool.
func NewSubjectDirectoryFromRepo(r *AccessionRepo) (*SubjectDirectory, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("repository is required")
	}
	return &SubjectDirectory{pool: r.pool}, nil
}

// SubjectsExist reports whether every id references an existing subject.
// An empty list vacuously exists.
func (d *SubjectDirectory) SubjectsExist(ctx context.Context, ids []int32) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	unique := make(map[int32]struct{}, len(ids))
	deduped := make([]int32, 0, len(ids))
	for _, id := range ids {
		if _, seen := unique[id]; seen {
			continue
		}
		unique[id] = struct{}{}
		deduped = append(deduped, id)
	}

	var count int
	query := `SELECT COUNT(*) FROM subjects WHERE id = ANY($1)`
	if err := d.pool.QueryRow(ctx, query, deduped).Scan(&count); err != nil {
		return false, fmt.Errorf("count subjects: %w", err)
	}
	return count == len(deduped), nil
}
