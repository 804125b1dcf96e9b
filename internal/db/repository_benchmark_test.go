// Package db provides offline lookup benchmarks. A scan must be answered
// from the local cache without noticeable delay even with a long history.
package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kimhsiao/scanvault/backend/internal/models"
	"github.com/kimhsiao/scanvault/backend/internal/uuid"
)

func populateValidationRecords(b *testing.B, repo *Repository, codes, perCode int) {
	b.Helper()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < codes; i++ {
		for j := 0; j < perCode; j++ {
			at := base.Add(time.Duration(j) * time.Hour)
			rec := &models.ValidationRecord{
				ID:          models.UUID(uuid.New()),
				ScanCode:    fmt.Sprintf("CODE-%05d", i),
				IsValid:     true,
				ValidatedAt: models.Millis(at),
				Method:      models.MethodOnline,
				ExpiresAt:   models.Millis(at.Add(24 * time.Hour)),
			}
			if err := repo.CreateValidationRecord(ctx, rec); err != nil {
				b.Fatalf("CreateValidationRecord: %v", err)
			}
		}
	}
}

func newBenchRepo(b *testing.B) *Repository {
	b.Helper()
	db, err := OpenMemory()
	if err != nil {
		b.Fatalf("OpenMemory: %v", err)
	}
	repo := NewRepository(db.DB)
	b.Cleanup(func() {
		repo.Close()
		db.Close()
	})
	return repo
}

// BenchmarkLatestValidationRecord looks up one code among 1,000 codes with
// 5 records each.
func BenchmarkLatestValidationRecord(b *testing.B) {
	repo := newBenchRepo(b)
	populateValidationRecords(b, repo, 1000, 5)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		code := fmt.Sprintf("CODE-%05d", i%1000)
		if _, err := repo.LatestValidationRecord(ctx, code); err != nil {
			b.Fatalf("LatestValidationRecord: %v", err)
		}
	}
}

// BenchmarkLatestValidationRecord_miss measures the offline not-found path.
func BenchmarkLatestValidationRecord_miss(b *testing.B) {
	repo := newBenchRepo(b)
	populateValidationRecords(b, repo, 1000, 1)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := repo.LatestValidationRecord(ctx, "UNKNOWN"); !IsNotFound(err) {
			b.Fatalf("expected not found, got %v", err)
		}
	}
}
