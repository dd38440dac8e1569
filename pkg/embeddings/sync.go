package embeddings

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"time"

	"github.com/nous-labs/concierge/pkg/brain"
)

// MemorySource lists the memories that should be embedded.
type MemorySource interface {
	GetAllMemoryRefs(ctx context.Context) ([]brain.MemoryRef, error)
}

// BatchIndex is the write side of the vector store used by the worker.
type BatchIndex interface {
	GetEmbedded(ctx context.Context) (map[int64]string, error)
	InsertBatch(ctx context.Context, docs []Document, embeddings [][]float32) error
	Prune(ctx context.Context, memoryIDs []int64) error
}

// BatchEmbedder embeds documents in bulk.
type BatchEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// SyncWorker keeps pgvector embeddings in sync with SQLite memories.
// It polls for un-embedded or stale memories and processes them in batches.
type SyncWorker struct {
	source    MemorySource
	store     BatchIndex
	tei       BatchEmbedder
	interval  time.Duration
	batchSize int
}

// NewSyncWorker creates a new background sync worker.
func NewSyncWorker(source MemorySource, store BatchIndex, tei BatchEmbedder, interval time.Duration, batchSize int) *SyncWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &SyncWorker{
		source:    source,
		store:     store,
		tei:       tei,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run starts the sync loop. Blocks until ctx is cancelled.
func (w *SyncWorker) Run(ctx context.Context) {
	slog.Info("embedding sync worker started",
		"interval", w.interval,
		"batch_size", w.batchSize,
	)

	// Initial sync on startup (backfill)
	if embedded, err := w.SyncOnce(ctx); err != nil {
		slog.Warn("initial embedding sync failed", "error", err)
	} else if embedded > 0 {
		slog.Info("initial embedding sync complete", "embedded", embedded)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("embedding sync worker stopping")
			return
		case <-ticker.C:
			if embedded, err := w.SyncOnce(ctx); err != nil {
				slog.Warn("embedding sync cycle failed", "error", err)
			} else if embedded > 0 {
				slog.Info("embedding sync cycle", "embedded", embedded)
			}
		}
	}
}

// SyncOnce runs a single sync cycle:
//  1. Get all live memories from SQLite
//  2. Get all embedded IDs + content hashes from pgvector
//  3. Prune embeddings of deleted memories
//  4. Find un-embedded or stale (hash mismatch) memories
//  5. Batch embed via TEI and store in pgvector
func (w *SyncWorker) SyncOnce(ctx context.Context) (int, error) {
	refs, err := w.source.GetAllMemoryRefs(ctx)
	if err != nil {
		return 0, fmt.Errorf("get memory refs: %w", err)
	}

	embedded, err := w.store.GetEmbedded(ctx)
	if err != nil {
		return 0, fmt.Errorf("get embedded: %w", err)
	}

	live := make(map[int64]bool, len(refs))
	for _, ref := range refs {
		live[ref.ID] = true
	}
	var gone []int64
	for id := range embedded {
		if !live[id] {
			gone = append(gone, id)
		}
	}
	if len(gone) > 0 {
		if err := w.store.Prune(ctx, gone); err != nil {
			slog.Warn("prune embeddings failed", "error", err, "count", len(gone))
		} else {
			slog.Info("pruned embeddings of deleted memories", "count", len(gone))
		}
	}

	var toEmbed []brain.MemoryRef
	for _, ref := range refs {
		existingHash, exists := embedded[ref.ID]
		if !exists || existingHash != ContentHash(ref.Content) {
			toEmbed = append(toEmbed, ref)
		}
	}

	if len(toEmbed) == 0 {
		return 0, nil
	}

	slog.Info("memories need embedding",
		"total", len(refs),
		"already_embedded", len(embedded),
		"to_embed", len(toEmbed),
	)

	totalEmbedded := 0
	for i := 0; i < len(toEmbed); i += w.batchSize {
		if err := ctx.Err(); err != nil {
			return totalEmbedded, err
		}
		end := min(i+w.batchSize, len(toEmbed))
		batch := toEmbed[i:end]

		texts := make([]string, len(batch))
		docs := make([]Document, len(batch))
		for j, ref := range batch {
			texts[j] = ref.Content
			docs[j] = Document{
				MemoryID:    ref.ID,
				UserID:      ref.UserID,
				Category:    ref.Category,
				ContentHash: ContentHash(ref.Content),
			}
		}

		embeddings, err := w.tei.EmbedDocuments(ctx, texts)
		if err != nil {
			slog.Warn("embed batch failed", "error", err, "batch_start", i, "batch_size", len(texts))
			continue
		}

		if err := w.store.InsertBatch(ctx, docs, embeddings); err != nil {
			slog.Warn("store batch failed", "error", err, "batch_start", i)
			continue
		}

		totalEmbedded += len(embeddings)
		slog.Debug("batch embedded",
			"batch", i/w.batchSize+1,
			"count", len(embeddings),
			"total_so_far", totalEmbedded,
		)
	}

	return totalEmbedded, nil
}

// ContentHash computes an MD5 hash of content for staleness detection.
func ContentHash(content string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(content)))
}
