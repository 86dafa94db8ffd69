package markets

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hexaphore/meridian/internal/domain"
)

// ContentHash fingerprints the text an embedding was generated from.
// Embeddings are regenerated only when this changes.
func ContentHash(question, description string, tags []string) string {
	h := sha256.Sum256([]byte(question + "\x00" + description + "\x00" + strings.Join(tags, ",")))
	return hex.EncodeToString(h[:16])
}

// IndexRepository handles the market_index table. Embeddings are stored as
// msgpack-encoded float64 vectors.
type IndexRepository struct {
	db *sql.DB
}

// NewIndexRepository creates a market index repository.
func NewIndexRepository(db *sql.DB) *IndexRepository {
	return &IndexRepository{db: db}
}

// Upsert writes one index entry. When the content hash is unchanged and the
// caller carries no embedding, the stored embedding survives; a changed
// hash clears it so the regeneration gate reopens.
func (r *IndexRepository) Upsert(ctx context.Context, e *domain.MarketIndexEntry) error {
	if e.ContentHash == "" {
		e.ContentHash = ContentHash(e.Question, e.Description, e.Tags)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	var blob interface{}
	if e.Embedding != nil {
		encoded, err := msgpack.Marshal(e.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		blob = encoded
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO market_index
			(venue, market_id, question, description, tags, content_hash, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (venue, market_id) DO UPDATE SET
			question     = excluded.question,
			description  = excluded.description,
			tags         = excluded.tags,
			content_hash = excluded.content_hash,
			embedding    = CASE
				WHEN excluded.embedding IS NOT NULL THEN excluded.embedding
				WHEN market_index.content_hash = excluded.content_hash THEN market_index.embedding
				ELSE NULL
			END,
			updated_at   = excluded.updated_at`,
		e.Venue, e.MarketID, e.Question, e.Description, string(tags),
		e.ContentHash, blob, formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert index entry %s/%s: %w", e.Venue, e.MarketID, err)
	}
	return nil
}

// SetEmbedding attaches a generated vector to an entry, recording the hash
// of the content it was generated from.
func (r *IndexRepository) SetEmbedding(ctx context.Context, venue, marketID, contentHash string, vec []float64) error {
	encoded, err := msgpack.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE market_index
		SET embedding = ?, content_hash = ?, updated_at = ?
		WHERE venue = ? AND market_id = ?`,
		encoded, contentHash, formatTime(time.Now().UTC()), venue, marketID)
	if err != nil {
		return fmt.Errorf("set embedding %s/%s: %w", venue, marketID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Get returns one entry with its decoded embedding, or (nil, nil).
func (r *IndexRepository) Get(ctx context.Context, venue, marketID string) (*domain.MarketIndexEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT venue, market_id, question, description, tags, content_hash, embedding, updated_at
		FROM market_index
		WHERE venue = ? AND market_id = ?`, venue, marketID)

	e, err := scanIndexEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get index entry %s/%s: %w", venue, marketID, err)
	}
	return e, nil
}

// NeedsEmbedding reports whether (venue, market) lacks a vector for the
// given content hash. Missing rows need one too.
func (r *IndexRepository) NeedsEmbedding(ctx context.Context, venue, marketID, contentHash string) (bool, error) {
	var (
		storedHash string
		hasVector  int
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT content_hash, embedding IS NOT NULL
		FROM market_index
		WHERE venue = ? AND market_id = ?`, venue, marketID).Scan(&storedHash, &hasVector)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("check embedding %s/%s: %w", venue, marketID, err)
	}
	return storedHash != contentHash || hasVector == 0, nil
}

// ListEmbedded returns every entry that has a vector.
func (r *IndexRepository) ListEmbedded(ctx context.Context) ([]domain.MarketIndexEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT venue, market_id, question, description, tags, content_hash, embedding, updated_at
		FROM market_index
		WHERE embedding IS NOT NULL
		ORDER BY venue, market_id`)
	if err != nil {
		return nil, fmt.Errorf("list embedded entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.MarketIndexEntry
	for rows.Next() {
		e, err := scanIndexEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan index entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// PruneBefore evicts entries not refreshed since the cutoff.
func (r *IndexRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM market_index WHERE updated_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune market index: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanIndexEntry(row rowScanner) (*domain.MarketIndexEntry, error) {
	var (
		e         domain.MarketIndexEntry
		tags      string
		blob      []byte
		updatedAt string
	)
	err := row.Scan(&e.Venue, &e.MarketID, &e.Question, &e.Description,
		&tags, &e.ContentHash, &blob, &updatedAt)
	if err != nil {
		return nil, err
	}

	if tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("parse tags: %w", err)
		}
	}
	if len(blob) > 0 {
		if err := msgpack.Unmarshal(blob, &e.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	e.UpdatedAt = t
	return &e, nil
}
