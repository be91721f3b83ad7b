// Package evidence is the immutable content-addressed ingestion store. Raw
// payload bytes live on disk under <root>/<sha256>.bin; index rows live in
// Postgres keyed by the unique (source_system, source_ref, content_sha256)
// triple. Rows and bytes are never updated or deleted.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"aerogate/pkg/models"
)

type evidenceDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	DB   evidenceDB
	Root string
}

// PutInput carries one ingestion. EventTimeStart/End are best-effort from the
// source; when absent the retrieval time stands in.
type PutInput struct {
	SourceSystem   string
	SourceRef      string
	ContentType    string
	Payload        []byte
	EventTimeStart *time.Time
	EventTimeEnd   *time.Time
	Meta           map[string]any
}

var ErrNotFound = errors.New("evidence not found")

// Put ingests raw bytes. Idempotent: a second Put with identical
// (source, ref, sha256) returns the existing row id.
func (s *Store) Put(ctx context.Context, in PutInput) (uuid.UUID, error) {
	if in.SourceSystem == "" || in.SourceRef == "" {
		return uuid.Nil, errors.New("source system and ref required")
	}
	sum := sha256.Sum256(in.Payload)
	shaHex := hex.EncodeToString(sum[:])

	if existing, err := s.lookup(ctx, in.SourceSystem, in.SourceRef, shaHex); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return uuid.Nil, err
	}

	rawPath, err := s.writeBytes(shaHex, in.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("evidence bytes: %w", err)
	}

	id := uuid.New()
	retrievedAt := time.Now().UTC()
	eventStart := in.EventTimeStart
	if eventStart == nil {
		eventStart = &retrievedAt
	}
	var metaRaw json.RawMessage
	if in.Meta != nil {
		metaRaw, _ = json.Marshal(in.Meta)
	}
	excerpt := ExtractExcerpt(in.Payload, 500)

	_, err = s.DB.Exec(ctx, `
		INSERT INTO evidence
		(id, source_system, source_ref, content_type, content_sha256, raw_path, excerpt,
		 event_time_start, event_time_end, retrieved_at, meta)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (source_system, source_ref, content_sha256) DO NOTHING
	`, id, in.SourceSystem, in.SourceRef, in.ContentType, shaHex, rawPath, excerpt,
		eventStart, in.EventTimeEnd, retrievedAt, metaRaw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("evidence insert: %w", err)
	}
	// Concurrent identical ingestions race on the unique triple; the winner's
	// row is the row.
	return s.lookup(ctx, in.SourceSystem, in.SourceRef, shaHex)
}

func (s *Store) lookup(ctx context.Context, source, ref, shaHex string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.DB.QueryRow(ctx, `
		SELECT id FROM evidence
		WHERE source_system=$1 AND source_ref=$2 AND content_sha256=$3
	`, source, ref, shaHex).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *Store) writeBytes(shaHex string, payload []byte) (string, error) {
	if err := os.MkdirAll(s.Root, 0o750); err != nil {
		return "", err
	}
	rawPath := filepath.Join(s.Root, shaHex+".bin")
	if _, err := os.Stat(rawPath); err == nil {
		return rawPath, nil
	}
	tmp := rawPath + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o640); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, rawPath); err != nil {
		return "", err
	}
	return rawPath, nil
}

// Get returns the row and the raw bytes. Never fails for a known id unless the
// filesystem lost the payload, which is surfaced rather than masked.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (models.Evidence, []byte, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, source_system, source_ref, content_type, content_sha256, raw_path,
		       excerpt, event_time_start, event_time_end, retrieved_at, meta
		FROM evidence WHERE id=$1
	`, id)
	ev, err := scanEvidence(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Evidence{}, nil, ErrNotFound
	}
	if err != nil {
		return models.Evidence{}, nil, err
	}
	payload, err := os.ReadFile(ev.RawPath)
	if err != nil {
		return ev, nil, fmt.Errorf("evidence bytes missing for %s: %w", id, err)
	}
	return ev, payload, nil
}

// BySource streams index rows for a source system, optionally narrowed to a ref.
func (s *Store) BySource(ctx context.Context, source, ref string) ([]models.Evidence, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if ref != "" {
		rows, err = s.DB.Query(ctx, `
			SELECT id, source_system, source_ref, content_type, content_sha256, raw_path,
			       excerpt, event_time_start, event_time_end, retrieved_at, meta
			FROM evidence WHERE source_system=$1 AND source_ref=$2
			ORDER BY retrieved_at
		`, source, ref)
	} else {
		rows, err = s.DB.Query(ctx, `
			SELECT id, source_system, source_ref, content_type, content_sha256, raw_path,
			       excerpt, event_time_start, event_time_end, retrieved_at, meta
			FROM evidence WHERE source_system=$1
			ORDER BY retrieved_at
		`, source)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Evidence{}
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvidence(row rowScanner) (models.Evidence, error) {
	var ev models.Evidence
	err := row.Scan(&ev.ID, &ev.SourceSystem, &ev.SourceRef, &ev.ContentType,
		&ev.ContentSHA256, &ev.RawPath, &ev.Excerpt, &ev.EventTimeStart,
		&ev.EventTimeEnd, &ev.RetrievedAt, &ev.Meta)
	return ev, err
}
