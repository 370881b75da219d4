package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"issuedesk/internal/domain"
	"issuedesk/internal/embedding"
)

const (
	embedBatchSize   = 32
	embedConcurrency = 4
)

// SQLite stores issues with their embeddings in the entities table and ranks
// them by cosine similarity in process.
type SQLite struct {
	DB       *sql.DB
	Embedder embedding.Embedder
	Log      *zap.Logger
	Now      func() time.Time
}

func NewSQLite(db *sql.DB, emb embedding.Embedder, log *zap.Logger) *SQLite {
	if log == nil {
		log = zap.NewNop()
	}
	return &SQLite{DB: db, Embedder: emb, Log: log, Now: time.Now}
}

// Search ranks issues matching the filter against the query. Equal scores
// keep no particular order. An empty query returns filter matches, newest
// first, with a zero score.
func (s *SQLite) Search(ctx context.Context, query string, f Filter, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	var qv embedding.Vector
	if strings.TrimSpace(query) != "" {
		v, err := s.Embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		qv = v
	}
	where, args := filterClause(f)
	q := `SELECT issue_key,project_key,COALESCE(issue_type,''),COALESCE(priority,''),COALESCE(assignee,''),COALESCE(status,''),
summary,COALESCE(description,''),COALESCE(labels_json,''),COALESCE(due_date,''),COALESCE(created_at,''),COALESCE(updated_at,''),embedding
FROM entities ` + where + ` ORDER BY updated_at DESC`
	if qv == nil {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hits []Hit
	for rows.Next() {
		var is domain.Issue
		var labels string
		var blob []byte
		if err := rows.Scan(&is.Key, &is.ProjectKey, &is.Type, &is.Priority, &is.Assignee, &is.Status,
			&is.Summary, &is.Description, &labels, &is.DueDate, &is.CreatedAt, &is.UpdatedAt, &blob); err != nil {
			return nil, err
		}
		if labels != "" {
			_ = json.Unmarshal([]byte(labels), &is.Labels)
		}
		h := Hit{Issue: is}
		if qv != nil {
			h.Score = embedding.CosineSimilarity(qv, decodeVector(blob))
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if qv != nil {
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
		if len(hits) > limit {
			hits = hits[:limit]
		}
	}
	return hits, nil
}

func filterClause(f Filter) (string, []any) {
	var clauses []string
	var args []any
	add := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+"=? COLLATE NOCASE")
			args = append(args, v)
		}
	}
	add("issue_key", f.IssueKey)
	add("project_key", f.ProjectKey)
	add("priority", f.Priority)
	add("issue_type", f.IssueType)
	add("assignee", f.Assignee)
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// Upsert embeds and stores issues, replacing existing rows by key.
func (s *SQLite) Upsert(ctx context.Context, issues []domain.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	vectors := make([]embedding.Vector, len(issues))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for start := 0; start < len(issues); start += embedBatchSize {
		end := min(start+embedBatchSize, len(issues))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, is := range issues[start:end] {
				texts = append(texts, DocumentText(is))
			}
			vs, err := embedding.EmbedAll(gctx, s.Embedder, texts)
			if err != nil {
				return fmt.Errorf("embed issues %d-%d: %w", start, end, err)
			}
			copy(vectors[start:end], vs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO entities(issue_key,project_key,issue_type,priority,assignee,status,summary,description,labels_json,due_date,created_at,updated_at,embedding,dims,indexed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(issue_key) DO UPDATE SET project_key=excluded.project_key, issue_type=excluded.issue_type, priority=excluded.priority,
assignee=excluded.assignee, status=excluded.status, summary=excluded.summary, description=excluded.description,
labels_json=excluded.labels_json, due_date=excluded.due_date, created_at=excluded.created_at, updated_at=excluded.updated_at,
embedding=excluded.embedding, dims=excluded.dims, indexed_at=excluded.indexed_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := s.now().UTC().Format(time.RFC3339)
	for i, is := range issues {
		var labels any
		if len(is.Labels) > 0 {
			b, _ := json.Marshal(is.Labels)
			labels = string(b)
		}
		if _, err := stmt.ExecContext(ctx, is.Key, is.ProjectKey, is.Type, is.Priority, is.Assignee, is.Status, is.Summary,
			is.Description, labels, is.DueDate, is.CreatedAt, is.UpdatedAt, encodeVector(vectors[i]), len(vectors[i]), now); err != nil {
			return fmt.Errorf("upsert %s: %w", is.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.Log.Debug("index upsert", zap.Int("count", len(issues)))
	return nil
}

// Delete removes an issue. Deleting a missing key is not an error.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM entities WHERE issue_key=? COLLATE NOCASE`, key)
	return err
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&n)
	return n, err
}

func (s *SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func encodeVector(v embedding.Vector) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) embedding.Vector {
	v := make(embedding.Vector, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

var _ Store = (*SQLite)(nil)
