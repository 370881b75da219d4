package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends change records inside the caller's transaction so the event
// log commits or rolls back together with the change it describes.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Record describes one change. Actor defaults to "local-user".
type Record struct {
	Type       string
	ProjectKey string
	IssueKey   string
	Actor      string
	Payload    Payload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if rec.Actor == "" {
		rec.Actor = "local-user"
	}
	if rec.Payload == nil {
		rec.Payload = Payload{}
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_key,issue_key,actor,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), rec.Type, nullable(rec.ProjectKey), nullable(rec.IssueKey), rec.Actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
