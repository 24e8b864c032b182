package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tollgate/tollgate/internal/model"
)

// DefaultEventListLimit caps ListSecurityEvents when the filter sets none.
const DefaultEventListLimit = 100

type eventRow struct {
	ID           int64  `db:"id"`
	EventType    string `db:"event_type"`
	TokenID      *int64 `db:"token_id"`
	IPAddress    string `db:"ip_address"`
	Endpoint     string `db:"endpoint"`
	MetadataJSON string `db:"metadata_json"`
	CreatedMs    int64  `db:"created_ms"`
}

func (r eventRow) toModel() (model.SecurityEvent, error) {
	ev := model.SecurityEvent{
		ID:        r.ID,
		EventType: model.EventType(r.EventType),
		TokenID:   r.TokenID,
		IPAddress: r.IPAddress,
		Endpoint:  r.Endpoint,
		CreatedAt: time.UnixMilli(r.CreatedMs).UTC(),
	}
	if r.MetadataJSON != "" && r.MetadataJSON != "{}" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &ev.Metadata); err != nil {
			return model.SecurityEvent{}, fmt.Errorf("unmarshal metadata of event %d: %w", r.ID, err)
		}
	}
	return ev, nil
}

// InsertSecurityEvents appends a batch of events in one transaction.
// Events without a CreatedAt are stamped with the current time.
func (s *Store) InsertSecurityEvents(ctx context.Context, events []model.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`INSERT INTO security_events
		(event_type, token_id, ip_address, endpoint, metadata_json, created_ms)
		VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for i := range events {
		ev := &events[i]
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		meta := "{}"
		if len(ev.Metadata) > 0 {
			b, err := json.Marshal(ev.Metadata)
			if err != nil {
				return fmt.Errorf("marshal event metadata: %w", err)
			}
			meta = string(b)
		}
		if _, err := stmt.ExecContext(ctx, string(ev.EventType), ev.TokenID, ev.IPAddress,
			ev.Endpoint, meta, ev.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert security event: %w", err)
		}
	}
	return tx.Commit()
}

// ListSecurityEvents returns events matching f, newest first.
func (s *Store) ListSecurityEvents(ctx context.Context, f model.EventFilter) ([]model.SecurityEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.Type))
	}
	if f.IP != "" {
		where = append(where, "ip_address = ?")
		args = append(args, f.IP)
	}
	if f.TokenID != nil {
		where = append(where, "token_id = ?")
		args = append(args, *f.TokenID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_ms >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultEventListLimit
	}

	q := "SELECT * FROM security_events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY created_ms DESC, id DESC LIMIT %d", limit)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	events := make([]model.SecurityEvent, 0, len(rows))
	for _, r := range rows {
		ev, err := r.toModel()
		if err != nil {
			return nil, fmt.Errorf("list security events: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// PurgeSecurityEvents deletes events created before cutoff and returns how
// many were removed.
func (s *Store) PurgeSecurityEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM security_events WHERE created_ms < ?"), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge security events: %w", err)
	}
	return result.RowsAffected()
}

// IPActivity is the raw per-IP event aggregate behind the threat view.
// Classification happens in the service layer.
type IPActivity struct {
	IPAddress  string
	EventCount int
	EventTypes []model.EventType
	FirstSeen  time.Time
	LastSeen   time.Time
}

type ipTypeRow struct {
	IPAddress string `db:"ip_address"`
	EventType string `db:"event_type"`
	Count     int    `db:"n"`
	FirstMs   int64  `db:"first_ms"`
	LastMs    int64  `db:"last_ms"`
}

// IPActivitySince aggregates events created at or after since by client IP.
// The result is ordered by event count descending, then IP.
func (s *Store) IPActivitySince(ctx context.Context, since time.Time) ([]IPActivity, error) {
	const q = `SELECT ip_address, event_type, COUNT(*) AS n,
			MIN(created_ms) AS first_ms, MAX(created_ms) AS last_ms
		FROM security_events
		WHERE created_ms >= ?
		GROUP BY ip_address, event_type`

	var rows []ipTypeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), since.UnixMilli()); err != nil {
		return nil, fmt.Errorf("aggregate security events: %w", err)
	}

	byIP := make(map[string]*IPActivity)
	var order []string
	for _, r := range rows {
		a, ok := byIP[r.IPAddress]
		if !ok {
			a = &IPActivity{
				IPAddress: r.IPAddress,
				FirstSeen: time.UnixMilli(r.FirstMs).UTC(),
				LastSeen:  time.UnixMilli(r.LastMs).UTC(),
			}
			byIP[r.IPAddress] = a
			order = append(order, r.IPAddress)
		}
		a.EventCount += r.Count
		a.EventTypes = append(a.EventTypes, model.EventType(r.EventType))
		if first := time.UnixMilli(r.FirstMs).UTC(); first.Before(a.FirstSeen) {
			a.FirstSeen = first
		}
		if last := time.UnixMilli(r.LastMs).UTC(); last.After(a.LastSeen) {
			a.LastSeen = last
		}
	}

	out := make([]IPActivity, 0, len(order))
	for _, ip := range order {
		a := byIP[ip]
		sort.Slice(a.EventTypes, func(i, j int) bool { return a.EventTypes[i] < a.EventTypes[j] })
		out = append(out, *a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EventCount != out[j].EventCount {
			return out[i].EventCount > out[j].EventCount
		}
		return out[i].IPAddress < out[j].IPAddress
	})
	return out, nil
}

// FailedAttempts returns TOKEN_INVALID tallies per IP since the given time,
// most attempts first.
func (s *Store) FailedAttempts(ctx context.Context, since time.Time, limit int) ([]model.FailedAttempt, error) {
	if limit <= 0 {
		limit = DefaultEventListLimit
	}
	q := fmt.Sprintf(`SELECT ip_address, COUNT(*) AS n, MAX(created_ms) AS last_ms
		FROM security_events
		WHERE event_type = ? AND created_ms >= ?
		GROUP BY ip_address
		ORDER BY n DESC, last_ms DESC
		LIMIT %d`, limit)

	var rows []struct {
		IPAddress string `db:"ip_address"`
		Count     int    `db:"n"`
		LastMs    int64  `db:"last_ms"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), string(model.EventTokenInvalid), since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("aggregate failed attempts: %w", err)
	}
	out := make([]model.FailedAttempt, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.FailedAttempt{
			IPAddress:   r.IPAddress,
			Attempts:    r.Count,
			LastAttempt: time.UnixMilli(r.LastMs).UTC(),
		})
	}
	return out, nil
}
