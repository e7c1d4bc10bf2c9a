package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
	"github.com/dmitrymomot/notifykit/pkg/pg"
)

// Store is a PostgreSQL notifications.Storage. It works on a pool or inside a transaction.
type Store struct {
	db pg.DB
}

var _ notifications.Storage = (*Store)(nil)

// New creates a Store over db.
func New(db pg.DB) *Store {
	return &Store{db: db}
}

const deliveryColumns = `id, intent_id, recipient_id, channel, state, attempts, max_attempts,
	next_attempt_at, last_error, skip_reason, last_status_code, last_response,
	last_duration_ns, payload, created_at, updated_at, terminal_at, version, expires_at`

const intentColumns = `id, source_ref, category, title, body, severity, dedup_key, metadata, created_at,
	link, expires_at`

const inboxColumns = `id, recipient_id, intent_id, category, severity, title, body, read, read_at, created_at,
	link, expires_at`

// insertAttempts bounds the retries of a conditional insert that races with
// the live record becoming exhausted.
const insertAttempts = 3

func (s *Store) GetPreferences(ctx context.Context, recipientID string) (notifications.Preferences, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT settings FROM notification_preferences WHERE recipient_id = $1`,
		recipientID,
	).Scan(&raw)
	if pg.IsNotFoundError(err) {
		return notifications.Preferences{}, fmt.Errorf("%w: preferences for %s", notifications.ErrNotFound, recipientID)
	}
	if err != nil {
		return notifications.Preferences{}, fmt.Errorf("get preferences: %w", err)
	}

	var p notifications.Preferences
	if err := json.Unmarshal(raw, &p); err != nil {
		return notifications.Preferences{}, fmt.Errorf("decode preferences for %s: %w", recipientID, err)
	}
	p.RecipientID = recipientID
	return p, nil
}

// SavePreferences creates or replaces a recipient's settings.
func (s *Store) SavePreferences(ctx context.Context, p notifications.Preferences) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO notification_preferences (recipient_id, settings, digest_enabled, digest_frequency, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (recipient_id) DO UPDATE
		SET settings = EXCLUDED.settings,
		    digest_enabled = EXCLUDED.digest_enabled,
		    digest_frequency = EXCLUDED.digest_frequency,
		    updated_at = EXCLUDED.updated_at`,
		p.RecipientID, raw, p.Digest.Enabled, string(p.Digest.Frequency),
	)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

func (s *Store) ListDigestRecipients(ctx context.Context, freq notifications.Frequency) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT recipient_id FROM notification_preferences
		WHERE digest_enabled AND digest_frequency = $1
		ORDER BY recipient_id`,
		string(freq),
	)
	if err != nil {
		return nil, fmt.Errorf("list digest recipients: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list digest recipients: %w", err)
	}
	return ids, nil
}

func (s *Store) SaveIntent(ctx context.Context, intent notifications.Intent) (notifications.Intent, error) {
	metadata := []byte("{}")
	if len(intent.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(intent.Metadata); err != nil {
			return notifications.Intent{}, fmt.Errorf("encode intent metadata: %w", err)
		}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO notification_intents (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		intent.ID, intent.SourceRef, string(intent.Category), intent.Title, intent.Body,
		int16(intent.Severity), intent.DedupKey, metadata, intent.CreatedAt,
		intent.Link, intent.ExpiresAt,
	)
	if err != nil {
		return notifications.Intent{}, fmt.Errorf("save intent: %w", err)
	}
	return s.GetIntent(ctx, intent.ID)
}

func (s *Store) GetIntent(ctx context.Context, id string) (notifications.Intent, error) {
	var (
		intent   notifications.Intent
		category string
		severity int16
		metadata []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM notification_intents WHERE id = $1`, id,
	).Scan(&intent.ID, &intent.SourceRef, &category, &intent.Title, &intent.Body,
		&severity, &intent.DedupKey, &metadata, &intent.CreatedAt,
		&intent.Link, &intent.ExpiresAt)
	if pg.IsNotFoundError(err) {
		return notifications.Intent{}, fmt.Errorf("%w: intent %s", notifications.ErrNotFound, id)
	}
	if err != nil {
		return notifications.Intent{}, fmt.Errorf("get intent: %w", err)
	}

	intent.Category = notifications.Category(category)
	intent.Severity = notifications.Severity(severity)
	if err := json.Unmarshal(metadata, &intent.Metadata); err != nil {
		return notifications.Intent{}, fmt.Errorf("decode intent metadata: %w", err)
	}
	if len(intent.Metadata) == 0 {
		intent.Metadata = nil
	}
	return intent, nil
}

func (s *Store) InsertDelivery(ctx context.Context, d notifications.Delivery) (notifications.Delivery, bool, error) {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return notifications.Delivery{}, false, fmt.Errorf("encode payload: %w", err)
	}

	for range insertAttempts {
		stored, err := scanDelivery(s.db.QueryRow(ctx, `
			INSERT INTO notification_deliveries (`+deliveryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1, $18)
			ON CONFLICT (intent_id, recipient_id, channel) WHERE state <> 'exhausted' DO NOTHING
			RETURNING `+deliveryColumns,
			d.ID, d.IntentID, d.RecipientID, string(d.Channel), string(d.State), d.Attempts, d.MaxAttempts,
			d.NextAttemptAt, d.LastError, string(d.SkipReason), d.LastStatusCode, d.LastResponse,
			int64(d.LastDuration), payload, d.CreatedAt, d.UpdatedAt, d.TerminalAt, d.ExpiresAt,
		))
		switch {
		case err == nil:
			return stored, true, nil
		case pg.IsDuplicateKeyError(err):
			return notifications.Delivery{}, false, fmt.Errorf("%w: delivery %s already exists", notifications.ErrConflict, d.ID)
		case !pg.IsNotFoundError(err):
			return notifications.Delivery{}, false, fmt.Errorf("insert delivery: %w", err)
		}

		existing, err := scanDelivery(s.db.QueryRow(ctx, `
			SELECT `+deliveryColumns+` FROM notification_deliveries
			WHERE intent_id = $1 AND recipient_id = $2 AND channel = $3 AND state <> 'exhausted'`,
			d.IntentID, d.RecipientID, string(d.Channel),
		))
		if err == nil {
			return existing, false, nil
		}
		if !pg.IsNotFoundError(err) {
			return notifications.Delivery{}, false, fmt.Errorf("get live delivery: %w", err)
		}
		// The live record became exhausted between the two statements.
	}
	return notifications.Delivery{}, false, fmt.Errorf("%w: insert delivery %s", notifications.ErrConflict, d.ID)
}

func (s *Store) GetDelivery(ctx context.Context, id string) (notifications.Delivery, error) {
	d, err := scanDelivery(s.db.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM notification_deliveries WHERE id = $1`, id,
	))
	if pg.IsNotFoundError(err) {
		return notifications.Delivery{}, fmt.Errorf("%w: delivery %s", notifications.ErrNotFound, id)
	}
	if err != nil {
		return notifications.Delivery{}, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d notifications.Delivery) (notifications.Delivery, error) {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return notifications.Delivery{}, fmt.Errorf("encode payload: %w", err)
	}

	updated, err := scanDelivery(s.db.QueryRow(ctx, `
		UPDATE notification_deliveries SET
			state = $2, attempts = $3, max_attempts = $4, next_attempt_at = $5,
			last_error = $6, skip_reason = $7, last_status_code = $8, last_response = $9,
			last_duration_ns = $10, payload = $11, updated_at = $12, terminal_at = $13,
			version = version + 1
		WHERE id = $1 AND version = $14
		RETURNING `+deliveryColumns,
		d.ID, string(d.State), d.Attempts, d.MaxAttempts, d.NextAttemptAt,
		d.LastError, string(d.SkipReason), d.LastStatusCode, d.LastResponse,
		int64(d.LastDuration), payload, d.UpdatedAt, d.TerminalAt, d.Version,
	))
	if err == nil {
		return updated, nil
	}
	if !pg.IsNotFoundError(err) {
		return notifications.Delivery{}, fmt.Errorf("update delivery: %w", err)
	}

	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notification_deliveries WHERE id = $1)`, d.ID,
	).Scan(&exists); err != nil {
		return notifications.Delivery{}, fmt.Errorf("update delivery: %w", err)
	}
	if !exists {
		return notifications.Delivery{}, fmt.Errorf("%w: delivery %s", notifications.ErrNotFound, d.ID)
	}
	return notifications.Delivery{}, fmt.Errorf("%w: delivery %s at version %d", notifications.ErrConflict, d.ID, d.Version)
}

func (s *Store) ListDeliveries(ctx context.Context, f notifications.DeliveryFilter) ([]notifications.Delivery, error) {
	var w where
	if f.IntentID != "" {
		w.add("d.intent_id = %s", f.IntentID)
	}
	if f.RecipientID != "" {
		w.add("d.recipient_id = %s", f.RecipientID)
	}
	if f.Channel != "" {
		w.add("d.channel = %s", string(f.Channel))
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		w.add("d.state = ANY(%s)", states)
	}
	if f.DueAt != nil {
		w.add("d.next_attempt_at <= %s", *f.DueAt)
	}
	if f.Unscheduled {
		w.raw("d.next_attempt_at IS NULL")
	}
	if f.UpdatedBefore != nil {
		w.add("d.updated_at < %s", *f.UpdatedBefore)
	}
	if f.CreatedSince != nil {
		w.add("d.created_at >= %s", *f.CreatedSince)
	}
	if f.ActiveAt != nil {
		w.add("(d.expires_at IS NULL OR d.expires_at > %s)", *f.ActiveAt)
	}
	if f.UnreadOnly {
		w.raw(`d.channel = 'in_app' AND EXISTS (
			SELECT 1 FROM notification_inbox i WHERE i.id = d.id AND NOT i.read)`)
	}

	order := " ORDER BY d.created_at ASC, d.id ASC"
	if f.NewestFirst {
		order = " ORDER BY d.created_at DESC, d.id DESC"
	}
	limit := ""
	if f.Limit > 0 {
		limit = " LIMIT " + w.next(f.Limit)
	}

	rows, err := s.db.Query(ctx, `SELECT `+prefixed("d", deliveryColumns)+` FROM notification_deliveries d`+w.String()+order+limit, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []notifications.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("list deliveries: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteTerminalBefore(ctx context.Context, t time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM notification_deliveries
		WHERE state IN ('sent', 'exhausted', 'skipped') AND terminal_at < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("delete terminal deliveries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) PutInboxItem(ctx context.Context, item notifications.InboxItem) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO notification_inbox (`+inboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		item.ID, item.RecipientID, item.IntentID, string(item.Category), int16(item.Severity),
		item.Title, item.Body, item.Read, item.ReadAt, item.CreatedAt,
		item.Link, item.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("put inbox item: %w", err)
	}
	return nil
}

func (s *Store) ListInbox(ctx context.Context, recipientID string, f notifications.InboxFilter) ([]notifications.InboxItem, error) {
	var w where
	w.add("recipient_id = %s", recipientID)
	if f.OnlyUnread {
		w.raw("NOT read")
	}
	if f.Since != nil {
		w.add("created_at >= %s", *f.Since)
	}
	if f.ActiveAt != nil {
		w.add("(expires_at IS NULL OR expires_at > %s)", *f.ActiveAt)
	}

	page := ""
	if f.Limit > 0 {
		page += " LIMIT " + w.next(f.Limit)
	}
	if f.Offset > 0 {
		page += " OFFSET " + w.next(f.Offset)
	}

	rows, err := s.db.Query(ctx, `SELECT `+inboxColumns+` FROM notification_inbox`+w.String()+
		` ORDER BY created_at DESC, id ASC`+page, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	out := []notifications.InboxItem{}
	for rows.Next() {
		var (
			item     notifications.InboxItem
			category string
			severity int16
		)
		if err := rows.Scan(&item.ID, &item.RecipientID, &item.IntentID, &category, &severity,
			&item.Title, &item.Body, &item.Read, &item.ReadAt, &item.CreatedAt,
			&item.Link, &item.ExpiresAt); err != nil {
			return nil, fmt.Errorf("list inbox: %w", err)
		}
		item.Category = notifications.Category(category)
		item.Severity = notifications.Severity(severity)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	return out, nil
}

func (s *Store) SetRead(ctx context.Context, recipientID string, read bool, at time.Time, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE notification_inbox
		SET read = $3::boolean,
		    read_at = CASE WHEN $3::boolean THEN $4::timestamptz ELSE NULL END
		WHERE recipient_id = $1 AND id = ANY($2) AND read <> $3::boolean`,
		recipientID, ids, read, at,
	)
	if err != nil {
		return 0, fmt.Errorf("set inbox read state: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) CountUnread(ctx context.Context, recipientID string, activeAt time.Time) (int, error) {
	var w where
	w.add("recipient_id = %s", recipientID)
	w.raw("NOT read")
	if !activeAt.IsZero() {
		w.add("(expires_at IS NULL OR expires_at > %s)", activeAt)
	}

	var n int64
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM notification_inbox`+w.String(), w.args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return int(n), nil
}

func (s *Store) DeleteReadInboxBefore(ctx context.Context, t time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM notification_inbox WHERE read AND created_at < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("delete read inbox items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) GetDigestCursor(ctx context.Context, recipientID string, freq notifications.Frequency) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRow(ctx, `
		SELECT last_sent_at FROM notification_digest_cursors
		WHERE recipient_id = $1 AND frequency = $2`,
		recipientID, string(freq),
	).Scan(&at)
	if pg.IsNotFoundError(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get digest cursor: %w", err)
	}
	return at, nil
}

func (s *Store) SetDigestCursor(ctx context.Context, recipientID string, freq notifications.Frequency, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO notification_digest_cursors (recipient_id, frequency, last_sent_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (recipient_id, frequency) DO UPDATE SET last_sent_at = EXCLUDED.last_sent_at`,
		recipientID, string(freq), at,
	)
	if err != nil {
		return fmt.Errorf("set digest cursor: %w", err)
	}
	return nil
}

func scanDelivery(row pgx.Row) (notifications.Delivery, error) {
	var (
		d          notifications.Delivery
		channel    string
		state      string
		skipReason string
		durationNs int64
		payload    []byte
	)
	err := row.Scan(&d.ID, &d.IntentID, &d.RecipientID, &channel, &state, &d.Attempts, &d.MaxAttempts,
		&d.NextAttemptAt, &d.LastError, &skipReason, &d.LastStatusCode, &d.LastResponse,
		&durationNs, &payload, &d.CreatedAt, &d.UpdatedAt, &d.TerminalAt, &d.Version, &d.ExpiresAt)
	if err != nil {
		return notifications.Delivery{}, err
	}

	d.Channel = notifications.Channel(channel)
	d.State = notifications.State(state)
	d.SkipReason = notifications.SkipReason(skipReason)
	d.LastDuration = time.Duration(durationNs)
	if err := json.Unmarshal(payload, &d.Payload); err != nil {
		return notifications.Delivery{}, errors.Join(fmt.Errorf("decode payload of delivery %s", d.ID), err)
	}
	return d, nil
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	var out []byte
	field := true
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		switch {
		case c == ',':
			field = true
			out = append(out, c)
		case c == ' ' || c == '\n' || c == '\t':
			out = append(out, c)
		default:
			if field {
				out = append(out, alias...)
				out = append(out, '.')
				field = false
			}
			out = append(out, c)
		}
	}
	return string(out)
}
