// Package pgstore implements notifications.Storage on PostgreSQL through pgx.
//
// The schema lives in the module's migrations package. Conditional delivery
// inserts rely on the partial unique index over (intent_id, recipient_id,
// channel) for non-exhausted rows, and every update is guarded by the row's
// version column:
//
//	pool, _ := pg.Connect(ctx, cfg)
//	store := pgstore.New(pool)
//	manager, _ := notifications.NewManager(store)
package pgstore
