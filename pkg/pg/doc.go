// Package pg bootstraps PostgreSQL access on top of pgx/v5.
//
// Connect opens a *pgxpool.Pool with retries, Migrate applies goose migrations
// from an fs.FS (usually an embed.FS shipped with the binary), WithTx wraps a
// function in a transaction and Healthcheck produces a readiness check.
//
//	var cfg pg.Config
//	config.MustLoad(&cfg)
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, cfg, migrations.FS, ".", slog.Default()); err != nil {
//	    return err
//	}
//
// Error helpers such as IsDuplicateKeyError and IsNotFoundError classify
// *pgconn.PgError values and pgx sentinel errors.
package pg
