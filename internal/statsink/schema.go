package statsink

import (
	"context"
	"fmt"
)

const ddlRelaySamples = `
CREATE TABLE IF NOT EXISTS relay_samples (
    id            BIGSERIAL    PRIMARY KEY,
    run_id        TEXT         NOT NULL,
    sampled_at    TIMESTAMPTZ  NOT NULL,
    received      BIGINT       NOT NULL,
    sent          BIGINT       NOT NULL,
    dropped       BIGINT       NOT NULL,
    buffer_size   INTEGER      NOT NULL,
    buffer_cap    INTEGER      NOT NULL,
    last_activity TIMESTAMPTZ  NOT NULL,
    idle_ns       BIGINT       NOT NULL,
    source_live   BOOLEAN      NOT NULL,
    target_live   BOOLEAN      NOT NULL,
    forced        TEXT[]       NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_relay_samples_run_time
    ON relay_samples (run_id, sampled_at DESC);
`

// Migrate creates the sample table and its index if they do not exist. It is
// safe to run on every start.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, ddlRelaySamples); err != nil {
		return fmt.Errorf("statsink: migrate: %w", err)
	}
	return nil
}
