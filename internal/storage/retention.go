package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// retentionStatements returns the TTL changes for a retention of days.
func retentionStatements(days int) []string {
	if days <= 0 {
		return nil
	}
	return []string{
		fmt.Sprintf("ALTER TABLE %s MODIFY TTL toDateTime(received_at) + INTERVAL %d DAY DELETE", EventsTable, days),
		fmt.Sprintf("ALTER TABLE %s MODIFY TTL hour + INTERVAL %d DAY DELETE", hourlyTable, days),
	}
}

// applyRetention sets row TTLs on the event tables. Failures are logged;
// inserts work without a TTL.
func (c *Client) applyRetention(ctx context.Context, days int) {
	stmts := retentionStatements(days)
	for _, stmt := range stmts {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			slog.Warn("retention not applied", "statement", stmt, "error", err)
		}
	}
	if len(stmts) > 0 {
		slog.Info("retention policy set", "days", days)
	}
}
