package postgresrepo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kirinyoku/ticksy/internal/domain"
)

type AuditRepo struct {
	db DB
}

// Append inserts one audit row. Rows are never updated or deleted.
func (r *AuditRepo) Append(ctx context.Context, e *domain.AuditEntry) error {
	const op = "postgresrepo.AuditRepo.Append"

	var extra []byte
	if len(e.Extra) > 0 {
		b, err := json.Marshal(e.Extra)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		extra = b
	}

	if err := r.db.QueryRow(ctx,
		`INSERT INTO audit_logs(user_id, action, target_type, target_id, status, ip_address, extra)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		e.UserID, e.Action, e.TargetType, e.TargetID, string(e.Status), e.IPAddress, extra,
	).Scan(&e.ID, &e.CreatedAt); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}
