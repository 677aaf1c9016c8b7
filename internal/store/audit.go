package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditLog records one operator mutation on the billing API.
type AuditLog struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Subject        string    `json:"subject"`
	Action         string    `json:"action"`
	ResourceType   string    `json:"resource_type"`
	ResourceID     *string   `json:"resource_id,omitempty"`
	Method         string    `json:"method"`
	Route          string    `json:"route"`
	Status         int       `json:"status"`
	IP             *string   `json:"ip,omitempty"`
	RequestID      *string   `json:"request_id,omitempty"`
	Metadata       []byte    `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

const auditColumns = `id, organization_id, subject, action, resource_type, resource_id, method, route, status, ip, request_id, metadata, created_at`

// InsertAuditLog stores an audit entry.
func (q *Queries) InsertAuditLog(ctx context.Context, l AuditLog) (AuditLog, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	row := q.db.QueryRow(ctx, `INSERT INTO audit_logs (id, organization_id, subject, action, resource_type, resource_id, method, route, status, ip, request_id, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING `+auditColumns,
		l.ID, l.OrganizationID, l.Subject, l.Action, l.ResourceType, l.ResourceID, l.Method, l.Route, l.Status, l.IP, l.RequestID, l.Metadata)
	return scanAudit(row)
}

// ListAuditLogs pages through an organization's audit trail, newest first.
func (q *Queries) ListAuditLogs(ctx context.Context, organizationID uuid.UUID, limit, offset int) ([]AuditLog, error) {
	rows, err := q.db.Query(ctx, `SELECT `+auditColumns+` FROM audit_logs
WHERE organization_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, organizationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AuditLog, 0, limit)
	for rows.Next() {
		l, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanAudit(row interface{ Scan(...any) error }) (AuditLog, error) {
	var l AuditLog
	err := row.Scan(&l.ID, &l.OrganizationID, &l.Subject, &l.Action, &l.ResourceType, &l.ResourceID, &l.Method, &l.Route, &l.Status, &l.IP, &l.RequestID, &l.Metadata, &l.CreatedAt)
	return l, err
}
