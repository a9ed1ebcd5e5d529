package auth

import (
	"net/http"

	"github.com/cratery/registry/pkg/dbkit"
)

// Common audit action constants (§4.3, §5).
const (
	ActionAuthSuccess     = "auth.success"
	ActionAuthFailure     = "auth.failure"
	ActionTokenCreate     = "token.create"
	ActionTokenRevoke     = "token.revoke"
	ActionPackagePublish  = "package.publish"
	ActionPackageYank     = "package.yank"
	ActionOwnerAdd        = "owner.add"
	ActionOwnerRemove     = "owner.remove"
	ActionAdminAction     = "admin.action"
)

// Status constants for AuditLogEntry.Status.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusDenied  = "denied"
)

// AuditLogger records security-relevant events through dbkit.AuditRepo.
type AuditLogger struct {
	audit *dbkit.AuditRepo
}

// NewAuditLogger wraps the metadata database's audit repository.
func NewAuditLogger(audit *dbkit.AuditRepo) *AuditLogger {
	return &AuditLogger{audit: audit}
}

// LogFromRequest records action against resourceType/resourceID, attributing
// it to principal when present and tagging the outcome from err (nil means
// success).
func (al *AuditLogger) LogFromRequest(r *http.Request, principal *Principal, action, resourceType, resourceID string, err error) error {
	entry := &dbkit.AuditLogEntry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IPAddress:    clientIP(r),
		Status:       StatusSuccess,
	}
	if err != nil {
		entry.Status = StatusFailure
	}
	if principal != nil && principal.User != nil {
		id := principal.User.ID
		entry.UserID = &id
	}
	return al.audit.Record(r.Context(), entry)
}

// clientIP prefers a proxy-forwarded address, falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	return r.RemoteAddr
}
