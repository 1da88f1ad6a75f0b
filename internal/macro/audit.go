package macro

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// PermissionGrant is a permission as granted by the user, in wire form.
type PermissionGrant string

const (
	GrantFilesystemRead  PermissionGrant = "filesystem_read"
	GrantFilesystemWrite PermissionGrant = "filesystem_write"
	GrantNetwork         PermissionGrant = "network"
	GrantObjectCreation  PermissionGrant = "object_creation"
)

// RuntimePermission maps the grant onto the runtime's capability token.
func (g PermissionGrant) RuntimePermission() (Permission, bool) {
	switch g {
	case GrantFilesystemRead:
		return PermissionFileSystemRead, true
	case GrantFilesystemWrite:
		return PermissionFileSystemWrite, true
	case GrantNetwork:
		return PermissionNetwork, true
	case GrantObjectCreation:
		return PermissionObjectCreation, true
	}
	return "", false
}

// PermissionRequest describes a sandbox denial in terms the caller can act
// on: the requesting macro, the workbook origin, and the missing grants.
type PermissionRequest struct {
	Reason             string            `json:"reason"`
	MacroID            string            `json:"macro_id"`
	WorkbookOriginPath string            `json:"workbook_origin_path,omitempty"`
	Requested          []PermissionGrant `json:"requested"`
}

// AuditSink emits one JSON object per line for every macro invocation start
// and end. Emission failures go to the sink's own error handling and never
// fail the invocation.
type AuditSink struct {
	logger zerolog.Logger
}

// NewAuditSink builds a sink over w; nil selects stderr.
func NewAuditSink(w io.Writer) *AuditSink {
	if w == nil {
		w = os.Stderr
	}
	return &AuditSink{logger: zerolog.New(w)}
}

type auditEvent struct {
	event             string
	kind              string
	macroID           string
	originPath        string
	permissions       []PermissionGrant
	ok                *bool
	errMsg            string
	permissionRequest *PermissionRequest
}

func (s *AuditSink) emit(ev auditEvent) {
	if s == nil {
		return
	}
	perms := make([]string, 0, len(ev.permissions))
	for _, p := range ev.permissions {
		perms = append(perms, string(p))
	}

	e := s.logger.Log().
		Str("event", ev.event).
		Str("kind", ev.kind).
		Str("macro_id", ev.macroID).
		Strs("permissions", perms)
	if ev.originPath != "" {
		e = e.Str("workbook_origin_path", ev.originPath)
	}
	if ev.ok != nil {
		e = e.Bool("ok", *ev.ok)
	}
	if ev.errMsg != "" {
		e = e.Str("error", ev.errMsg)
	}
	if ev.permissionRequest != nil {
		e = e.Interface("permission_request", ev.permissionRequest)
	}
	e.Msg("macro_audit")
}
