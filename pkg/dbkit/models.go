package dbkit

import (
	"strings"
	"time"
)

// User is an authenticated principal: a human who signed in via OAuth, or a
// service account created solely to hold tokens. Roles is a comma-separated
// set per §3; "admin" is the only privileged role. The first user created in
// an empty database is made admin implicitly (see UserRepo.Upsert).
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	Email        string
	Roles        string
	IsActive     bool
	OAuthSubject string
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// IsAdmin reports whether the admin role is present in the user's role set.
func (u *User) IsAdmin() bool {
	for _, r := range strings.Split(u.Roles, ",") {
		if strings.TrimSpace(r) == "admin" {
			return true
		}
	}
	return false
}

// TokenKind distinguishes a per-user publish/owner token from a global
// read-only token issued to CI systems for index and download access.
type TokenKind string

const (
	TokenKindUser           TokenKind = "user"
	TokenKindGlobalReadOnly TokenKind = "global_read_only"
)

// Token is an API credential. Only Digest (a bcrypt hash, which is not a
// memory-hard function) is ever
// persisted; the plaintext value is returned to the caller exactly once, at
// creation time. CanWrite/CanAdmin only apply to TokenKindUser tokens and can
// never exceed the owning user's effective roles (enforced at issuance).
type Token struct {
	ID         int64
	UserID     int64
	Kind       TokenKind
	Name       string
	Digest     string
	CanWrite   bool
	CanAdmin   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

func (t *Token) Revoked() bool { return t.RevokedAt != nil }

// Package is a crate name. LowerName is the ASCII-lowercase shadow key that
// enforces case-insensitive uniqueness while Name preserves the publisher's
// original casing for display and index rendering. DocTargets and
// NativeTargets are ordered comma-separated target-triple lists; Capabilities
// is a comma-separated set of opaque labels a doc-build worker must satisfy.
type Package struct {
	ID            int64
	Name          string
	LowerName     string
	Description   string
	DocTargets    string
	NativeTargets string
	Capabilities  string
	IsDeprecated  bool
	CanOverwrite  bool
	CreatedAt     time.Time
}

// TargetList splits a comma-separated ordered target list, skipping blanks.
func TargetList(csv string) []string { return splitCSV(csv) }

func splitCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PackageOwner is one row of the package<->user ownership many-to-many table.
type PackageOwner struct {
	PackageID int64
	UserID    int64
	AddedAt   time.Time
}

// PackageVersion is one published version of a package. DownloadHistogram is
// a packed little-endian uint32 ring of 365 daily counters indexed by days
// since publish; slots are not reset when the ring wraps. DepsLastCheck/DepsHasOutdated/DepsHasCVEs are the
// dependency-analyzer's audit cache (C8).
type PackageVersion struct {
	ID                int64
	PackageID         int64
	Version           string
	Checksum          string
	Yanked            bool
	Manifest          string
	Description       string
	DownloadsTotal    int64
	DownloadHistogram []byte
	PublishedBy       int64
	PublishedAt       time.Time
	DepsLastCheck      *time.Time
	DepsHasOutdated    bool
	DepsHasCVEs        bool
}

// PackageVersionDocs records, per (version, target), whether a doc build was
// ever attempted and whether its archive currently exists in the blob store.
// Absent row == never queued (§3).
type PackageVersionDocs struct {
	ID          int64
	VersionID   int64
	Target      string
	IsAttempted bool
	IsPresent   bool
	BlobKey     string
	BuiltAt     *time.Time
}

// DocGenJobState is a doc-gen job's position in its state machine:
// Queued -> Assigned -> Running -> {Succeeded, Failed, Cancelled}.
type DocGenJobState string

const (
	DocGenQueued    DocGenJobState = "Queued"
	DocGenAssigned  DocGenJobState = "Assigned"
	DocGenRunning   DocGenJobState = "Running"
	DocGenSucceeded DocGenJobState = "Succeeded"
	DocGenFailed    DocGenJobState = "Failed"
	DocGenCancelled DocGenJobState = "Cancelled"
)

// TriggerKind records what caused a DocGenJob to be enqueued, which in turn
// sets its dispatch priority (§4.6: user=2, publish=1, analyzer=0).
type TriggerKind string

const (
	TriggerUser     TriggerKind = "user"
	TriggerPublish  TriggerKind = "publish"
	TriggerAnalyzer TriggerKind = "analyzer"
)

// Priority returns this trigger kind's dispatch priority.
func (k TriggerKind) Priority() int {
	switch k {
	case TriggerUser:
		return 2
	case TriggerPublish:
		return 1
	default:
		return 0
	}
}

// DocGenJob is a unit of doc-generation work dispatched to a worker.
// UseNative marks a build that requires the package's native-toolchain
// targets rather than a cross-compiled one; Capabilities is the
// comma-separated set of labels a worker must carry to accept the job.
type DocGenJob struct {
	ID              string
	VersionID       int64
	Target          string
	UseNative       bool
	Capabilities    string
	State           DocGenJobState
	Priority        int
	WorkerID        string
	TriggerUserID   int64
	TriggerKind     TriggerKind
	QueuedAt        time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	LastHeartbeatAt *time.Time
	Attempts        int
	Output          string
	Error           string
}

// Orphan records a residual failure from the publication pipeline's
// best-effort compensation: a blob or index entry that may have survived a
// rolled-back publish and needs operator reconciliation.
type Orphan struct {
	ID         int64
	Kind       string
	Reference  string
	Reason     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// AuditLogEntry is one security-relevant event: an auth success/failure, a
// publish, an owner change, an admin action.
type AuditLogEntry struct {
	ID           int64
	UserID       *int64
	Action       string
	ResourceType string
	ResourceID   string
	IPAddress    string
	Status       string
	CreatedAt    time.Time
}
