package model

import (
	"context"
	"time"
)

// Selection is the per-question version selection policy.
type Selection string

const (
	// SelectFixed always uses version 1.
	SelectFixed Selection = "fixed"
	// SelectShuffle draws a version at random from a seeded source.
	SelectShuffle Selection = "shuffle"
	// SelectCycle steps through the versions paper by paper.
	SelectCycle Selection = "cycle"
)

// PageKind is the role a page plays in a paper.
type PageKind string

const (
	KindID        PageKind = "id"
	KindDoNotMark PageKind = "dnm"
	KindQuestion  PageKind = "question"
)

// Classification is the staging outcome of a scanned page image.
type Classification string

const (
	ClassUnknown   Classification = "unknown"
	ClassKnown     Classification = "known"
	ClassExtra     Classification = "extra"
	ClassError     Classification = "error"
	ClassDiscarded Classification = "discarded"
	ClassColliding Classification = "colliding"
)

// Classifications lists every classification a staging image may hold.
var Classifications = []Classification{
	ClassUnknown, ClassKnown, ClassExtra, ClassError, ClassDiscarded, ClassColliding,
}

// Valid reports whether c is one of the known classifications.
func (c Classification) Valid() bool {
	for _, k := range Classifications {
		if c == k {
			return true
		}
	}
	return false
}

// Pending reports whether c still needs operator attention.
func (c Classification) Pending() bool {
	return c == ClassUnknown || c == ClassError || c == ClassColliding
}

// Reason codes attached to a classification. They are stable identifiers
// that operator tooling translates for display.
const (
	ReasonNone              = ""
	ReasonInsufficientCodes = "insufficient_codes"
	ReasonConflictingCodes  = "conflicting_codes"
	ReasonOrientation       = "inconsistent_orientation"
	ReasonUnexpectedCorner  = "unexpected_corner"
	ReasonCorruptCode       = "corrupt_code"
	ReasonPublicCode        = "public_code_mismatch"
	ReasonOutOfRange        = "out_of_range"
	ReasonVersionMismatch   = "version_mismatch"
	ReasonCollision         = "collision"
	ReasonDuplicate         = "duplicate"
	ReasonUnreadableImage   = "unreadable_image"
	ReasonOperator          = "operator"
)

// QuestionSpec describes one question of the assessment.
type QuestionSpec struct {
	Label  string    `yaml:"label" json:"label"`
	Pages  []int     `yaml:"pages" json:"pages"`
	Select Selection `yaml:"select" json:"select"`
	Mark   int       `yaml:"mark" json:"mark"`
}

// Specification is the immutable per-assessment configuration.
type Specification struct {
	Name             string         `yaml:"name" json:"name"`
	LongName         string         `yaml:"longName" json:"longName"`
	NumberOfPages    int            `yaml:"numberOfPages" json:"numberOfPages"`
	NumberOfVersions int            `yaml:"numberOfVersions" json:"numberOfVersions"`
	NumberToProduce  int            `yaml:"numberToProduce" json:"numberToProduce"`
	PublicCode       string         `yaml:"publicCode" json:"publicCode"`
	IDPage           int            `yaml:"idPage" json:"idPage"`
	DoNotMarkPages   []int          `yaml:"doNotMarkPages" json:"doNotMarkPages"`
	Questions        []QuestionSpec `yaml:"questions" json:"questions"`
}

// NumberOfQuestions returns the number of questions in the specification.
func (s *Specification) NumberOfQuestions() int {
	return len(s.Questions)
}

// PageOwner returns the kind of the given page and, for question pages,
// the 1-based question number. ok is false if no group owns the page.
func (s *Specification) PageOwner(page int) (kind PageKind, question int, ok bool) {
	if s.IDPage != 0 && page == s.IDPage {
		return KindID, 0, true
	}
	for _, p := range s.DoNotMarkPages {
		if p == page {
			return KindDoNotMark, 0, true
		}
	}
	for i, q := range s.Questions {
		for _, p := range q.Pages {
			if p == page {
				return KindQuestion, i + 1, true
			}
		}
	}
	return "", 0, false
}

// VersionMap maps paper number to question number to version.
type VersionMap map[int]map[int]int

// PageSlot is one (paper, page) position of the paper database.
type PageSlot struct {
	Paper           int      `json:"paper"`
	Page            int      `json:"page"`
	Kind            PageKind `json:"kind"`
	Question        int      `json:"question,omitempty"`
	ExpectedVersion int      `json:"expected_version"`
}

// Image is a committed page scan owning a slot.
type Image struct {
	ID          int64     `json:"id"`
	Paper       int       `json:"paper"`
	Page        int       `json:"page"`
	Hash        string    `json:"hash"`
	BlobKey     string    `json:"blob_key"`
	Rotation    int       `json:"rotation"`
	BundleID    string    `json:"bundle_id"`
	BundleOrder int       `json:"bundle_order"`
	StagingID   int64     `json:"staging_id"`
	PushedAt    time.Time `json:"pushed_at"`
	PushedBy    string    `json:"pushed_by"`
}

// ExtraImage is a committed supplementary page attached to a paper.
type ExtraImage struct {
	ID          int64     `json:"id"`
	Paper       int       `json:"paper"`
	Questions   []int     `json:"questions"`
	Hash        string    `json:"hash"`
	BlobKey     string    `json:"blob_key"`
	Rotation    int       `json:"rotation"`
	BundleID    string    `json:"bundle_id"`
	BundleOrder int       `json:"bundle_order"`
	StagingID   int64     `json:"staging_id"`
	PushedAt    time.Time `json:"pushed_at"`
	PushedBy    string    `json:"pushed_by"`
}

// Bundle is one uploaded scan session.
type Bundle struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Hash          string    `json:"hash"`
	NumberOfPages int       `json:"number_of_pages"`
	Pushed        bool      `json:"pushed"`
	Locked        bool      `json:"locked"`
	CreatedAt     time.Time `json:"created_at"`
	CreatedBy     string    `json:"created_by"`
}

// ReadStatus marks whether a decoded QR payload can be trusted.
type ReadStatus string

const (
	ReadValid   ReadStatus = "valid"
	ReadFlagged ReadStatus = "flagged"
)

// QRRead is one QR payload decoded from a page corner.
type QRRead struct {
	Corner      int        `json:"corner"`
	Payload     string     `json:"payload"`
	Status      ReadStatus `json:"status"`
	Paper       int        `json:"paper,omitempty"`
	Page        int        `json:"page,omitempty"`
	Version     int        `json:"version,omitempty"`
	Orientation int        `json:"orientation,omitempty"`
	PublicCode  int        `json:"public_code,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// StagingImage is the pre-commit record of one page of a bundle.
type StagingImage struct {
	ID             int64          `json:"id"`
	BundleID       string         `json:"bundle_id"`
	BundleOrder    int            `json:"bundle_order"`
	Hash           string         `json:"hash"`
	BlobKey        string         `json:"blob_key"`
	Rotation       int            `json:"rotation"`
	Reads          []QRRead       `json:"reads"`
	Classification Classification `json:"classification"`
	Reason         string         `json:"reason,omitempty"`
	Paper          int            `json:"paper,omitempty"`
	Page           int            `json:"page,omitempty"`
	Version        int            `json:"version,omitempty"`
	Questions      []int          `json:"questions,omitempty"`
	ImageID        *int64         `json:"image_id,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Consumed reports whether the staging image has been promoted.
func (s *StagingImage) Consumed() bool {
	return s.ImageID != nil
}

// DiscardKind identifies what a ledger entry was discarded from.
type DiscardKind string

const (
	DiscardStaging DiscardKind = "staging"
	DiscardImage   DiscardKind = "image"
	DiscardExtra   DiscardKind = "extra"
)

// Discard is an append-only ledger entry for removed material.
type Discard struct {
	ID          string      `json:"id"`
	Kind        DiscardKind `json:"kind"`
	StagingID   int64       `json:"staging_id,omitempty"`
	ImageID     int64       `json:"image_id,omitempty"`
	BundleID    string      `json:"bundle_id"`
	BundleOrder int         `json:"bundle_order"`
	Paper       int         `json:"paper,omitempty"`
	Page        int         `json:"page,omitempty"`
	Hash        string      `json:"hash"`
	Rotation    int         `json:"rotation"`
	Reason      string      `json:"reason"`
	DiscardedBy string      `json:"discarded_by"`
	DiscardedAt time.Time   `json:"discarded_at"`
}

// Operator is a person allowed to triage and commit scans.
type Operator struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
}

// AuthSession represents an operator API token.
type AuthSession struct {
	ID         string
	OperatorID int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// SystemActor is recorded when no operator is attached to the context.
const SystemActor = "system"

type actorCtxKey struct{}

// ContextWithActor stores the acting operator's name in the context.
func ContextWithActor(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, name)
}

// ActorFromContext returns the acting operator, or SystemActor.
func ActorFromContext(ctx context.Context) string {
	if name, _ := ctx.Value(actorCtxKey{}).(string); name != "" {
		return name
	}
	return SystemActor
}
