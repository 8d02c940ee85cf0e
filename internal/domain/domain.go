package domain

// AssignmentMode controls how many producers may claim a request.
type AssignmentMode string

const (
	ModeSingle   AssignmentMode = "SINGLE"
	ModeMultiple AssignmentMode = "MULTIPLE"
	ModeGroup    AssignmentMode = "GROUP"
)

func (m AssignmentMode) Valid() bool {
	switch m {
	case ModeSingle, ModeMultiple, ModeGroup:
		return true
	}
	return false
}

type RequestStatus string

const (
	RequestOpen      RequestStatus = "OPEN"
	RequestFull      RequestStatus = "FULL"
	RequestClosed    RequestStatus = "CLOSED"
	RequestCancelled RequestStatus = "CANCELLED"
)

// Terminal reports whether the request no longer accepts claims or submissions.
func (s RequestStatus) Terminal() bool {
	return s == RequestClosed || s == RequestCancelled
}

type ProjectRequest struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Categories       []string       `json:"categories,omitempty"`
	Deadline         *string        `json:"deadline,omitempty" format:"date-time"`
	Mode             AssignmentMode `json:"mode" enum:"SINGLE,MULTIPLE,GROUP"`
	MaxAssignees     int            `json:"max_assignees"`
	CurrentAssignees int            `json:"current_assignees"`
	Budget           int64          `json:"budget"`
	Priority         int            `json:"priority"`
	ClientID         string         `json:"client_id,omitempty"`
	Status           RequestStatus  `json:"status" enum:"OPEN,FULL,CLOSED,CANCELLED"`
	CreatedBy        string         `json:"created_by"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
	ClosedAt         *string        `json:"closed_at,omitempty" format:"date-time"`
}

type Assignment struct {
	ID             string         `json:"id"`
	RequestID      string         `json:"request_id"`
	ProducerID     string         `json:"producer_id"`
	Mode           AssignmentMode `json:"mode" enum:"SINGLE,MULTIPLE,GROUP"`
	BudgetSnapshot int64          `json:"budget_snapshot"`
	VersionSlots   int            `json:"version_slots"`
	ClaimedAt      string         `json:"claimed_at" format:"date-time"`
	ReleasedAt     *string        `json:"released_at,omitempty" format:"date-time"`
	ReleasedBy     *string        `json:"released_by,omitempty"`
}

func (a Assignment) Released() bool { return a.ReleasedAt != nil }

type VersionStatus string

const (
	VersionSubmitted         VersionStatus = "SUBMITTED"
	VersionInReview          VersionStatus = "IN_REVIEW"
	VersionApproved          VersionStatus = "APPROVED"
	VersionRejected          VersionStatus = "REJECTED"
	VersionRevisionRequested VersionStatus = "REVISION_REQUESTED"
)

type VersionSubmission struct {
	ID              string        `json:"id"`
	AssignmentID    string        `json:"assignment_id"`
	RequestID       string        `json:"request_id"`
	ProducerID      string        `json:"producer_id"`
	Slot            int           `json:"slot"`
	Label           string        `json:"label"`
	DurationSeconds float64       `json:"duration_seconds,omitempty"`
	Notes           string        `json:"notes,omitempty"`
	Status          VersionStatus `json:"status" enum:"SUBMITTED,IN_REVIEW,APPROVED,REJECTED,REVISION_REQUESTED"`
	SubmittedAt     string        `json:"submitted_at" format:"date-time"`
	ReviewerID      *string       `json:"reviewer_id,omitempty"`
	ReviewedAt      *string       `json:"reviewed_at,omitempty" format:"date-time"`
	ApprovedAt      *string       `json:"approved_at,omitempty" format:"date-time"`
	ReviewNote      string        `json:"review_note,omitempty"`
}

// DurationKnown reports whether the delivered cut carries a duration to bound timestamps.
func (v VersionSubmission) DurationKnown() bool { return v.DurationSeconds > 0 }

type FeedbackPriority string

const (
	PriorityLow    FeedbackPriority = "low"
	PriorityNormal FeedbackPriority = "normal"
	PriorityHigh   FeedbackPriority = "high"
	PriorityUrgent FeedbackPriority = "urgent"
)

func (p FeedbackPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type FeedbackCategory string

const (
	CategorySubtitle FeedbackCategory = "subtitle"
	CategoryAudio    FeedbackCategory = "audio"
	CategoryVideo    FeedbackCategory = "video"
	CategoryOther    FeedbackCategory = "other"
)

func (c FeedbackCategory) Valid() bool {
	switch c {
	case CategorySubtitle, CategoryAudio, CategoryVideo, CategoryOther:
		return true
	}
	return false
}

type FeedbackStatus string

const (
	FeedbackPending  FeedbackStatus = "pending"
	FeedbackResolved FeedbackStatus = "resolved"
)

type FeedbackItem struct {
	ID         string           `json:"id"`
	VersionID  string           `json:"version_id"`
	Seq        int64            `json:"seq"`
	Content    string           `json:"content"`
	Category   FeedbackCategory `json:"category" enum:"subtitle,audio,video,other"`
	StartTS    float64          `json:"start_ts"`
	EndTS      *float64         `json:"end_ts,omitempty"`
	Priority   FeedbackPriority `json:"priority" enum:"low,normal,high,urgent"`
	Status     FeedbackStatus   `json:"status" enum:"pending,resolved"`
	AuthorID   string           `json:"author_id"`
	CreatedAt  string           `json:"created_at" format:"date-time"`
	ResolvedBy *string          `json:"resolved_by,omitempty"`
	ResolvedAt *string          `json:"resolved_at,omitempty" format:"date-time"`
}

type ShapeKind string

const (
	ShapePoint    ShapeKind = "point"
	ShapeCircle   ShapeKind = "circle"
	ShapeRect     ShapeKind = "rect"
	ShapeArrow    ShapeKind = "arrow"
	ShapeFreehand ShapeKind = "freehand"
)

func (s ShapeKind) Valid() bool {
	switch s {
	case ShapePoint, ShapeCircle, ShapeRect, ShapeArrow, ShapeFreehand:
		return true
	}
	return false
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Coordinates describe a shape either in canvas pixels or normalized to [0,1].
type Coordinates struct {
	X      float64  `json:"x"`
	Y      float64  `json:"y"`
	Width  *float64 `json:"width,omitempty"`
	Height *float64 `json:"height,omitempty"`
	Radius *float64 `json:"radius,omitempty"`
	Points []Point  `json:"points,omitempty"`
}

type AnnotationStyle struct {
	Color       string  `json:"color"`
	StrokeWidth float64 `json:"stroke_width"`
}

type Annotation struct {
	ID           string          `json:"id"`
	VersionID    string          `json:"version_id"`
	Shape        ShapeKind       `json:"shape" enum:"point,circle,rect,arrow,freehand"`
	Raw          Coordinates     `json:"raw"`
	Normalized   Coordinates     `json:"normalized"`
	CanvasWidth  float64         `json:"canvas_width"`
	CanvasHeight float64         `json:"canvas_height"`
	Style        AnnotationStyle `json:"style"`
	TS           float64         `json:"timestamp"`
	AuthorID     string          `json:"author_id"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
}

type SettlementKind string

const (
	SettlementPrimary   SettlementKind = "PRIMARY"
	SettlementSecondary SettlementKind = "SECONDARY"
)

type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "PENDING"
	SettlementProcessing SettlementStatus = "PROCESSING"
	SettlementCompleted  SettlementStatus = "COMPLETED"
)

type SettlementRecord struct {
	ID           string           `json:"id"`
	Kind         SettlementKind   `json:"kind" enum:"PRIMARY,SECONDARY"`
	ProducerID   string           `json:"producer_id"`
	SourceRef    string           `json:"source_ref"`
	BaseAmount   int64            `json:"base_amount"`
	BonusAmount  int64            `json:"bonus_amount"`
	Amount       int64            `json:"amount"`
	Status       SettlementStatus `json:"status" enum:"PENDING,PROCESSING,COMPLETED"`
	ScheduledFor string           `json:"scheduled_for" format:"date"`
	Breakdown    string           `json:"breakdown_json,omitempty"`
	BatchID      *string          `json:"batch_id,omitempty"`
	CreatedAt    string           `json:"created_at" format:"date-time"`
	UpdatedAt    string           `json:"updated_at" format:"date-time"`
	ProcessedAt  *string          `json:"processed_at,omitempty" format:"date-time"`
	CompletedAt  *string          `json:"completed_at,omitempty" format:"date-time"`
}

type SettlementSummary struct {
	TotalAmount     int64 `json:"total_amount"`
	PendingCount    int   `json:"pending_count"`
	ProcessingCount int   `json:"processing_count"`
	CompletedCount  int   `json:"completed_count"`
	PendingAmount   int64 `json:"pending_amount"`
	CompletedAmount int64 `json:"completed_amount"`
}

type PerformanceSnapshot struct {
	VersionID   string `json:"version_id"`
	Views       int64  `json:"views"`
	Conversions int64  `json:"conversions"`
	RecordedAt  string `json:"recorded_at" format:"date-time"`
}

type SpecialBonus string

const (
	BonusQuarterMVP     SpecialBonus = "quarter_mvp"
	BonusMostNewClients SpecialBonus = "most_new_clients"
)

func (b SpecialBonus) Valid() bool {
	return b == BonusQuarterMVP || b == BonusMostNewClients
}

type SpecialBonusFlag struct {
	ProducerID string       `json:"producer_id"`
	Quarter    string       `json:"quarter"`
	Flag       SpecialBonus `json:"flag" enum:"quarter_mvp,most_new_clients"`
	FlaggedBy  string       `json:"flagged_by"`
	CreatedAt  string       `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
