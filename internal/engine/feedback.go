package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"cutline/internal/domain"
	"cutline/internal/engine/review"
	"cutline/internal/events"
)

type FeedbackOptions struct {
	VersionID string
	AuthorID  string
	Content   string
	Category  domain.FeedbackCategory
	StartTS   float64
	EndTS     *float64
	Priority  domain.FeedbackPriority
}

func (o *FeedbackOptions) validate() error {
	o.Content = strings.TrimSpace(o.Content)
	if o.Content == "" {
		return domain.Invalid("content is required")
	}
	if strings.TrimSpace(o.AuthorID) == "" {
		return domain.Invalid("author is required")
	}
	if o.Priority == "" {
		o.Priority = domain.PriorityNormal
	}
	if !o.Priority.Valid() {
		return domain.Invalid("priority %q must be low, normal, high or urgent", o.Priority)
	}
	if o.Category == "" {
		o.Category = domain.CategoryOther
	}
	if !o.Category.Valid() {
		return domain.Invalid("category %q must be subtitle, audio, video or other", o.Category)
	}
	if o.StartTS < 0 {
		return fmt.Errorf("%w: start %.3fs is before the start of the video", domain.ErrOutOfBounds, o.StartTS)
	}
	if o.EndTS != nil && *o.EndTS <= o.StartTS {
		return fmt.Errorf("%w: end %.3fs must be after start %.3fs", domain.ErrInvalidRange, *o.EndTS, o.StartTS)
	}
	return nil
}

// AddFeedback anchors a review comment to a point or range of the version's timeline.
// Feedback is only taken while the version is in front of reviewers.
func (e Engine) AddFeedback(ctx context.Context, opts FeedbackOptions) (domain.FeedbackItem, error) {
	if err := opts.validate(); err != nil {
		return domain.FeedbackItem{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FeedbackItem{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersion(ctx, tx, opts.VersionID)
	if err != nil {
		return domain.FeedbackItem{}, err
	}
	if !review.Open(v.Status) {
		return domain.FeedbackItem{}, &domain.TransitionError{Entity: "version", From: string(v.Status), Action: "add_feedback"}
	}
	if v.DurationKnown() {
		if opts.StartTS > v.DurationSeconds {
			return domain.FeedbackItem{}, fmt.Errorf("%w: start %.3fs exceeds duration %.3fs", domain.ErrOutOfBounds, opts.StartTS, v.DurationSeconds)
		}
		if opts.EndTS != nil && *opts.EndTS > v.DurationSeconds {
			return domain.FeedbackItem{}, fmt.Errorf("%w: end %.3fs exceeds duration %.3fs", domain.ErrOutOfBounds, *opts.EndTS, v.DurationSeconds)
		}
	}
	f := domain.FeedbackItem{
		ID:        newID(),
		VersionID: v.ID,
		Content:   opts.Content,
		Category:  opts.Category,
		StartTS:   opts.StartTS,
		EndTS:     opts.EndTS,
		Priority:  opts.Priority,
		Status:    domain.FeedbackPending,
		AuthorID:  opts.AuthorID,
		CreatedAt: e.stamp(),
	}
	if f.Seq, err = e.Repo.InsertFeedback(ctx, tx, f); err != nil {
		return domain.FeedbackItem{}, fmt.Errorf("insert feedback: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.FeedbackAdded, "feedback", f.ID, opts.AuthorID, events.EventPayload{
		"version_id": v.ID, "priority": f.Priority, "start_ts": f.StartTS,
	}); err != nil {
		return domain.FeedbackItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FeedbackItem{}, err
	}
	return f, nil
}

// ResolveFeedback marks an item resolved. Resolving twice returns the item unchanged.
func (e Engine) ResolveFeedback(ctx context.Context, feedbackID, actorID string) (domain.FeedbackItem, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.FeedbackItem{}, domain.Invalid("actor is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FeedbackItem{}, err
	}
	defer tx.Rollback()

	f, err := e.Repo.GetFeedback(ctx, tx, feedbackID)
	if err != nil {
		return domain.FeedbackItem{}, err
	}
	if f.Status == domain.FeedbackResolved {
		return f, nil
	}
	at := e.stamp()
	ok, err := e.Repo.ResolveFeedback(ctx, tx, f.ID, actorID, at)
	if err != nil {
		return domain.FeedbackItem{}, err
	}
	if !ok {
		return e.Repo.GetFeedback(ctx, tx, f.ID)
	}
	if err := e.appendEvent(ctx, tx, events.FeedbackResolved, "feedback", f.ID, actorID, events.EventPayload{"version_id": f.VersionID}); err != nil {
		return domain.FeedbackItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FeedbackItem{}, err
	}
	f.Status = domain.FeedbackResolved
	f.ResolvedBy = &actorID
	f.ResolvedAt = &at
	return f, nil
}

// ListFeedback returns items in playback order: start timestamp, then creation order.
func (e Engine) ListFeedback(ctx context.Context, versionID string, status domain.FeedbackStatus) ([]domain.FeedbackItem, error) {
	if _, err := e.Repo.GetVersion(ctx, nil, versionID); err != nil {
		return nil, err
	}
	return e.Repo.ListFeedback(ctx, versionID, status)
}

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

type AnnotationOptions struct {
	VersionID    string
	AuthorID     string
	Shape        domain.ShapeKind
	Raw          domain.Coordinates
	CanvasWidth  float64
	CanvasHeight float64
	TS           float64
	Style        domain.AnnotationStyle
}

func (o *AnnotationOptions) validate() error {
	if strings.TrimSpace(o.AuthorID) == "" {
		return domain.Invalid("author is required")
	}
	if !o.Shape.Valid() {
		return domain.Invalid("shape %q must be point, circle, rect, arrow or freehand", o.Shape)
	}
	if o.CanvasWidth <= 0 || o.CanvasHeight <= 0 {
		return fmt.Errorf("%w: canvas %.0fx%.0f must be positive", domain.ErrInvalidRange, o.CanvasWidth, o.CanvasHeight)
	}
	if o.TS < 0 {
		return fmt.Errorf("%w: timestamp %.3fs is before the start of the video", domain.ErrOutOfBounds, o.TS)
	}
	if o.Style.Color == "" {
		o.Style.Color = "#FF0000"
	}
	if !colorPattern.MatchString(o.Style.Color) {
		return domain.Invalid("color %q must be #RRGGBB", o.Style.Color)
	}
	if o.Style.StrokeWidth == 0 {
		o.Style.StrokeWidth = 2
	}
	if o.Style.StrokeWidth < 0 {
		return domain.Invalid("stroke width must be positive")
	}
	raw := o.Raw
	if !o.inside(raw.X, raw.Y) {
		return fmt.Errorf("%w: (%.1f, %.1f) is outside the %.0fx%.0f canvas", domain.ErrOutOfBounds, raw.X, raw.Y, o.CanvasWidth, o.CanvasHeight)
	}
	for _, p := range raw.Points {
		if !o.inside(p.X, p.Y) {
			return fmt.Errorf("%w: point (%.1f, %.1f) is outside the canvas", domain.ErrOutOfBounds, p.X, p.Y)
		}
	}
	switch o.Shape {
	case domain.ShapeRect:
		if raw.Width == nil || raw.Height == nil || *raw.Width <= 0 || *raw.Height <= 0 {
			return fmt.Errorf("%w: rect needs positive width and height", domain.ErrInvalidRange)
		}
	case domain.ShapeCircle:
		if raw.Radius == nil || *raw.Radius <= 0 {
			return fmt.Errorf("%w: circle needs a positive radius", domain.ErrInvalidRange)
		}
	case domain.ShapeArrow, domain.ShapeFreehand:
		if len(raw.Points) < 1 {
			return domain.Invalid("%s needs at least one point after its origin", o.Shape)
		}
	}
	return nil
}

func (o *AnnotationOptions) inside(x, y float64) bool {
	return x >= 0 && y >= 0 && x <= o.CanvasWidth && y <= o.CanvasHeight
}

// NormalizeCoordinates scales raw pixel coordinates into [0,1] by the canvas size at capture.
// x and width scale by the canvas width, y and height by its height. Radius stays in pixels.
func NormalizeCoordinates(raw domain.Coordinates, width, height float64) domain.Coordinates {
	n := domain.Coordinates{X: raw.X / width, Y: raw.Y / height, Radius: raw.Radius}
	if raw.Width != nil {
		w := *raw.Width / width
		n.Width = &w
	}
	if raw.Height != nil {
		h := *raw.Height / height
		n.Height = &h
	}
	for _, p := range raw.Points {
		n.Points = append(n.Points, domain.Point{X: p.X / width, Y: p.Y / height})
	}
	return n
}

// AddAnnotation stores the raw coordinates together with their normalized form, computed
// once here and never recomputed on read.
func (e Engine) AddAnnotation(ctx context.Context, opts AnnotationOptions) (domain.Annotation, error) {
	if err := opts.validate(); err != nil {
		return domain.Annotation{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Annotation{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersion(ctx, tx, opts.VersionID)
	if err != nil {
		return domain.Annotation{}, err
	}
	if !review.Open(v.Status) {
		return domain.Annotation{}, &domain.TransitionError{Entity: "version", From: string(v.Status), Action: "annotate"}
	}
	if v.DurationKnown() && opts.TS > v.DurationSeconds {
		return domain.Annotation{}, fmt.Errorf("%w: timestamp %.3fs exceeds duration %.3fs", domain.ErrOutOfBounds, opts.TS, v.DurationSeconds)
	}
	a := domain.Annotation{
		ID:           newID(),
		VersionID:    v.ID,
		Shape:        opts.Shape,
		Raw:          opts.Raw,
		Normalized:   NormalizeCoordinates(opts.Raw, opts.CanvasWidth, opts.CanvasHeight),
		CanvasWidth:  opts.CanvasWidth,
		CanvasHeight: opts.CanvasHeight,
		Style:        opts.Style,
		TS:           opts.TS,
		AuthorID:     opts.AuthorID,
		CreatedAt:    e.stamp(),
	}
	if err := e.Repo.InsertAnnotation(ctx, tx, a); err != nil {
		return domain.Annotation{}, fmt.Errorf("insert annotation: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.AnnotationAdded, "annotation", a.ID, opts.AuthorID, events.EventPayload{
		"version_id": v.ID, "shape": a.Shape, "ts": a.TS,
	}); err != nil {
		return domain.Annotation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Annotation{}, err
	}
	return a, nil
}

func (e Engine) ListAnnotations(ctx context.Context, versionID string) ([]domain.Annotation, error) {
	if _, err := e.Repo.GetVersion(ctx, nil, versionID); err != nil {
		return nil, err
	}
	return e.Repo.ListAnnotations(ctx, versionID)
}
