package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cutline/internal/domain"
	"cutline/internal/engine"
)

func ptr[T any](v T) *T { return &v }

func TestAddFeedbackValidation(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 1000)
	a := env.claim(t, req.ID, "producer-a")
	v := env.submit(t, a, "v1.0") // 90s

	base := engine.FeedbackOptions{VersionID: v.ID, AuthorID: "reviewer-1", Content: "audio clips"}
	cases := []struct {
		name string
		edit func(o *engine.FeedbackOptions)
		want error
	}{
		{"empty content", func(o *engine.FeedbackOptions) { o.Content = " " }, domain.ErrInvalidInput},
		{"no author", func(o *engine.FeedbackOptions) { o.AuthorID = "" }, domain.ErrInvalidInput},
		{"bad priority", func(o *engine.FeedbackOptions) { o.Priority = "blocker" }, domain.ErrInvalidInput},
		{"bad category", func(o *engine.FeedbackOptions) { o.Category = "color" }, domain.ErrInvalidInput},
		{"negative start", func(o *engine.FeedbackOptions) { o.StartTS = -1 }, domain.ErrOutOfBounds},
		{"end before start", func(o *engine.FeedbackOptions) { o.StartTS = 10; o.EndTS = ptr(10.0) }, domain.ErrInvalidRange},
		{"start past duration", func(o *engine.FeedbackOptions) { o.StartTS = 91 }, domain.ErrOutOfBounds},
		{"end past duration", func(o *engine.FeedbackOptions) { o.StartTS = 80; o.EndTS = ptr(95.0) }, domain.ErrOutOfBounds},
		{"unknown version", func(o *engine.FeedbackOptions) { o.VersionID = "missing" }, domain.ErrNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			opts := base
			c.edit(&opts)
			_, err := env.Engine.AddFeedback(env.Ctx, opts)
			assert.ErrorIs(t, err, c.want)
		})
	}

	items, err := env.Engine.ListFeedback(env.Ctx, v.ID, "")
	require.NoError(t, err)
	assert.Empty(t, items, "rejected feedback writes nothing")

	f, err := env.Engine.AddFeedback(env.Ctx, engine.FeedbackOptions{
		VersionID: v.ID, AuthorID: "reviewer-1", Content: "subtitle typo", StartTS: 80, EndTS: ptr(90.0), Category: domain.CategorySubtitle,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityNormal, f.Priority)
	assert.Equal(t, domain.FeedbackPending, f.Status)
}

func TestFeedbackOnlyWhileVersionIsOpen(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 1000)
	a := env.claim(t, req.ID, "producer-a")
	v := env.inReview(t, env.submit(t, a, "v1.0"))
	_, err := env.Engine.Reject(env.Ctx, v.ID, "reviewer-1", "off brief")
	require.NoError(t, err)

	_, err = env.Engine.AddFeedback(env.Ctx, engine.FeedbackOptions{VersionID: v.ID, AuthorID: "reviewer-1", Content: "late note"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = env.Engine.AddAnnotation(env.Ctx, engine.AnnotationOptions{
		VersionID: v.ID, AuthorID: "reviewer-1", Shape: domain.ShapePoint, CanvasWidth: 100, CanvasHeight: 100,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestFeedbackOrderingAndResolve(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 1000)
	a := env.claim(t, req.ID, "producer-a")
	v := env.submit(t, a, "v1.0")

	late := env.feedback(t, v.ID, 30, domain.PriorityLow)
	firstAt10 := env.feedback(t, v.ID, 10, domain.PriorityHigh)
	secondAt10 := env.feedback(t, v.ID, 10, domain.PriorityNormal)

	items, err := env.Engine.ListFeedback(env.Ctx, v.ID, "")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{firstAt10.ID, secondAt10.ID, late.ID}, []string{items[0].ID, items[1].ID, items[2].ID})

	resolved, err := env.Engine.ResolveFeedback(env.Ctx, firstAt10.ID, "producer-a")
	require.NoError(t, err)
	assert.Equal(t, domain.FeedbackResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, "producer-a", *resolved.ResolvedBy)

	again, err := env.Engine.ResolveFeedback(env.Ctx, firstAt10.ID, "producer-b")
	require.NoError(t, err)
	assert.Equal(t, "producer-a", *again.ResolvedBy, "resolving twice changes nothing")

	pending, err := env.Engine.ListFeedback(env.Ctx, v.ID, domain.FeedbackPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = env.Engine.ResolveFeedback(env.Ctx, "missing", "producer-a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNormalizeCoordinates(t *testing.T) {
	n := engine.NormalizeCoordinates(domain.Coordinates{
		X: 480, Y: 270, Width: ptr(960.0), Height: ptr(540.0), Radius: ptr(12.0),
		Points: []domain.Point{{X: 1920, Y: 0}},
	}, 1920, 1080)
	assert.InDelta(t, 0.25, n.X, 1e-9)
	assert.InDelta(t, 0.25, n.Y, 1e-9)
	assert.InDelta(t, 0.5, *n.Width, 1e-9)
	assert.InDelta(t, 0.5, *n.Height, 1e-9)
	assert.Equal(t, 12.0, *n.Radius)
	assert.Equal(t, []domain.Point{{X: 1, Y: 0}}, n.Points)
}

func TestAnnotationsKeepNormalizedValues(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 1000)
	a := env.claim(t, req.ID, "producer-a")
	v := env.submit(t, a, "v1.0")

	first, err := env.Engine.AddAnnotation(env.Ctx, engine.AnnotationOptions{
		VersionID: v.ID, AuthorID: "reviewer-1", Shape: domain.ShapeRect,
		Raw:         domain.Coordinates{X: 960, Y: 540, Width: ptr(192.0), Height: ptr(108.0)},
		CanvasWidth: 1920, CanvasHeight: 1080, TS: 42,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, first.Normalized.X, 1e-9)
	assert.InDelta(t, 0.1, *first.Normalized.Width, 1e-9)
	assert.Equal(t, "#FF0000", first.Style.Color)
	assert.Equal(t, 2.0, first.Style.StrokeWidth)

	second, err := env.Engine.AddAnnotation(env.Ctx, engine.AnnotationOptions{
		VersionID: v.ID, AuthorID: "reviewer-1", Shape: domain.ShapeArrow,
		Raw:         domain.Coordinates{X: 320, Y: 180, Points: []domain.Point{{X: 640, Y: 360}}},
		CanvasWidth: 1280, CanvasHeight: 720, TS: 5,
		Style:       domain.AnnotationStyle{Color: "#00ff00", StrokeWidth: 4},
	})
	require.NoError(t, err)

	list, err := env.Engine.ListAnnotations(env.Ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "ordered by timestamp")
	assert.Equal(t, first.ID, list[1].ID)
	assert.Equal(t, first.Normalized, list[1].Normalized)
	assert.Equal(t, first.Raw, list[1].Raw)
	assert.Equal(t, []domain.Point{{X: 0.5, Y: 0.5}}, list[0].Normalized.Points)
}

func TestAnnotationValidation(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 1000)
	a := env.claim(t, req.ID, "producer-a")
	v := env.submit(t, a, "v1.0")

	base := engine.AnnotationOptions{
		VersionID: v.ID, AuthorID: "reviewer-1", Shape: domain.ShapePoint,
		Raw: domain.Coordinates{X: 10, Y: 10}, CanvasWidth: 100, CanvasHeight: 100,
	}
	cases := []struct {
		name string
		edit func(o *engine.AnnotationOptions)
		want error
	}{
		{"unknown shape", func(o *engine.AnnotationOptions) { o.Shape = "polygon" }, domain.ErrInvalidInput},
		{"zero canvas", func(o *engine.AnnotationOptions) { o.CanvasWidth = 0 }, domain.ErrInvalidRange},
		{"outside canvas", func(o *engine.AnnotationOptions) { o.Raw.X = 101 }, domain.ErrOutOfBounds},
		{"negative y", func(o *engine.AnnotationOptions) { o.Raw.Y = -1 }, domain.ErrOutOfBounds},
		{"point outside canvas", func(o *engine.AnnotationOptions) {
			o.Shape = domain.ShapeFreehand
			o.Raw.Points = []domain.Point{{X: 50, Y: 150}}
		}, domain.ErrOutOfBounds},
		{"rect without size", func(o *engine.AnnotationOptions) { o.Shape = domain.ShapeRect }, domain.ErrInvalidRange},
		{"circle without radius", func(o *engine.AnnotationOptions) { o.Shape = domain.ShapeCircle }, domain.ErrInvalidRange},
		{"arrow without head", func(o *engine.AnnotationOptions) { o.Shape = domain.ShapeArrow }, domain.ErrInvalidInput},
		{"bad color", func(o *engine.AnnotationOptions) { o.Style.Color = "red" }, domain.ErrInvalidInput},
		{"negative timestamp", func(o *engine.AnnotationOptions) { o.TS = -0.5 }, domain.ErrOutOfBounds},
		{"timestamp past duration", func(o *engine.AnnotationOptions) { o.TS = 120 }, domain.ErrOutOfBounds},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			opts := base
			c.edit(&opts)
			_, err := env.Engine.AddAnnotation(env.Ctx, opts)
			assert.ErrorIs(t, err, c.want)
		})
	}
	list, err := env.Engine.ListAnnotations(env.Ctx, v.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}
