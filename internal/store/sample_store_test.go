package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tacchinimd-dot/metarial-ai/internal/db"
	"github.com/tacchinimd-dot/metarial-ai/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	d, err := db.OpenForTesting()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func ptr(v float64) *float64 { return &v }

func testImages(prefix string) []domain.ImageRef {
	refs := make([]domain.ImageRef, 0, len(domain.RequiredViews))
	// Reverse order so the store has to sort them.
	for i := len(domain.RequiredViews) - 1; i >= 0; i-- {
		v := domain.RequiredViews[i]
		refs = append(refs, domain.ImageRef{View: v, Handle: prefix + "/" + string(v) + ".jpg", MimeType: "image/jpeg"})
	}
	return refs
}

func testProperties(density float64) map[domain.Property]domain.Estimate {
	return map[domain.Property]domain.Estimate{
		domain.PropertyDensity:   {Value: density, Unit: "ends/in", Confidence: 0.9},
		domain.PropertyGloss:     {Value: 30, Unit: "GU", Confidence: 0.8},
		domain.PropertyRoughness: {Value: 0.4, Unit: "um", Confidence: 0.7},
		domain.PropertyWeight:    {Value: 250, Unit: "g/m2", Confidence: 0.6},
		domain.PropertyThickness: {Value: 0.8, Unit: "mm", Confidence: 0.5},
		domain.PropertyHandFeel:  {Value: 0.6, Unit: "score", Confidence: 0.4},
	}
}

func newTestSample(code, supplier string, density float64) NewSample {
	return NewSample{
		Material:       domain.Material{Code: code, Name: "Cotton twill", Supplier: supplier},
		Images:         testImages(code),
		Properties:     testProperties(density),
		AnalysisMethod: "test",
	}
}

// stepClock returns a clock that advances by one second per call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Second)
		return t
	}
}

func TestSampleStoreCreate(t *testing.T) {
	store := NewSampleStore(openTestDB(t))
	ctx := context.Background()

	in := newTestSample("AB-100", "Mill Co", 1.2)
	in.Details = map[domain.View]map[string]float64{domain.ViewFront: {"edge_density": 0.12}}

	sample, err := store.Create(ctx, in)
	require.NoError(t, err)
	assert.NotEmpty(t, sample.ID)
	assert.Equal(t, "AB-100", sample.Material.Code)
	assert.Equal(t, "test", sample.AnalysisMethod)
	assert.Equal(t, testProperties(1.2), sample.Properties)
	assert.Equal(t, 0.12, sample.AnalysisDetails[domain.ViewFront]["edge_density"])
	assert.Equal(t, sample.CreatedAt, sample.UpdatedAt)
	assert.Nil(t, sample.ExpertFeedback)
	assert.Nil(t, sample.Review)

	require.Len(t, sample.Images, len(domain.RequiredViews))
	for i, v := range domain.RequiredViews {
		assert.Equal(t, v, sample.Images[i].View)
	}
}

func TestSampleStoreCreateTrimsMaterial(t *testing.T) {
	store := NewSampleStore(openTestDB(t))

	in := newTestSample("  AB-1 ", " Mill Co ", 1)
	sample, err := store.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "AB-1", sample.Material.Code)
	assert.Equal(t, "Mill Co", sample.Material.Supplier)
}

func TestSampleStoreCreateRejectsInvalidInput(t *testing.T) {
	store := NewSampleStore(openTestDB(t))
	ctx := context.Background()

	missingView := newTestSample("X", "", 1)
	missingView.Images = missingView.Images[1:]
	_, err := store.Create(ctx, missingView)
	assert.True(t, domain.IsValidation(err))

	missingProp := newTestSample("X", "", 1)
	delete(missingProp.Properties, domain.PropertyGloss)
	_, err = store.Create(ctx, missingProp)
	assert.True(t, domain.IsValidation(err))

	_, total, err := store.List(ctx, Filter{}, Sort{}, Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSampleStoreGetByIDNotFound(t *testing.T) {
	store := NewSampleStore(openTestDB(t))

	_, err := store.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSampleStoreInsert(t *testing.T) {
	store := NewSampleStore(openTestDB(t))
	ctx := context.Background()

	created := time.Date(2024, 3, 1, 9, 30, 0, 123456789, time.UTC)
	sample := &domain.MaterialSample{
		ID:             "imported-1",
		Material:       domain.Material{Code: "IM-1"},
		Images:         testImages("IM-1"),
		Properties:     testProperties(2),
		AnalysisMethod: "opencv",
		ExpertFeedback: map[domain.Property]domain.Correction{
			domain.PropertyGloss: {Value: ptr(42), Comment: "measured"},
		},
		Review:    &domain.Review{QualityGrade: "A"},
		CreatedAt: created,
		UpdatedAt: created.Add(time.Hour),
	}
	require.NoError(t, store.Insert(ctx, sample))

	got, err := store.GetByID(ctx, "imported-1")
	require.NoError(t, err)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, created.Add(time.Hour), got.UpdatedAt)
	assert.Equal(t, "A", got.Review.QualityGrade)
	assert.Equal(t, 42.0, *got.ExpertFeedback[domain.PropertyGloss].Value)

	err = store.Insert(ctx, sample)
	assert.True(t, domain.IsValidation(err), "duplicate id must be rejected")
}

func TestSampleStoreInsertRejectsBadTimestamps(t *testing.T) {
	store := NewSampleStore(openTestDB(t))

	now := time.Now().UTC()
	sample := &domain.MaterialSample{
		ID:         "bad",
		Images:     testImages("bad"),
		Properties: testProperties(1),
		CreatedAt:  now,
		UpdatedAt:  now.Add(-time.Second),
	}
	err := store.Insert(context.Background(), sample)
	assert.True(t, domain.IsValidation(err))
}

func TestSampleStoreInsertAllIsAtomic(t *testing.T) {
	store := NewSampleStore(openTestDB(t))
	ctx := context.Background()

	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	newImported := func(id string) *domain.MaterialSample {
		return &domain.MaterialSample{
			ID:         id,
			Images:     testImages(id),
			Properties: testProperties(1),
			CreatedAt:  created,
			UpdatedAt:  created,
		}
	}

	require.NoError(t, store.Insert(ctx, newImported("taken")))

	err := store.InsertAll(ctx, []*domain.MaterialSample{newImported("fresh"), newImported("taken")})
	assert.True(t, domain.IsValidation(err), "got %v", err)

	_, err = store.GetByID(ctx, "fresh")
	assert.ErrorIs(t, err, domain.ErrNotFound, "failed import must not leave earlier rows behind")

	require.NoError(t, store.InsertAll(ctx, []*domain.MaterialSample{newImported("fresh"), newImported("other")}))
	_, total, err := store.List(ctx, Filter{}, Sort{}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestSampleStoreUpdateFeedbackMerges(t *testing.T) {
	store := NewSampleStore(openTestDB(t))
	store.now = stepClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	sample, err := store.Create(ctx, newTestSample("FB-1", "", 1.2))
	require.NoError(t, err)

	first, err := store.UpdateFeedback(ctx, sample.ID, FeedbackUpdate{
		Corrections: map[domain.Property]domain.Correction{
			domain.PropertyDensity: {Value: ptr(1.5)},
		},
	})
	require.NoError(t, err)
	assert.True(t, first.UpdatedAt.After(sample.UpdatedAt))

	second, err := store.UpdateFeedback(ctx, sample.ID, FeedbackUpdate{
		Corrections: map[domain.Property]domain.Correction{
			domain.PropertyGloss: {Comment: "looks matte"},
		},
		Review: &domain.Review{QualityGrade: "B", RecommendedUse: "shirting"},
	})
	require.NoError(t, err)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	got, err := store.GetByID(ctx, sample.ID)
	require.NoError(t, err)
	require.Len(t, got.ExpertFeedback, 2)
	assert.Equal(t, 1.5, *got.ExpertFeedback[domain.PropertyDensity].Value)
	assert.Equal(t, "looks matte", got.ExpertFeedback[domain.PropertyGloss].Comment)
	assert.Equal(t, "B", got.Review.QualityGrade)
	assert.Equal(t, second.UpdatedAt, got.UpdatedAt)
	assert.Equal(t, sample.CreatedAt, got.CreatedAt)

	// Estimates are never overwritten.
	assert.Equal(t, 1.2, got.Properties[domain.PropertyDensity].Value)
	v, ok := got.EffectiveValue(domain.PropertyDensity)
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)
}

func TestSampleStoreUpdateFeedbackStrictlyIncreasesUpdatedAt(t *testing.T) {
	store := NewSampleStore(openTestDB(t))
	frozen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return frozen }
	ctx := context.Background()

	sample, err := store.Create(ctx, newTestSample("FB-2", "", 1))
	require.NoError(t, err)

	prev := sample.UpdatedAt
	for i := 0; i < 3; i++ {
		updated, err := store.UpdateFeedback(ctx, sample.ID, FeedbackUpdate{
			Review: &domain.Review{Notes: fmt.Sprintf("pass %d", i)},
		})
		require.NoError(t, err)
		assert.True(t, updated.UpdatedAt.After(prev))
		prev = updated.UpdatedAt
	}
}

func TestSampleStoreUpdateFeedbackInvalidLeavesRecord(t *testing.T) {
	store := NewSampleStore(openTestDB(t))
	ctx := context.Background()

	sample, err := store.Create(ctx, newTestSample("FB-3", "", 1))
	require.NoError(t, err)

	_, err = store.UpdateFeedback(ctx, sample.ID, FeedbackUpdate{
		Corrections: map[domain.Property]domain.Correction{
			domain.PropertyGloss:   {Value: ptr(10)},
			domain.Property("hue"): {Value: ptr(1)},
		},
	})
	assert.True(t, domain.IsValidation(err))

	_, err = store.UpdateFeedback(ctx, sample.ID, FeedbackUpdate{
		Corrections: map[domain.Property]domain.Correction{
			domain.PropertyGloss: {Value: ptr(-1)},
		},
	})
	assert.True(t, domain.IsValidation(err))

	got, err := store.GetByID(ctx, sample.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ExpertFeedback)
	assert.Equal(t, sample.UpdatedAt, got.UpdatedAt)
}

func TestSampleStoreUpdateFeedbackNotFound(t *testing.T) {
	store := NewSampleStore(openTestDB(t))

	_, err := store.UpdateFeedback(context.Background(), "missing", FeedbackUpdate{
		Review: &domain.Review{Notes: "x"},
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSampleStoreConcurrentFeedback(t *testing.T) {
	store := NewSampleStore(openTestDB(t))
	ctx := context.Background()

	sample, err := store.Create(ctx, newTestSample("CC-1", "", 1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, len(domain.Properties))
	for i, p := range domain.Properties {
		wg.Add(1)
		go func(p domain.Property, v float64) {
			defer wg.Done()
			_, err := store.UpdateFeedback(ctx, sample.ID, FeedbackUpdate{
				Corrections: map[domain.Property]domain.Correction{p: {Value: ptr(v)}},
			})
			errs <- err
		}(p, float64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.GetByID(ctx, sample.ID)
	require.NoError(t, err)
	assert.Len(t, got.ExpertFeedback, len(domain.Properties), "no update may be lost")
	assert.Zero(t, store.locks.size())
}

func seedHistory(t *testing.T, store *SampleStore) []*domain.MaterialSample {
	t.Helper()
	ctx := context.Background()
	store.now = stepClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	inputs := []NewSample{
		newTestSample("DEN-100", "North Mill", 1.0),
		newTestSample("DEN-200", "South Mill", 3.0),
		newTestSample("SILK_01", "north mill", 2.0),
		newTestSample("LIN-300", "Flax 100%", 2.0),
	}
	samples := make([]*domain.MaterialSample, 0, len(inputs))
	for _, in := range inputs {
		s, err := store.Create(ctx, in)
		require.NoError(t, err)
		samples = append(samples, s)
	}
	return samples
}

func ids(samples []*domain.MaterialSample) []string {
	out := make([]string, len(samples))
	for i, s := range samples {
		out[i] = s.ID
	}
	return out
}

func TestSampleStoreListDefaultOrder(t *testing.T) {
	store := NewSampleStore(openTestDB(t))
	seeded := seedHistory(t, store)

	got, total, err := store.List(context.Background(), Filter{}, Sort{Key: SortCreatedAt, Desc: true}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{seeded[3].ID, seeded[2].ID, seeded[1].ID, seeded[0].ID}, ids(got))
}

func TestSampleStoreListFilters(t *testing.T) {
	store := NewSampleStore(openTestDB(t))
	seeded := seedHistory(t, store)
	ctx := context.Background()
	asc := Sort{Key: SortCreatedAt}

	t.Run("range", func(t *testing.T) {
		got, total, err := store.List(ctx, Filter{Ranges: []PropertyRange{
			{Property: domain.PropertyDensity, Min: ptr(1.5), Max: ptr(2.5)},
		}}, asc, Page{})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Equal(t, []string{seeded[2].ID, seeded[3].ID}, ids(got))
	})

	t.Run("open range", func(t *testing.T) {
		got, _, err := store.List(ctx, Filter{Ranges: []PropertyRange{
			{Property: domain.PropertyDensity, Min: ptr(2.5)},
		}}, asc, Page{})
		require.NoError(t, err)
		assert.Equal(t, []string{seeded[1].ID}, ids(got))
	})

	t.Run("code substring case insensitive", func(t *testing.T) {
		got, _, err := store.List(ctx, Filter{MaterialCode: "den"}, asc, Page{})
		require.NoError(t, err)
		assert.Equal(t, []string{seeded[0].ID, seeded[1].ID}, ids(got))
	})

	t.Run("like metacharacters are literal", func(t *testing.T) {
		got, _, err := store.List(ctx, Filter{MaterialCode: "K_0"}, asc, Page{})
		require.NoError(t, err)
		assert.Equal(t, []string{seeded[2].ID}, ids(got))

		got, _, err = store.List(ctx, Filter{Supplier: "100%"}, asc, Page{})
		require.NoError(t, err)
		assert.Equal(t, []string{seeded[3].ID}, ids(got))
	})

	t.Run("supplier", func(t *testing.T) {
		got, _, err := store.List(ctx, Filter{Supplier: "NORTH"}, asc, Page{})
		require.NoError(t, err)
		assert.Equal(t, []string{seeded[0].ID, seeded[2].ID}, ids(got))
	})

	t.Run("feedback only", func(t *testing.T) {
		_, err := store.UpdateFeedback(ctx, seeded[1].ID, FeedbackUpdate{Review: &domain.Review{QualityGrade: "A"}})
		require.NoError(t, err)

		got, total, err := store.List(ctx, Filter{HasFeedback: true}, asc, Page{})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, []string{seeded[1].ID}, ids(got))
	})

	t.Run("min greater than max", func(t *testing.T) {
		_, _, err := store.List(ctx, Filter{Ranges: []PropertyRange{
			{Property: domain.PropertyDensity, Min: ptr(3), Max: ptr(1)},
		}}, asc, Page{})
		assert.True(t, domain.IsValidation(err))
	})

	t.Run("unknown property", func(t *testing.T) {
		_, _, err := store.List(ctx, Filter{Ranges: []PropertyRange{{Property: "hue", Min: ptr(1)}}}, asc, Page{})
		assert.True(t, domain.IsValidation(err))
	})
}

func TestSampleStoreListFiltersFoldNonASCII(t *testing.T) {
	store := NewSampleStore(openTestDB(t))
	ctx := context.Background()

	etoffe, err := store.Create(ctx, newTestSample("ÉCRU-1", "ÉTOFFE Lyon", 1))
	require.NoError(t, err)
	arzte, err := store.Create(ctx, newTestSample("B-2", "Ärzte Textil", 1))
	require.NoError(t, err)
	acme, err := store.Create(ctx, newTestSample("C-3", "ACME", 1))
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter Filter
		want   string
	}{
		{"exact upper", Filter{Supplier: "ÉTOFFE"}, etoffe.ID},
		{"lower", Filter{Supplier: "étoffe"}, etoffe.ID},
		{"umlaut", Filter{Supplier: "ärzte"}, arzte.ID},
		{"ascii", Filter{Supplier: "acme"}, acme.ID},
		{"code", Filter{MaterialCode: "écru"}, etoffe.ID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, total, err := store.List(ctx, tt.filter, Sort{}, Page{})
			require.NoError(t, err)
			assert.Equal(t, 1, total)
			assert.Equal(t, []string{tt.want}, ids(got))
		})
	}
}

func TestSampleStoreListSortByPropertyReverses(t *testing.T) {
	store := NewSampleStore(openTestDB(t))
	seedHistory(t, store)
	ctx := context.Background()

	sortKey, err := ParseSortKey("density")
	require.NoError(t, err)

	asc, _, err := store.List(ctx, Filter{}, Sort{Key: sortKey}, Page{})
	require.NoError(t, err)
	desc, _, err := store.List(ctx, Filter{}, Sort{Key: sortKey, Desc: true}, Page{})
	require.NoError(t, err)

	require.Len(t, asc, 4)
	for i := 1; i < len(asc); i++ {
		assert.LessOrEqual(t, asc[i-1].Properties[domain.PropertyDensity].Value, asc[i].Properties[domain.PropertyDensity].Value)
	}

	reversed := ids(desc)
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	assert.Equal(t, ids(asc), reversed, "ties must reverse with the order")
}

func TestSampleStoreListSortByUpdatedAt(t *testing.T) {
	store := NewSampleStore(openTestDB(t))
	seeded := seedHistory(t, store)
	ctx := context.Background()

	_, err := store.UpdateFeedback(ctx, seeded[0].ID, FeedbackUpdate{Review: &domain.Review{Notes: "bump"}})
	require.NoError(t, err)

	got, _, err := store.List(ctx, Filter{}, Sort{Key: SortUpdatedAt, Desc: true}, Page{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{seeded[0].ID}, ids(got))
}

func TestSampleStoreListPagination(t *testing.T) {
	store := NewSampleStore(openTestDB(t))
	seeded := seedHistory(t, store)
	ctx := context.Background()
	asc := Sort{Key: SortCreatedAt}

	page, total, err := store.List(ctx, Filter{}, asc, Page{Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{seeded[1].ID, seeded[2].ID}, ids(page))

	tail, _, err := store.List(ctx, Filter{}, asc, Page{Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{seeded[3].ID}, ids(tail))

	empty, total, err := store.List(ctx, Filter{}, asc, Page{Offset: 10, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Empty(t, empty)
}

func TestParseSortKey(t *testing.T) {
	for _, key := range []string{"createdAt", "updatedAt", "density", "hand-feel"} {
		k, err := ParseSortKey(key)
		require.NoError(t, err, key)
		assert.Equal(t, SortKey(key), k)
	}

	_, err := ParseSortKey("colour")
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "sort", verr.Field)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same key acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	<-acquired
	unlockB()

	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, time.Millisecond)
}
