package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/farmgate/eligibility/internal/domain"
)

func staticSource(name string, required bool, features map[string]any) domain.FeatureSource {
	return &FuncSource{
		SourceName:  name,
		MustSucceed: required,
		SourceFetch: func(ctx context.Context, tenantID, farmerID string) (map[string]any, error) {
			return features, nil
		},
	}
}

func failingSource(name string, required bool, err error) domain.FeatureSource {
	return &FuncSource{
		SourceName:  name,
		MustSucceed: required,
		SourceFetch: func(ctx context.Context, tenantID, farmerID string) (map[string]any, error) {
			return nil, err
		},
	}
}

func TestBuildMergesSourcesUnderNamespace(t *testing.T) {
	builder := NewBuilder([]domain.FeatureSource{
		staticSource("farmer", true, map[string]any{"age": 35.0}),
		staticSource("farm", true, map[string]any{"land_size": 2.5}),
	}, nil, time.Second)

	snap, err := builder.Build(context.Background(), "tenant-001", "farmer-001")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if v, ok := snap.Resolve("farmer.age"); !ok || v != 35.0 {
		t.Errorf("farmer.age: got %v, %v", v, ok)
	}
	if v, ok := snap.Resolve("farm.land_size"); !ok || v != 2.5 {
		t.Errorf("farm.land_size: got %v, %v", v, ok)
	}
	if _, ok := snap.Resolve("farm.age"); ok {
		t.Error("namespaces must not leak across sources")
	}
}

func TestOptionalSourceFailureDegrades(t *testing.T) {
	builder := NewBuilder([]domain.FeatureSource{
		staticSource("farmer", true, map[string]any{"age": 40.0}),
		failingSource("credit", false, fmt.Errorf("bureau timeout")),
	}, nil, time.Second)

	snap, err := builder.Build(context.Background(), "tenant-001", "farmer-001")
	if err != nil {
		t.Fatalf("optional source failure must not abort: %v", err)
	}

	if _, ok := snap.Resolve("credit.score"); ok {
		t.Error("failed source must contribute no features")
	}
	if len(snap.Provenance) != 1 || !strings.Contains(snap.Provenance[0], "credit") {
		t.Errorf("expected credit provenance note, got %v", snap.Provenance)
	}
}

func TestRequiredSourceFailureAborts(t *testing.T) {
	builder := NewBuilder([]domain.FeatureSource{
		failingSource("farmer", true, fmt.Errorf("profile service down")),
	}, nil, time.Second)

	_, err := builder.Build(context.Background(), "tenant-001", "farmer-001")
	if !errors.Is(err, domain.ErrDataUnavailable) {
		t.Errorf("expected ErrDataUnavailable, got %v", err)
	}
}

func TestSlowOptionalSourceTimesOut(t *testing.T) {
	slow := &FuncSource{
		SourceName: "credit",
		SourceFetch: func(ctx context.Context, tenantID, farmerID string) (map[string]any, error) {
			select {
			case <-time.After(5 * time.Second):
				return map[string]any{"score": 700.0}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	builder := NewBuilder([]domain.FeatureSource{
		staticSource("farmer", true, map[string]any{"age": 30.0}),
		slow,
	}, nil, 50*time.Millisecond)

	start := time.Now()
	snap, err := builder.Build(context.Background(), "tenant-001", "farmer-001")
	if err != nil {
		t.Fatalf("timeout must degrade, not fail: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("builder did not honor the source timeout")
	}
	if len(snap.Provenance) == 0 {
		t.Error("expected provenance note for timed-out source")
	}
}

func TestDerivedFeatures(t *testing.T) {
	ds, err := NewDerivedSet()
	if err != nil {
		t.Fatalf("NewDerivedSet: %v", err)
	}
	err = ds.Load([]domain.DerivedFeature{
		{Name: "land_per_member", Expression: `double(features.farm.land_size) / double(features.farmer.household_size)`},
		{Name: "is_smallholder", Expression: `double(features.farm.land_size) < 2.0`},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	builder := NewBuilder([]domain.FeatureSource{
		staticSource("farmer", true, map[string]any{"household_size": 4.0}),
		staticSource("farm", true, map[string]any{"land_size": 1.0}),
	}, nil, time.Second)
	builder.SetDerived("tenant-001", ds)

	snap, err := builder.Build(context.Background(), "tenant-001", "farmer-001")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if v, ok := snap.Resolve("derived.land_per_member"); !ok || v != 0.25 {
		t.Errorf("derived.land_per_member: got %v, %v", v, ok)
	}
	if v, ok := snap.Resolve("derived.is_smallholder"); !ok || v != true {
		t.Errorf("derived.is_smallholder: got %v, %v", v, ok)
	}
}

func TestDerivedFeatureErrorContributesNothing(t *testing.T) {
	ds, _ := NewDerivedSet()
	if err := ds.Load([]domain.DerivedFeature{
		{Name: "broken", Expression: `double(features.credit.score) * 2.0`},
	}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Snapshot without credit data: expression errors, feature is absent.
	out := ds.Compute(map[string]any{"farmer": map[string]any{"age": 30.0}})
	if _, ok := out["broken"]; ok {
		t.Error("erroring expression must contribute no feature")
	}
}

func TestDerivedFeatureValidation(t *testing.T) {
	ds, _ := NewDerivedSet()

	if err := ds.Validate(domain.DerivedFeature{Name: "ok", Expression: "1.0 + 2.0"}); err != nil {
		t.Errorf("expected valid expression, got %v", err)
	}
	if err := ds.Validate(domain.DerivedFeature{Name: "bad", Expression: "not valid CEL !!!"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if err := ds.Validate(domain.DerivedFeature{Expression: "1.0"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("unnamed feature must be rejected, got %v", err)
	}
}
