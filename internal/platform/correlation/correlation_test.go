package correlation

import (
	"context"
	"testing"
)

func TestID_Empty(t *testing.T) {
	if got := ID(context.Background()); got != "" {
		t.Errorf("expected empty id, got %q", got)
	}
}

func TestEnsure_KeepsExisting(t *testing.T) {
	ctx := WithID(context.Background(), "corr-1")
	ctx, id := Ensure(ctx)
	if id != "corr-1" || ID(ctx) != "corr-1" {
		t.Errorf("expected corr-1, got %q / %q", id, ID(ctx))
	}
}

func TestEnsure_GeneratesWhenMissing(t *testing.T) {
	ctx, id := Ensure(context.Background())
	if id == "" {
		t.Fatal("expected generated id")
	}
	if ID(ctx) != id {
		t.Errorf("context id %q does not match returned %q", ID(ctx), id)
	}
}
