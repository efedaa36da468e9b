package store

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestEncodeDecodeEmbedding(t *testing.T) {
	original := []float64{1.0, -0.5, 0.333, math.Pi, 0.0}
	decoded := decodeEmbedding(encodeEmbedding(original))

	if len(decoded) != len(original) {
		t.Fatalf("length mismatch: %d vs %d", len(decoded), len(original))
	}
	for i := range original {
		if decoded[i] != original[i] {
			t.Errorf("index %d: got %f, want %f", i, decoded[i], original[i])
		}
	}
}

func TestSaveAndGetVector(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	node := mustCreate(t, db, TypeCode, "func main() {}")

	embedding := []float64{0.1, 0.2, 0.3, 0.4, 0.5}
	if err := db.SaveVector(ctx, node.ID, embedding, "test-model"); err != nil {
		t.Fatalf("SaveVector: %v", err)
	}

	v, err := db.GetVector(ctx, node.ID)
	if err != nil {
		t.Fatalf("GetVector: %v", err)
	}
	if v == nil {
		t.Fatal("expected vector, got nil")
	}
	if v.Model != "test-model" {
		t.Errorf("model = %q, want %q", v.Model, "test-model")
	}
	if v.Dimensions != 5 {
		t.Errorf("dimensions = %d, want 5", v.Dimensions)
	}
	for i := range embedding {
		if v.Embedding[i] != embedding[i] {
			t.Errorf("embedding[%d] = %f, want %f", i, v.Embedding[i], embedding[i])
		}
	}

	dim, err := db.Dimension(ctx)
	if err != nil {
		t.Fatalf("Dimension: %v", err)
	}
	if dim != 5 {
		t.Errorf("store dimension = %d, want 5", dim)
	}
}

func TestSaveVectorReplace(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	node := mustCreate(t, db, TypeNote, "x")

	db.SaveVector(ctx, node.ID, []float64{0.1, 0.2}, "model-a")
	if err := db.SaveVector(ctx, node.ID, []float64{0.3, 0.4}, "model-b"); err != nil {
		t.Fatalf("SaveVector replace: %v", err)
	}

	v, _ := db.GetVector(ctx, node.ID)
	if v.Model != "model-b" || v.Embedding[0] != 0.3 {
		t.Errorf("got %+v, want model-b replacement", v)
	}
	if n, _ := db.CountVectors(ctx); n != 1 {
		t.Errorf("vectors = %d, want 1", n)
	}
}

func TestSaveVectorDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	a := mustCreate(t, db, TypeNote, "a")
	b := mustCreate(t, db, TypeNote, "b")

	if err := db.SaveVector(ctx, a.ID, []float64{1, 0, 0}, "m"); err != nil {
		t.Fatalf("SaveVector: %v", err)
	}
	err := db.SaveVector(ctx, b.ID, []float64{1, 0}, "m")
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
	if v, _ := db.GetVector(ctx, b.ID); v != nil {
		t.Error("mismatched vector must not be stored")
	}
	if err := db.SaveVector(ctx, b.ID, nil, "m"); err == nil {
		t.Error("expected error for empty embedding")
	}
}

func TestGetVectorNotFound(t *testing.T) {
	db := testDB(t)

	v, err := db.GetVector(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetVector: %v", err)
	}
	if v != nil {
		t.Error("expected nil for missing vector")
	}
}

func TestAllVectorsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	var ids []string
	for _, c := range []string{"a", "b", "c"} {
		n := mustCreate(t, db, TypeNote, c)
		ids = append(ids, n.ID)
	}
	// Save out of order; AllVectors follows node order, not write order.
	for _, i := range []int{2, 0, 1} {
		if err := db.SaveVector(ctx, ids[i], []float64{float64(i), 1}, "m"); err != nil {
			t.Fatalf("SaveVector: %v", err)
		}
	}

	records, err := db.AllVectors(ctx)
	if err != nil {
		t.Fatalf("AllVectors: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	for i, r := range records {
		if r.NodeID != ids[i] {
			t.Errorf("record %d = %s, want %s", i, r.NodeID, ids[i])
		}
	}
}

func TestDeleteVector(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	node := mustCreate(t, db, TypeNote, "x")

	db.SaveVector(ctx, node.ID, []float64{0.1, 0.2}, "m")
	if err := db.DeleteVector(ctx, node.ID); err != nil {
		t.Fatalf("DeleteVector: %v", err)
	}
	if v, _ := db.GetVector(ctx, node.ID); v != nil {
		t.Error("expected nil after delete")
	}
}
