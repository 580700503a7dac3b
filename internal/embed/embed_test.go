package embed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

// fakeProvider returns fixed-dimension constant vectors, failing for
// texts listed in failOn.
type fakeProvider struct {
	name   string
	dim    int
	batch  int
	failOn map[string]bool
	broken bool // every call fails
	calls  int
}

func (f *fakeProvider) Name() string    { return f.name }
func (f *fakeProvider) NativeDim() int  { return f.dim }
func (f *fakeProvider) BatchLimit() int { return f.batch }

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.broken {
		return nil, errors.New("provider down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if f.failOn[t] {
			return nil, errors.New("bad input")
		}
		v := make([]float32, f.dim)
		for j := range v {
			v[j] = 1
		}
		out[i] = v
	}
	return out, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestChain(t *testing.T, dim int, providers ...Provider) *Chain {
	t.Helper()
	c, err := NewChain(providers, dim, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestChain_FallsThroughOnFailure(t *testing.T) {
	primary := &fakeProvider{name: "primary", dim: 8, batch: 4, broken: true}
	secondary := &fakeProvider{name: "secondary", dim: 4, batch: 4}
	c := newTestChain(t, 8, primary, secondary)

	vec, err := c.Embed(context.Background(), "net revenue increased")
	if err != nil {
		t.Fatal(err)
	}
	if vec.Provider != "secondary" {
		t.Errorf("provider = %q, want secondary", vec.Provider)
	}
	if primary.calls == 0 {
		t.Error("primary was never attempted")
	}
}

func TestChain_ZeroPadsWithProvenance(t *testing.T) {
	p := &fakeProvider{name: "lowdim", dim: 4, batch: 4}
	c := newTestChain(t, 8, p)

	vec, err := c.Embed(context.Background(), "operating margin")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec.Values) != 8 {
		t.Fatalf("padded length = %d, want 8", len(vec.Values))
	}
	if vec.NativeDim != 4 {
		t.Errorf("native dim = %d, want 4", vec.NativeDim)
	}
	for i := 4; i < 8; i++ {
		if vec.Values[i] != 0 {
			t.Errorf("padding component %d = %v, want 0", i, vec.Values[i])
		}
	}
}

func TestChain_AllProvidersFailed(t *testing.T) {
	c := newTestChain(t, 8,
		&fakeProvider{name: "a", dim: 8, batch: 4, broken: true},
		&fakeProvider{name: "b", dim: 8, batch: 4, broken: true},
	)
	_, err := c.Embed(context.Background(), "anything")
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("err = %v, want ErrAllProvidersFailed", err)
	}
}

func TestChain_BatchPreservesOrderAndFallsBack(t *testing.T) {
	// Primary batches of 2: the batch containing "bad" fails as a whole
	// and is retried on the secondary.
	primary := &fakeProvider{name: "primary", dim: 8, batch: 2, failOn: map[string]bool{"bad": true}}
	secondary := &fakeProvider{name: "secondary", dim: 4, batch: 10}
	c := newTestChain(t, 8, primary, secondary)

	texts := []string{"alpha", "beta", "bad", "delta", "epsilon"}
	vecs, err := c.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors for %d inputs", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if v.Empty() {
			t.Errorf("index %d: unexpected empty vector", i)
		}
	}
	// Batch [alpha beta] succeeds on primary; [bad delta] fails over;
	// [epsilon] succeeds on primary.
	if vecs[0].Provider != "primary" || vecs[4].Provider != "primary" {
		t.Errorf("batch members routed wrong: %q %q", vecs[0].Provider, vecs[4].Provider)
	}
	if vecs[2].Provider != "secondary" || vecs[3].Provider != "secondary" {
		t.Errorf("failed batch not retried on secondary: %q %q", vecs[2].Provider, vecs[3].Provider)
	}
}

func TestChain_BatchEmitsEmptyVectorsWhenExhausted(t *testing.T) {
	primary := &fakeProvider{name: "primary", dim: 8, batch: 1, failOn: map[string]bool{"bad": true}}
	c := newTestChain(t, 8, primary)

	vecs, err := c.EmbedBatch(context.Background(), []string{"ok", "bad", "fine"})
	if err != nil {
		t.Fatal(err)
	}
	if vecs[0].Empty() || vecs[2].Empty() {
		t.Error("healthy items came back empty")
	}
	if !vecs[1].Empty() {
		t.Error("exhausted item should be an empty vector, not dropped or filled")
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", maxInputChars+500)
	if got := Truncate(long); len(got) != maxInputChars {
		t.Fatalf("truncated length = %d, want %d", len(got), maxInputChars)
	}
	if got := Truncate("short"); got != "short" {
		t.Fatalf("short input mutated: %q", got)
	}
}

func TestHashProvider_Deterministic(t *testing.T) {
	p := NewHashProvider(64)
	a, _ := p.Embed(context.Background(), "free cash flow improved")
	b, _ := p.Embed(context.Background(), "free cash flow improved")
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("hash embedding is not deterministic")
		}
	}
	var nonZero bool
	for _, v := range a {
		if v != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Fatal("hash embedding is all zeros")
	}
}
