package quantile

import (
	"math"
	"math/rand"
	"sort"
	"testing"
)

func TestEstimator_ConvergesOnUniform(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	est := NewEstimator(0.5, 0.95, 0.99)

	var samples []float64
	for i := 0; i < 10000; i++ {
		x := r.Float64() * 1000
		samples = append(samples, x)
		est.Update(x)
	}

	sort.Float64s(samples)
	want := func(p float64) float64 {
		return samples[int(p*float64(len(samples)-1))]
	}

	tolerance := 15.0
	if got, w := est.Quantile(0), want(0.5); math.Abs(got-w) > tolerance {
		t.Errorf("p50: got %.2f, want ~%.2f", got, w)
	}
	if got, w := est.Quantile(1), want(0.95); math.Abs(got-w) > tolerance {
		t.Errorf("p95: got %.2f, want ~%.2f", got, w)
	}
	if got, w := est.Quantile(2), want(0.99); math.Abs(got-w) > tolerance {
		t.Errorf("p99: got %.2f, want ~%.2f", got, w)
	}
}

func TestEstimator_FewSamples(t *testing.T) {
	est := NewEstimator(0.5)
	est.Update(10)
	est.Update(30)
	est.Update(20)

	if got := est.Quantile(0); got != 20 {
		t.Fatalf("expected median of {10,20,30} = 20, got %v", got)
	}
	if got := est.Count(); got != 3 {
		t.Fatalf("expected count 3, got %d", got)
	}
}

func TestEstimator_MeanAndMax(t *testing.T) {
	est := NewEstimator(0.5)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		est.Update(v)
	}
	if got := est.Mean(); got != 3 {
		t.Fatalf("expected mean 3, got %v", got)
	}
	if got := est.Max(); got != 5 {
		t.Fatalf("expected max 5, got %v", got)
	}
}

func TestEstimator_Reset(t *testing.T) {
	est := NewEstimator(0.5)
	for i := 0; i < 10; i++ {
		est.Update(float64(i))
	}
	est.Reset()
	if got := est.Count(); got != 0 {
		t.Fatalf("expected count 0 after reset, got %d", got)
	}
	if got := est.Max(); got != 0 {
		t.Fatalf("expected max 0 after reset, got %v", got)
	}
}
