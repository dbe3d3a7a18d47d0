package transform

import "testing"

func TestReduceSeriesMean(t *testing.T) {
	got, err := ReduceSeries([]float64{1, 2, 3, 4}, "mean")
	if err != nil {
		t.Fatalf("ReduceSeries: %v", err)
	}
	if got != 2.5 {
		t.Fatalf("expected 2.5, got %v", got)
	}
}

func TestReduceSeriesMedianEvenAndOdd(t *testing.T) {
	if got, err := ReduceSeries([]float64{1, 2, 3}, "median"); err != nil || got != 2 {
		t.Fatalf("odd median: got %v err %v", got, err)
	}
	if got, err := ReduceSeries([]float64{1, 2, 3, 4}, "median"); err != nil || got != 2.5 {
		t.Fatalf("even median: got %v err %v", got, err)
	}
}

func TestReduceSeriesMinMax(t *testing.T) {
	values := []float64{3, 1, 4, 1, 5}
	if got, err := ReduceSeries(values, "min"); err != nil || got != 1 {
		t.Fatalf("min: got %v err %v", got, err)
	}
	if got, err := ReduceSeries(values, "max"); err != nil || got != 5 {
		t.Fatalf("max: got %v err %v", got, err)
	}
}

func TestReduceSeriesSumAndCumsumAgree(t *testing.T) {
	values := []float64{1, 2, 3}
	sum, err := ReduceSeries(values, "sum")
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	cumsum, err := ReduceSeries(values, "cumsum")
	if err != nil {
		t.Fatalf("cumsum: %v", err)
	}
	if sum != 6 || cumsum != 6 {
		t.Fatalf("expected both to total 6, got sum=%v cumsum=%v", sum, cumsum)
	}
}

func TestReduceSeriesProd(t *testing.T) {
	got, err := ReduceSeries([]float64{2, 3, 4}, "prod")
	if err != nil {
		t.Fatalf("ReduceSeries: %v", err)
	}
	if got != 24 {
		t.Fatalf("expected 24, got %v", got)
	}
}

func TestReduceSeriesVarAndStd(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	v, err := ReduceSeries(values, "var")
	if err != nil {
		t.Fatalf("var: %v", err)
	}
	if v != 4 {
		t.Fatalf("expected population variance 4, got %v", v)
	}
	std, err := ReduceSeries(values, "std")
	if err != nil {
		t.Fatalf("std: %v", err)
	}
	if std != 2 {
		t.Fatalf("expected std 2, got %v", std)
	}
}

func TestReduceSeriesEmptyIsError(t *testing.T) {
	if _, err := ReduceSeries(nil, "mean"); err == nil {
		t.Fatal("expected an error for an empty series")
	}
}

func TestReduceSeriesUnknownOpIsError(t *testing.T) {
	if _, err := ReduceSeries([]float64{1}, "bogus"); err == nil {
		t.Fatal("expected an error for an unrecognized op")
	}
}
