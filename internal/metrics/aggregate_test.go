package metrics

import (
	"testing"
	"time"
)

func TestReduce(t *testing.T) {
	values := []float64{1, 2, 3, 4}
	cases := []struct {
		fn   Func
		want float64
	}{
		{FuncAvg, 2.5},
		{FuncSum, 10},
		{FuncMax, 4},
		{FuncMin, 1},
		{FuncCount, 4},
		{FuncRate, 3},
		{FuncPercentile, 4},
	}
	for _, tc := range cases {
		t.Run(string(tc.fn), func(t *testing.T) {
			if got := Reduce(tc.fn, values); got != tc.want {
				t.Errorf("Reduce(%s) = %v, want %v", tc.fn, got, tc.want)
			}
		})
	}

	if got := Reduce(FuncAvg, nil); got != 0 {
		t.Errorf("Reduce(avg, nil) = %v, want 0", got)
	}
}

func TestReduce_PercentileNearestRank(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(100 - i) // reverse order, 1..100
	}
	if got := Reduce(FuncPercentile, values); got != 95 {
		t.Errorf("p95 of 1..100 = %v, want 95", got)
	}
}

func TestQuery_Aggregation(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	st := New(Options{})
	st.now = fixedClock(base.Add(time.Hour))

	for i, v := range []float64{1, 2, 3, 4} {
		_ = st.Store(gauge("cpu", v, base.Add(time.Duration(i)*10*time.Second), map[string]string{"host": "a"}))
	}

	for fn, want := range map[Func]float64{FuncAvg: 2.5, FuncSum: 10, FuncMax: 4} {
		res, err := st.Query(Query{MetricName: "cpu", Aggregation: &Aggregation{Function: fn, Resolution: time.Minute}})
		if err != nil {
			t.Fatalf("Query(%s) error = %v", fn, err)
		}
		if len(res.Data) != 1 {
			t.Fatalf("Query(%s): got %d buckets, want 1", fn, len(res.Data))
		}
		if res.Data[0].Value != want {
			t.Errorf("Query(%s) = %v, want %v", fn, res.Data[0].Value, want)
		}
		if !res.Data[0].Timestamp.Equal(base) {
			t.Errorf("bucket timestamp: got %v, want %v", res.Data[0].Timestamp, base)
		}
		if res.Data[0].Labels["host"] != "a" {
			t.Errorf("bucket labels: got %v, want host=a", res.Data[0].Labels)
		}
	}
}

func TestAggregate_Buckets(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	points := []DataPoint{
		{Timestamp: base, Value: 1, Labels: map[string]string{"a": "1", "b": "x"}},
		{Timestamp: base.Add(30 * time.Second), Value: 3, Labels: map[string]string{"a": "1", "b": "y"}},
		{Timestamp: base.Add(time.Minute), Value: 10},
		{Timestamp: base.Add(3 * time.Minute), Value: 7},
	}

	out := aggregate(points, FuncAvg, time.Minute)
	if len(out) != 3 {
		t.Fatalf("got %d buckets, want 3", len(out))
	}
	want := []struct {
		ts time.Time
		v  float64
	}{
		{base, 2},
		{base.Add(time.Minute), 10},
		{base.Add(3 * time.Minute), 7},
	}
	for i, w := range want {
		if !out[i].Timestamp.Equal(w.ts) || out[i].Value != w.v {
			t.Errorf("bucket %d: got (%v, %v), want (%v, %v)", i, out[i].Timestamp, out[i].Value, w.ts, w.v)
		}
	}
	if out[0].Labels["a"] != "1" {
		t.Errorf("shared label a missing: %v", out[0].Labels)
	}
	if _, ok := out[0].Labels["b"]; ok {
		t.Errorf("differing label b should be dropped: %v", out[0].Labels)
	}
}

func TestAggregate_Empty(t *testing.T) {
	if out := aggregate(nil, FuncSum, time.Minute); out != nil {
		t.Errorf("aggregate(nil) = %v, want nil", out)
	}
}
