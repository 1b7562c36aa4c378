package metrics

import (
	"strings"
	"testing"
)

func TestWriteTo_RendersAllKinds(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("x_total", "things", "").Add(3)
	c.Gauge("x_open", "open things", `kind="a"`).Set(2)
	h := c.Histogram("x_seconds", "latency", "", []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(0.5)

	var sb strings.Builder
	if _, err := c.WriteTo(&sb); err != nil {
		t.Fatal(err)
	}
	out := sb.String()
	for _, want := range []string{
		"# TYPE x_total counter",
		"x_total 3",
		`x_open{kind="a"} 2`,
		`x_seconds_bucket{le="0.1"} 1`,
		`x_seconds_bucket{le="1"} 2`,
		"x_seconds_count 2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCounter_SameKeyIsShared(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("a", "", "").Inc()
	c.Counter("a", "", "").Inc()
	if got := c.Counter("a", "", "").Value(); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
}
