package livesave

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("github.com/bobuhiro11/pgmsnap/livesave")

	pagesCaptured = must(meter.Int64Counter("pgmsnap.livesave.pages.captured",
		metric.WithDescription("pages written to the capture stream"), metric.WithUnit("{page}")))
	pagesZero = must(meter.Int64Counter("pgmsnap.livesave.pages.zero",
		metric.WithDescription("captured pages elided as zero"), metric.WithUnit("{page}")))
	passesRun = must(meter.Int64Counter("pgmsnap.livesave.passes",
		metric.WithDescription("capture passes executed")))
	rangeRestarts = must(meter.Int64Counter("pgmsnap.livesave.range.restarts",
		metric.WithDescription("range scans restarted after the range list changed")))

	attrFinal = attribute.Bool("final", true)
	attrLive  = attribute.Bool("final", false)
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}
