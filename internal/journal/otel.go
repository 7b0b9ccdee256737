package journal

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/mapmark/annotator/internal/journal"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
