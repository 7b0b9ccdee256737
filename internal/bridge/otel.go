package bridge

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/mapmark/annotator/internal/bridge"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
