package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/tool-gateway/config"
)

func TestSetup_None(t *testing.T) {
	p, err := Setup("test", &config.Config{OTELExporterType: "none"}, zerolog.Nop())
	require.NoError(t, err)

	_, span := p.Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	p.Shutdown()
}

func TestSetup_StdoutSamplesEverything(t *testing.T) {
	p, err := Setup("test", &config.Config{OTELExporterType: "stdout", OTELSampleRatio: 1}, zerolog.Nop())
	require.NoError(t, err)
	defer p.Shutdown()

	_, span := p.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsSampled())
	span.End()
}

func TestSetup_ZeroRatioDropsRootSpans(t *testing.T) {
	p, err := Setup("test", &config.Config{OTELExporterType: "stdout", OTELSampleRatio: 0}, zerolog.Nop())
	require.NoError(t, err)
	defer p.Shutdown()

	_, span := p.Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
}

func TestSetup_Unknown(t *testing.T) {
	_, err := Setup("test", &config.Config{OTELExporterType: "zipkin"}, zerolog.Nop())
	assert.ErrorContains(t, err, "zipkin")
}
