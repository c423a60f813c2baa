package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-reassignment/internal/logger"
)

func TestDisabledTracingIsNoop(t *testing.T) {
	tr, err := NewTracing(context.Background(), logger.Nop(), TracingConfig{})
	require.NoError(t, err)

	_, span := tr.Tracer("test").Start(context.Background(), "stage")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, tr.Flush(context.Background()))
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestEnabledTracingExportsOnFlush(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	tr, err := NewTracing(ctx, logger.Nop(), TracingConfig{Enabled: true, ServiceName: "reassign-test", Writer: &buf})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Shutdown(ctx) })

	_, span := tr.Tracer("workflow").Start(ctx, "workflow.filter")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, tr.Flush(ctx))
	assert.Contains(t, buf.String(), "workflow.filter")
	assert.Contains(t, buf.String(), "reassign-test")
}
