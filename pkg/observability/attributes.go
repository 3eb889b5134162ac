package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrSpaceID        = attribute.Key("credential.space_id")
	AttrObjectID       = attribute.Key("credential.object_id")
	AttrTemplateID     = attribute.Key("credential.template_id")
	AttrEvent          = attribute.Key("credential.event")
	AttrCredentialType = attribute.Key("credential.type")
	AttrChannel        = attribute.Key("credential.channel")
	AttrOutcome        = attribute.Key("credential.outcome")
	AttrChainID        = attribute.Key("chain.id")
	AttrTxHash         = attribute.Key("chain.tx_hash")
)

// ObjectRun describes one issuance run over a single proposal or reward.
func ObjectRun(spaceID, objectID, credentialType, channel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSpaceID.String(spaceID),
		AttrObjectID.String(objectID),
		AttrCredentialType.String(credentialType),
		AttrChannel.String(channel),
	}
}

// Transaction describes a pending batch transaction.
func Transaction(txHash string, chainID int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTxHash.String(txHash),
		AttrChainID.Int64(chainID),
	}
}

func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
