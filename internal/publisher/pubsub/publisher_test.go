package pubsub

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type verdictPayload struct {
	ScanID  string `json:"scan_id"`
	Verdict string `json:"verdict"`
}

func (v verdictPayload) Attributes() map[string]string {
	return map[string]string{"verdict": v.Verdict}
}

func TestMain(m *testing.M) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	os.Exit(m.Run())
}

func newTestClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.CreateTopic(context.Background(), "verdicts")
	require.NoError(t, err)
	return srv, client
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	t.Parallel()

	srv, client := newTestClient(t)
	pub := New(client)
	defer pub.Close()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	id, err := pub.Publish(ctx, "verdicts", verdictPayload{ScanID: "scan-1", Verdict: "Malicious"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got verdictPayload
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "scan-1", got.ScanID)
	require.Equal(t, "Malicious", msgs[0].Attributes["verdict"])
	require.Contains(t, msgs[0].Attributes["traceparent"], "4bf92f3577b34da6a3ce929d0e0e4736")
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "verdicts", "x")
	require.Error(t, err)

	_, client := newTestClient(t)
	pub := New(client)
	defer pub.Close()
	_, err = pub.Publish(context.Background(), "", "x")
	require.Error(t, err)
	_, err = pub.Publish(context.Background(), "verdicts", func() {})
	require.Error(t, err)
}

func TestPubsubCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("a", "1")
	require.Equal(t, "1", c.Get("a"))
	require.Equal(t, []string{"a"}, c.Keys())
}
