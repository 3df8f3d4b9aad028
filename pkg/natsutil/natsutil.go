// Package natsutil provides typed NATS publish/subscribe/request helpers
// with OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// RetryHeader counts how many times a message has been re-published.
const RetryHeader = "X-Retry-Count"

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Handler processes one decoded message. The raw message is passed through
// so handlers can read headers and reply.
type Handler[T any] func(ctx context.Context, v T, msg *nats.Msg)

func newMsg[T any](ctx context.Context, subject string, v T) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: marshal: %w", err)
	}
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
	}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

// Publish serializes v as JSON and publishes to the given subject.
// Trace context from ctx is injected into NATS message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	msg, err := newMsg(ctx, subject, v)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Subscribe registers a handler that deserializes JSON messages of type T.
// Trace context is extracted from NATS message headers and passed to the handler.
// Malformed messages are silently dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, decode(func(ctx context.Context, v T, _ *nats.Msg) {
		handler(ctx, v)
	}, nil))
}

// QueueSubscribe is Subscribe for a queue group, handing the raw message to
// the handler. onMalformed, if set, receives messages that fail to decode.
func QueueSubscribe[T any](nc *nats.Conn, subject, queue string, handler Handler[T], onMalformed func(*nats.Msg, error)) (*nats.Subscription, error) {
	return nc.QueueSubscribe(subject, queue, decode(handler, onMalformed))
}

func decode[T any](handler Handler[T], onMalformed func(*nats.Msg, error)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			if onMalformed != nil {
				onMalformed(msg, err)
			}
			return
		}
		handler(Context(msg), v, msg)
	}
}

// Context returns a context carrying the trace propagated in msg's headers.
func Context(msg *nats.Msg) context.Context {
	return otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
}

// Request sends a JSON-encoded request and decodes the response. The wait is
// bounded by ctx; without a deadline nats.DefaultTimeout applies.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req) (Resp, error) {
	var zero Resp
	msg, err := newMsg(ctx, subject, req)
	if err != nil {
		return zero, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, nats.DefaultTimeout)
		defer cancel()
	}
	resp, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return zero, err
	}
	var result Resp
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return zero, fmt.Errorf("natsutil: unmarshal reply: %w", err)
	}
	return result, nil
}

// Reply JSON-encodes v and responds to msg. Messages without a reply
// subject are ignored.
func Reply[T any](msg *nats.Msg, v T) error {
	if msg.Reply == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natsutil: marshal reply: %w", err)
	}
	return msg.Respond(data)
}

// Retries reads the retry counter from msg's headers. Missing or invalid
// values count as zero.
func Retries(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(RetryHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Republish copies msg onto subject with the retry counter set to retries.
// Data, reply subject and remaining headers (trace context included) are kept.
func Republish(nc *nats.Conn, msg *nats.Msg, subject string, retries int) error {
	out := &nats.Msg{
		Subject: subject,
		Reply:   msg.Reply,
		Data:    msg.Data,
		Header:  make(nats.Header, len(msg.Header)+1),
	}
	for k, v := range msg.Header {
		out.Header[k] = append([]string(nil), v...)
	}
	out.Header.Set(RetryHeader, strconv.Itoa(retries))
	return nc.PublishMsg(out)
}
