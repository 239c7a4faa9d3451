package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	t.Run("op and message", func(t *testing.T) {
		err := New(InvalidArgument, "llm.expand", "dimension must be what or how")
		assert.Equal(t, "llm.expand: dimension must be what or how", err.Error())
	})

	t.Run("wrapped cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Wrap(ServiceUnavailable, "gpu.ensure", cause)
		assert.Equal(t, "gpu.ensure: connection refused", err.Error())
		assert.ErrorIs(t, err, cause)
	})

	t.Run("message and cause", func(t *testing.T) {
		err := Wrapf(Timeout, "vlm.compare", context.DeadlineExceeded, "pair i0:c1 vs i0:c2")
		assert.Equal(t, "vlm.compare: pair i0:c1 vs i0:c2: context deadline exceeded", err.Error())
	})
}

func TestKindOf(t *testing.T) {
	t.Run("direct kind", func(t *testing.T) {
		err := New(ContentPolicy, "image.generate", "refused")
		assert.Equal(t, ContentPolicy, KindOf(err))
	})

	t.Run("kind survives fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("candidate 3: %w", New(ContentPolicyExhausted, "moderation", "3 attempts"))
		assert.Equal(t, ContentPolicyExhausted, KindOf(err))
	})

	t.Run("innermost kind wins through nested faults", func(t *testing.T) {
		inner := New(ContentPolicy, "llm.chat", "refused")
		outer := Wrap(ComparisonFailure, "ranking", inner)
		// outermost classified kind is reported
		assert.Equal(t, ComparisonFailure, KindOf(outer))
	})

	t.Run("context deadline maps to timeout", func(t *testing.T) {
		assert.Equal(t, Timeout, KindOf(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	})

	t.Run("context cancel maps to cancelled", func(t *testing.T) {
		assert.Equal(t, Cancelled, KindOf(context.Canceled))
	})

	t.Run("connection refused maps to service unavailable", func(t *testing.T) {
		err := &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
		assert.Equal(t, ServiceUnavailable, KindOf(err))
	})

	t.Run("plain error is unknown", func(t *testing.T) {
		assert.Equal(t, Unknown, KindOf(errors.New("boom")))
		assert.Equal(t, Unknown, KindOf(nil))
	})
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(New(InvalidArgument, "", "bad")))
	assert.True(t, Terminal(New(ContentPolicyExhausted, "", "spent")))
	assert.True(t, Terminal(New(Fatal, "", "broken")))
	assert.False(t, Terminal(New(ContentPolicy, "", "refused")))
	assert.False(t, Terminal(New(ServiceUnavailable, "", "down")))
	assert.False(t, Terminal(nil))
}
