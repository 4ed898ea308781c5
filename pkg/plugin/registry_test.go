package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aico-ai/gateway/pkg/config"
	"github.com/aico-ai/gateway/pkg/types"
)

type fakePlugin struct {
	desc    Descriptor
	enabled bool
	calls   *[]string

	onRequest  func(ctx *types.RequestContext) error
	onResponse func(ctx *types.RequestContext) error
}

func (f *fakePlugin) Metadata() Descriptor { return f.desc }

func (f *fakePlugin) Initialize(deps *Deps) error { return nil }

func (f *fakePlugin) ProcessRequest(ctx *types.RequestContext) error {
	if f.calls != nil {
		*f.calls = append(*f.calls, f.desc.Name)
	}
	if f.onRequest != nil {
		return f.onRequest(ctx)
	}
	return nil
}

func (f *fakePlugin) ProcessResponse(ctx *types.RequestContext) error {
	if f.calls != nil {
		*f.calls = append(*f.calls, f.desc.Name+".response")
	}
	if f.onResponse != nil {
		return f.onResponse(ctx)
	}
	return nil
}

func (f *fakePlugin) Shutdown(ctx context.Context) error { return nil }

func (f *fakePlugin) Enabled() bool { return f.enabled }

func newFake(name string, prio Priority, deps []string, calls *[]string) *fakePlugin {
	return &fakePlugin{
		desc:    Descriptor{Name: name, Version: "1.0.0", Priority: prio, Dependencies: deps},
		enabled: true,
		calls:   calls,
	}
}

func newCtx() *types.RequestContext {
	return types.NewRequestContext(types.ProtocolRequestReply, []byte(`{}`), types.ClientInfo{})
}

func TestExecutionOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFake("routing", PriorityLow, []string{"security", "validation"}, nil)))
	require.NoError(t, r.Register(newFake("validation", PriorityMedium, nil, nil)))
	require.NoError(t, r.Register(newFake("security", PrioritySecurity, nil, nil)))
	require.NoError(t, r.Register(newFake("encryption", PriorityInfrastructure, nil, nil)))
	require.NoError(t, r.Register(newFake("rate_limiting", PriorityHigh, []string{"security"}, nil)))

	order, err := r.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"encryption", "security", "rate_limiting", "validation", "routing"}, order)
}

func TestExecutionOrderStable(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFake("b", PriorityMedium, nil, nil)))
	require.NoError(t, r.Register(newFake("a", PriorityMedium, nil, nil)))
	require.NoError(t, r.Register(newFake("c", PriorityMedium, []string{"a"}, nil)))

	first, err := r.ExecutionOrder()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.ExecutionOrder()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, []string{"a", "b", "c"}, first)
}

func TestExecutionOrderMissingDependency(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFake("routing", PriorityLow, []string{"security", "message_bus"}, nil)))

	_, err := r.ExecutionOrder()
	require.ErrorIs(t, err, ErrMissingDependency)
	// Dependencies are visited sorted, so the first missing name reported
	// is deterministic.
	assert.Contains(t, err.Error(), "message_bus")
}

func TestDisabledPluginExcluded(t *testing.T) {
	r := NewRegistry()
	disabled := newFake("validation", PriorityMedium, nil, nil)
	disabled.enabled = false
	require.NoError(t, r.Register(disabled))
	require.NoError(t, r.Register(newFake("security", PrioritySecurity, nil, nil)))

	order, err := r.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"security"}, order)
}

func TestHandleShortCircuitOnError(t *testing.T) {
	var calls []string
	r := NewRegistry()

	failing := newFake("security", PrioritySecurity, nil, &calls)
	failing.onRequest = func(ctx *types.RequestContext) error {
		ctx.Fail(401, types.KindMissingCredential, "no token")
		return nil
	}
	require.NoError(t, r.Register(failing))
	require.NoError(t, r.Register(newFake("validation", PriorityMedium, nil, &calls)))
	require.NoError(t, r.Register(newFake("routing", PriorityLow, nil, &calls)))

	ctx := r.Handle(newCtx())

	require.NotNil(t, ctx.Error)
	assert.Equal(t, 401, ctx.Error.StatusCode)
	assert.NotContains(t, calls, "validation")
	assert.NotContains(t, calls, "routing")
}

func TestHandleSkipFurtherProcessing(t *testing.T) {
	var calls []string
	r := NewRegistry()

	terminal := newFake("encryption", PriorityInfrastructure, nil, &calls)
	terminal.onRequest = func(ctx *types.RequestContext) error {
		ctx.Response = map[string]string{"status": "session_established"}
		ctx.SkipFurtherProcessing = true
		return nil
	}
	require.NoError(t, r.Register(terminal))
	require.NoError(t, r.Register(newFake("routing", PriorityLow, nil, &calls)))

	ctx := r.Handle(newCtx())

	assert.Nil(t, ctx.Error)
	assert.NotNil(t, ctx.Response)
	assert.NotContains(t, calls, "routing")
}

func TestHandleResponsePassReverseOrder(t *testing.T) {
	var calls []string
	r := NewRegistry()

	responder := newFake("routing", PriorityLow, nil, &calls)
	responder.onRequest = func(ctx *types.RequestContext) error {
		ctx.Response = "ok"
		return nil
	}
	require.NoError(t, r.Register(newFake("security", PrioritySecurity, nil, &calls)))
	require.NoError(t, r.Register(responder))

	r.Handle(newCtx())

	assert.Equal(t, []string{"security", "routing", "routing.response", "security.response"}, calls)
}

func TestHandlePanicBecomesProcessingError(t *testing.T) {
	r := NewRegistry()
	panicking := newFake("validation", PriorityMedium, nil, nil)
	panicking.onRequest = func(ctx *types.RequestContext) error {
		panic("unexpected")
	}
	require.NoError(t, r.Register(panicking))

	ctx := r.Handle(newCtx())

	require.NotNil(t, ctx.Error)
	assert.Equal(t, 500, ctx.Error.StatusCode)
	assert.Equal(t, types.KindProcessingError, ctx.Error.Kind)
}

func TestHandleNoResponseIsNoHandler(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFake("security", PrioritySecurity, nil, nil)))

	ctx := r.Handle(newCtx())

	require.NotNil(t, ctx.Error)
	assert.Equal(t, 404, ctx.Error.StatusCode)
	assert.Equal(t, types.KindNoHandler, ctx.Error.Kind)
}

// configGated mirrors the production plugins: enablement is only known
// once Initialize has consulted the config.
type configGated struct {
	fakePlugin
}

func (c *configGated) Initialize(deps *Deps) error {
	c.enabled = deps.Config.PluginEnabled(c.desc.Name)
	return nil
}

func TestInitializeDecidesEnablementBeforeOrdering(t *testing.T) {
	r := NewRegistry()
	gated := &configGated{fakePlugin{
		desc: Descriptor{Name: "security", Version: "1.0.0", Priority: PrioritySecurity},
	}}
	require.NoError(t, r.Register(gated))

	require.NoError(t, r.Initialize(&Deps{Config: config.Default()}))

	order, err := r.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"security"}, order, "enablement set during Initialize must be visible to the order")
}

func TestHandleDecodesEnvelopeBeforeFirstStage(t *testing.T) {
	r := NewRegistry()
	var seenKind string
	first := newFake("encryption", PriorityInfrastructure, nil, nil)
	first.onRequest = func(ctx *types.RequestContext) error {
		if ctx.Message != nil {
			seenKind = ctx.Message.Kind
		}
		ctx.Response = "ok"
		return nil
	}
	require.NoError(t, r.Register(first))

	ctx := types.NewRequestContext(types.ProtocolRequestReply, []byte(`{"kind":"handshake"}`), types.ClientInfo{})
	r.Handle(ctx)

	assert.Equal(t, "handshake", seenKind, "infrastructure stages see the decoded envelope")
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFake("security", PrioritySecurity, nil, nil)))
	err := r.Register(newFake("security", PrioritySecurity, nil, nil))
	assert.ErrorIs(t, err, ErrPluginRegistered)
}
