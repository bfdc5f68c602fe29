package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmux-sh/cmux/internal/appclient"
	"github.com/cmux-sh/cmux/internal/config"
)

type fakeCaller struct {
	method string
	params map[string]any
	result any
	err    error
}

func (f *fakeCaller) Call(_ context.Context, method string, params any, out any) error {
	f.method = method
	f.params = params.(map[string]any)
	if f.err != nil {
		return f.err
	}
	if out != nil && f.result != nil {
		payload, err := json.Marshal(f.result)
		if err != nil {
			return err
		}
		return json.Unmarshal(payload, out)
	}
	return nil
}

func run(t *testing.T, caller *fakeCaller, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	out := &bytes.Buffer{}
	root := NewRootCommand(WithOutput(out), WithCaller(caller))
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return out, root.Execute()
}

func TestExplicitWorkspaceFlagWinsOverEnvironment(t *testing.T) {
	t.Setenv(config.EnvWorkspaceID, "workspace:7")

	caller := &fakeCaller{}
	_, err := run(t, caller, "workspace", "close", "--workspace", "workspace:2")
	require.NoError(t, err)

	assert.Equal(t, "workspace.close", caller.method)
	assert.Equal(t, "workspace:2", caller.params["workspace"])
	assert.NotContains(t, caller.params, "ambient_workspace")
}

func TestEnvironmentForwardedAsAmbientIdentity(t *testing.T) {
	t.Setenv(config.EnvWorkspaceID, "workspace:7")
	t.Setenv(config.EnvSurfaceID, "surface:3")

	caller := &fakeCaller{}
	_, err := run(t, caller, "surface", "send-text", "make test")
	require.NoError(t, err)

	assert.Equal(t, "surface.send_text", caller.method)
	assert.Equal(t, "make test", caller.params["text"])
	assert.Equal(t, "workspace:7", caller.params["ambient_workspace"])
	assert.Equal(t, "surface:3", caller.params["ambient_surface"])
	assert.NotContains(t, caller.params, "workspace")
	assert.NotContains(t, caller.params, "surface")
}

func TestSplitFlagsMapToParams(t *testing.T) {
	caller := &fakeCaller{}
	_, err := run(t, caller, "surface", "split", "--direction", "down", "--kind", "browser", "--url", "https://example.com")
	require.NoError(t, err)

	assert.Equal(t, "surface.split", caller.method)
	assert.Equal(t, "down", caller.params["direction"])
	assert.Equal(t, "browser", caller.params["kind"])
	assert.Equal(t, "https://example.com", caller.params["url"])
}

func TestSplitDefaultsToRight(t *testing.T) {
	caller := &fakeCaller{}
	_, err := run(t, caller, "surface", "split")
	require.NoError(t, err)
	assert.Equal(t, "right", caller.params["direction"])
}

func TestNotifyParams(t *testing.T) {
	caller := &fakeCaller{}
	_, err := run(t, caller, "notify", "build done", "--body", "all tests green")
	require.NoError(t, err)

	assert.Equal(t, "notification.create", caller.method)
	assert.Equal(t, "build done", caller.params["title"])
	assert.Equal(t, "all tests green", caller.params["body"])
	assert.NotContains(t, caller.params, "subtitle")
}

func TestProgressSetRejectsNonNumber(t *testing.T) {
	caller := &fakeCaller{}
	_, err := run(t, caller, "sidebar", "progress", "set", "most")
	require.Error(t, err)
	assert.Empty(t, caller.method, "no request should be sent")
}

func TestIDFormatFlagForwarded(t *testing.T) {
	caller := &fakeCaller{}
	_, err := run(t, caller, "workspace", "list", "--id-format", "both")
	require.NoError(t, err)
	assert.Equal(t, "both", caller.params["id_format"])
}

func TestWindowFlagForwarded(t *testing.T) {
	caller := &fakeCaller{}
	_, err := run(t, caller, "workspace", "create", "--window", "window:2")
	require.NoError(t, err)
	assert.Equal(t, "workspace.create", caller.method)
	assert.Equal(t, "window:2", caller.params["window"])
}

func TestJSONModeWrapsResult(t *testing.T) {
	caller := &fakeCaller{result: map[string]any{"pong": true}}
	out, err := run(t, caller, "--json", "system", "ping")
	require.NoError(t, err)

	var envelope struct {
		OK     bool           `json:"ok"`
		Result map[string]any `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &envelope))
	assert.True(t, envelope.OK)
	assert.Equal(t, true, envelope.Result["pong"])
}

func TestJSONModeEmitsErrorEnvelope(t *testing.T) {
	caller := &fakeCaller{err: &appclient.RequestError{Kind: "ReferenceNotFound", Message: "workspace:9"}}
	out, err := run(t, caller, "--json", "workspace", "select", "workspace:9")
	require.ErrorIs(t, err, ErrReported)

	var envelope struct {
		OK    bool `json:"ok"`
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &envelope))
	assert.False(t, envelope.OK)
	assert.Equal(t, "ReferenceNotFound", envelope.Error.Kind)
	assert.Equal(t, "workspace:9", envelope.Error.Message)
}

func TestNonJSONFailurePassesErrorThrough(t *testing.T) {
	caller := &fakeCaller{err: &appclient.RequestError{Kind: "ReferenceNotFound", Message: "workspace:9"}}
	out, err := run(t, caller, "workspace", "select", "workspace:9")

	var reqErr *appclient.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Empty(t, out.String(), "nothing on stdout without --json")
}

func TestResultPrintedAsJSON(t *testing.T) {
	caller := &fakeCaller{result: map[string]any{"pong": true}}
	out, err := run(t, caller, "system", "ping")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, true, decoded["pong"])
}
