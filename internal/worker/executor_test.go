package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WkdSunny/docfleet/internal/config"
)

func TestCommandHandler_JSONOutput(t *testing.T) {
	handler := CommandHandler("/bin/sh", []string{"-c", `echo '{"pages": 3}'`})

	result, err := handler(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"pages": 3}`, string(result))
}

func TestCommandHandler_PlainOutputIsWrapped(t *testing.T) {
	handler := CommandHandler("/bin/sh", []string{"-c", "echo done"})

	result, err := handler(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"output": "done"}`, string(result))
}

func TestCommandHandler_EmptyOutput(t *testing.T) {
	handler := CommandHandler("/bin/true", nil)

	result, err := handler(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(result))
}

func TestCommandHandler_PayloadOnStdin(t *testing.T) {
	handler := CommandHandler("/bin/cat", nil)

	payload := json.RawMessage(`{"path":"/tmp/doc.pdf"}`)
	result, err := handler(context.Background(), payload)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(result))
}

func TestCommandHandler_FailureIncludesStderr(t *testing.T) {
	handler := CommandHandler("/bin/sh", []string{"-c", "echo 'cannot open file' >&2; exit 1"})

	_, err := handler(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot open file")
}

func TestCommandHandler_MissingBinary(t *testing.T) {
	handler := CommandHandler("/no/such/binary", nil)

	_, err := handler(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestCommandHandler_ContextTimeout(t *testing.T) {
	handler := CommandHandler("/bin/sleep", []string{"10"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := handler(ctx, json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestRegisterExecutors(t *testing.T) {
	r := NewRegistry()
	RegisterExecutors(r, []config.ExecutorConfig{
		{JobType: "convert_document", Command: "/bin/cat"},
		{JobType: "extract_text", Command: "/bin/sh", Args: []string{"-c", "echo '{}'"}},
	})

	assert.ElementsMatch(t, []string{"convert_document", "extract_text"}, r.Types())

	handler, ok := r.Get("convert_document")
	require.True(t, ok)

	result, err := handler(context.Background(), json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(result))
}
