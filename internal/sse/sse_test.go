package sse

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterOrderingAndSequencing(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := New(nil, rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteSessionInit("sess-1"))
	require.Error(t, w.WriteSessionInit("sess-1"), "session_init must be sent at most once")

	require.NoError(t, w.WriteMessage("m1", "delta", "hel"))
	require.NoError(t, w.WriteMessage("m1", "delta", "lo"))
	require.NoError(t, w.WriteDone("sess-1"))
	require.Error(t, w.WriteMessage("m1", "delta", "late"), "no message frame may follow done")

	body := rec.Body.String()
	require.True(t, strings.Index(body, "event: session_init") < strings.Index(body, "event: message"))
	require.True(t, strings.LastIndex(body, "event: message") < strings.LastIndex(body, "event: done"))
	require.Equal(t, 1, strings.Count(body, "event: done"))
	require.Contains(t, body, `"seq":1`)
	require.Contains(t, body, `"seq":2`)
}

func TestWriterDoneIsIdempotent(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := New(nil, rec)
	require.NoError(t, err)
	require.NoError(t, w.WriteSessionInit("sess-2"))
	require.NoError(t, w.WriteDone("sess-2"))
	require.NoError(t, w.WriteDone("sess-2"))
	require.Equal(t, 1, strings.Count(rec.Body.String(), "event: done"))
}

func TestWriteErrorThenDone(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := New(nil, rec)
	require.NoError(t, err)
	require.NoError(t, w.WriteSessionInit("sess-3"))
	require.NoError(t, w.WriteError("INTERNAL_ERROR", "boom", false))
	require.NoError(t, w.WriteDone("sess-3"))

	body := rec.Body.String()
	require.Contains(t, body, "event: error")
	require.True(t, strings.Index(body, "event: error") < strings.Index(body, "event: done"))
}
