package tooltest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func serveLines(t *testing.T, mode Mode, lines ...string) ([]response, int) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := Serve(strings.NewReader(strings.Join(lines, "\n")+"\n"), &out, &errOut, mode)

	var replies []response
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var resp response
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		replies = append(replies, resp)
	}
	return replies, code
}

func TestServeEcho(t *testing.T) {
	replies, code := serveLines(t, ModeEcho,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":3,"method":"nope"}`,
	)
	require.Equal(t, 0, code)
	require.Len(t, replies, 3)
	require.Equal(t, "pong", replies[1].Result)
	require.NotNil(t, replies[2].Error)
	require.Equal(t, -32601, replies[2].Error.Code)
}

func TestServeCrashAfterInit(t *testing.T) {
	replies, code := serveLines(t, ModeCrashAfterInit,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
	)
	require.Equal(t, 3, code)
	require.Len(t, replies, 1)
}

func TestServeExit(t *testing.T) {
	_, code := serveLines(t, ModeExit, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.Equal(t, 2, code)
}

func TestHandler(t *testing.T) {
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":7,"method":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var got response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, "pong", got.Result)
	require.JSONEq(t, "7", string(got.ID))
}
