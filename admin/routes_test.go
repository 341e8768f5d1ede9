package admin

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maxpert/blockstm/mvmemory"
	"github.com/maxpert/blockstm/notify"
	"github.com/maxpert/blockstm/storage"
	"github.com/stretchr/testify/require"
)

type fixedProgress struct {
	committed, total int
	wave             uint32
	ok               bool
}

func (p fixedProgress) Progress() (int, int, uint32, bool) {
	return p.committed, p.total, p.wave, p.ok
}

func newTestServer(t *testing.T, progress fixedProgress, secret string) *httptest.Server {
	srv, _, _ := newTestServerWithHub(t, progress, secret)
	return srv
}

func newTestServerWithHub(t *testing.T, progress fixedProgress, secret string) (*httptest.Server, *storage.Store, *notify.Hub) {
	t.Helper()
	store, err := storage.Open(t.TempDir(), storage.Options{CacheSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	err = store.ApplyBlock(1, nil, []mvmemory.WriteDescriptor{
		{Key: "acct/00000001", Value: []byte("one")},
		{Key: "acct/00000002", Value: []byte("two")},
		{Key: "acct/00000003", Value: []byte("three")},
		{Key: "meta/supply", Value: []byte("six")},
	}, []storage.Receipt{
		{Index: 0, Status: "success", Gas: 21, Keys: []string{"acct/00000001"}},
		{Index: 1, Status: "failed", Gas: 21, Message: "insufficient funds"},
	})
	require.NoError(t, err)

	hub := notify.NewHub()
	mux := http.NewServeMux()
	RegisterRoutes(mux, NewAdminHandlers(store, progress, hub), secret)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store, hub
}

func getJSON(t *testing.T, req *http.Request, wantStatus int) map[string]interface{} {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func get(t *testing.T, srv *httptest.Server, path string, wantStatus int) map[string]interface{} {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	return getJSON(t, req, wantStatus)
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, fixedProgress{committed: 3, total: 10, wave: 2, ok: true}, "")

	body := get(t, srv, "/admin/status", http.StatusOK)
	data := body["data"].(map[string]interface{})
	require.Equal(t, float64(1), data["height"])
	require.Equal(t, true, data["running"])

	block := data["block"].(map[string]interface{})
	require.Equal(t, float64(3), block["committed"])
	require.Equal(t, float64(10), block["total"])
	require.Equal(t, float64(2), block["wave"])
}

func TestStatus_Idle(t *testing.T) {
	srv := newTestServer(t, fixedProgress{}, "")

	data := get(t, srv, "/admin/status", http.StatusOK)["data"].(map[string]interface{})
	require.Equal(t, false, data["running"])
	require.NotContains(t, data, "block")
}

func TestStateKey(t *testing.T) {
	srv := newTestServer(t, fixedProgress{}, "")

	data := get(t, srv, "/admin/state/acct/00000002", http.StatusOK)["data"].(map[string]interface{})
	require.Equal(t, "acct/00000002", data["key"])
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("two")), data["value"])

	body := get(t, srv, "/admin/state/acct/00000009", http.StatusNotFound)
	require.Contains(t, body["error"], "not found")
}

func TestStateScan(t *testing.T) {
	srv := newTestServer(t, fixedProgress{}, "")

	tests := []struct {
		name     string
		query    string
		wantKeys []string
		wantMore bool
	}{
		{"all", "", []string{"acct/00000001", "acct/00000002", "acct/00000003", "meta/supply"}, false},
		{"glob", "?glob=acct/*", []string{"acct/00000001", "acct/00000002", "acct/00000003"}, false},
		{"limited", "?glob=acct/*&limit=2", []string{"acct/00000001", "acct/00000002"}, true},
		{"no match", "?glob=nope*", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := get(t, srv, "/admin/state"+tt.query, http.StatusOK)
			entries := body["data"].([]interface{})
			keys := make([]string, 0, len(entries))
			for _, e := range entries {
				keys = append(keys, e.(map[string]interface{})["key"].(string))
			}
			require.Equal(t, tt.wantKeys, keys)
			if tt.wantMore {
				require.Equal(t, true, body["has_more"])
				require.Equal(t, tt.wantKeys[len(tt.wantKeys)-1], body["last_key"])
			} else {
				require.NotContains(t, body, "has_more")
			}
		})
	}
}

func TestStateScan_BadRequest(t *testing.T) {
	srv := newTestServer(t, fixedProgress{}, "")

	get(t, srv, "/admin/state?limit=0", http.StatusBadRequest)
	get(t, srv, "/admin/state?limit=5000", http.StatusBadRequest)
	get(t, srv, "/admin/state?glob=%5B", http.StatusBadRequest)
}

func TestReceipts(t *testing.T) {
	srv := newTestServer(t, fixedProgress{}, "")

	receipts := get(t, srv, "/admin/receipts/1", http.StatusOK)["data"].([]interface{})
	require.Len(t, receipts, 2)
	second := receipts[1].(map[string]interface{})
	require.Equal(t, "failed", second["Status"])
	require.Equal(t, "insufficient funds", second["Message"])

	get(t, srv, "/admin/receipts/2", http.StatusNotFound)
	get(t, srv, "/admin/receipts/abc", http.StatusBadRequest)
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t, fixedProgress{}, "s3cret")

	get(t, srv, "/admin/status", http.StatusUnauthorized)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/admin/status", nil)
	require.NoError(t, err)
	req.Header.Set("X-Blockstm-Secret", "s3cret")
	getJSON(t, req, http.StatusOK)

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/admin/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	getJSON(t, req, http.StatusOK)

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/admin/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	body := getJSON(t, req, http.StatusUnauthorized)
	require.Equal(t, "invalid secret", body["error"])

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/admin/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic s3cret")
	getJSON(t, req, http.StatusUnauthorized)
}

func TestBlockWait_AlreadyApplied(t *testing.T) {
	srv := newTestServer(t, fixedProgress{}, "")

	data := get(t, srv, "/admin/blocks/wait?after=0", http.StatusOK)["data"].(map[string]interface{})
	require.Equal(t, float64(1), data["height"])
	require.Equal(t, false, data["timed_out"])

	// Block 1 wrote acct/00000001 according to its receipts
	data = get(t, srv, "/admin/blocks/wait?after=0&glob=acct/00000001", http.StatusOK)["data"].(map[string]interface{})
	require.Equal(t, float64(1), data["height"])
}

func TestBlockWait_TimesOut(t *testing.T) {
	srv := newTestServer(t, fixedProgress{}, "")

	data := get(t, srv, "/admin/blocks/wait?timeout=20ms", http.StatusOK)["data"].(map[string]interface{})
	require.Equal(t, true, data["timed_out"])
	require.Equal(t, float64(1), data["height"])

	// No receipt of block 1 wrote a meta key
	data = get(t, srv, "/admin/blocks/wait?after=0&glob=meta/*&timeout=20ms", http.StatusOK)["data"].(map[string]interface{})
	require.Equal(t, true, data["timed_out"])
}

func TestBlockWait_WakesOnSignal(t *testing.T) {
	srv, _, hub := newTestServerWithHub(t, fixedProgress{}, "")

	done := make(chan map[string]interface{}, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/admin/blocks/wait?after=1&glob=acct/*&timeout=5s", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- nil
			return
		}
		defer resp.Body.Close()
		var body map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			done <- nil
			return
		}
		done <- body
	}()

	// Signal until the waiter has subscribed and picked one up
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case body := <-done:
			require.NotNil(t, body)
			data := body["data"].(map[string]interface{})
			require.Equal(t, float64(2), data["height"])
			require.Equal(t, false, data["timed_out"])
			return
		case <-ticker.C:
			hub.Signal(notify.BlockSignal{Height: 2, Keys: []string{"meta/supply"}})
			hub.Signal(notify.BlockSignal{Height: 2, Keys: []string{"acct/00000001"}})
		case <-deadline:
			t.Fatal("waiter was not woken")
		}
	}
}

func TestBlockWait_BadRequest(t *testing.T) {
	srv := newTestServer(t, fixedProgress{}, "")

	get(t, srv, "/admin/blocks/wait?after=x", http.StatusBadRequest)
	get(t, srv, "/admin/blocks/wait?timeout=forever", http.StatusBadRequest)
	get(t, srv, "/admin/blocks/wait?timeout=2m", http.StatusBadRequest)
	get(t, srv, "/admin/blocks/wait?glob=%5B", http.StatusBadRequest)
}
