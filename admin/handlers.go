package admin

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gobwas/glob"
	"github.com/maxpert/blockstm/notify"
	"github.com/maxpert/blockstm/storage"
	"github.com/maxpert/blockstm/telemetry"
	"github.com/rs/zerolog/log"
)

// StateStore is the read side of the committed state the admin API exposes
type StateStore interface {
	Height() uint64
	Get(key string) ([]byte, bool, error)
	Scan(pattern string, fn func(key string, value []byte) bool) error
	Receipts(height uint64) ([]storage.Receipt, error)
}

// BlockSubscriber delivers signals for blocks applied after subscribing
type BlockSubscriber interface {
	Subscribe(filter notify.BlockFilter) (<-chan notify.BlockSignal, func(), error)
}

const (
	defaultWaitTimeout = 10 * time.Second
	maxWaitTimeout     = 60 * time.Second
	// maxWaitBacklog bounds the receipts scanned for blocks already applied
	maxWaitBacklog = 256
)

// AdminHandlers serves status, state, receipt and block wait requests
type AdminHandlers struct {
	store    StateStore
	progress telemetry.ProgressProvider
	blocks   BlockSubscriber
}

// NewAdminHandlers creates a new AdminHandlers instance. progress and
// blocks may be nil.
func NewAdminHandlers(store StateStore, progress telemetry.ProgressProvider, blocks BlockSubscriber) *AdminHandlers {
	return &AdminHandlers{
		store:    store,
		progress: progress,
		blocks:   blocks,
	}
}

type statusResponse struct {
	Height  uint64         `json:"height"`
	Running bool           `json:"running"`
	Block   *blockProgress `json:"block,omitempty"`
}

type blockProgress struct {
	Committed int    `json:"committed"`
	Total     int    `json:"total"`
	Wave      uint32 `json:"wave"`
}

type stateEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Height: h.store.Height()}
	if h.progress != nil {
		if committed, total, wave, ok := h.progress.Progress(); ok {
			resp.Running = true
			resp.Block = &blockProgress{Committed: committed, Total: total, Wave: wave}
		}
	}
	writeJSONResponse(w, resp, false, "")
}

func (h *AdminHandlers) handleStateKey(w http.ResponseWriter, r *http.Request, key string) {
	value, found, err := h.store.Get(key)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("key '%s' not found", key))
		return
	}
	writeJSONResponse(w, stateEntry{Key: key, Value: encodeBase64(value)}, false, "")
}

func (h *AdminHandlers) handleStateScan(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("glob")
	if pattern == "" {
		pattern = "*"
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	entries := make([]stateEntry, 0, 16)
	hasMore := false
	lastKey := ""
	err = h.store.Scan(pattern, func(key string, value []byte) bool {
		if len(entries) == limit {
			hasMore = true
			return false
		}
		entries = append(entries, stateEntry{Key: key, Value: encodeBase64(value)})
		lastKey = key
		return true
	})
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if !hasMore {
		lastKey = ""
	}
	writeJSONResponse(w, entries, hasMore, lastKey)
}

func (h *AdminHandlers) handleReceipts(w http.ResponseWriter, r *http.Request, height uint64) {
	receipts, err := h.store.Receipts(height)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(receipts) == 0 {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("no receipts for block %d", height))
		return
	}
	writeJSONResponse(w, receipts, false, "")
}

type blockWaitResponse struct {
	Height   uint64 `json:"height"`
	TimedOut bool   `json:"timed_out"`
}

// handleBlockWait long-polls until a block above after is applied. With glob
// patterns only blocks that wrote a matching key count.
func (h *AdminHandlers) handleBlockWait(w http.ResponseWriter, r *http.Request) {
	if h.blocks == nil {
		writeErrorResponse(w, http.StatusNotImplemented, "block notifications are disabled")
		return
	}

	q := r.URL.Query()
	after := h.store.Height()
	if s := q.Get("after"); s != "" {
		var err error
		if after, err = parseHeight(s); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	timeout, err := parseTimeout(q.Get("timeout"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	patterns := q["glob"]

	// Subscribe before looking at the store so no block is missed
	signals, cancel, err := h.blocks.Subscribe(notify.BlockFilter{Keys: patterns})
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	defer cancel()

	height, err := h.appliedSince(after, patterns)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if height > 0 {
		writeJSONResponse(w, blockWaitResponse{Height: height}, false, "")
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				writeErrorResponse(w, http.StatusServiceUnavailable, "subscription closed")
				return
			}
			if sig.Height > after {
				writeJSONResponse(w, blockWaitResponse{Height: sig.Height}, false, "")
				return
			}
		case <-timer.C:
			writeJSONResponse(w, blockWaitResponse{Height: h.store.Height(), TimedOut: true}, false, "")
			return
		case <-r.Context().Done():
			return
		}
	}
}

// appliedSince returns the first stored block above after that matches the
// patterns, or 0.
func (h *AdminHandlers) appliedSince(after uint64, patterns []string) (uint64, error) {
	height := h.store.Height()
	if height <= after {
		return 0, nil
	}
	if len(patterns) == 0 {
		return after + 1, nil
	}
	if height-after > maxWaitBacklog {
		return 0, fmt.Errorf("after is more than %d blocks behind height %d", maxWaitBacklog, height)
	}

	globs := make([]glob.Glob, len(patterns))
	for i, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return 0, err
		}
		globs[i] = g
	}

	for b := after + 1; b <= height; b++ {
		receipts, err := h.store.Receipts(b)
		if err != nil {
			return 0, err
		}
		for _, rc := range receipts {
			for _, k := range rc.Keys {
				for _, g := range globs {
					if g.Match(k) {
						return b, nil
					}
				}
			}
		}
	}
	return 0, nil
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return defaultWaitTimeout, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout: %w", err)
	}
	if d <= 0 || d > maxWaitTimeout {
		return 0, fmt.Errorf("timeout must be in (0, %s]", maxWaitTimeout)
	}
	return d, nil
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, errors.New("limit must be positive")
	}
	if limit > 1024 {
		return 0, errors.New("limit cannot exceed 1024")
	}
	return limit, nil
}

func parseHeight(s string) (uint64, error) {
	if s == "" {
		return 0, errors.New("block height is required")
	}
	height, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block height: %w", err)
	}
	return height, nil
}

// encodeBase64 encodes byte slices as base64 strings
func encodeBase64(data []byte) string {
	if data == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}
