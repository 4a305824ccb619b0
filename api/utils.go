package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"hostaudit/storage"
	"hostaudit/util"

	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies. Facts documents are the largest payload.
const maxBodyBytes = 4 << 20

// maxDetailLength bounds the error detail echoed to clients
const maxDetailLength = 300

// errorResponse is the JSON body of every non-2xx response
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing left to report to the client.
		return
	}
}

// writeError writes a {"error": code} response and logs the full error.
// The detail sent to the client is sanitized and truncated.
func writeError(w http.ResponseWriter, statusCode int, code string, err error, logger *zap.SugaredLogger) {
	resp := errorResponse{Error: code}
	if err != nil {
		if logger != nil {
			if statusCode >= http.StatusInternalServerError {
				logger.Errorw("Request failed", "error_code", code, "error", err, "status_code", statusCode)
			} else {
				logger.Debugw("Request rejected", "error_code", code, "error", err, "status_code", statusCode)
			}
		}
		resp.Detail = util.SanitizeError(err)
		if len(resp.Detail) > maxDetailLength {
			resp.Detail = resp.Detail[:maxDetailLength-3] + "..."
		}
	}
	writeJSON(w, statusCode, resp)
}

// readBody reads a bounded request body. An empty body yields nil.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(data) > maxBodyBytes {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
	}
	return data, nil
}

// decodeJSONBody decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeJSONBody(r *http.Request, v interface{}) error {
	data, err := readBody(r)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return fmt.Errorf("malformed JSON at offset %d", syntaxErr.Offset)
		}
		return err
	}
	return nil
}

// queryInt parses an integer query parameter, returning def when absent or malformed
func queryInt(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryPage reads page and pagesz
func queryPage(r *http.Request) storage.Page {
	return storage.NormalizePage(queryInt(r, "page", 1), queryInt(r, "pagesz", storage.DefaultPageSize))
}

// queryIntList parses a comma separated list of integers, skipping junk entries
func queryIntList(r *http.Request, key string) []int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// truthy matches the query-string spellings accepted for boolean flags
func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// clientIP returns the direct peer address of r
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
