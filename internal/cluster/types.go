package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/errcode"
)

// ShardInfo identifies a shard process and where it listens.
type ShardInfo struct {
	ID   chunk.ShardID `json:"id"`
	Addr string        `json:"addr"`
}

type RegisterRequest struct {
	Shard ShardInfo `json:"shard"`
}

// ErrorBody is the payload of every non-2xx reply.
type ErrorBody struct {
	Code   string `json:"code"`
	ErrMsg string `json:"errmsg"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON posts body to url and decodes the reply into out (if non-nil).
// Transport failures are marked HostUnreachable; error replies are turned
// back into the code the server reported.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// GetJSON fetches url and decodes the reply into out (if non-nil).
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return errcode.Wrap(errcode.HostUnreachable, err, "%s %s", req.Method, req.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(req, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(req *http.Request, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var body ErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Code != "" {
		return errors.Wrapf(errcode.FromName(body.Code, body.ErrMsg), "%s %s", req.Method, req.URL)
	}
	return errors.Newf("http %s: %d", req.URL, resp.StatusCode)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError writes err as an ErrorBody with the status its code maps to.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, errcode.HTTPStatus(err), ErrorBody{Code: errcode.Of(err), ErrMsg: err.Error()})
}

// DecodeJSON reads a request body into v; failures are BadValue.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errcode.Wrap(errcode.BadValue, err, "invalid request body")
	}
	return nil
}
