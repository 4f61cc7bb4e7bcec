package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardmeta/internal/chunk"
	"github.com/dreamware/shardmeta/internal/cluster"
	"github.com/dreamware/shardmeta/internal/errcode"
)

func deadAddr(t *testing.T) string {
	t.Helper()
	s := httptest.NewServer(http.NotFoundHandler())
	s.Close()
	return s.URL
}

func TestHTTPClientRetargetsUnreachableHost(t *testing.T) {
	var calls atomic.Int32
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, PathFindDatabase, r.URL.Path)
		var req FindRequest
		require.NoError(t, cluster.DecodeJSON(r, &req))
		assert.Equal(t, "TestDB", req.Name)
		assert.Equal(t, ReadMajority, req.ReadConcern)
		db := DatabaseEntry{Name: req.Name, Primary: "0"}
		cluster.WriteJSON(w, http.StatusOK, DocumentsReply{
			Documents:     []json.RawMessage{db.ToDocument()},
			OperationTime: chunk.Timestamp{Secs: 9},
		})
	}))
	defer live.Close()

	c := NewHTTPClient([]string{deadAddr(t), live.URL + "/"}, nil)
	c.SetRetryPolicy(3, time.Millisecond)

	reply, err := c.FindDatabase(context.Background(), "TestDB", ReadMajority)
	require.NoError(t, err)
	require.Len(t, reply.Documents, 1)
	assert.Equal(t, chunk.Timestamp{Secs: 9}, reply.OperationTime)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientRetryBudget(t *testing.T) {
	tests := []struct {
		name      string
		code      error
		wantCalls int32
	}{
		{"not primary is retried", errcode.NotWritablePrimary, 3},
		{"namespace not found is permanent", errcode.NamespaceNotFound, 1},
		{"conflict is permanent", errcode.ConflictingOperationInProgress, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				cluster.WriteError(w, errcode.New(tt.code, "scripted"))
			}))
			defer s.Close()

			c := NewHTTPClient([]string{s.URL}, nil)
			c.SetRetryPolicy(3, time.Millisecond)
			_, err := c.FindChunks(context.Background(), uuid.New(), VersionPredicate{}, ReadMajority)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.code), "got %v", err)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestHTTPClientSendsPredicate(t *testing.T) {
	epoch := uuid.New()
	since := chunk.NewChunkVersion(3, 1, epoch, chunk.Timestamp{})
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req FindRequest
		require.NoError(t, cluster.DecodeJSON(r, &req))
		require.NotNil(t, req.Predicate)
		require.NotNil(t, req.Predicate.Since)
		assert.Equal(t, since, *req.Predicate.Since)
		cluster.WriteJSON(w, http.StatusOK, DocumentsReply{})
	}))
	defer s.Close()

	c := NewHTTPClient([]string{s.URL}, nil)
	reply, err := c.FindChunks(context.Background(), uuid.New(), VersionPredicate{Since: &since}, ReadMajority)
	require.NoError(t, err)
	assert.Empty(t, reply.Documents)
}

func TestHTTPClientOmitsFullPredicate(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req FindRequest
		require.NoError(t, cluster.DecodeJSON(r, &req))
		assert.Nil(t, req.Predicate)
		require.NotNil(t, req.CollectionUUID)
		cluster.WriteJSON(w, http.StatusOK, DocumentsReply{})
	}))
	defer s.Close()

	_, err := NewHTTPClient([]string{s.URL}, nil).FindChunks(context.Background(), uuid.New(), VersionPredicate{}, ReadMajority)
	require.NoError(t, err)
}

func TestHTTPClientWithoutAddresses(t *testing.T) {
	_, err := NewHTTPClient(nil, nil).FindCollection(context.Background(), kNss, ReadMajority)
	assert.True(t, errors.Is(err, errcode.HostUnreachable))
}
