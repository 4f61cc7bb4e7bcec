package catalog

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamware/shardmeta/internal/chunk"
)

// fakeClient serves catalog documents from in-memory state. Scripted
// responses, when queued, take precedence over the state.
type fakeClient struct {
	mu     sync.Mutex
	dbs    map[string]json.RawMessage
	colls  map[chunk.Namespace]json.RawMessage
	chunks map[uuid.UUID][]chunk.Chunk
	extra  []json.RawMessage

	collScript  []json.RawMessage
	chunkScript [][]json.RawMessage

	preds      []VersionPredicate
	dbCalls    int
	collCalls  int
	chunkCalls int
	opTime     chunk.Timestamp

	gate    chan struct{}
	entered chan struct{}
}

func newFakeClient() *fakeClient {
	f := &fakeClient{
		dbs:    make(map[string]json.RawMessage),
		colls:  make(map[chunk.Namespace]json.RawMessage),
		chunks: make(map[uuid.UUID][]chunk.Chunk),
		opTime: chunk.Timestamp{Secs: 100},
	}
	f.setDatabase(DatabaseEntry{Name: kNss.DB, Primary: "0", Version: DatabaseVersion{UUID: uuid.New(), LastMod: 1}})
	return f
}

func (f *fakeClient) setDatabase(db DatabaseEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dbs[db.Name] = db.ToDocument()
}

func (f *fakeClient) setCollection(coll CollectionEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.colls[coll.Namespace] = coll.ToDocument()
}

func (f *fakeClient) setRawCollection(nss chunk.Namespace, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.colls[nss] = json.RawMessage(raw)
}

func (f *fakeClient) setChunks(id uuid.UUID, chunks []chunk.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks[id] = chunks
}

func (f *fakeClient) calls() (db, coll, chunks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dbCalls, f.collCalls, f.chunkCalls
}

func (f *fakeClient) lastPredicate() VersionPredicate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.preds[len(f.preds)-1]
}

func (f *fakeClient) tick() chunk.Timestamp {
	f.opTime.Inc++
	return f.opTime
}

func (f *fakeClient) FindDatabase(_ context.Context, name string, _ ReadConcern) (DocumentsReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dbCalls++
	reply := DocumentsReply{OperationTime: f.tick()}
	if doc, ok := f.dbs[name]; ok {
		reply.Documents = []json.RawMessage{doc}
	}
	return reply, nil
}

func (f *fakeClient) FindCollection(_ context.Context, nss chunk.Namespace, _ ReadConcern) (DocumentsReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collCalls++
	reply := DocumentsReply{OperationTime: f.tick()}
	if len(f.collScript) > 0 {
		reply.Documents = []json.RawMessage{f.collScript[0]}
		f.collScript = f.collScript[1:]
		return reply, nil
	}
	if doc, ok := f.colls[nss]; ok {
		reply.Documents = []json.RawMessage{doc}
	}
	return reply, nil
}

func (f *fakeClient) FindChunks(ctx context.Context, id uuid.UUID, pred VersionPredicate, _ ReadConcern) (DocumentsReply, error) {
	f.mu.Lock()
	f.chunkCalls++
	f.preds = append(f.preds, pred)
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return DocumentsReply{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	reply := DocumentsReply{OperationTime: f.tick()}
	if len(f.chunkScript) > 0 {
		reply.Documents = f.chunkScript[0]
		f.chunkScript = f.chunkScript[1:]
		return reply, nil
	}
	for _, c := range f.chunks[id] {
		if pred.Matches(c) {
			reply.Documents = append(reply.Documents, c.ToDocument())
		}
	}
	reply.Documents = append(reply.Documents, f.extra...)
	return reply, nil
}

var _ CatalogClient = (*fakeClient)(nil)
