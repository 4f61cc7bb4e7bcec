package shard

import "sync"

// SessionEntry is one retryable-write record transferred with a migration.
type SessionEntry struct {
	SessionID string `json:"lsid"`
	TxnNumber int64  `json:"txnNumber"`
	StmtID    int32  `json:"stmtId"`
}

// TransactionTable remembers the highest transaction number per session so a
// retried write is recognized after its chunk moved.
type TransactionTable struct {
	mu   sync.RWMutex
	last map[string]int64
}

func NewTransactionTable() *TransactionTable {
	return &TransactionTable{last: make(map[string]int64)}
}

// Apply records entries and returns how many advanced a session.
func (t *TransactionTable) Apply(entries ...SessionEntry) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	advanced := 0
	for _, e := range entries {
		if e.SessionID == "" {
			continue
		}
		if cur, ok := t.last[e.SessionID]; ok && cur >= e.TxnNumber {
			continue
		}
		t.last[e.SessionID] = e.TxnNumber
		advanced++
	}
	return advanced
}

// LastTxnNumber returns the highest transaction number seen for the session.
func (t *TransactionTable) LastTxnNumber(sessionID string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.last[sessionID]
	return n, ok
}

func (t *TransactionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.last)
}
