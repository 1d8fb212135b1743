package audit

import "time"

// SetClock подменяет часы ledger в тестах
func SetClock(l *MemoryLedger, now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
