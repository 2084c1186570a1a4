package http

import (
	"sync"
)

var (
	globalMu     sync.Mutex
	globalClient *Client
)

// GetGlobalClient returns the process-wide client. Sharing it keeps one
// connection pool and one set of responder breakers across the TSA, OCSP,
// CRL and AIA lookups of a run.
func GetGlobalClient() *Client {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalClient == nil {
		globalClient = NewClient(nil)
	}
	return globalClient
}

// InitGlobalClient replaces the global client with one built from opts.
// The CLI calls it once flags are parsed.
func InitGlobalClient(opts ...Option) *Client {
	c := NewClientWithOptions(opts...)
	globalMu.Lock()
	defer globalMu.Unlock()
	globalClient = c
	return c
}

// ResetGlobalClient discards the global client. Tests only.
func ResetGlobalClient() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalClient = nil
}
