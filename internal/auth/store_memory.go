package auth

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryClientStore holds clients in process. Used with the SQLite store
// and in tests.
type MemoryClientStore struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewMemoryClientStore(clients ...*Client) *MemoryClientStore {
	s := &MemoryClientStore{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		s.clients[c.ID] = c
	}
	return s
}

func (s *MemoryClientStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	cp := *c
	cp.Scopes = append([]string(nil), c.Scopes...)
	return &cp, nil
}

func (s *MemoryClientStore) PutClient(_ context.Context, c *Client) error {
	if !c.Role.Valid() {
		return fmt.Errorf("client %s: invalid role %q", c.ID, c.Role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
	return nil
}

type clientsFile struct {
	Clients []*Client `yaml:"clients"`
}

// LoadClientsFile reads a YAML list of clients with bcrypt secret hashes:
//
//	clients:
//	  - client_id: teller-001
//	    name: Jane Mwangi
//	    role: maker
//	    scopes: [charges:read, changes:read, changes:write]
//	    secret_hash: $2a$10$...
func LoadClientsFile(path string) (*MemoryClientStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open clients file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var doc clientsFile
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode clients file: %w", err)
	}

	store := NewMemoryClientStore()
	for i, c := range doc.Clients {
		if c == nil || c.ID == "" || c.SecretHash == "" {
			return nil, fmt.Errorf("clients[%d]: client_id and secret_hash are required", i)
		}
		if err := store.PutClient(context.Background(), c); err != nil {
			return nil, err
		}
	}
	return store, nil
}
