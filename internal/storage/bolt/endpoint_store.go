package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bobmcallan/vmbridge/internal/interfaces"
)

const lastEndpointKey = "vm_service.last_endpoint"

// EndpointStore keeps the last endpoint record as JSON in the kv bucket.
type EndpointStore struct {
	kv interfaces.KeyValueStorage
}

// NewEndpointStore creates an endpoint store over kv.
func NewEndpointStore(kv interfaces.KeyValueStorage) *EndpointStore {
	return &EndpointStore{kv: kv}
}

// LastEndpoint returns the remembered endpoint, if any.
func (s *EndpointStore) LastEndpoint(ctx context.Context) (interfaces.EndpointRecord, bool, error) {
	raw, err := s.kv.Get(ctx, lastEndpointKey)
	if errors.Is(err, ErrNotFound) {
		return interfaces.EndpointRecord{}, false, nil
	}
	if err != nil {
		return interfaces.EndpointRecord{}, false, err
	}
	var rec interfaces.EndpointRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return interfaces.EndpointRecord{}, false, fmt.Errorf("decode endpoint record: %w", err)
	}
	return rec, true, nil
}

// SaveEndpoint replaces the remembered endpoint.
func (s *EndpointStore) SaveEndpoint(ctx context.Context, rec interfaces.EndpointRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode endpoint record: %w", err)
	}
	return s.kv.Set(ctx, lastEndpointKey, string(data))
}
