// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package payloads

// memory is a Backend which keeps payload records in a map.
type memory struct {
	records map[uint64]Record
}

// NewMemory returns a Store which holds payloads in memory.
func NewMemory() *Counted {
	return NewCounted(&memory{
		records: map[uint64]Record{},
	})
}

// GetRecord returns a copy of the record for an id.
func (m *memory) GetRecord(id uint64) (*Record, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}

	r.Payload = append([]byte{}, r.Payload...)
	return &r, nil
}

// SetRecord stores a copy of a record.
func (m *memory) SetRecord(id uint64, r *Record) error {
	in := *r
	in.Payload = append([]byte{}, r.Payload...)
	m.records[id] = in
	return nil
}

// DeleteRecord removes the record for an id.
func (m *memory) DeleteRecord(id uint64) error {
	delete(m.records, id)
	return nil
}

// Purge removes all records.
func (m *memory) Purge() error {
	m.records = map[uint64]Record{}
	return nil
}

// Close does nothing for a memory backend.
func (m *memory) Close() error {
	return nil
}
