// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package payloads

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type failingBackend struct {
	memory
	err error
}

func (b *failingBackend) GetRecord(id uint64) (*Record, error) {
	return nil, b.err
}

func (b *failingBackend) Purge() error {
	return b.err
}

func TestKey(t *testing.T) {
	require.Equal(t, PayloadKey+"_1234", Key(1234))
}

func TestContentID(t *testing.T) {
	require.Equal(t, ContentID([]byte("hello")), ContentID([]byte("hello")))
	require.NotEqual(t, ContentID([]byte("hello")), ContentID([]byte("world")))
}

func TestRecordMarshalBinary(t *testing.T) {
	r := Record{
		Payload:    []byte("hello"),
		References: 3,
		Created:    1674000000,
	}

	data, err := r.MarshalBinary()
	require.NoError(t, err)
	require.JSONEq(t, `{"payload":"aGVsbG8=","references":3,"created":1674000000}`, string(data))

	r2 := new(Record)
	require.NoError(t, r2.UnmarshalBinary(data))
	require.Equal(t, r, *r2)
}

func TestRecordUnmarshalBinaryEmpty(t *testing.T) {
	r := new(Record)
	require.NoError(t, r.UnmarshalBinary([]byte{}))
	require.Equal(t, Record{}, *r)
}

func TestMemoryAdd(t *testing.T) {
	s := NewMemory()
	id, err := s.Add([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, ContentID([]byte("hello")), id)

	refs, err := s.References(id)
	require.NoError(t, err)
	require.Equal(t, int64(1), refs)

	payload, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)
}

func TestMemoryAddDeduplicates(t *testing.T) {
	s := NewMemory()
	id, err := s.Add([]byte("hello"))
	require.NoError(t, err)
	id2, err := s.Add([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, id, id2)

	refs, err := s.References(id)
	require.NoError(t, err)
	require.Equal(t, int64(2), refs)
}

func TestMemoryAddCollision(t *testing.T) {
	s := NewMemory()
	id := ContentID([]byte("hello"))
	err := s.backend.SetRecord(id, &Record{Payload: []byte("imposter"), References: 1})
	require.NoError(t, err)

	id2, err := s.Add([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, id+1, id2)

	payload, err := s.Get(id2)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)

	payload, err = s.Get(id)
	require.NoError(t, err)
	require.Equal(t, []byte("imposter"), payload)
}

func TestMemoryGetNotFound(t *testing.T) {
	s := NewMemory()
	_, err := s.Get(99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	s := NewMemory()
	in := []byte("hello")
	id, err := s.Add(in)
	require.NoError(t, err)
	in[0] = 'j'

	payload, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)
	payload[0] = 'y'

	payload, err = s.Get(id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)
}

func TestMemoryIncrementDecrement(t *testing.T) {
	s := NewMemory()
	id, err := s.Add([]byte("hello"))
	require.NoError(t, err)

	require.NoError(t, s.Increment(id))
	refs, err := s.References(id)
	require.NoError(t, err)
	require.Equal(t, int64(2), refs)

	require.NoError(t, s.Decrement(id))
	refs, err = s.References(id)
	require.NoError(t, err)
	require.Equal(t, int64(1), refs)

	require.NoError(t, s.Decrement(id))
	_, err = s.Get(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryIncrementDecrementNotFound(t *testing.T) {
	s := NewMemory()
	require.ErrorIs(t, s.Increment(1), ErrNotFound)
	require.ErrorIs(t, s.Decrement(1), ErrNotFound)
	_, err := s.References(1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryConcurrent(t *testing.T) {
	s := NewMemory()
	id, err := s.Add([]byte("shared"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Increment(id)
			_ = s.Decrement(id)
		}()
	}
	wg.Wait()

	refs, err := s.References(id)
	require.NoError(t, err)
	require.Equal(t, int64(1), refs)
	require.NoError(t, s.Close())
}

func TestOpenPurges(t *testing.T) {
	b := &memory{records: map[uint64]Record{1: {Payload: []byte("stale"), References: 4}}}
	s, err := Open(b)
	require.NoError(t, err)
	_, err = s.Get(1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenPurgeError(t *testing.T) {
	fault := errors.New("test")
	_, err := Open(&failingBackend{err: fault})
	require.ErrorIs(t, err, fault)
}

func TestCountedBackendError(t *testing.T) {
	fault := errors.New("test")
	s := NewCounted(&failingBackend{err: fault})
	_, err := s.Add([]byte("a"))
	require.ErrorIs(t, err, fault)
	_, err = s.Get(1)
	require.ErrorIs(t, err, fault)
	require.ErrorIs(t, s.Increment(1), fault)
	require.ErrorIs(t, s.Decrement(1), fault)
}

func TestReferenceAdopt(t *testing.T) {
	s := NewMemory()
	id, err := s.Add([]byte("hello"))
	require.NoError(t, err)

	r := Adopt(s, id)
	require.Equal(t, id, r.ID())

	ok, err := r.Release()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Release()
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Get(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReferenceReleaseOnce(t *testing.T) {
	s := NewMemory()
	id, err := s.Add([]byte("hello"))
	require.NoError(t, err)

	r, err := Acquire(s, id)
	require.NoError(t, err)
	refs, err := s.References(id)
	require.NoError(t, err)
	require.Equal(t, int64(2), refs)

	ok, err := r.Release()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Release()
	require.NoError(t, err)
	require.False(t, ok)

	refs, err = s.References(id)
	require.NoError(t, err)
	require.Equal(t, int64(1), refs)
}

func TestReferenceAcquireNotFound(t *testing.T) {
	s := NewMemory()
	r, err := Acquire(s, 1)
	require.ErrorIs(t, err, ErrNotFound)
	require.Nil(t, r)
}
