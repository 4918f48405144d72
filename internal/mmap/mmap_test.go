package mmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapAnon_ReadWriteClose(t *testing.T) {
	m, err := MapAnon(4096)
	require.NoError(t, err)

	buf := m.Bytes()
	require.Len(t, buf, 4096)
	assert.Equal(t, 4096, m.Size())

	// Fresh anonymous pages are zeroed
	for _, b := range buf[:64] {
		assert.Equal(t, byte(0), b)
	}

	buf[0] = 0xAB
	buf[4095] = 0xCD
	assert.Equal(t, byte(0xAB), m.Bytes()[0])
	assert.Equal(t, byte(0xCD), m.Bytes()[4095])

	require.NoError(t, m.Advise(AccessRandom))

	require.NoError(t, m.Close())
	// Idempotent
	require.NoError(t, m.Close())

	assert.Nil(t, m.Bytes())
	assert.ErrorIs(t, m.Advise(AccessDefault), ErrClosed)
}

func TestMapAnon_InvalidSize(t *testing.T) {
	_, err := MapAnon(0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = MapAnon(-1)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestMapping_AdviseRange(t *testing.T) {
	m, err := MapAnon(4 * 4096)
	require.NoError(t, err)

	buf := m.Bytes()
	buf[2*4096] = 0x7F

	require.NoError(t, m.AdviseRange(4096, 3*4096, AccessDontNeed))
	require.NoError(t, m.AdviseRange(0, 0, AccessRandom))

	assert.ErrorIs(t, m.AdviseRange(-1, 10, AccessDefault), ErrOutOfBounds)
	assert.ErrorIs(t, m.AdviseRange(4096, 4*4096, AccessDefault), ErrOutOfBounds)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.AdviseRange(0, 4096, AccessDefault), ErrClosed)
}
