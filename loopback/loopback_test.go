package loopback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	serial "github.com/luhtfiimanal/go-serial-dispatch"
)

var dataToSend = []byte{1, 2, 3, 4, 5}

func TestPort_ReadWrite(t *testing.T) {
	p := New()
	require.True(t, p.IsEnabled())
	require.Zero(t, p.ReadableSize())

	p.Inject(dataToSend)
	require.Equal(t, len(dataToSend), p.ReadableSize())

	received := make([]byte, len(dataToSend))
	n, err := p.Read(received)
	require.NoError(t, err)
	require.Equal(t, len(dataToSend), n)
	require.Equal(t, dataToSend, received)
	require.Zero(t, p.ReadableSize())

	n, err = p.Write(dataToSend)
	require.NoError(t, err)
	require.Equal(t, len(dataToSend), n)
	require.Equal(t, dataToSend, p.Drain())
	require.Empty(t, p.Drain())
}

func TestPort_ReadWaitsForData(t *testing.T) {
	p := New()
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Inject(dataToSend[:2])
		time.Sleep(20 * time.Millisecond)
		p.Inject(dataToSend[2:])
	}()

	received := make([]byte, len(dataToSend))
	n, err := p.Read(received)
	require.NoError(t, err)
	require.Equal(t, len(dataToSend), n)
	require.Equal(t, dataToSend, received)
}

func TestPort_ReadTimeout(t *testing.T) {
	p := New(WithReadTimeout(20 * time.Millisecond))
	p.Inject(dataToSend[:2])

	received := make([]byte, len(dataToSend))
	start := time.Now()
	n, err := p.Read(received)
	require.ErrorIs(t, err, serial.ErrTimeout)
	require.Equal(t, 2, n)
	require.Equal(t, dataToSend[:2], received[:n])
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	require.ErrorIs(t, p.SetReadTimeout(-time.Second), serial.ErrInvalidArgument)
}

func TestPort_Discard(t *testing.T) {
	p := New(WithReadTimeout(10 * time.Millisecond))
	p.Inject(dataToSend)

	require.NoError(t, p.Discard(3))
	require.Equal(t, 2, p.ReadableSize())
	require.ErrorIs(t, p.Discard(3), serial.ErrTimeout)
	require.Zero(t, p.ReadableSize())
	require.NoError(t, p.Discard(0))
}

func TestPort_EnableDisable(t *testing.T) {
	p := New()
	require.NoError(t, p.Disable())
	require.False(t, p.IsEnabled())

	_, err := p.Write(dataToSend)
	require.ErrorIs(t, err, serial.ErrInvalidState)
	_, err = p.Read(make([]byte, 1))
	require.ErrorIs(t, err, serial.ErrInvalidState)

	// buffered while disabled, but hidden, then flushed
	p.Inject(dataToSend)
	require.Zero(t, p.ReadableSize())
	require.NoError(t, p.Enable())
	require.True(t, p.IsEnabled())
	require.Zero(t, p.ReadableSize())
	require.NoError(t, p.Enable())
}

func TestPort_Echo(t *testing.T) {
	p := New(WithEcho())
	_, err := p.Write(dataToSend)
	require.NoError(t, err)
	require.Equal(t, len(dataToSend), p.ReadableSize())

	received := make([]byte, len(dataToSend))
	_, err = p.Read(received)
	require.NoError(t, err)
	require.Equal(t, dataToSend, received)
	require.Equal(t, dataToSend, p.Drain())
}

func TestPort_Lock(t *testing.T) {
	p := New()
	require.NoError(t, p.Lock(0))
	require.ErrorIs(t, p.Lock(0), serial.ErrTimeout)
	require.ErrorIs(t, p.Lock(10*time.Millisecond), serial.ErrTimeout)

	// I/O does not need the session
	p.Inject(dataToSend)
	require.NoError(t, p.Discard(len(dataToSend)))

	require.NoError(t, p.Unlock())
	require.ErrorIs(t, p.Unlock(), serial.ErrInvalidState)
	require.NoError(t, p.Lock(serial.Forever))
	require.NoError(t, p.Unlock())
}
