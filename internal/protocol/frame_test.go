package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"packet_type":"Ping"}`)))
	require.NoError(t, WriteFrame(&buf, []byte(`{"packet_type":"Ack"}`)))
	require.NoError(t, WriteFrame(&buf, nil))

	first, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, `{"packet_type":"Ping"}`, string(first))

	second, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, `{"packet_type":"Ack"}`, string(second))

	empty, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = ReadFrame(&buf, DefaultMaxFrameSize)
	require.Equal(t, io.EOF, err)
}

func TestFrameHeaderIsBigEndianLength(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("pong")))
	require.Equal(t, []byte{0, 0, 0, 4, 'p', 'o', 'n', 'g'}, buf.Bytes())
}

func TestReadFrameTooLarge(t *testing.T) {
	t.Parallel()

	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header, 65)

	_, err := ReadFrame(bytes.NewReader(header), 64)
	require.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestReadFrameTruncated(t *testing.T) {
	t.Parallel()

	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header, 10)

	_, err := ReadFrame(bytes.NewReader(append(header, 'a', 'b')), DefaultMaxFrameSize)
	require.Equal(t, io.ErrUnexpectedEOF, err)

	_, err = ReadFrame(bytes.NewReader(header), DefaultMaxFrameSize)
	require.Equal(t, io.ErrUnexpectedEOF, err)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0}), DefaultMaxFrameSize)
	require.Equal(t, io.ErrUnexpectedEOF, err)
}
