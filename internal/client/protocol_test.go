package client

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, &Response{Service: 2, SrvOpID: 1, Data: map[string]interface{}{"result": "ok"}}))

	raw := buf.Bytes()
	require.Equal(t, byte(frameTerminator), raw[len(raw)-1], "frame must end with the terminator byte")

	// A response document parses back as a request document shape.
	req, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, 2, req.Service)
	assert.Equal(t, 1, req.SrvOpID)
}

func TestReadFrameRejectsGarbage(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("not json\x04")))
	_, err := readFrame(r)
	require.Error(t, err)
}

func TestBinaryFrameLayout(t *testing.T) {
	payload := []byte("zip-bytes-here")
	var buf bytes.Buffer
	require.NoError(t, writeBinaryFrame(&buf, &Response{Service: 1, Data: map[string]interface{}{"result": "ok"}}, payload))

	raw := buf.Bytes()

	// Document up to the terminator, then the delimiter.
	term := bytes.IndexByte(raw, frameTerminator)
	require.Greater(t, term, 0)
	rest := raw[term+1:]
	require.True(t, bytes.HasPrefix(rest, binaryDelimiter), "binary delimiter must follow the document")

	rest = rest[len(binaryDelimiter):]
	require.GreaterOrEqual(t, len(rest), 4)
	length := binary.BigEndian.Uint32(rest[:4])
	assert.Equal(t, uint32(len(payload)), length)
	assert.Equal(t, payload, rest[4:])
}

func TestZipLogsPicksDayFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maotrade-2026-08-24.log"), []byte("line one\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maotrade-2026-08-23.log"), []byte("old\n"), 0o644))

	payload, count, err := zipLogs(dir, "2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "maotrade-2026-08-24.log", zr.File[0].Name)
}
