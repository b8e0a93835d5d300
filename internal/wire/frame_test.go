package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello replica")

	require.NoError(t, WriteFrame(&buf, OpSubmitReport, payload))

	op, got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpSubmitReport, op)
	assert.Equal(t, payload, got)
}

func TestWriteReadFrame_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, OpEchoWrite, nil))

	op, got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpEchoWrite, op)
	assert.Empty(t, got)
}

func TestReadFrame_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(OpObtainReport))
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}) // length far beyond maxFrameLen

	_, _, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestMultipleFrames_SequentialRead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, OpSubmitReport, []byte("one")))
	require.NoError(t, WriteFrame(&buf, OpObtainReport, []byte("two")))

	op1, p1, err := ReadFrame(&buf)
	require.NoError(t, err)
	op2, p2, err := ReadFrame(&buf)
	require.NoError(t, err)

	assert.Equal(t, OpSubmitReport, op1)
	assert.Equal(t, []byte("one"), p1)
	assert.Equal(t, OpObtainReport, op2)
	assert.Equal(t, []byte("two"), p2)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	body := WriteBody{Kind: "echo", Idx: 7, Epoch: 3, Report: []byte("report-bytes")}

	encoded, err := Encode(body)
	require.NoError(t, err)

	var decoded WriteBody
	require.NoError(t, Decode(encoded, &decoded))
	assert.Equal(t, body, decoded)
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "submit_report", OpSubmitReport.String())
	assert.Equal(t, "echo_write", OpEchoWrite.String())
}
