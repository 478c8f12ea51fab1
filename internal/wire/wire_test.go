package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/lindamesh/internal/tuple"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{DstNode: 2, SrcNode: 1, DstPort: 7, Seq: 42, Payload: []byte("hello")}
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestFrameHeaderSize(t *testing.T) {
	f := Frame{}
	assert.Len(t, Encode(f), HeaderSize)
}

func TestReadFrameRejectsShortTotalLength(t *testing.T) {
	buf := make([]byte, HeaderSize)
	// total_length of 3 is smaller than the header itself.
	buf[3] = 3
	_, err := ReadFrame(bytes.NewReader(buf))
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	type outArgs struct {
		TS  string        `json:"ts"`
		Tup []WireElement `json:"tup"`
	}
	args := outArgs{TS: "1:5", Tup: ToWireTuple(tuple.Tuple{tuple.Int(9)})}
	payload, err := Marshal(OpOutTuple, args)
	require.NoError(t, err)

	env, err := Unmarshal(payload)
	require.NoError(t, err)
	assert.Equal(t, OpOutTuple, env.Op)

	var decoded outArgs
	require.NoError(t, env.DecodeArgs(&decoded))
	assert.Equal(t, "1:5", decoded.TS)

	tup, err := FromWireTuple(decoded.Tup)
	require.NoError(t, err)
	assert.Equal(t, tuple.Tuple{tuple.Int(9)}.Key(), tup.Key())
}

func TestEnvelopeNoArgsOpcode(t *testing.T) {
	payload, err := Marshal(OpDone, nil)
	require.NoError(t, err)
	env, err := Unmarshal(payload)
	require.NoError(t, err)
	assert.Equal(t, OpDone, env.Op)
	assert.Empty(t, env.Args)
}

func TestTupleCodecRoundTripsFormalsAndNesting(t *testing.T) {
	original := tuple.Tuple{
		tuple.Formal(tuple.ClassInt),
		tuple.TupleElem(tuple.Tuple{tuple.String("nested"), tuple.Bool(true)}),
		tuple.TSRef("3:1"),
		tuple.SeqElem(tuple.NewSequence([]tuple.Element{tuple.Int(1), tuple.Int(2)})),
	}

	wireForm := ToWireTuple(original)
	restored, err := FromWireTuple(wireForm)
	require.NoError(t, err)
	assert.Equal(t, original.Key(), restored.Key())
}
