package protocol

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMessagesDeliversInOrder(t *testing.T) {
	input := `{"UpdateTemplate":{"name":"A"}}` + "\n" +
		`{"UpdateTemplate":{"name":"B"}}` + "\n" +
		`"Shutdown"` + "\n"

	var got []Message
	err := ReadMessages(strings.NewReader(input), func(m Message) {
		got = append(got, m)
	})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.JSONEq(t, `{"name":"A"}`, string(got[0].Template))
	assert.JSONEq(t, `{"name":"B"}`, string(got[1].Template))
	assert.Equal(t, KindShutdown, got[2].Kind)
}

func TestReadMessagesSkipsMalformedLines(t *testing.T) {
	input := "not json\n" + `"Shutdown"` + "\n"

	var got []Message
	err := ReadMessages(strings.NewReader(input), func(m Message) {
		got = append(got, m)
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, KindShutdown, got[0].Kind)
}

func TestReadMessagesFinalLineWithoutNewline(t *testing.T) {
	var got []Message
	err := ReadMessages(strings.NewReader(`"Shutdown"`), func(m Message) {
		got = append(got, m)
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// errReader fails after its content is consumed, simulating a torn
// connection rather than a clean EOF.
type errReader struct {
	r io.Reader
}

func (e *errReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func TestReadMessagesSurfacesHardErrors(t *testing.T) {
	err := ReadMessages(&errReader{r: strings.NewReader(`"Shutdown"` + "\n")}, func(Message) {})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
