package trainer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogPrefixer(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	p := NewLogPrefixer(buf, "BTC/USDT:USDT")

	_, err := p.Write([]byte("first\nsecond\n"))
	require.NoError(t, err)
	assert.Equal(t, "{BTC/USDT:USDT} first\n{BTC/USDT:USDT} second\n", buf.String())
}

func TestLogPrefixerNoTrailingNewline(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	p := NewLogPrefixer(buf, "eth")

	_, err := p.Write([]byte("partial"))
	require.NoError(t, err)
	assert.Equal(t, "{eth} partial", buf.String())
}

func TestLogPrefixerEmpty(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	p := NewLogPrefixer(buf, "eth")

	n, err := p.Write([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "", buf.String())
}
