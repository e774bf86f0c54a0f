package trainer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputCapture(t *testing.T) {
	c := NewOutputCapture(3)
	_, err := c.Write([]byte("line1\nline2\n"))
	require.NoError(t, err)
	_, err = c.Write([]byte("line3\nline4\n"))
	require.NoError(t, err)
	assert.Equal(t, "line2\nline3\nline4", c.String(), "keeps only the last 3 lines")
}

func TestOutputCaptureDisabled(t *testing.T) {
	c := NewOutputCapture(0)
	n, err := c.Write([]byte("line1\nline2\n"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, "", c.String())
}

func TestOutputCapturePartialLines(t *testing.T) {
	c := NewOutputCapture(10)
	_, err := c.Write([]byte("no trailing newline"))
	require.NoError(t, err)
	assert.Equal(t, "no trailing newline", c.String())
}

func TestOutputCaptureConcurrent(t *testing.T) {
	c := NewOutputCapture(1000)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = c.Write(fmt.Appendf(nil, "writer-%d line-%d\n", i, j))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, splitLines(c.String()), 1000)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var res []string
	start := 0
	for i := range len(s) {
		if s[i] == '\n' {
			res = append(res, s[start:i])
			start = i + 1
		}
	}
	return append(res, s[start:])
}
