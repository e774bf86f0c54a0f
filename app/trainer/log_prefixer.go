package trainer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// LogPrefixer is an io.Writer decorating each output line with the pair name,
// so interleaved output of concurrent jobs stays attributable.
type LogPrefixer struct {
	writer io.Writer
	prefix []byte
}

// NewLogPrefixer makes a prefixer writing to w with {pair} prepended to each line
func NewLogPrefixer(w io.Writer, pair string) *LogPrefixer {
	return &LogPrefixer{writer: w, prefix: []byte(fmt.Sprintf("{%s} ", pair))}
}

func (p *LogPrefixer) Write(data []byte) (int, error) {
	reader := bufio.NewReader(bytes.NewReader(data))
	var written int
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return written, err
		}
		if len(line) > 0 {
			if _, werr := p.writer.Write(p.prefix); werr != nil {
				return written, werr
			}
			n, werr := p.writer.Write(line)
			written += n
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			return written, nil
		}
	}
}
