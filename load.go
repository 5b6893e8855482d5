package luahost

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/dshills/luahost/errors"
)

// chunkBufferSize caps how many bytes the loader pulls from the source
// per read.
const chunkBufferSize = 64

// chunkReader feeds a script source to the engine in fixed-size reads.
// The engine autodetects text versus precompiled binary form from the
// leading bytes.
type chunkReader struct {
	r io.Reader
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > chunkBufferSize {
		p = p[:chunkBufferSize]
	}
	return c.r.Read(p)
}

// Load compiles a chunk from r, remembering it for Run. The name is used
// only in diagnostics. Failure surfaces as a Syntax (or Memory)
// diagnostic and leaves any previously loaded chunk in place.
func (in *Interpreter) Load(r io.Reader, name string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return ErrClosed
	}

	fn, err := in.L.Load(&chunkReader{r: r}, name)
	if err != nil {
		e := errors.Classify(err)
		in.diag.Set(e)
		return e
	}
	in.chunk = fn
	in.logger.Debug("chunk loaded", zap.String("name", name))
	return nil
}

// LoadString compiles a chunk from source text.
func (in *Interpreter) LoadString(source, name string) error {
	return in.Load(strings.NewReader(source), name)
}

// LoadFile compiles a chunk from a file, using the path as the chunk
// name.
func (in *Interpreter) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		e := errors.Wrap(errors.KindSyntax, err, "opening chunk %s", path)
		in.diag.Set(e)
		return e
	}
	defer f.Close()
	return in.Load(f, path)
}
