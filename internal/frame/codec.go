package frame

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/flowforge-io/flowforge/internal/schema"
)

// payloadVersion is the cache payload wire version. Bump on layout change.
const payloadVersion = 1

type payloadColumn struct {
	Name     string `msgpack:"name"`
	Type     string `msgpack:"type"`
	Nullable bool   `msgpack:"nullable"`
}

type payload struct {
	Version int             `msgpack:"version"`
	Columns []payloadColumn `msgpack:"columns"`
	Rows    int             `msgpack:"rows"`
	Data    [][]any         `msgpack:"data"` // column-major
}

// Encode writes the frame in the msgpack payload format.
func (f *Frame) Encode(w io.Writer) error {
	p := payload{Version: payloadVersion, Rows: f.NumRows()}
	for _, c := range f.Schema {
		p.Columns = append(p.Columns, payloadColumn{Name: c.Name, Type: c.Type.String(), Nullable: c.Nullable})
	}
	p.Data = make([][]any, len(f.Cols))
	for i, col := range f.Cols {
		out := make([]any, len(col))
		for j, v := range col {
			if d, ok := v.(time.Duration); ok {
				out[j] = int64(d)
				continue
			}
			out[j] = v
		}
		p.Data[i] = out
	}
	return msgpack.NewEncoder(w).Encode(&p)
}

// Decode reads a payload back into a frame, restoring canonical cell types.
func Decode(r io.Reader) (*Frame, error) {
	var p payload
	if err := msgpack.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode frame payload: %w", err)
	}
	if p.Version != payloadVersion {
		return nil, fmt.Errorf("unsupported frame payload version %d", p.Version)
	}
	s := make(schema.Schema, len(p.Columns))
	for i, c := range p.Columns {
		t, err := schema.Parse(c.Type)
		if err != nil {
			return nil, fmt.Errorf("payload column %q: %w", c.Name, err)
		}
		s[i] = schema.Column{Name: c.Name, Type: t, Nullable: c.Nullable}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if len(p.Data) != len(s) {
		return nil, fmt.Errorf("payload has %d data columns for %d schema columns", len(p.Data), len(s))
	}
	out := &Frame{Schema: s, Cols: make([][]any, len(s))}
	for i, col := range p.Data {
		restored := make([]any, len(col))
		for j, v := range col {
			cv, err := Coerce(v, s[i].Type)
			if err != nil {
				return nil, fmt.Errorf("payload column %q row %d: %w", s[i].Name, j, err)
			}
			restored[j] = cv
		}
		out.Cols[i] = restored
	}
	return out, out.Check()
}

// SaveFile encodes the frame to path atomically (temp + fsync + rename).
func (f *Frame) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".frame-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := f.Encode(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFile decodes a frame payload from disk.
func LoadFile(path string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}
