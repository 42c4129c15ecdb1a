package kfmt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixWriterTagsEveryLine(t *testing.T) {
	specs := []struct {
		descr  string
		writes []string
		exp    string
	}{
		{"nothing written", nil, ""},
		{"empty line", []string{"\n"}, "[pmm] \n"},
		{"partial line", []string{"free pages: 2032"}, "[pmm] free pages: 2032"},
		{
			"line split across writes",
			[]string{"order ", "3 block", " at 0x80010000\n"},
			"[pmm] order 3 block at 0x80010000\n",
		},
		{
			"frame dump",
			[]string{"ra = 0000000080200000\nsp = 0000000080400000\n\ngp = 0"},
			"[pmm] ra = 0000000080200000\n[pmm] sp = 0000000080400000\n[pmm] \n[pmm] gp = 0",
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			var buf bytes.Buffer
			w := PrefixWriter{Sink: &buf, Prefix: []byte("[pmm] ")}

			for _, chunk := range spec.writes {
				n, err := w.Write([]byte(chunk))
				require.NoError(t, err)
				assert.Equal(t, len(chunk), n, "the prefix is not counted")
			}
			assert.Equal(t, spec.exp, buf.String())
		})
	}
}

func TestPrefixWriterThroughFprintf(t *testing.T) {
	var buf bytes.Buffer
	w := PrefixWriter{Sink: &buf, Prefix: []byte("[vmm] ")}

	Fprintf(&w, "fault at 0x%x\nresolved: %t\n", uintptr(0x10000), true)
	assert.Equal(t, "[vmm] fault at 0x10000\n[vmm] resolved: true\n", buf.String())
}

func TestPrefixWriterErrors(t *testing.T) {
	expErr := errors.New("console gone")

	specs := []struct {
		descr      string
		sink       writerFailingAfter
		input      string
		expWritten int
	}{
		{"prefix write fails", writerFailingAfter{err: expErr}, "boot\n", 0},
		{"line write fails", writerFailingAfter{ok: 1, err: expErr}, "boot\n", 0},
		{"second line prefix fails", writerFailingAfter{ok: 2, err: expErr}, "boot\nmm\n", 5},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			sink := spec.sink
			w := PrefixWriter{Sink: &sink, Prefix: []byte("[kmain] ")}

			n, err := w.Write([]byte(spec.input))
			assert.Equal(t, expErr, err)
			assert.Equal(t, spec.expWritten, n)
		})
	}
}

// writerFailingAfter accepts ok writes and fails every write after them.
type writerFailingAfter struct {
	ok  int
	err error
}

func (w *writerFailingAfter) Write(p []byte) (int, error) {
	if w.ok == 0 {
		return 0, w.err
	}
	w.ok--
	return len(p), nil
}
