// Package kfmt implements the kernel's formatted output: an allocation-free
// Printf, a ring buffer capturing output before a console sink is attached,
// per-module loggers and the kernel panic path.
package kfmt

import (
	"io"
	"unsafe"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numFmtBuf = []byte("012345678901234567890123456789012")

	// singleByte is used as a shared buffer for passing single characters
	// to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer captures Printf output until SetOutputSink is called.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// addressValue is implemented by the physical and virtual address types of the
// mm package so they can be printed with the integer verbs.
type addressValue interface {
	Uintptr() uintptr
}

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf writes formatted output to the active output sink without allocating
// memory, so it can be called from the fault path while allocator locks are
// held.
//
// The supported verbs are a subset of fmt.Printf:
//
//	%s the uninterpreted bytes of the string or byte slice
//	%c a single byte
//	%o base 8
//	%d base 10
//	%x base 16, with lower-case letters for a-f
//	%t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the
// verb. Strings and base-10 integers are left-padded with spaces; base-8 and
// base-16 integers are left-padded with zeroes.
//
// All built-in integer types are accepted, along with any value exposing a
// Uintptr() method such as mm.Paddr and mm.Vaddr. Pointers (%p) are not
// supported.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		nextArgIndex         int
		blockStart, blockEnd int
		fmtLen               = len(format)
	)

	for blockEnd < fmtLen {
		if format[blockEnd] != '%' {
			blockEnd++
			continue
		}

		writeLiteral(w, format[blockStart:blockEnd])

		blockEnd++
		blockEnd, nextArgIndex = fmtVerb(w, format, blockEnd, args, nextArgIndex)
		blockStart = blockEnd
	}

	writeLiteral(w, format[blockStart:blockEnd])

	for ; nextArgIndex < len(args); nextArgIndex++ {
		doWrite(w, errExtraArg)
	}
}

// fmtVerb parses the width and verb that start at format[index] and prints the
// next argument. It returns the index following the verb and the index of the
// next unused argument.
func fmtVerb(w io.Writer, format string, index int, args []interface{}, argIndex int) (int, int) {
	var padLen int

	for ; index < len(format); index++ {
		ch := format[index]
		switch {
		case ch == '%':
			singleByte[0] = '%'
			doWrite(w, singleByte)
			return index + 1, argIndex
		case ch >= '0' && ch <= '9':
			padLen = (padLen * 10) + int(ch-'0')
			continue
		case ch == 'd' || ch == 'x' || ch == 'o' || ch == 's' || ch == 't' || ch == 'c':
			if argIndex >= len(args) {
				doWrite(w, errMissingArg)
				return index + 1, argIndex
			}

			arg := args[argIndex]
			switch ch {
			case 'o':
				fmtInt(w, arg, 8, padLen)
			case 'd':
				fmtInt(w, arg, 10, padLen)
			case 'x':
				fmtInt(w, arg, 16, padLen)
			case 's':
				fmtString(w, arg, padLen)
			case 't':
				fmtBool(w, arg)
			case 'c':
				fmtChar(w, arg)
			}

			return index + 1, argIndex + 1
		}

		// unknown verb
		doWrite(w, errNoVerb)
		return index + 1, argIndex
	}

	// reached end of formatting string without finding a verb
	doWrite(w, errNoVerb)
	return index, argIndex
}

// writeLiteral copies s to w one byte at a time; converting s to a byte slice
// would allocate.
func writeLiteral(w io.Writer, s string) {
	for i := 0; i < len(s); i++ {
		singleByte[0] = s[i]
		doWrite(w, singleByte)
	}
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case bVal:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtChar prints a single byte value.
func fmtChar(w io.Writer, v interface{}) {
	switch ch := v.(type) {
	case byte:
		singleByte[0] = ch
	case rune:
		if ch > 0x7f {
			singleByte[0] = '?'
		} else {
			singleByte[0] = byte(ch)
		}
	default:
		doWrite(w, errWrongArgType)
		return
	}
	doWrite(w, singleByte)
}

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		writeLiteral(w, castedVal)
	case []byte:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	singleByte[0] = ch
	for i := 0; i < count; i++ {
		doWrite(w, singleByte)
	}
}

// intValue splits v into a magnitude and a sign. The last result is false if v
// is not an integer or address type.
func intValue(v interface{}) (uint64, bool, bool) {
	var sval int64

	switch t := v.(type) {
	case uint8:
		return uint64(t), false, true
	case uint16:
		return uint64(t), false, true
	case uint32:
		return uint64(t), false, true
	case uint64:
		return t, false, true
	case uint:
		return uint64(t), false, true
	case uintptr:
		return uint64(t), false, true
	case addressValue:
		return uint64(t.Uintptr()), false, true
	case int8:
		sval = int64(t)
	case int16:
		sval = int64(t)
	case int32:
		sval = int64(t)
	case int64:
		sval = t
	case int:
		sval = int64(t)
	default:
		return 0, false, false
	}

	if sval < 0 {
		return uint64(-sval), true, true
	}
	return uint64(sval), false, true
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. Base 8, 10 and 16 output is supported.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		divider          = uint64(base)
		padCh            = byte('0')
		left, right, end int
	)

	uval, negative, ok := intValue(v)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	if base == 10 {
		padCh = ' '
	}

	for right < maxBufSize {
		remainder := uval % divider
		if remainder < 10 {
			numFmtBuf[right] = byte(remainder) + '0'
		} else {
			// map values from 10 to 15 -> a-f
			numFmtBuf[right] = byte(remainder-10) + 'a'
		}

		right++

		uval /= divider
		if uval == 0 {
			break
		}
	}

	// Apply padding if required
	for ; right-left < padLen; right++ {
		numFmtBuf[right] = padCh
	}

	// The sign replaces the rightmost padding space or gets appended when
	// there is no room left.
	if negative {
		for end = right - 1; numFmtBuf[end] == ' '; end-- {
		}

		if end == right-1 {
			right++
		}

		numFmtBuf[end+1] = '-'
	}

	// Reverse in place
	end = right
	for right = right - 1; left < right; left, right = left+1, right-1 {
		numFmtBuf[left], numFmtBuf[right] = numFmtBuf[right], numFmtBuf[left]
	}

	doWrite(w, numFmtBuf[0:end])
}

// doWrite hides p from the compiler's escape analysis. Without it the call
// through the io.Writer interface flags p as escaping and every Printf call
// would allocate the argument slice header on the heap.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
