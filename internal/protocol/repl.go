package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// REPL control bytes understood by the MicroPython prompt.
const (
	RawMode           byte = 0x01
	NormalMode        byte = 0x02
	Interrupt         byte = 0x03
	EndOfTransmission byte = 0x04
)

const replLineEnd = "\r\n"

// OpenFileStatement opens name for writing on the device filesystem.
func OpenFileStatement(name string) string {
	return fmt.Sprintf("f = open(%s, 'w')%s", pythonQuote(name), replLineEnd)
}

// WriteStatement writes one source line, terminator included. The payload is
// a JSON string literal, which is also a valid Python string literal.
func WriteStatement(line string) string {
	return fmt.Sprintf("f.write(%s)%s", jsonString(line+"\n"), replLineEnd)
}

func CloseFileStatement() string {
	return "f.close()" + replLineEnd
}

// ProbeStatement prints a marker the host looks for to detect the interpreter.
func ProbeStatement(marker string) string {
	return fmt.Sprintf("print(%s)%s", jsonString(marker), replLineEnd)
}

func jsonString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		// Encoding a string cannot fail.
		panic(err)
	}

	return string(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
}

func pythonQuote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\'', '\\':
			out = append(out, '\\', c)
		default:
			out = append(out, c)
		}
	}

	return string(append(out, '\''))
}
