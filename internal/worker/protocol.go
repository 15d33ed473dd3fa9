package worker

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// DefaultDelimiter terminates every reply on the worker's stdout.
const DefaultDelimiter = "<<<END>>>"

// maxLine bounds a single protocol line.
const maxLine = 1024 * 1024

var requestEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

// EncodeRequest turns message text into a single protocol line (without the
// trailing newline).
func EncodeRequest(text string) string {
	return requestEscaper.Replace(text)
}

// DecodeRequest reverses EncodeRequest. Unknown escapes are kept verbatim.
func DecodeRequest(line string) string {
	if !strings.Contains(line, `\`) {
		return line
	}
	var b strings.Builder
	b.Grow(len(line))
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c != '\\' || i == len(line)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch line[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte('\\')
			b.WriteByte(line[i])
		}
	}
	return b.String()
}

// Serve runs the worker side of the protocol: it decodes each request line
// from r, calls handle, and writes the reply followed by the delimiter line.
// It returns nil when r reaches EOF.
func Serve(r io.Reader, w io.Writer, delimiter string, handle func(string) string) error {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	bw := bufio.NewWriter(w)
	for scanner.Scan() {
		reply := handle(DecodeRequest(scanner.Text()))
		if reply != "" {
			if _, err := fmt.Fprintln(bw, reply); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(bw, delimiter); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
	return scanner.Err()
}
