package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Frame discriminators on the chat stream.
const (
	frameChunk = "chunk"
	frameDone  = "done"
	frameError = "error"
)

// frame is one newline-delimited "data: {json}" unit on the stream.
type frame struct {
	Type       string `json:"type"`
	Chunk      string `json:"chunk,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	Error      string `json:"error,omitempty"`
}

const dataPrefix = "data: "

var errMalformedFrame = errors.New("malformed stream frame")

// frameDecoder incrementally parses frames from the response body.
// Network reads can split a frame anywhere, so only complete
// newline-terminated lines are parsed; the remainder is carried forward.
// A frame is never parsed twice and never dropped.
type frameDecoder struct {
	r       io.Reader
	carry   []byte
	readBuf []byte
}

func newFrameDecoder(r io.Reader) *frameDecoder {
	return &frameDecoder{r: r, readBuf: make([]byte, 4096)}
}

// next returns the next complete frame. io.EOF means the stream ended;
// a trailing partial line at EOF is discarded (the server terminates
// every frame with a newline).
func (d *frameDecoder) next() (frame, error) {
	for {
		if line, ok := d.takeLine(); ok {
			f, ok, err := parseLine(line)
			if err != nil {
				return frame{}, err
			}
			if !ok {
				continue // blank keep-alive line
			}
			return f, nil
		}

		n, err := d.r.Read(d.readBuf)
		if n > 0 {
			d.carry = append(d.carry, d.readBuf[:n]...)
			continue
		}
		if err != nil {
			return frame{}, err
		}
	}
}

// takeLine extracts one newline-terminated line from the carry buffer.
func (d *frameDecoder) takeLine() (string, bool) {
	i := bytes.IndexByte(d.carry, '\n')
	if i < 0 {
		return "", false
	}
	line := string(d.carry[:i])
	d.carry = d.carry[i+1:]
	return strings.TrimSuffix(line, "\r"), true
}

// parseLine decodes one line. Empty lines separate frames and are
// skipped; anything else must be a data-prefixed JSON frame.
func parseLine(line string) (frame, bool, error) {
	if strings.TrimSpace(line) == "" {
		return frame{}, false, nil
	}
	payload, ok := strings.CutPrefix(line, dataPrefix)
	if !ok {
		return frame{}, false, fmt.Errorf("%w: missing data prefix: %q", errMalformedFrame, line)
	}
	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return frame{}, false, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	return f, true, nil
}
