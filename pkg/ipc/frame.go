package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// DefaultMaxLineSize bounds a single NDJSON message.
const DefaultMaxLineSize = 16 << 20

// ErrLineTooLong is returned when a line exceeds the reader's limit.
var ErrLineTooLong = errors.New("ipc: line too long")

// EncodeLine serializes v as compact JSON followed by exactly one newline.
// Newlines inside string values are escaped by the encoder, never raw.
func EncodeLine(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRequest parses one request line.
func DecodeRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(bytes.TrimSpace(line), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// DecodeResponse parses one response line.
func DecodeResponse(line []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(line), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReadLine reads bytes up to and including the first newline. A trailing
// unterminated line is returned together with io.EOF.
//
// A line whose content, not counting the newline, exceeds max bytes yields
// ErrLineTooLong. The rest of that line is consumed, so the next call starts
// at the following message.
func ReadLine(r *bufio.Reader, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxLineSize
	}
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if contentLen(line) > max {
			if errors.Is(err, bufio.ErrBufferFull) {
				return nil, skipLine(r)
			}
			return nil, ErrLineTooLong
		}
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return line, err
		}
	}
}

func contentLen(line []byte) int {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		return n - 1
	}
	return len(line)
}

// skipLine discards input through the next newline. It reports
// ErrLineTooLong unless the stream fails first.
func skipLine(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		switch {
		case err == nil, errors.Is(err, io.EOF):
			return ErrLineTooLong
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return err
		}
	}
}

// WriteLine writes payload to w, appending a newline if it lacks one.
func WriteLine(w io.Writer, payload []byte) error {
	if len(payload) == 0 || payload[len(payload)-1] != '\n' {
		payload = append(payload, '\n')
	}
	_, err := w.Write(payload)
	return err
}

// writeMessage encodes v and writes it as one line, flushing buffered writers.
func writeMessage(w io.Writer, v any) error {
	payload, err := EncodeLine(v)
	if err != nil {
		return err
	}
	if err := WriteLine(w, payload); err != nil {
		return err
	}
	if bw, ok := w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}
