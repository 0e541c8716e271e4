package batch

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"strings"
)

// part is one decoded top-level response part: either a single outcome or,
// for a changeset, one outcome per member.
type part struct {
	outcome   Outcome
	members   []Outcome
	changeset bool
}

// Decode parses a multipart/mixed batch response and returns one outcome per
// response request, in response order, with changeset members flattened in
// place. A part that fails to parse yields an outcome carrying a
// *DecodeError; only an unlocatable outer boundary fails the whole decode.
func Decode(body []byte, boundary string) ([]Outcome, error) {
	parts, err := decodeParts(body, boundary)
	if err != nil {
		return nil, err
	}

	var out []Outcome
	for _, p := range parts {
		if p.changeset {
			out = append(out, p.members...)
			continue
		}
		out = append(out, p.outcome)
	}
	return out, nil
}

func decodeParts(body []byte, boundary string) ([]part, error) {
	if boundary == "" {
		return nil, fmt.Errorf("%w: empty boundary", ErrMalformedBatchResponse)
	}
	raws, ok := splitMultipart(body, boundary)
	if !ok {
		return nil, fmt.Errorf("%w: boundary %q not found", ErrMalformedBatchResponse, boundary)
	}

	parts := make([]part, len(raws))
	for i, raw := range raws {
		parts[i] = parsePart(raw, i)
	}
	return parts, nil
}

func parsePart(raw []byte, index int) part {
	br := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil {
		return part{outcome: failure(index, "malformed part headers", err)}
	}

	mediaType, params, err := mime.ParseMediaType(hdr.Get(HeaderContentType))
	if err != nil {
		return part{outcome: failure(index, "invalid part content type", err)}
	}

	switch mediaType {
	case "application/http":
		return part{outcome: parseHTTPResponse(br, hdr, index)}

	case "multipart/mixed":
		nested := params["boundary"]
		rest, err := io.ReadAll(br)
		if err != nil {
			return part{outcome: failure(index, "read changeset", err)}
		}
		if nested == "" {
			return part{outcome: failure(index, "changeset without boundary", nil)}
		}
		raws, ok := splitMultipart(rest, nested)
		if !ok {
			return part{outcome: failure(index, fmt.Sprintf("changeset boundary %q not found", nested), nil)}
		}

		members := make([]Outcome, len(raws))
		for j, m := range raws {
			members[j] = parseMember(m, index, j)
		}
		return part{members: members, changeset: true}

	default:
		return part{outcome: failure(index, fmt.Sprintf("unexpected content type %q", mediaType), nil)}
	}
}

func parseMember(raw []byte, index, member int) Outcome {
	br := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil {
		return failure(index, fmt.Sprintf("changeset member %d: malformed headers", member+1), err)
	}
	mediaType, _, err := mime.ParseMediaType(hdr.Get(HeaderContentType))
	if err != nil || mediaType != "application/http" {
		return failure(index, fmt.Sprintf("changeset member %d: expected application/http", member+1), err)
	}
	return parseHTTPResponse(br, hdr, index)
}

// parseHTTPResponse reads the embedded status line, headers and body.
func parseHTTPResponse(br *bufio.Reader, partHeader textproto.MIMEHeader, index int) Outcome {
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return failure(index, "malformed embedded response", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure(index, "read embedded body", err)
	}

	contentID := partHeader.Get(HeaderContentID)
	if contentID == "" {
		contentID = resp.Header.Get(HeaderContentID)
	}

	return Outcome{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
		ContentID:  strings.TrimSpace(contentID),
	}
}

// splitMultipart returns the raw contents between boundary delimiter lines.
// ok is false when no delimiter line exists. A missing close delimiter keeps
// the trailing content as a final part.
func splitMultipart(body []byte, boundary string) ([][]byte, bool) {
	delim := []byte("--" + boundary)

	pos := indexDelimiter(body, delim, 0)
	if pos < 0 {
		return nil, false
	}

	var parts [][]byte
	for {
		after := pos + len(delim)
		if bytes.HasPrefix(body[after:], []byte("--")) {
			return parts, true
		}

		// Skip transport padding up to the end of the delimiter line.
		nl := bytes.IndexByte(body[after:], '\n')
		if nl < 0 {
			return parts, true
		}
		start := after + nl + 1

		next := indexDelimiter(body, delim, start)
		if next < 0 {
			if rest := bytes.TrimSpace(body[start:]); len(rest) > 0 {
				parts = append(parts, trimLineEnd(body[start:]))
			}
			return parts, true
		}
		parts = append(parts, trimLineEnd(body[start:next]))
		pos = next
	}
}

// indexDelimiter finds delim at the start of a line at or after from,
// followed by "--", optional whitespace, or a line end.
func indexDelimiter(body, delim []byte, from int) int {
	for from <= len(body) {
		i := bytes.Index(body[from:], delim)
		if i < 0 {
			return -1
		}
		i += from
		atLineStart := i == 0 || body[i-1] == '\n'
		end := i + len(delim)
		terminated := end == len(body) || bytes.IndexByte([]byte("-\r\n \t"), body[end]) >= 0
		if atLineStart && terminated {
			return i
		}
		from = i + 1
	}
	return -1
}

// trimLineEnd drops the line break that belongs to the following delimiter.
func trimLineEnd(b []byte) []byte {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2]
	}
	if bytes.HasSuffix(b, []byte("\n")) {
		return b[:len(b)-1]
	}
	return b
}
