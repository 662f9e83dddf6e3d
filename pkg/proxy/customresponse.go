// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// writeCustomResponse serializes a hook-supplied CustomResponseSpec. It
// always sets Content-Length from the encoded body and always overrides
// any caller-supplied Transfer-Encoding.
func writeCustomResponse(w io.Writer, spec *CustomResponseSpec) error {
	status := spec.Status
	if status == 0 {
		status = http.StatusOK
	}
	reason := http.StatusText(status)
	if reason == "" {
		reason = "Status"
	}

	encoding := spec.Encoding
	if encoding == "" {
		encoding = "utf-8"
	}
	bodyBytes, err := encodeBody(spec.Body, encoding)
	if err != nil {
		return fmt.Errorf("encode custom response body: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, reason)

	headers := spec.Headers.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	headers.Del("Content-Length")
	headers.Del("Transfer-Encoding")
	if err := headers.Write(&buf); err != nil {
		return fmt.Errorf("write custom response headers: %w", err)
	}

	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(bodyBytes))
	buf.Write(bodyBytes)

	_, err = w.Write(buf.Bytes())
	return err
}

func encodeBody(body, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "utf-8", "utf8", "":
		return []byte(body), nil
	default:
		return nil, fmt.Errorf("unsupported custom response encoding %q", encoding)
	}
}
