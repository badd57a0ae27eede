package sessiontest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
)

// Attachment describes one non-text part for Message.
type Attachment struct {
	Name      string
	Type      string
	Data      []byte
	Inline    bool
	ContentID string
}

// Message builds a multipart/mixed message with a text/plain body followed by
// the attachments. Without attachments it returns a single-part message.
func Message(subject, text string, attachments ...Attachment) []byte {
	var b bytes.Buffer
	b.WriteString("From: Alice <alice@example.com>\r\n")
	b.WriteString("To: Bob <bob@example.com>\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: Thu, 02 Jan 2020 03:04:05 +0000\r\n")
	b.WriteString("Message-Id: <" + strings.ReplaceAll(strings.ToLower(subject), " ", "-") + "@example.com>\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")

	if len(attachments) == 0 {
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(text + "\r\n")
		return b.Bytes()
	}

	const boundary = "SESSIONTEST-BOUNDARY"
	b.WriteString("Content-Type: multipart/mixed; boundary=\"" + boundary + "\"\r\n\r\n")
	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(text + "\r\n")

	for _, a := range attachments {
		b.WriteString("--" + boundary + "\r\n")
		ctype := a.Type
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		if a.Name != "" {
			fmt.Fprintf(&b, "Content-Type: %s; name=\"%s\"\r\n", ctype, a.Name)
		} else {
			fmt.Fprintf(&b, "Content-Type: %s\r\n", ctype)
		}
		switch {
		case a.Inline && a.Name != "":
			fmt.Fprintf(&b, "Content-Disposition: inline; filename=\"%s\"\r\n", a.Name)
		case a.Inline:
			b.WriteString("Content-Disposition: inline\r\n")
		case a.Name != "":
			fmt.Fprintf(&b, "Content-Disposition: attachment; filename=\"%s\"\r\n", a.Name)
		default:
			b.WriteString("Content-Disposition: attachment\r\n")
		}
		if a.ContentID != "" {
			b.WriteString("Content-Id: <" + a.ContentID + ">\r\n")
		}
		b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		encoded := base64.StdEncoding.EncodeToString(a.Data)
		for len(encoded) > 76 {
			b.WriteString(encoded[:76] + "\r\n")
			encoded = encoded[76:]
		}
		b.WriteString(encoded + "\r\n")
	}
	b.WriteString("--" + boundary + "--\r\n")
	return b.Bytes()
}

// Payload returns n deterministic bytes.
func Payload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte('a' + i%26)
	}
	return out
}
