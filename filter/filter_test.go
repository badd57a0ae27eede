package filter

import (
	"errors"
	"testing"

	"github.com/dhcgn/imap-aex/model"
)

func message(raw string) *model.Message {
	return &model.Message{Folder: "INBOX", UID: 1, Raw: []byte(raw)}
}

func TestFilter_Allows(t *testing.T) {
	invoice := message("From: billing@vendor.example\r\nSubject: Invoice 42\r\n\r\nPlease find the invoice attached.")
	newsletter := message("From: news@list.example\r\nSubject: Weekly digest\r\n\r\nUnsubscribe at any time.")

	tests := []struct {
		name string
		opts Options
		msg  *model.Message
		want bool
	}{
		{"include header hit", Options{IncludeHeader: []string{`^Subject: Invoice`}}, invoice, true},
		{"include header miss", Options{IncludeHeader: []string{`^Subject: Invoice`}}, newsletter, false},
		{"include body hit", Options{IncludeBody: []string{`invoice attached`}}, invoice, true},
		{"include body ignores headers", Options{IncludeBody: []string{`Invoice 42`}}, invoice, false},
		{"exclude header hit", Options{ExcludeHeader: []string{`^From: .*@list\.example`}}, newsletter, false},
		{"exclude header miss", Options{ExcludeHeader: []string{`^From: .*@list\.example`}}, invoice, true},
		{"exclude body hit", Options{ExcludeBody: []string{`(?i)unsubscribe`}}, newsletter, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.opts)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			got, reason := f.Allows(tt.msg)
			if got != tt.want {
				t.Errorf("Allows() = %v (%s), want %v", got, reason, tt.want)
			}
			if !got && reason == "" {
				t.Errorf("rejection without a reason")
			}
		})
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	_, err := New(Options{IncludeHeader: []string{"a"}, ExcludeBody: []string{"b"}})
	if !errors.Is(err, ErrModeConflict) {
		t.Fatalf("New() error = %v, want ErrModeConflict", err)
	}
}

func TestFilter_NoFilters(t *testing.T) {
	f, err := New(Options{IncludeHeader: []string{"  "}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f != nil {
		t.Fatalf("New() without patterns = %+v, want nil", f)
	}
	if ok, _ := f.Allows(message("Subject: x\r\n\r\n")); !ok {
		t.Error("nil filter rejected a message")
	}
	if f.Mode() != "" {
		t.Errorf("nil filter mode = %q", f.Mode())
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{ExcludeHeader: []string{"("}}); err == nil {
		t.Fatal("New() accepted an invalid pattern")
	}
}

func TestSplitRawMessage(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantHeader string
		wantBody   string
	}{
		{"crlf", "Subject: a\r\n\r\nbody", "Subject: a", "body"},
		{"lf", "Subject: a\n\nbody", "Subject: a", "body"},
		{"header only", "Subject: a", "Subject: a", ""},
		{"empty", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, body := SplitRawMessage([]byte(tt.raw))
			if string(header) != tt.wantHeader || string(body) != tt.wantBody {
				t.Errorf("SplitRawMessage() = %q, %q", header, body)
			}
		})
	}
}
