package artifact

import (
	"errors"
	"testing"
)

func TestParseTargetURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"https", "https://example.com/page", false},
		{"http upper scheme", "HTTP://example.com", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"ftp", "ftp://example.com", true},
		{"javascript", "javascript:alert(1)", true},
		{"relative", "/just/a/path", true},
		{"no host", "https://", true},
		{"unparsable", "http://%zz", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseTargetURL(tc.input)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidURL) {
					t.Fatalf("ParseTargetURL(%q) error = %v, want ErrInvalidURL", tc.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTargetURL(%q) unexpected error %v", tc.input, err)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input string
		want  string
	}{
		{"https://Example.com/", "https://example.com"},
		{"https://example.com:443/a/", "https://example.com/a"},
		{"http://example.com:80/a#frag", "http://example.com/a"},
		{"https://example.com:8443/a", "https://example.com:8443/a"},
		{"https://example.com/a?b=1", "https://example.com/a?b=1"},
	}
	for _, tc := range testCases {
		got, err := NormalizeURL(tc.input)
		if err != nil {
			t.Fatalf("NormalizeURL(%q) error = %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeURL(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}
