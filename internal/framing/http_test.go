package framing

import "testing"

func TestLooksLikeHTTP(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want bool
	}{
		{"get request", []byte("GET / HTTP/1.1\r\n"), true},
		{"post request", []byte("POST /submit HTTP/1.1\r\n"), true},
		{"trace request", []byte("TRACE / HTTP/1.1\r\n"), true},
		{"mqtt connect", []byte{0x10, 0x0F, 0x00, 0x04, 'M', 'Q', 'T', 'T'}, false},
		{"method without trailing space", []byte("GETX / HTTP/1.1\r\n"), false},
		{"too short", []byte("GE"), false},
		{"unknown method", []byte("FROB / HTTP/1.1\r\n"), false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LooksLikeHTTP(tt.buf); got != tt.want {
				t.Errorf("LooksLikeHTTP(%q) = %v, want %v", tt.buf, got, tt.want)
			}
		})
	}
}
