package rangefetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func testPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func newRangeServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "archive.zip", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeSize(t *testing.T) {
	data := testPayload(4096)

	t.Run("HEAD", func(t *testing.T) {
		srv := newRangeServer(t, data)
		size, err := New(srv.URL, Options{}).ProbeSize(context.Background())
		if err != nil {
			t.Fatalf("ProbeSize failed: %v", err)
		}
		if size != uint64(len(data)) {
			t.Errorf("expected size %d, got %d", len(data), size)
		}
	})

	t.Run("RangeFallback", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead {
				// No Content-Length on HEAD
				w.WriteHeader(http.StatusOK)
				return
			}
			if r.Header.Get("Range") != "bytes=0-0" {
				t.Errorf("unexpected range header %q", r.Header.Get("Range"))
			}
			w.Header().Set("Content-Range", "bytes 0-0/"+strconv.Itoa(len(data)))
			w.Header().Set("Content-Length", "1")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(data[:1])
		}))
		defer srv.Close()

		size, err := New(srv.URL, Options{}).ProbeSize(context.Background())
		if err != nil {
			t.Fatalf("ProbeSize failed: %v", err)
		}
		if size != uint64(len(data)) {
			t.Errorf("expected size %d, got %d", len(data), size)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		_, err := New(srv.URL, Options{}).ProbeSize(context.Background())
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("expected TransportError, got %v", err)
		}
		if te.Status != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", te.Status)
		}
		if !errors.Is(err, ErrTransport) {
			t.Error("TransportError should match ErrTransport")
		}
	})
}

func TestReadRange(t *testing.T) {
	data := testPayload(10000)
	srv := newRangeServer(t, data)
	f := New(srv.URL, Options{})

	tests := []struct {
		name       string
		start, end uint64
	}{
		{"Head", 0, 22},
		{"Middle", 1234, 5678},
		{"Tail", 9978, 10000},
		{"SingleByte", 500, 501},
		{"Whole", 0, 10000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.ReadRange(context.Background(), tt.start, tt.end)
			if err != nil {
				t.Fatalf("ReadRange failed: %v", err)
			}
			if !bytes.Equal(got, data[tt.start:tt.end]) {
				t.Errorf("bytes mismatch for [%d,%d)", tt.start, tt.end)
			}
		})
	}

	t.Run("Empty", func(t *testing.T) {
		got, err := f.ReadRange(context.Background(), 100, 100)
		if err != nil {
			t.Fatalf("ReadRange failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected empty slice, got %d bytes", len(got))
		}
	})

	t.Run("Inverted", func(t *testing.T) {
		_, err := f.ReadRange(context.Background(), 10, 5)
		if !errors.Is(err, ErrInvalidRange) {
			t.Errorf("expected ErrInvalidRange, got %v", err)
		}
	})

	t.Run("Unsatisfiable", func(t *testing.T) {
		_, err := f.ReadRange(context.Background(), 20000, 20010)
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("expected TransportError, got %v", err)
		}
		if te.Status != http.StatusRequestedRangeNotSatisfiable {
			t.Errorf("expected status 416, got %d", te.Status)
		}
		if te.Start != 20000 || te.End != 20010 {
			t.Errorf("offsets not recorded: %+v", te)
		}
	})
}

func TestReadRangeIgnoredByServer(t *testing.T) {
	data := testPayload(2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	_, err := New(srv.URL, Options{}).ReadRange(context.Background(), 100, 200)
	var rns *RangeNotSupportedError
	if !errors.As(err, &rns) {
		t.Fatalf("expected RangeNotSupportedError, got %v", err)
	}
	if !errors.Is(err, ErrRangeNotSupported) {
		t.Error("RangeNotSupportedError should match ErrRangeNotSupported")
	}
	if rns.ContentLength != int64(len(data)) {
		t.Errorf("expected content length %d, got %d", len(data), rns.ContentLength)
	}
}

func TestReadRangeShortBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-99/1000")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(make([]byte, 40))
	}))
	defer srv.Close()

	_, err := New(srv.URL, Options{}).ReadRange(context.Background(), 0, 100)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestReadRangeWrongSpan(t *testing.T) {
	data := make([]byte, 1000)
	for _, header := range []string{"bytes 0-99/1000", "bytes 100-150/1000", ""} {
		t.Run(header, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if header != "" {
					w.Header().Set("Content-Range", header)
				}
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write(data[:100])
			}))
			defer srv.Close()

			_, err := New(srv.URL, Options{}).ReadRange(context.Background(), 100, 200)
			var te *TransportError
			if !errors.As(err, &te) || !errors.Is(err, ErrContentRange) {
				t.Fatalf("expected TransportError wrapping ErrContentRange, got %v", err)
			}
			if te.Start != 100 || te.End != 200 {
				t.Errorf("error should carry the requested range, got [%d,%d)", te.Start, te.End)
			}
		})
	}
}

func TestReadRangeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := New(srv.URL, Options{RequestTimeout: 50 * time.Millisecond})
	_, err := f.ReadRange(context.Background(), 0, 10)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded in chain, got %v", err)
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header      string
		first, last uint64
		ok          bool
	}{
		{"bytes 100-199/1234", 100, 199, true},
		{"bytes 0-0/*", 0, 0, true},
		{"bytes 5000000000-5000000009/6000000000", 5000000000, 5000000009, true},
		{"bytes 20-10/100", 0, 0, false},
		{"bytes */100", 0, 0, false},
		{"bytes 0-9", 0, 0, false},
		{"", 0, 0, false},
	}

	for _, tt := range tests {
		first, last, ok := parseContentRange(tt.header)
		if ok != tt.ok || first != tt.first || last != tt.last {
			t.Errorf("parseContentRange(%q) = %d, %d, %v; want %d, %d, %v", tt.header, first, last, ok, tt.first, tt.last, tt.ok)
		}
	}
}

func TestParseContentRangeTotal(t *testing.T) {
	tests := []struct {
		header string
		want   uint64
		ok     bool
	}{
		{"bytes 0-0/1234", 1234, true},
		{"bytes 10-20/5000000000", 5000000000, true},
		{"bytes 0-0/*", 0, false},
		{"bytes 0-0/", 0, false},
		{"items 0-0/10", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		got, ok := parseContentRangeTotal(tt.header)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseContentRangeTotal(%q) = %d, %v; want %d, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
