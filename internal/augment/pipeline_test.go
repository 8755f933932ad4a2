package augment_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"richpush/internal/augment"
	"richpush/internal/fetch"
	"richpush/internal/staging"
	logx "richpush/pkg/logx"
)

func TestPipelineWithHTTPFetchAndDiskStaging(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pic.jpg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 512))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	opts := augment.Options{
		Fetcher: fetch.New(fetch.Config{}, logx.Nop()),
		Stager:  staging.New(staging.Config{Root: t.TempDir()}, logx.Nop()),
	}

	cases := []struct {
		name        string
		path        string
		attachments int
	}{
		{name: "fetch ok", path: "/pic.jpg", attachments: 1},
		{name: "fetch 404", path: "/missing.jpg", attachments: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := augment.Request{
				ID: "abc123",
				Content: augment.Content{
					Title:    "Title",
					Body:     "Body",
					Metadata: map[string]any{augment.ImageKey: srv.URL + tc.path},
				},
			}
			var got []augment.Content
			a := augment.New(opts)
			a.OnReceive(context.Background(), req, func(c augment.Content) { got = append(got, c) })

			if len(got) != 1 {
				t.Fatalf("callback invoked %d times", len(got))
			}
			c := got[0]
			if c.Title != "Title" || c.Body != "Body" {
				t.Fatalf("title/body changed: %+v", c)
			}
			if len(c.Attachments) != tc.attachments {
				t.Fatalf("attachments = %d, want %d", len(c.Attachments), tc.attachments)
			}
			if tc.attachments == 0 {
				return
			}
			if c.Attachments[0].ID != "notification_abc123.jpg" {
				t.Fatalf("attachment id = %q", c.Attachments[0].ID)
			}
			info, err := os.Stat(c.Attachments[0].Path)
			if err != nil || info.Size() != 512 {
				t.Fatalf("staged file: %v size=%v", err, info)
			}
		})
	}
}
