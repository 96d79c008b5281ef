package crawl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestReadURLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	content := `# crawl targets
https://example.com/a

https://example.com/b?page=2
not-a-url
ftp://example.com/file
http://bad_host!.com/x
https://shop.example.com:8443/items
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	urls, err := ReadURLFile(path)
	require.NoError(t, err)

	want := []string{
		"https://example.com/a",
		"https://example.com/b?page=2",
		"https://shop.example.com:8443/items",
	}
	if diff := cmp.Diff(want, urls); diff != "" {
		t.Fatal(diff)
	}
}

func TestReadURLFileMissing(t *testing.T) {
	_, err := ReadURLFile(filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
}

func TestValidURL(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://example.com", true},
		{"http://example.com/path?q=1", true},
		{"https://sub.domain-name.example.com", true},
		{"https://example.com:8443/items", true},
		{"example.com", false},
		{"ftp://example.com", false},
		{"https://", false},
		{"http://bad_host.com", false},
		{"", false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ValidURL(c.url), "url %q", c.url)
	}
}
