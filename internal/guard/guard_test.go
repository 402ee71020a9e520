package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAllowed_InternalAlwaysBlocked(t *testing.T) {
	guards := map[string]*Guard{
		"open":       New(nil, nil),
		"allow-list": New([]string{"127.0.0.1", "localhost", "example.com"}, nil),
	}

	blocked := []struct {
		url    string
		reason Reason
	}{
		{"http://127.0.0.1/x", ReasonInternal},
		{"http://localhost:8080/", ReasonInternal},
		{"http://api.localhost/", ReasonInternal},
		{"http://[::1]/", ReasonInternal},
		{"http://10.0.0.5/", ReasonInternal},
		{"http://192.168.1.1/", ReasonInternal},
		{"http://172.16.3.4/", ReasonInternal},
		{"http://0.0.0.0/", ReasonInternal},
		{"http://100.64.1.1/", ReasonInternal},
		{"http://[fe80::1]/", ReasonInternal},
		{"http://[::ffff:127.0.0.1]/", ReasonInternal},
		{"http://169.254.169.254/latest/meta-data/", ReasonMetadata},
		{"http://metadata.google.internal/computeMetadata/v1/", ReasonMetadata},
		{"http://db.corp.internal/", ReasonInternal},
		{"http://printer.local/", ReasonInternal},
	}

	for name, g := range guards {
		for _, tc := range blocked {
			t.Run(name+" "+tc.url, func(t *testing.T) {
				d := g.IsAllowed(tc.url)
				assert.False(t, d.Allowed)
				assert.Equal(t, tc.reason, d.Reason)
				assert.NotEmpty(t, d.Error())
			})
		}
	}
}

func TestIsAllowed_LooseIPv4Forms(t *testing.T) {
	g := New(nil, nil)
	for _, u := range []string{
		"http://2130706433/",
		"http://0x7f000001/",
		"http://0177.0.0.1/",
		"http://127.1/",
		"http://0x7f.1/",
		"http://0/",
		"http://0xa9.0xfe.0xa9.0xfe/",
	} {
		d := g.IsAllowed(u)
		assert.False(t, d.Allowed, u)
	}

	// numeric-looking but not an address
	assert.True(t, g.IsAllowed("http://08.example.com/").Allowed)
	assert.Nil(t, parseLooseIPv4("1.2.3.4.5"))
	assert.Nil(t, parseLooseIPv4("256.1.1.1"))
	assert.Nil(t, parseLooseIPv4("example"))
	assert.Equal(t, "127.0.0.1", parseLooseIPv4("2130706433").String())
}

func TestIsAllowed_Schemes(t *testing.T) {
	g := New(nil, nil)

	d := g.IsAllowed("file:///etc/passwd")
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonProtocol, d.Reason)

	for _, u := range []string{"javascript:alert(1)", "ftp://example.com/", "chrome://settings"} {
		d := g.IsAllowed(u)
		assert.False(t, d.Allowed, u)
		assert.Equal(t, ReasonProtocol, d.Reason, u)
	}

	assert.True(t, g.IsAllowed("https://example.com").Allowed)
	assert.True(t, g.IsAllowed("HTTP://Example.COM/Path").Allowed)
}

func TestIsAllowed_InvalidURL(t *testing.T) {
	g := New(nil, nil)
	for _, u := range []string{"", "   ", "://nope", "example.com", "http://", "http://%zz/"} {
		d := g.IsAllowed(u)
		assert.False(t, d.Allowed, u)
		assert.Equal(t, ReasonInvalidURL, d.Reason, u)
	}
}

func TestIsAllowed_Lists(t *testing.T) {
	g := New([]string{"example.com", "*.docs.org"}, []string{"evil.example.com"})

	assert.True(t, g.IsAllowed("https://example.com/").Allowed)
	assert.True(t, g.IsAllowed("https://www.example.com/").Allowed)
	assert.True(t, g.IsAllowed("https://api.docs.org/").Allowed)
	assert.True(t, g.IsAllowed("https://docs.org/").Allowed)

	d := g.IsAllowed("https://evil.example.com/")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBlockedDomain, d.Reason)

	d = g.IsAllowed("https://sub.evil.example.com/")
	assert.Equal(t, ReasonBlockedDomain, d.Reason)

	d = g.IsAllowed("https://notexample.com/")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNotAllowed, d.Reason)

	d = g.IsAllowed("https://example.com.attacker.net/")
	assert.Equal(t, ReasonNotAllowed, d.Reason)
}

func TestIsAllowed_DenyWithoutAllowList(t *testing.T) {
	g := New(nil, []string{"ads.example"})
	assert.True(t, g.IsAllowed("https://example.com").Allowed)
	assert.False(t, g.IsAllowed("https://tracker.ads.example/pixel").Allowed)
}

func TestIsAllowed_IDN(t *testing.T) {
	g := New([]string{"bücher.example"}, nil)
	assert.True(t, g.IsAllowed("https://xn--bcher-kva.example/").Allowed)
	assert.True(t, g.IsAllowed("https://BÜCHER.example/").Allowed)
}

func TestCheckRequest(t *testing.T) {
	g := New(nil, nil)

	assert.True(t, g.CheckRequest("data:image/png;base64,AAAA").Allowed)
	assert.True(t, g.CheckRequest("blob:https://example.com/uuid").Allowed)
	assert.True(t, g.CheckRequest("about:blank").Allowed)
	assert.True(t, g.CheckRequest("wss://example.com/socket").Allowed)
	assert.False(t, g.CheckRequest("ws://127.0.0.1:9222/devtools").Allowed)
	assert.False(t, g.CheckRequest("http://169.254.169.254/").Allowed)

	filter := g.RequestFilter()
	ok, reason := filter("http://10.1.2.3/admin")
	assert.False(t, ok)
	assert.Equal(t, string(ReasonInternal), reason)
	ok, _ = filter("https://cdn.example.com/app.js")
	assert.True(t, ok)
}
