package tracking

import (
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailforge/platform/internal/token"
)

func testInjector(t *testing.T) *Injector {
	t.Helper()
	unsub, err := token.NewUnsubscribeCodec([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return NewInjector(token.NewSigner("signing-secret"), unsub, "https://mail.example.com/")
}

func TestPixelURLVerifies(t *testing.T) {
	in := testInjector(t)
	campaignID, contactID := uuid.New(), uuid.New()

	raw := in.PixelURL(campaignID, contactID, "jane@example.com")
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/track/open", u.Path)
	assert.Equal(t, "mail.example.com", u.Host)

	q := u.Query()
	assert.True(t, in.signer.Verify(q.Get("t"), q.Get("cid"), q.Get("lid"), q.Get("e")))
	assert.False(t, in.signer.Verify(q.Get("t"), q.Get("cid"), q.Get("lid"), "other@example.com"))
}

func TestClickURLBindsTarget(t *testing.T) {
	in := testInjector(t)
	campaignID, contactID := uuid.New(), uuid.New()

	raw := in.ClickURL(campaignID, contactID, "jane@example.com", "https://shop.example.com/sale?x=1")
	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "https://shop.example.com/sale?x=1", q.Get("url"))
	assert.True(t, in.signer.Verify(q.Get("t"), q.Get("cid"), q.Get("lid"), q.Get("e"), q.Get("url")))
	// Swapping the destination invalidates the signature.
	assert.False(t, in.signer.Verify(q.Get("t"), q.Get("cid"), q.Get("lid"), q.Get("e"), "https://evil.example.com"))
}

func TestDecorateInjectsPixelAndRewritesLinks(t *testing.T) {
	in := testInjector(t)
	campaignID, contactID := uuid.New(), uuid.New()

	html := `<html><body><a href="https://shop.example.com/a">A</a> and <a href="https://shop.example.com/b">B</a></body></html>`
	out := in.Decorate(html, campaignID, contactID, "jane@example.com")

	assert.Equal(t, 1, strings.Count(out, "/track/open?"), "exactly one pixel")
	assert.Contains(t, out, `style="display:none"`)
	assert.True(t, strings.Index(out, "/track/open?") < strings.Index(out, "</body>"), "pixel sits inside body")
	assert.Equal(t, 2, strings.Count(out, "/track/click?"), "both links rewritten")
	assert.NotContains(t, out, `href="https://shop.example.com/a"`)
}

func TestDecorateWithoutBodyTagAppendsPixel(t *testing.T) {
	in := testInjector(t)
	out := in.Decorate(`<p>plain fragment</p>`, uuid.New(), uuid.New(), "x@y.test")
	assert.Contains(t, out, "/track/open?")
	assert.True(t, strings.HasPrefix(out, "<p>plain fragment</p>"))
}

func TestDecorateSkipsTrackedAndUnsubscribeLinks(t *testing.T) {
	in := testInjector(t)
	html := `<body>` +
		`<a href="https://mail.example.com/track/click?t=abc">already tracked</a>` +
		`<a href="https://mail.example.com/unsubscribe/xyz">opt out</a>` +
		`</body>`
	out := in.Decorate(html, uuid.New(), uuid.New(), "x@y.test")

	assert.Contains(t, out, `href="https://mail.example.com/track/click?t=abc"`)
	assert.Contains(t, out, `href="https://mail.example.com/unsubscribe/xyz"`)
	assert.Equal(t, 1, strings.Count(out, "/track/click?"), "tracked link not double-wrapped")
}

func TestUnsubscribeURLRoundTrips(t *testing.T) {
	in := testInjector(t)
	contactID, campaignID, brandID := uuid.New(), uuid.New(), uuid.New()

	raw, err := in.UnsubscribeURL(contactID, campaignID, brandID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(raw, "https://mail.example.com/unsubscribe/"))

	tok := strings.TrimPrefix(raw, "https://mail.example.com/unsubscribe/")
	p, err := in.unsub.Decode(tok)
	require.NoError(t, err)
	assert.Equal(t, contactID, p.ContactID)
	assert.Equal(t, campaignID, p.CampaignID)
	assert.Equal(t, brandID, p.BrandID)
}

func TestUnsubscribeHeaders(t *testing.T) {
	in := testInjector(t)
	hdrs := in.UnsubscribeHeaders(uuid.New(), uuid.New(), uuid.New())
	require.NotNil(t, hdrs)
	assert.True(t, strings.HasPrefix(hdrs["List-Unsubscribe"], "<https://mail.example.com/unsubscribe/"))
	assert.Equal(t, "List-Unsubscribe=One-Click", hdrs["List-Unsubscribe-Post"])
}

func TestBotDetector(t *testing.T) {
	bd := NewBotDetector()
	assert.True(t, bd.IsBot(""))
	assert.True(t, bd.IsBot("Mozilla/5.0 (compatible; Googlebot/2.1)"))
	assert.True(t, bd.IsBot("GoogleImageProxy"))
	assert.False(t, bd.IsBot("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)"))
}
