package extractor

import (
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/YannKr/streamgate/internal/apierr"
)

// Platform describes how one source site is extracted.
type Platform struct {
	Name    string
	Hosts   []string
	Mobile  bool
	Args    []string
	AltArgs []string
	// BindClient makes tokens for this platform valid only for the client
	// fingerprint that created them; the source ties signed URLs to a client.
	BindClient bool
}

var Generic = Platform{
	Name:    "generic",
	AltArgs: []string{"--force-ipv4"},
}

// Platforms is consulted in order; the first host match wins.
var Platforms = []Platform{
	{
		Name:    "youtube",
		Hosts:   []string{"youtube.com", "youtu.be", "youtube-nocookie.com"},
		Args:    []string{"--extractor-args", "youtube:skip=hls,translated_subs"},
		AltArgs: []string{"--extractor-args", "youtube:player_client=android,web_embedded;skip=hls"},
	},
	{
		Name:       "tiktok",
		Hosts:      []string{"tiktok.com"},
		Mobile:     true,
		AltArgs:    []string{"--force-ipv4"},
		BindClient: true,
	},
	{
		Name:       "instagram",
		Hosts:      []string{"instagram.com"},
		Mobile:     true,
		AltArgs:    []string{"--force-ipv4"},
		BindClient: true,
	},
	{
		Name:    "twitter",
		Hosts:   []string{"twitter.com", "x.com"},
		AltArgs: []string{"--force-ipv4"},
	},
	{
		Name:    "facebook",
		Hosts:   []string{"facebook.com", "fb.watch"},
		AltArgs: []string{"--force-ipv4"},
	},
}

// DetectPlatform validates rawURL and picks its platform by host.
func DetectPlatform(rawURL string) (Platform, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return Platform{}, apierr.Validation("INVALID_URL", "url must be an absolute http(s) URL")
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range Platforms {
		for _, h := range p.Hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return p, nil
			}
		}
	}
	return Generic, nil
}

var desktopAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:130.0) Gecko/20100101 Firefox/130.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36 Edg/128.0.0.0",
}

var mobileAgents = []string{
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Mobile Safari/537.36",
}

// UserAgents hands out user agents round-robin.
type UserAgents struct {
	desktop []string
	mobile  []string
	n       atomic.Uint64
}

func NewUserAgents() *UserAgents {
	return &UserAgents{desktop: desktopAgents, mobile: mobileAgents}
}

func (u *UserAgents) Next(mobile bool) string {
	list := u.desktop
	if mobile {
		list = u.mobile
	}
	i := u.n.Add(1) - 1
	return list[i%uint64(len(list))]
}
