package commandchannel

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/revchannel/internal/configstore"
)

// registerSchema installs the reverse channel's fixed configuration schema.
// url is the only required key; every timeout is an optional float seconds
// value with the default the upstream reverse server hardcodes.
func registerSchema(s *configstore.Store) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(s.RegisterKey("url", configstore.TypeString, true, nil))
	must(s.RegisterKey("log_prefix", configstore.TypeString, false, nil))
	must(s.RegisterKey("proxy_url", configstore.TypeString, false, nil))
	must(s.RegisterKey("proxy_username", configstore.TypeString, false, nil))
	must(s.RegisterKey("proxy_password", configstore.TypeString, false, nil))
	must(s.RegisterKey("proxy_timeout", configstore.TypeFloat, false, configstore.Static(30.0)))
	must(s.RegisterKey("connect_timeout", configstore.TypeFloat, false, configstore.Static(30.0)))
	must(s.RegisterKey("ping_interval", configstore.TypeFloat, false, configstore.Static(30.0)))
	must(s.RegisterKey("ping_timeout", configstore.TypeFloat, false, configstore.Static(30.0)))
	must(s.RegisterKey("close_timeout", configstore.TypeFloat, false, configstore.Static(50.0)))
	must(s.RegisterKey("reconnect_timeout", configstore.TypeFloat, false, configstore.Static(5.0)))
}

// snapshot is the set of effective config values consulted when starting a
// connection attempt or scheduling the next timer fire.
type snapshot struct {
	url              string
	proxyURL         string
	proxyUsername    string
	proxyPassword    string
	proxyTimeout     time.Duration
	connectTimeout   time.Duration
	pingInterval     time.Duration
	pingTimeout      time.Duration
	closeTimeout     time.Duration
	reconnectTimeout time.Duration
}

func (s snapshot) dialTimeout() time.Duration {
	if s.proxyURL != "" {
		return s.proxyTimeout
	}
	return s.connectTimeout
}

func (ch *Channel) snapshot() snapshot {
	cfg := ch.config
	return snapshot{
		url:              stringOr(cfg.Get("url"), ""),
		proxyURL:         stringOr(cfg.Get("proxy_url"), ""),
		proxyUsername:    stringOr(cfg.Get("proxy_username"), ""),
		proxyPassword:    stringOr(cfg.Get("proxy_password"), ""),
		proxyTimeout:     durationFromSeconds(cfg.Get("proxy_timeout"), 30*time.Second),
		connectTimeout:   durationFromSeconds(cfg.Get("connect_timeout"), 30*time.Second),
		pingInterval:     durationFromSeconds(cfg.Get("ping_interval"), 30*time.Second),
		pingTimeout:      durationFromSeconds(cfg.Get("ping_timeout"), 30*time.Second),
		closeTimeout:     durationFromSeconds(cfg.Get("close_timeout"), 50*time.Second),
		reconnectTimeout: durationFromSeconds(cfg.Get("reconnect_timeout"), 5*time.Second),
	}
}

func stringOr(v any, fallback string) string {
	s, ok := v.(string)
	if !ok || s == "" {
		return fallback
	}
	return s
}

func durationFromSeconds(v any, fallback time.Duration) time.Duration {
	f, ok := toSeconds(v)
	if !ok {
		return fallback
	}
	return time.Duration(f * float64(time.Second))
}

func toSeconds(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// buildDialer constructs a per-attempt Dialer. When a proxy is configured,
// credentials ride on the proxy URL's userinfo -- gorilla/websocket reads
// Proxy().User itself and emits the Proxy-Authorization header, so there is
// nothing else to wire here.
func buildDialer(snap snapshot) *websocket.Dialer {
	d := &websocket.Dialer{
		HandshakeTimeout: snap.dialTimeout(),
	}
	if snap.proxyURL == "" {
		return d
	}
	proxyURL, err := url.Parse(snap.proxyURL)
	if err != nil {
		return d
	}
	if snap.proxyUsername != "" || snap.proxyPassword != "" {
		proxyURL.User = url.UserPassword(snap.proxyUsername, snap.proxyPassword)
	}
	d.Proxy = http.ProxyURL(proxyURL)
	return d
}
