package browser

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-rod/rod/lib/proto"
)

// StorageState is the exported session: cookies plus per-origin local
// storage. The JSON layout is shared with Playwright's storageState so
// session files written by either tool can be read by the other.
type StorageState struct {
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}

// Cookie is one browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Origin holds the local storage of a single origin.
type Origin struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

// NameValue is a local storage entry.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var errEmptyState = errors.New("empty storage state")

// DecodeState parses an exported session.
func DecodeState(data []byte) (*StorageState, error) {
	if len(data) == 0 {
		return nil, errEmptyState
	}
	var st StorageState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode storage state: %w", err)
	}
	for i, c := range st.Cookies {
		if c.Name == "" || c.Domain == "" {
			return nil, fmt.Errorf("decode storage state: cookie %d missing name or domain", i)
		}
	}
	return &st, nil
}

// Encode serializes the state.
func (s *StorageState) Encode() ([]byte, error) {
	if s.Cookies == nil {
		s.Cookies = []Cookie{}
	}
	if s.Origins == nil {
		s.Origins = []Origin{}
	}
	return json.Marshal(s)
}

// MergeOrigin replaces or appends the storage of one origin.
func (s *StorageState) MergeOrigin(o Origin) {
	if o.Origin == "" || o.Origin == "null" {
		return
	}
	for i := range s.Origins {
		if s.Origins[i].Origin == o.Origin {
			s.Origins[i] = o
			return
		}
	}
	s.Origins = append(s.Origins, o)
}

// cookiesFromNetwork converts CDP cookies to the exported form. Session
// cookies carry an expiry of -1.
func cookiesFromNetwork(in []*proto.NetworkCookie) []Cookie {
	out := make([]Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		expires := float64(c.Expires)
		if c.Session {
			expires = -1
		}
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out
}

// cookieParams converts exported cookies back to CDP parameters.
func cookieParams(in []Cookie) []*proto.NetworkCookieParam {
	out := make([]*proto.NetworkCookieParam, 0, len(in))
	for _, c := range in {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if param.Path == "" {
			param.Path = "/"
		}
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		switch proto.NetworkCookieSameSite(c.SameSite) {
		case proto.NetworkCookieSameSiteStrict:
			param.SameSite = proto.NetworkCookieSameSiteStrict
		case proto.NetworkCookieSameSiteLax:
			param.SameSite = proto.NetworkCookieSameSiteLax
		case proto.NetworkCookieSameSiteNone:
			param.SameSite = proto.NetworkCookieSameSiteNone
		}
		out = append(out, param)
	}
	return out
}

// restoreScript returns a script that seeds local storage for the saved
// origins once per tab, on the first document of each origin.
func restoreScript(origins []Origin) (string, error) {
	if len(origins) == 0 {
		return "", nil
	}
	byOrigin := make(map[string]map[string]string, len(origins))
	for _, o := range origins {
		items := make(map[string]string, len(o.LocalStorage))
		for _, kv := range o.LocalStorage {
			items[kv.Name] = kv.Value
		}
		byOrigin[o.Origin] = items
	}
	data, err := json.Marshal(byOrigin)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(function(saved) {
    try {
        const items = saved[location.origin];
        if (!items || sessionStorage.getItem('__sw_restored')) return;
        for (const [k, v] of Object.entries(items)) localStorage.setItem(k, v);
        sessionStorage.setItem('__sw_restored', '1');
    } catch (e) {}
})(%s);`, data), nil
}

// exportOriginScript reads the current origin and its local storage.
const exportOriginScript = `() => {
    const items = [];
    try {
        for (let i = 0; i < localStorage.length; i++) {
            const k = localStorage.key(i);
            items.push({name: k, value: localStorage.getItem(k)});
        }
    } catch (e) {}
    return JSON.stringify({origin: location.origin, localStorage: items});
}`
