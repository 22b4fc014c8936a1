package browser

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/jmylchreest/slotwatch/internal/profile"
	"github.com/jmylchreest/slotwatch/internal/supervisor"
)

func TestDecodeState(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		cookies int
	}{
		{"playwright layout", `{"cookies":[{"name":"JSESSIONID","value":"abc","domain":"prenotami.esteri.it","path":"/","expires":-1,"httpOnly":true,"secure":true,"sameSite":"Lax"}],"origins":[]}`, false, 1},
		{"no cookies", `{"cookies":[],"origins":[{"origin":"https://prenotami.esteri.it","localStorage":[{"name":"k","value":"v"}]}]}`, false, 0},
		{"empty", ``, true, 0},
		{"not json", `garbage`, true, 0},
		{"cookie without domain", `{"cookies":[{"name":"a","value":"b"}]}`, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := DecodeState([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeState() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(st.Cookies) != tt.cookies {
				t.Errorf("len(Cookies) = %d, want %d", len(st.Cookies), tt.cookies)
			}
		})
	}
}

func TestEncodeNeverNull(t *testing.T) {
	data, err := (&StorageState{}).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if got := string(data); got != `{"cookies":[],"origins":[]}` {
		t.Errorf("Encode() = %s", got)
	}
}

func TestMergeOrigin(t *testing.T) {
	st := &StorageState{}
	st.MergeOrigin(Origin{Origin: "https://a.example", LocalStorage: []NameValue{{"k", "1"}}})
	st.MergeOrigin(Origin{Origin: "https://b.example"})
	st.MergeOrigin(Origin{Origin: "https://a.example", LocalStorage: []NameValue{{"k", "2"}}})
	st.MergeOrigin(Origin{Origin: "null"})
	st.MergeOrigin(Origin{})

	if len(st.Origins) != 2 {
		t.Fatalf("len(Origins) = %d, want 2", len(st.Origins))
	}
	if got := st.Origins[0].LocalStorage[0].Value; got != "2" {
		t.Errorf("a.example k = %q, want 2", got)
	}
}

func TestCookieConversion(t *testing.T) {
	network := []*proto.NetworkCookie{
		{Name: "sid", Value: "x", Domain: ".esteri.it", Path: "/", Expires: 1767225600, HTTPOnly: true, Secure: true, SameSite: proto.NetworkCookieSameSiteStrict},
		{Name: "tmp", Value: "y", Domain: "prenotami.esteri.it", Path: "/", Session: true},
		nil,
	}

	cookies := cookiesFromNetwork(network)
	if len(cookies) != 2 {
		t.Fatalf("len = %d, want 2", len(cookies))
	}
	if cookies[1].Expires != -1 {
		t.Errorf("session cookie Expires = %v, want -1", cookies[1].Expires)
	}

	params := cookieParams(cookies)
	if params[0].Expires != proto.TimeSinceEpoch(1767225600) {
		t.Errorf("Expires = %v, want 1767225600", params[0].Expires)
	}
	if params[0].SameSite != proto.NetworkCookieSameSiteStrict {
		t.Errorf("SameSite = %q, want Strict", params[0].SameSite)
	}
	if params[1].Expires != 0 {
		t.Errorf("session cookie param Expires = %v, want unset", params[1].Expires)
	}
	if !params[0].HTTPOnly || !params[0].Secure {
		t.Error("flags lost in conversion")
	}
}

func TestRestoreScript(t *testing.T) {
	script, err := restoreScript(nil)
	if err != nil || script != "" {
		t.Errorf("restoreScript(nil) = %q, %v, want empty", script, err)
	}

	script, err = restoreScript([]Origin{{
		Origin:       "https://prenotami.esteri.it",
		LocalStorage: []NameValue{{Name: "lang", Value: `it"IT`}},
	}})
	if err != nil {
		t.Fatalf("restoreScript() error = %v", err)
	}
	if !strings.Contains(script, `"https://prenotami.esteri.it":{"lang":"it\"IT"}`) {
		t.Errorf("script does not embed escaped storage: %s", script)
	}
}

func TestFingerprintScript(t *testing.T) {
	p := profile.Profile{
		UserAgent:           "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)",
		Viewport:            profile.Viewport{Width: 1440, Height: 900},
		DeviceMemory:        16,
		HardwareConcurrency: 12,
		Locale:              "pt-BR",
	}

	script, err := FingerprintScript(p)
	if err != nil {
		t.Fatalf("FingerprintScript() error = %v", err)
	}
	if strings.Contains(script, "__FINGERPRINT__") {
		t.Fatal("placeholder not replaced")
	}

	start := strings.LastIndex(script, "})(") + 3
	end := strings.LastIndex(script, ");")
	var fp fingerprint
	if err := json.Unmarshal([]byte(script[start:end]), &fp); err != nil {
		t.Fatalf("embedded fingerprint is not JSON: %v", err)
	}
	if fp.Platform != "MacIntel" {
		t.Errorf("Platform = %q, want MacIntel", fp.Platform)
	}
	if fp.HardwareConcurrency != 12 || fp.DeviceMemory != 16 {
		t.Errorf("hardware = %d/%d, want 12/16", fp.HardwareConcurrency, fp.DeviceMemory)
	}
	if len(fp.Languages) == 0 || fp.Languages[0] != "pt-BR" {
		t.Errorf("Languages = %v, want pt-BR first", fp.Languages)
	}
}

func TestAcceptLanguage(t *testing.T) {
	got := acceptLanguage(profile.Profile{Languages: []string{"pt-BR", "pt", "en-US", "en"}})
	want := "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7"
	if got != want {
		t.Errorf("acceptLanguage() = %q, want %q", got, want)
	}
}

type seqRand struct {
	floats []float64
	ints   []int
	fi, ii int
}

func (r *seqRand) Float64() float64 {
	v := r.floats[r.fi%len(r.floats)]
	r.fi++
	return v
}

func (r *seqRand) IntN(n int) int {
	v := r.ints[r.ii%len(r.ints)] % n
	r.ii++
	return v
}

func TestPlanTyping(t *testing.T) {
	t.Run("delays", func(t *testing.T) {
		// delay factor 0, no pause, no typo
		r := &seqRand{floats: []float64{0, 0.9, 0.9}, ints: []int{0}}
		plan := PlanTyping("aB@", r)
		want := []time.Duration{typeBaseDelay, typeSlowDelay, typeSlowDelay}
		for i, k := range plan {
			if k.Delay != want[i] {
				t.Errorf("plan[%d].Delay = %v, want %v", i, k.Delay, want[i])
			}
			if k.Pause != 0 || k.Typo != 0 {
				t.Errorf("plan[%d] has pause/typo: %+v", i, k)
			}
		}
	})

	t.Run("pause and typo", func(t *testing.T) {
		r := &seqRand{floats: []float64{1, 0.01, 0.01}, ints: []int{150, 3}}
		plan := PlanTyping("x", r)
		k := plan[0]
		if k.Delay != time.Duration(float64(typeBaseDelay)*typeMaxFactor) {
			t.Errorf("Delay = %v, want max", k.Delay)
		}
		if k.Pause != 350*time.Millisecond {
			t.Errorf("Pause = %v, want 350ms", k.Pause)
		}
		if k.Typo != 'd' {
			t.Errorf("Typo = %q, want 'd'", k.Typo)
		}
	})

	t.Run("no typos on symbols", func(t *testing.T) {
		r := &seqRand{floats: []float64{0, 0.9, 0}, ints: []int{0}}
		for _, k := range PlanTyping("1@!", r) {
			if k.Typo != 0 {
				t.Errorf("Typo on %q", k.Char)
			}
		}
	})

	t.Run("bounds", func(t *testing.T) {
		for _, k := range PlanTyping("Hello, World! user@example.com", nil) {
			if k.Delay < typeBaseDelay || k.Delay > time.Duration(float64(typeSlowDelay)*typeMaxFactor) {
				t.Errorf("Delay %v out of range for %q", k.Delay, k.Char)
			}
			if k.Pause != 0 && (k.Pause < typePauseMin || k.Pause >= typePauseMin+typePauseRange*time.Millisecond) {
				t.Errorf("Pause %v out of range", k.Pause)
			}
		}
	})
}

func TestMousePath(t *testing.T) {
	from := proto.Point{X: 10, Y: 10}
	to := proto.Point{X: 310, Y: 410}

	for _, steps := range []int{1, 10, 30} {
		path := MousePath(from, to, steps, &seqRand{floats: []float64{0.8}, ints: []int{0}})
		if len(path) != steps {
			t.Fatalf("len(path) = %d, want %d", len(path), steps)
		}
		last := path[len(path)-1]
		if math.Abs(last.X-to.X) > 1e-9 || math.Abs(last.Y-to.Y) > 1e-9 {
			t.Errorf("steps=%d ends at %+v, want %+v", steps, last, to)
		}
	}

	path := MousePath(from, from, 5, nil)
	for _, pt := range path {
		if pt != from {
			t.Errorf("zero-length path moved to %+v", pt)
		}
	}
}

func TestPageRejectsStaleHandle(t *testing.T) {
	if _, err := Page(&supervisor.Handle{}); !errors.Is(err, supervisor.ErrNotInitialized) {
		t.Errorf("Page() error = %v, want ErrNotInitialized", err)
	}
}
