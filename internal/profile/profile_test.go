package profile

import (
	"reflect"
	"testing"
)

func TestPicker_PickFromPools(t *testing.T) {
	pools := DefaultPools()
	p := NewPicker(pools, "pt-BR", "America/Sao_Paulo")

	for i := 0; i < 200; i++ {
		prof := p.Pick()

		if !containsValue(pools.UserAgents, prof.UserAgent) {
			t.Fatalf("UserAgent %q not in pool", prof.UserAgent)
		}
		if !containsValue(pools.Viewports, prof.Viewport) {
			t.Fatalf("Viewport %+v not in pool", prof.Viewport)
		}
		if !containsValue(pools.DeviceMemories, prof.DeviceMemory) {
			t.Fatalf("DeviceMemory %d not in pool", prof.DeviceMemory)
		}
		if !containsValue(pools.HardwareConcurrency, prof.HardwareConcurrency) {
			t.Fatalf("HardwareConcurrency %d not in pool", prof.HardwareConcurrency)
		}
		if !containsValue(pools.DeviceScaleFactors, prof.DeviceScaleFactor) {
			t.Fatalf("DeviceScaleFactor %v not in pool", prof.DeviceScaleFactor)
		}
		if prof.Timezone != "America/Sao_Paulo" {
			t.Fatalf("Timezone = %q, want %q", prof.Timezone, "America/Sao_Paulo")
		}
	}
}

func TestPicker_Deterministic(t *testing.T) {
	p := NewPicker(DefaultPools(), "pt-BR", "America/Sao_Paulo").WithRand(func(n int) int { return n - 1 })

	got := p.Pick()

	if got.Viewport != (Viewport{1280, 720}) {
		t.Errorf("Viewport = %+v, want 1280x720", got.Viewport)
	}
	if got.DeviceMemory != 16 {
		t.Errorf("DeviceMemory = %d, want 16", got.DeviceMemory)
	}
	if got.HardwareConcurrency != 16 {
		t.Errorf("HardwareConcurrency = %d, want 16", got.HardwareConcurrency)
	}
	if got.DeviceScaleFactor != 1.25 {
		t.Errorf("DeviceScaleFactor = %v, want 1.25", got.DeviceScaleFactor)
	}
	if got.Platform != "Win32" {
		t.Errorf("Platform = %q, want Win32", got.Platform)
	}
}

func TestPicker_EmptyPools(t *testing.T) {
	got := NewPicker(Pools{}, "", "UTC").Pick()
	if got.Viewport != (Viewport{1920, 1080}) {
		t.Errorf("Viewport = %+v, want fallback 1920x1080", got.Viewport)
	}
	if got.DeviceMemory != 8 || got.HardwareConcurrency != 8 || got.DeviceScaleFactor != 1 {
		t.Errorf("fallbacks = %d/%d/%v, want 8/8/1", got.DeviceMemory, got.HardwareConcurrency, got.DeviceScaleFactor)
	}
}

func TestLanguages(t *testing.T) {
	tests := []struct {
		locale string
		want   []string
	}{
		{"pt-BR", []string{"pt-BR", "pt", "en-US", "en"}},
		{"it_IT", []string{"it_IT", "it", "en-US", "en"}},
		{"en-US", []string{"en-US", "en"}},
		{"", []string{"en-US", "en"}},
	}
	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			if got := Languages(tt.locale); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Languages(%q) = %v, want %v", tt.locale, got, tt.want)
			}
		})
	}
}

func TestPlatform(t *testing.T) {
	pools := DefaultPools()
	if got := Platform(pools.UserAgents[2]); got != "MacIntel" {
		t.Errorf("Platform(mac UA) = %q, want MacIntel", got)
	}
	if got := Platform(pools.UserAgents[0]); got != "Win32" {
		t.Errorf("Platform(windows UA) = %q, want Win32", got)
	}
	if got := Platform("Mozilla/5.0 (X11; Linux x86_64)"); got != "Linux x86_64" {
		t.Errorf("Platform(linux UA) = %q, want Linux x86_64", got)
	}
}

func containsValue[T comparable](pool []T, v T) bool {
	for _, p := range pool {
		if p == v {
			return true
		}
	}
	return false
}
