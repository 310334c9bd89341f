package hardening

import "testing"

func TestExposed(t *testing.T) {
	cases := map[string]bool{
		"":            false,
		"localhost":   false,
		"127.0.0.1":   false,
		"127.0.0.2":   false,
		"::1":         false,
		"[::1]":       false,
		"0.0.0.0":     true,
		"10.0.0.5":    true,
		"bridge.lan":  true,
		"192.168.1.1": true,
	}
	for addr, want := range cases {
		if got := Exposed(addr); got != want {
			t.Fatalf("Exposed(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestCheckExposure(t *testing.T) {
	good := Options{
		BindAddress:    "0.0.0.0",
		MasterSecret:   "0123456789abcdef",
		AllowedOrigins: "https://console.example.com",
	}
	if err := CheckExposure(good); err != nil {
		t.Fatalf("expected valid exposure, got %v", err)
	}

	loopback := Options{BindAddress: "127.0.0.1", MasterSecret: "x", AllowedOrigins: "*"}
	if err := CheckExposure(loopback); err != nil {
		t.Fatalf("expected loopback to skip checks, got %v", err)
	}

	bad := []Options{
		{BindAddress: "0.0.0.0", MasterSecret: "short"},
		{BindAddress: "0.0.0.0", MasterSecret: good.MasterSecret, UsesRedis: true},
		{BindAddress: "0.0.0.0", MasterSecret: good.MasterSecret, UsesPostgres: true},
		{BindAddress: "0.0.0.0", MasterSecret: good.MasterSecret, AllowedOrigins: "*"},
		{BindAddress: "0.0.0.0", MasterSecret: good.MasterSecret, AllowedOrigins: "http://console.example.com"},
	}
	for i, o := range bad {
		if err := CheckExposure(o); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, o)
		}
	}

	ok := good
	ok.UsesRedis, ok.RedisTLS = true, true
	ok.UsesPostgres, ok.PostgresRequireTLS = true, true
	if err := CheckExposure(ok); err != nil {
		t.Fatalf("expected TLS backends to pass, got %v", err)
	}
}
