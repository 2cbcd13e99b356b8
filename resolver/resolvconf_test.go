package resolver

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resolv.conf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolvConfParse(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := writeTempFile(t, `# comment
nameserver 10.0.0.1
nameserver 10.0.0.2
nameserver 10.0.0.1
search a.com b.com
options ndots:2 timeout:7 attempts:2
`)

	if err := env.r.ResolvConfParse(OptionsAll, path); err != nil {
		t.Fatal(err)
	}

	if n := env.r.CountNameservers(); n != 2 {
		t.Errorf("Pool has %d nameservers, expected 2", n)
	}
	state := env.r.searchState
	if state == nil {
		t.Fatal("Expected a search state")
	}
	if len(state.domains) != 2 || state.domains[0] != "a.com" || state.domains[1] != "b.com" {
		t.Errorf("Search domains are %v, expected [a.com b.com]", state.domains)
	}
	if state.ndots != 2 {
		t.Errorf("ndots is %d, expected 2", state.ndots)
	}
	if env.r.cfg.Timeout != 7*time.Second {
		t.Errorf("Timeout is %v, expected 7s", env.r.cfg.Timeout)
	}
	if env.r.cfg.MaxRetransmits != 2 {
		t.Errorf("MaxRetransmits is %d, expected 2", env.r.cfg.MaxRetransmits)
	}
}

func TestResolvConfDomainReplacesSearch(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := writeTempFile(t, `search a.com b.com
domain c.com
`)

	if err := env.r.ResolvConfParse(OptionSearch, path); err != nil {
		t.Fatal(err)
	}

	state := env.r.searchState
	if state == nil || len(state.domains) != 1 || state.domains[0] != "c.com" {
		t.Fatalf("Expected the domain directive to replace the search list, got %+v", state)
	}
}

func TestResolvConfFlagGating(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := writeTempFile(t, `nameserver 10.0.0.1
search a.com
options ndots:3 timeout:9
`)

	// Only nameserver directives are applied.
	if err := env.r.ResolvConfParse(OptionNameservers, path); err != nil {
		t.Fatal(err)
	}

	if n := env.r.CountNameservers(); n != 1 {
		t.Errorf("Pool has %d nameservers, expected 1", n)
	}
	if env.r.searchState != nil && len(env.r.searchState.domains) > 0 {
		t.Errorf("Search list was applied despite the flag: %v", env.r.searchState.domains)
	}
	if env.r.cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout is %v, expected the default 5s", env.r.cfg.Timeout)
	}
}

func TestResolvConfAttemptsCap(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := writeTempFile(t, "options attempts:9000\n")

	if err := env.r.ResolvConfParse(OptionMisc, path); err != nil {
		t.Fatal(err)
	}
	if env.r.cfg.MaxRetransmits != 255 {
		t.Errorf("MaxRetransmits is %d, expected the cap 255", env.r.cfg.MaxRetransmits)
	}
}

func TestResolvConfMissingFileDefaults(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := filepath.Join(t.TempDir(), "does-not-exist")

	if err := env.r.ResolvConfParse(OptionNameservers, path); err != nil {
		t.Fatal(err)
	}
	if n := env.r.CountNameservers(); n != 1 {
		t.Fatalf("Pool has %d nameservers, expected the 127.0.0.1 default", n)
	}
	if _, ok := env.socks[netip.MustParseAddr("127.0.0.1")]; !ok {
		t.Error("Expected the default nameserver to be 127.0.0.1")
	}
}

func TestResolvConfTooLarge(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := writeTempFile(t, string(make([]byte, maxResolvConfSize+1)))

	err := env.r.ResolvConfParse(OptionsAll, path)
	rcErr, ok := err.(*ResolvConfError)
	if !ok || rcErr.Code != 3 {
		t.Errorf("Expected error code 3, got %v", err)
	}
}

func TestResolvConfIgnoresUnknownDirectives(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := writeTempFile(t, `sortlist 130.155.160.0/255.255.240.0
nameserver 10.0.0.1
`)

	if err := env.r.ResolvConfParse(OptionsAll, path); err != nil {
		t.Fatal(err)
	}
	if n := env.r.CountNameservers(); n != 1 {
		t.Errorf("Pool has %d nameservers, expected 1", n)
	}
}
