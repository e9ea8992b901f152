package wizard

import (
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lkarlslund/sessionrelay/pkg/config"
)

func TestRunServerWizardSavesAnswers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessionrelay.toml")
	ck := "sk-ant-sid01-" + strings.Repeat("a", 86) + "-abcdefAA"
	answers := strings.Join([]string{
		"0.0.0.0:9000", // listen
		"pw",           // password
		"",             // proxy
		"",             // rproxy
		ck + ",garbage",
		"n",  // renew always
		"y",  // pass params
		"16", // buffer
		"",   // tls
	}, "\n") + "\n"

	cfg := config.NewDefaultServerConfig()
	if err := RunServerWizard(strings.NewReader(answers), io.Discard, path, cfg); err != nil {
		t.Fatalf("wizard: %v", err)
	}
	got, err := config.LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ListenAddr != "0.0.0.0:9000" || got.Password != "pw" || got.BufferSize != 16 {
		t.Fatalf("unexpected config %+v", got)
	}
	if got.Settings.RenewAlways || !got.Settings.PassParams || got.TLS.Enabled {
		t.Fatalf("unexpected settings %+v tls=%v", got.Settings, got.TLS.Enabled)
	}
	if len(got.CookieArray) != 1 || got.CookieArray[0].Cookie.Inner() != ck {
		t.Fatalf("unexpected cookies %+v", got.CookieArray)
	}
}

func TestParseBoolKeepsDefault(t *testing.T) {
	if !parseBool("maybe", true) || parseBool("", false) {
		t.Fatal("unrecognised input should keep the default")
	}
}
