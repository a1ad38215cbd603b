package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNewWebhookGuard はWebhookGuardの生成をテストする。
func TestNewWebhookGuard(t *testing.T) {
	guard := NewWebhookGuard()
	if guard == nil {
		t.Fatal("NewWebhookGuard() returned nil")
	}
}

// TestNewClient はWebhook配信用HTTPクライアントの生成をテストする。
func TestNewClient(t *testing.T) {
	guard := NewWebhookGuard()
	client := guard.NewClient(10 * time.Second)
	if client == nil {
		t.Fatal("NewClient() returned nil")
	}
}

// TestNewClientTimeout はタイムアウト設定が反映されることをテストする。
func TestNewClientTimeout(t *testing.T) {
	guard := NewWebhookGuard()
	timeout := 5 * time.Second
	client := guard.NewClient(timeout)
	if client.Timeout != timeout {
		t.Errorf("expected timeout %v, got %v", timeout, client.Timeout)
	}
}

// TestNewClientHasTransport はクライアントにカスタムTransportが設定されていることをテストする。
// safeurlはnet.DialerのControlフックでIPアドレス検証を行うため、
// Transportが標準のhttp.DefaultTransportではないことを確認する。
func TestNewClientHasTransport(t *testing.T) {
	guard := NewWebhookGuard()
	client := guard.NewClient(5 * time.Second)

	if client.Transport == nil {
		t.Fatal("expected custom Transport to be set, got nil")
	}
	if client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport, got http.DefaultTransport")
	}
}

// TestNewClientBlocksLoopback はクライアントがループバックへのリクエストをブロックすることをテストする。
// httptestサーバーは127.0.0.1で起動されるため、safeurlがブロックする。
func TestNewClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	guard := NewWebhookGuard()
	client := guard.NewClient(5 * time.Second)

	_, err := client.Get(ts.URL)
	if err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

// TestValidateEndpoint_PublicURL は公開URLの検証が成功することをテストする。
func TestValidateEndpoint_PublicURL(t *testing.T) {
	guard := NewWebhookGuard()

	publicURLs := []string{
		"https://example.com",
		"https://hooks.example.com/examgate",
		"http://ats.example.org/webhooks/assessments",
	}

	for _, u := range publicURLs {
		t.Run(u, func(t *testing.T) {
			err := guard.ValidateEndpoint(u)
			if err != nil {
				t.Errorf("ValidateEndpoint(%q) returned error: %v", u, err)
			}
		})
	}
}

// TestValidateEndpoint_PrivateIP はプライベートIPアドレスの拒否をテストする。
func TestValidateEndpoint_PrivateIP(t *testing.T) {
	guard := NewWebhookGuard()

	privateURLs := []string{
		"http://10.0.0.1/hooks",
		"http://10.255.255.255/hooks",
		"http://172.16.0.1/hooks",
		"http://172.31.255.255/hooks",
		"http://192.168.0.1/hooks",
		"http://192.168.1.100/hooks",
	}

	for _, u := range privateURLs {
		t.Run(u, func(t *testing.T) {
			err := guard.ValidateEndpoint(u)
			if err == nil {
				t.Errorf("ValidateEndpoint(%q) should have returned error for private IP", u)
			}
		})
	}
}

// TestValidateEndpoint_LoopbackAddress はループバックアドレスの拒否をテストする。
func TestValidateEndpoint_LoopbackAddress(t *testing.T) {
	guard := NewWebhookGuard()

	loopbackURLs := []string{
		"http://127.0.0.1/hooks",
		"http://127.0.0.2/hooks",
		"http://localhost/hooks",
	}

	for _, u := range loopbackURLs {
		t.Run(u, func(t *testing.T) {
			err := guard.ValidateEndpoint(u)
			if err == nil {
				t.Errorf("ValidateEndpoint(%q) should have returned error for loopback address", u)
			}
		})
	}
}

// TestValidateEndpoint_LinkLocalAddress はリンクローカルアドレスの拒否をテストする。
func TestValidateEndpoint_LinkLocalAddress(t *testing.T) {
	guard := NewWebhookGuard()

	linkLocalURLs := []string{
		"http://169.254.0.1/hooks",
		"http://169.254.169.254/latest/meta-data/", // AWS metadata
	}

	for _, u := range linkLocalURLs {
		t.Run(u, func(t *testing.T) {
			err := guard.ValidateEndpoint(u)
			if err == nil {
				t.Errorf("ValidateEndpoint(%q) should have returned error for link-local address", u)
			}
		})
	}
}

// TestValidateEndpoint_InvalidURL は無効なURLの検証が失敗することをテストする。
func TestValidateEndpoint_InvalidURL(t *testing.T) {
	guard := NewWebhookGuard()

	invalidURLs := []string{
		"",
		"not-a-url",
		"ftp://example.com/hooks",
		"file:///etc/passwd",
		"gopher://example.com",
	}

	for _, u := range invalidURLs {
		t.Run(u, func(t *testing.T) {
			err := guard.ValidateEndpoint(u)
			if err == nil {
				t.Errorf("ValidateEndpoint(%q) should have returned error for invalid URL", u)
			}
		})
	}
}

// TestValidateEndpoint_IPv6Loopback はIPv6ループバックアドレスの拒否をテストする。
func TestValidateEndpoint_IPv6Loopback(t *testing.T) {
	guard := NewWebhookGuard()

	err := guard.ValidateEndpoint("http://[::1]/hooks")
	if err == nil {
		t.Error("ValidateEndpoint(\"http://[::1]/hooks\") should have returned error for IPv6 loopback")
	}
}

// TestValidateEndpoint_ZeroAddress は0.0.0.0の拒否をテストする。
func TestValidateEndpoint_ZeroAddress(t *testing.T) {
	guard := NewWebhookGuard()

	err := guard.ValidateEndpoint("http://0.0.0.0/hooks")
	if err == nil {
		t.Error("ValidateEndpoint(\"http://0.0.0.0/hooks\") should have returned error for zero address")
	}
}
