package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"

	"github.com/bigkaa/cartlink/internal/api/handlers"
	"github.com/bigkaa/cartlink/internal/api/middleware"
	"github.com/bigkaa/cartlink/internal/config"
	"github.com/bigkaa/cartlink/internal/device"
	"github.com/bigkaa/cartlink/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubManager struct{}

func (stubManager) Running() bool                     { return true }
func (stubManager) ConnectedDevices() []model.Device { return nil }

func testHandlers(auth *middleware.JWTAuth) Handlers {
	m := stubManager{}
	return Handlers{
		Health: handlers.NewHealthHandler(m, "", nil),
		Devices: handlers.NewDevicesHandler(m, func(id string) (handlers.Pinger, error) {
			return nil, device.ErrNotConnected
		}, time.Second),
		Events: handlers.NewEventsHandler(device.NewBroker(), m, time.Hour, testLogger()),
		Auth:   auth,
	}
}

// emptyKeyAuth — JWTAuth со случайным ключом: ни один запрос без
// корректного токена не пройдёт.
func emptyKeyAuth(t *testing.T) *middleware.JWTAuth {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	jwks, _ := json.Marshal(map[string]any{"keys": []map[string]any{{
		"kty": "RSA", "kid": "k", "alg": "RS256", "use": "sig",
		"n": base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}}})
	kf, err := keyfunc.NewJWKSetJSON(jwks)
	if err != nil {
		t.Fatal(err)
	}
	return middleware.NewJWTAuthWithKeyfunc(kf, time.Second, testLogger())
}

func TestRouter(t *testing.T) {
	tests := []struct {
		name   string
		auth   bool
		method string
		path   string
		want   int
	}{
		{"live", false, http.MethodGet, "/health/live", http.StatusOK},
		{"ready", false, http.MethodGet, "/health/ready", http.StatusOK},
		{"metrics", false, http.MethodGet, "/metrics", http.StatusOK},
		{"устройства без аутентификации", false, http.MethodGet, "/api/v1/devices", http.StatusOK},
		{"ping неподключённого", false, http.MethodPost, "/api/v1/devices/Ab12Cd34/ping", http.StatusNotFound},
		{"устройства без токена", true, http.MethodGet, "/api/v1/devices", http.StatusUnauthorized},
		{"события без токена", true, http.MethodGet, "/api/v1/events", http.StatusUnauthorized},
		{"health открыт при аутентификации", true, http.MethodGet, "/health/live", http.StatusOK},
		{"неизвестный маршрут", false, http.MethodGet, "/api/v1/files", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var auth *middleware.JWTAuth
			if tt.auth {
				auth = emptyKeyAuth(t)
			}
			router := NewRouter(testHandlers(auth), testLogger())

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("%s %s: статус %d, ожидался %d", tt.method, tt.path, rec.Code, tt.want)
			}
		})
	}
}

func TestRouter_MetricsExposeHTTPCounters(t *testing.T) {
	router := NewRouter(testHandlers(nil), testLogger())
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "cl_http_requests_total") {
		t.Error("в /metrics нет cl_http_requests_total")
	}
}

// TestServer_RunStopsOnCancel проверяет graceful shutdown при открытом
// SSE-потоке.
func TestServer_RunStopsOnCancel(t *testing.T) {
	cfg := &config.Config{Port: freePort(t), ShutdownTimeout: 2 * time.Second}
	srv := New(cfg, testHandlers(nil), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	url := "http://127.0.0.1" + srv.httpServer.Addr

	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		r, err := http.Get(url + "/api/v1/events") //nolint:noctx // тестовый запрос
		if err == nil {
			resp = r
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("сервер не поднялся: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer resp.Body.Close()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("сервер не остановился")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
