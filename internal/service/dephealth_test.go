package service

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// jwksServer — mock JWKS endpoint с заданным статусом ответа.
func jwksServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testDephealthConfig(url string) DephealthConfig {
	return DephealthConfig{
		Name:          "cartlink-test",
		Group:         "cartlink",
		DepName:       "auth-jwks",
		URL:           url,
		CheckInterval: time.Second,
		Registerer:    prometheus.NewRegistry(),
	}
}

func TestNewDephealthService_ValidURL(t *testing.T) {
	srv := jwksServer(t, http.StatusOK)

	ds, err := NewDephealthService(testDephealthConfig(srv.URL), testLogger())
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}
	if ds == nil {
		t.Fatal("DephealthService nil")
	}
	if ds.Healthy() {
		t.Error("до первой проверки состояние не должно быть healthy")
	}
}

func TestNewDephealthService_EmptyURL(t *testing.T) {
	if _, err := NewDephealthService(testDephealthConfig(""), testLogger()); err == nil {
		t.Error("ожидалась ошибка для пустого URL")
	}
}

func TestDephealthService_Statuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"JWKS доступен", http.StatusOK, true},
		{"JWKS отвечает 500", http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := jwksServer(t, tt.status)
			ds, err := NewDephealthService(testDephealthConfig(srv.URL), testLogger())
			if err != nil {
				t.Fatalf("Ошибка создания DephealthService: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := ds.Start(ctx); err != nil {
				t.Fatalf("Ошибка запуска: %v", err)
			}
			defer ds.Stop()

			// Даём время на первую проверку (интервал 1s + запас)
			time.Sleep(3 * time.Second)

			found := false
			for key, val := range ds.Health() {
				if strings.HasPrefix(key, "auth-jwks:") {
					found = true
					if val != tt.want {
						t.Errorf("health[%q] = %v, ожидалось %v", key, val, tt.want)
					}
				}
			}
			if !found {
				t.Errorf("нет записи для auth-jwks в Health(), keys=%v", healthKeys(ds.Health()))
			}
			if ds.Healthy() != tt.want {
				t.Errorf("Healthy() = %v, ожидалось %v", ds.Healthy(), tt.want)
			}
		})
	}
}

// healthKeys возвращает ключи карты health для вывода в сообщениях об ошибках.
func healthKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
