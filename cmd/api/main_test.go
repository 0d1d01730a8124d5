package main

import (
	"net/http"
	"testing"
	"time"

	"github.com/telemyapp/emulab-control-plane/internal/config"
)

func TestNewServer_OutlivesRouterTimeout(t *testing.T) {
	srv := newServer(config.Config{ListenAddr: ":9090"}, http.NewServeMux())
	if srv.Addr != ":9090" {
		t.Fatalf("unexpected addr %s", srv.Addr)
	}
	if srv.WriteTimeout < 3*time.Minute {
		t.Fatalf("write timeout %v would cut off slow session starts", srv.WriteTimeout)
	}
}
