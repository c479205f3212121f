package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

// smoke runs against a gateway (or the API directly) started with
// MEDGATE_DEV_TOKENS=true and the clinic seed loaded.
func main() {
	base := os.Getenv("MEDGATE_SMOKE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	if code, _ := call(client, http.MethodGet, base+"/health", "", nil); code != http.StatusOK {
		log.Fatalf("health: status %d", code)
	}

	code, env := call(client, http.MethodGet, base+"/api/rbac/me", "", nil)
	if code != http.StatusUnauthorized || env.Error != "Authorization header missing" {
		log.Fatalf("anonymous /me: status %d error %q", code, env.Error)
	}

	code, env = call(client, http.MethodPost, base+"/api/auth/token", "", map[string]any{"user_id": 1})
	if code != http.StatusOK {
		log.Fatalf("issue token: status %d error %q", code, env.Error)
	}
	var tok struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &tok); err != nil || tok.Token == "" {
		log.Fatalf("issue token: bad payload %s", env.Data)
	}

	code, env = call(client, http.MethodGet, base+"/api/rbac/me", tok.Token, nil)
	if code != http.StatusOK {
		log.Fatalf("/me: status %d error %q", code, env.Error)
	}
	var me struct {
		Permissions []string `json:"permissions"`
	}
	if err := json.Unmarshal(env.Data, &me); err != nil || len(me.Permissions) == 0 {
		log.Fatalf("/me: expected permissions for bootstrap admin, got %s", env.Data)
	}

	code, env = call(client, http.MethodGet, base+"/api/rbac/roles", tok.Token, nil)
	if code != http.StatusOK {
		log.Fatalf("list roles: status %d error %q", code, env.Error)
	}

	if addr := os.Getenv("MEDGATE_SMOKE_GRPC_ADDR"); addr != "" {
		checkGRPCHealth(addr)
	}

	fmt.Printf("medgate smoke test passed: %s, %d permissions\n", base, len(me.Permissions))
}

func call(client *http.Client, method, url, token string, body any) (int, envelope) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("encode %s: %v", url, err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		log.Fatalf("build %s: %v", url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		log.Fatalf("%s %s: response is not JSON: %v", method, url, err)
	}
	return resp.StatusCode, env
}

func checkGRPCHealth(addr string) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "medgate.rbac.v1.RBAC"})
	if err != nil {
		log.Fatalf("grpc health: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("grpc health: %s", resp.GetStatus())
	}
}
