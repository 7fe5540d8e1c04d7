// Command smoke runs a login/me/logout round trip against a live
// authgate-api instance. Exit code zero means the session pipeline works.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("AUTHGATE_SMOKE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	username := os.Getenv("AUTHGATE_SMOKE_USER")
	if username == "" {
		username = "owner"
	}
	password := os.Getenv("AUTHGATE_SMOKE_PASSWORD")
	if password == "" {
		log.Fatal("AUTHGATE_SMOKE_PASSWORD is required")
	}

	client := &http.Client{Timeout: 10 * time.Second}

	var login struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	post(client, base+"/api/auth/login", map[string]any{
		"username": username,
		"password": password,
	}, "", http.StatusOK, &login)
	if login.AccessToken == "" || login.TokenType != "bearer" {
		log.Fatalf("login returned no usable token: %+v", login)
	}

	var me struct {
		User struct {
			Username string `json:"username"`
		} `json:"user"`
		Permissions []string `json:"permissions"`
	}
	get(client, base+"/api/auth/me", login.AccessToken, http.StatusOK, &me)
	if me.User.Username != username {
		log.Fatalf("me returned %q, want %q", me.User.Username, username)
	}

	var verify struct {
		Valid bool `json:"valid"`
	}
	post(client, base+"/api/auth/verify", nil, login.AccessToken, http.StatusOK, &verify)
	if !verify.Valid {
		log.Fatal("verify rejected a fresh token")
	}

	post(client, base+"/api/auth/logout", nil, login.AccessToken, http.StatusOK, nil)

	post(client, base+"/api/auth/verify", nil, login.AccessToken, http.StatusOK, &verify)
	if verify.Valid {
		log.Fatal("token still valid after logout")
	}

	fmt.Printf("✅ authgate smoke test passed: user=%s permissions=%d\n", username, len(me.Permissions))
}

func post(client *http.Client, url string, body any, token string, wantStatus int, out any) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			log.Fatalf("marshal %s: %v", url, err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	do(client, req, token, wantStatus, out)
}

func get(client *http.Client, url, token string, wantStatus int, out any) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		log.Fatalf("request %s: %v", url, err)
	}
	do(client, req, token, wantStatus, out)
}

func do(client *http.Client, req *http.Request, token string, wantStatus int, out any) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: status %d, want %d", req.Method, req.URL.Path, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("%s %s: decode: %v", req.Method, req.URL.Path, err)
		}
	}
}
