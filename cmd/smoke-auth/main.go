package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

const refreshCookieName = "qapms_refresh"

func main() {
	base := os.Getenv("QAPMS_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	email := fmt.Sprintf("smoke-%d@example.com", rnd.Int63())
	password := "smoke-Sufficiently-Long-1"

	resp := post(client, base+"/v1/auth/register", map[string]string{"email": email, "password": password}, nil)
	if resp.StatusCode != http.StatusCreated {
		log.Fatalf("register: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = post(client, base+"/v1/auth/login", map[string]string{"email": email, "password": password}, nil)
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("login: status %d", resp.StatusCode)
	}
	var login struct {
		AccessToken string `json:"access_token"`
	}
	decode(resp, &login)
	first := refreshCookie(resp)
	if login.AccessToken == "" || first == nil {
		log.Fatal("login: missing access token or refresh cookie")
	}

	resp = post(client, base+"/v1/auth/refresh", nil, first)
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("refresh: status %d", resp.StatusCode)
	}
	second := refreshCookie(resp)
	resp.Body.Close()
	if second == nil || second.Value == first.Value {
		log.Fatal("refresh: cookie was not rotated")
	}

	// Replay of the first cookie must be rejected and must kill the family.
	resp = post(client, base+"/v1/auth/refresh", nil, first)
	if resp.StatusCode != http.StatusUnauthorized {
		log.Fatalf("replayed refresh: status %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = post(client, base+"/v1/auth/refresh", nil, second)
	if resp.StatusCode != http.StatusUnauthorized {
		log.Fatalf("refresh after family revocation: status %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, base+"/v1/roles", nil)
	if err != nil {
		log.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	got, err := client.Do(req)
	if err != nil {
		log.Fatalf("authorized call: %v", err)
	}
	got.Body.Close()
	if got.StatusCode != http.StatusOK && got.StatusCode != http.StatusForbidden {
		log.Fatalf("authorized call: status %d", got.StatusCode)
	}

	fmt.Printf("✅ auth smoke test passed: %s\n", email)
}

func post(client *http.Client, url string, body map[string]string, cookie *http.Cookie) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatal(err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		log.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode(resp *http.Response, dst any) {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		log.Fatalf("decode %s: %v", resp.Request.URL, err)
	}
}

func refreshCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == refreshCookieName {
			return c
		}
	}
	return nil
}
